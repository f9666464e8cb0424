// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"math"
	"sync"
	"time"
)

const (
	// recentAttemptWindow is the duration after a connection attempt during
	// which the address is heavily deprioritized for reselection.
	recentAttemptWindow = 10 * time.Minute

	// recentAttemptPenalty is the multiplier applied to the selection
	// priority of an address attempted within recentAttemptWindow.
	recentAttemptPenalty = 0.01

	// attemptPenalty is the multiplier applied to the selection priority
	// for each failed connection attempt.
	attemptPenalty = 0.66

	// maxChanceAttempts caps the number of failed connection attempts that
	// factor into the selection priority so that repeated failures do not
	// make the address practically unselectable.
	maxChanceAttempts = 8
)

// KnownAddress tracks information about a known network address that is used
// to determine how viable an address is.
type KnownAddress struct {
	// mtx is used to ensure safe concurrent access to methods on a known
	// address instance.
	mtx sync.Mutex

	// na is the primary network address that the known address represents.
	na *NetAddress

	// srcAddr is the network address of the peer that suggested the primary
	// network address.  It determines which new buckets the address may
	// occupy and therefore stays stable for the life of the record.
	srcAddr *NetAddress

	// The following fields track the attempts made to connect to the primary
	// network address.  Initially connecting to a peer counts as an attempt,
	// and a successful version message exchange resets the number of attempts
	// to zero.
	attempts    int
	lastattempt time.Time
	lastsuccess time.Time

	// tried indicates whether the address currently exists in a tried bucket.
	tried bool

	// refs represents the total number of new buckets that the known address
	// exists in.  This is updated as the address moves between new and tried
	// buckets.  An address is never in both tables at once, and a record with
	// zero refs that is not tried is removed entirely.
	refs int

	// randomPos is the index of this address in the manager's random order
	// slice.  It is maintained on every insertion and swap removal.
	randomPos int
}

// NetAddress returns the underlying addrmgr.NetAddress associated with the
// known address.
func (ka *KnownAddress) NetAddress() *NetAddress {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.na
}

// Source returns the address this known address was first learned from.
func (ka *KnownAddress) Source() *NetAddress {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.srcAddr
}

// LastAttempt returns the last time the known address was attempted.
func (ka *KnownAddress) LastAttempt() time.Time {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.lastattempt
}

// LastSuccess returns the last time a connection to the known address
// succeeded, or the zero time when it never has.
func (ka *KnownAddress) LastSuccess() time.Time {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.lastsuccess
}

// Attempts returns the number of failed connection attempts since the last
// success.
func (ka *KnownAddress) Attempts() int {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.attempts
}

// Tried returns whether the known address currently occupies a tried table
// slot.
func (ka *KnownAddress) Tried() bool {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()
	return ka.tried
}

// chance returns the selection probability for a known address.  The priority
// depends upon how recently the address was last attempted and how often
// attempts to connect to it have failed.
func (ka *KnownAddress) chance(now time.Time) float64 {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()

	c := 1.0

	// Very recent attempts are much less likely to be retried.  A last
	// attempt timestamp from the future is treated as if it just happened.
	sinceLastAttempt := now.Sub(ka.lastattempt)
	if sinceLastAttempt < 0 {
		sinceLastAttempt = 0
	}
	if sinceLastAttempt < recentAttemptWindow {
		c *= recentAttemptPenalty
	}

	// Each failed attempt deprioritizes the address further, up to a cap.
	attempts := ka.attempts
	if attempts > maxChanceAttempts {
		attempts = maxChanceAttempts
	}
	c *= math.Pow(attemptPenalty, float64(attempts))

	return c
}

// IsTerrible returns true when the address has not been attempted in the last
// minute and meets one of the following criteria:
// 1) It claims to be from the future
// 2) It hasn't been seen in over a month
// 3) It has failed at least three times and never succeeded
// 4) It has failed a total of maxFailures times in the last week
// An address that meets any of these criteria is assumed to be worthless and
// eligible for eviction.
func (ka *KnownAddress) IsTerrible(now time.Time) bool {
	ka.mtx.Lock()
	defer ka.mtx.Unlock()

	switch {
	// Wait a minute after the last attempt before writing the address off.
	// The result of a connection that is still in flight is unknown.
	case ka.lastattempt.After(now.Add(-1 * time.Minute)):
		return false

	// From the future?
	case ka.na.Timestamp.After(now.Add(10 * time.Minute)):
		return true

	// Not seen in over a month?
	case ka.na.Timestamp.Before(now.Add(-1 * numMissingDays * time.Hour * 24)):
		return true

	// Never succeeded?
	case ka.lastsuccess.IsZero() && ka.attempts >= numRetries:
		return true

	// Hasn't succeeded in too long?
	case !ka.lastsuccess.After(now.Add(-1*minBadDays*time.Hour*24)) &&
		ka.attempts >= maxFailures:
		return true

	default:
		return false
	}
}

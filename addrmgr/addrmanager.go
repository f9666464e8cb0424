// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/slowriot/bitgesell/asmap"
	"github.com/slowriot/bitgesell/wire"
)

const (
	// needAddressThreshold is the number of addresses under which the
	// address manager will claim to need more addresses.
	needAddressThreshold = 1000

	// dumpAddressInterval is the interval used to dump the address
	// cache to disk for future use.
	dumpAddressInterval = time.Minute * 10

	// bucketSize is the number of slots in each new and tried bucket.
	bucketSize = 64

	// newBucketCount is the number of buckets that we spread new addresses
	// over.
	newBucketCount = 1024

	// triedBucketCount is the number of buckets we split tried
	// addresses over.
	triedBucketCount = 256

	// triedBucketsPerGroup is the number of tried buckets over which an
	// address group will be spread.
	triedBucketsPerGroup = 8

	// newBucketsPerGroup is the number of new buckets over which a
	// source address group will be spread.
	newBucketsPerGroup = 64

	// newBucketsPerAddress is the maximum number of new buckets a
	// frequently seen address may end up in.
	newBucketsPerAddress = 8

	// numMissingDays is the number of days before which we assume an
	// address has vanished if we have not seen it announced in that long.
	numMissingDays = 30

	// numRetries is the number of tried without a single success before
	// we assume an address is bad.
	numRetries = 3

	// maxFailures is the maximum number of failures we will accept without
	// a success before considering an address bad.
	maxFailures = 10

	// minBadDays is the number of days since the last success before we
	// will consider evicting an address.
	minBadDays = 7

	// getKnownAddressLimit is the maximum number of known addresses returned
	// from the address manager when a collection of known addresses is
	// requested.
	getKnownAddressLimit = 2500

	// getKnownAddressPercentage is the percentage of total number of known
	// addresses returned from the address manager when a collection of known
	// addresses is requested.
	getKnownAddressPercentage = 23

	// triedReplacementInterval is how long a tried table occupant keeps its
	// slot against a collision candidate after demonstrating reachability.
	// An occupant whose probe failed within this interval loses the slot.
	triedReplacementInterval = 4 * time.Hour

	// collisionGracePeriod is how long a probe of a tried table occupant is
	// given to complete before its pending attempt counts as a failure
	// during collision resolution.
	collisionGracePeriod = time.Minute

	// collisionProbeWindow is how long a collision may wait on a probe of
	// the occupant before the candidate is promoted anyway.
	collisionProbeWindow = 40 * time.Minute

	// selectRetryChanceScale is the multiplier applied to the acceptance
	// threshold of the selection sampling loop after each rejected draw so
	// that the loop terminates with high probability even when every
	// candidate has a low selection priority.
	selectRetryChanceScale = 1.2
)

// Rand provides the subset of randomness the address manager consumes.  The
// default implementation draws from a cryptographically seeded source.  It may
// be replaced with a deterministic source for testing.
type Rand interface {
	// IntN returns a random integer in [0, n).  It panics when n <= 0.
	IntN(n int) int
}

// cryptoRand adapts the cryptographically seeded userspace source to the Rand
// interface.
type cryptoRand struct{}

func (cryptoRand) IntN(n int) int { return rand.IntN(n) }

// Config holds the configuration options related to the address manager.
type Config struct {
	// DataDir is the directory where the peers file is persisted.
	DataDir string

	// Net identifies the network the managed addresses belong to.  It is
	// written ahead of the serialized address table so that a peers file
	// belonging to another network is rejected on load.
	Net wire.BitgesellNet

	// ASMap optionally provides the autonomous system map used to group
	// addresses by their origin AS.  When nil, addresses group by the
	// default subnet heuristics.
	ASMap *asmap.ASMap

	// Key optionally fixes the secret key used for bucket placement.  When
	// nil, a random key is generated.  Fixing the key is intended for
	// deterministic testing only.
	Key *[32]byte

	// Rand optionally overrides the source of randomness used for table
	// draws and placement decisions.  When nil, a cryptographically seeded
	// source is used.  Overriding it is intended for deterministic testing
	// only.
	Rand Rand

	// Clock optionally overrides the source of wall clock time.  When nil,
	// the system clock is used.
	Clock clock.Clock

	// Lookup is the function used to resolve DNS host names.
	// The provided function MUST be safe for concurrent access.
	Lookup func(string) ([]net.IP, error)
}

// triedCollision tracks a promotion candidate waiting on an occupied tried
// table slot.  The candidate stays in the new table until the occupant is
// either probed unreachable or vindicated.
type triedCollision struct {
	candidateID int
	occupantID  int
	bucket      int
	slot        int
}

// AddrManager provides a concurrency safe address manager for caching
// potential peers on the Bitgesell network.
type AddrManager struct {
	// mtx is used to ensure safe concurrent access to fields on an instance
	// of the address manager.
	mtx sync.Mutex

	// peersFile is the path of file that the address manager's serialized state
	// is saved to and loaded from.
	peersFile string

	// net is the network the managed addresses belong to.  Its magic value
	// prefixes the peers file.
	net wire.BitgesellNet

	// lookupFunc is a function provided to the address manager that is used to
	// perform DNS lookups for a given hostname.
	// The provided function MUST be safe for concurrent access.
	lookupFunc func(string) ([]net.IP, error)

	// rand is the address manager's source of randomness.  It is used to both
	// randomly retrieve addresses from the address manager's internal new and
	// tried buckets in addition to deciding whether an unknown address is
	// accepted to the address manager.
	rand Rand

	// clock is the address manager's source of wall clock time.
	clock clock.Clock

	// key is a random seed used to map addresses to new and tried buckets.
	// It is persisted with the serialized state so placement survives a
	// restart.
	key [32]byte

	// fixedKey, when set, pins the value key is reinitialized to.
	fixedKey *[32]byte

	// asMap is the optional autonomous system map used for address
	// grouping.  It is immutable once the manager is constructed.
	asMap *asmap.ASMap

	// idCounter is the source of record identifiers.  Identifiers are
	// never reused while referenced.
	idCounter int

	// arena owns every known address record, keyed by its stable id.  The
	// bucket grids and the random order slice reference records by id only.
	arena map[int]*KnownAddress

	// addrIndex maps the IP identity of every known address to its id.
	// The port is deliberately not part of the index key, so a lookup with
	// a different port still resolves to the stored record.
	addrIndex map[string]int

	// addrNew stores ids of addresses considered newly added to the address
	// manager and have not been tried, and of addresses displaced from a
	// tried bucket.  Empty slots hold -1.
	addrNew [newBucketCount][bucketSize]int

	// addrTried stores ids of addresses to which at least one successful
	// connection was made.  Each id occupies exactly one slot across the
	// whole grid.  Empty slots hold -1.
	addrTried [triedBucketCount][bucketSize]int

	// randomOrder holds every known id.  Removal swaps the vacated entry
	// with the final one and truncates, keeping the slice dense for
	// unbiased sampling.
	randomOrder []int

	// collisions holds the pending tried table collisions in registration
	// order.  At most one collision is pending per tried slot.
	collisions []triedCollision

	// addrChanged signals whether the address manager needs to have its state
	// serialized and saved to the file system.
	addrChanged bool

	// started signals whether the address manager has been started.  Its value
	// is 1 or more if started.
	started int32

	// shutdown signals whether a shutdown of the address manager has been
	// initiated.  Its value is 1 or more if a shutdown is done or in progress.
	shutdown int32

	// The following fields are used for lifecycle management of the
	// address manager.
	wg   sync.WaitGroup
	quit chan struct{}

	// nTried represents the total number of tried addresses across all tried
	// buckets.
	nTried int

	// nNew represents the total number of new addresses across all new buckets.
	nNew int

	// lamtx is used to protect access to the local address map.
	lamtx sync.Mutex

	// localAddresses stores all known local addresses, keyed by the respective
	// unique string representation of the network address.
	localAddresses map[string]*localAddress

	// getNewBucket, getTriedBucket, and getBucketSlot compute table
	// placement for an address.  They are fields so tests can substitute
	// deterministic placement.
	getNewBucket   func(netAddr, srcAddr *NetAddress) int
	getTriedBucket func(netAddr *NetAddress) int
	getBucketSlot  func(newTable bool, bucket int, netAddr *NetAddress) int
}

type localAddress struct {
	na    *NetAddress
	score AddressPriority
}

// LocalAddr represents network address information for a local address.
type LocalAddr struct {
	Address string
	Port    uint16
	Score   int32
}

// AddressPriority type is used to describe the hierarchy of local address
// discovery methods.
type AddressPriority int

const (
	// InterfacePrio signifies the address is on a local interface
	InterfacePrio AddressPriority = iota

	// BoundPrio signifies the address has been explicitly bounded to.
	BoundPrio

	// UpnpPrio signifies the address was obtained from UPnP.
	UpnpPrio

	// HTTPPrio signifies the address was obtained from an external HTTP service.
	HTTPPrio

	// ManualPrio signifies the address was provided by --externalip.
	ManualPrio
)

// identity returns the bytes that uniquely identify an endpoint for tried
// bucket and slot derivation: the canonical IP bytes followed by the port in
// big-endian.  The port takes part in placement even though it is not part of
// the dedup index.
func (netAddr *NetAddress) identity() []byte {
	id := make([]byte, 0, len(netAddr.IP)+2)
	id = append(id, netAddr.IP...)
	id = append(id, byte(netAddr.Port>>8), byte(netAddr.Port))
	return id
}

// siphashKeys splits the manager secret key into the pair of 64-bit keys the
// hash primitive consumes.
func siphashKeys(key *[32]byte) (uint64, uint64) {
	k0 := binary.LittleEndian.Uint64(key[0:8])
	k1 := binary.LittleEndian.Uint64(key[8:16])
	return k0, k1
}

// getNewBucket returns the new table bucket index for an address with the
// provided group as announced by a source with the provided group.  A single
// source group reaches at most newBucketsPerGroup distinct buckets, which caps
// how much of the new table one network operator can occupy.  Both hashes are
// keyed so bucket choice cannot be steered without the secret key.
func getNewBucket(key *[32]byte, addrGroup, srcGroup string) int {
	k0, k1 := siphashKeys(key)

	data1 := make([]byte, 0, len(addrGroup)+len(srcGroup))
	data1 = append(data1, addrGroup...)
	data1 = append(data1, srcGroup...)
	hash1 := siphash.Hash(k0, k1, data1)

	var hashbuf [8]byte
	binary.LittleEndian.PutUint64(hashbuf[:], hash1%newBucketsPerGroup)
	data2 := make([]byte, 0, len(srcGroup)+8)
	data2 = append(data2, srcGroup...)
	data2 = append(data2, hashbuf[:]...)
	hash2 := siphash.Hash(k0, k1, data2)
	return int(hash2 % newBucketCount)
}

// getTriedBucket returns the tried table bucket index for the address with the
// provided identity and group.  Addresses sharing a group reach at most
// triedBucketsPerGroup distinct buckets.
func getTriedBucket(key *[32]byte, identity []byte, addrGroup string) int {
	k0, k1 := siphashKeys(key)

	hash1 := siphash.Hash(k0, k1, identity)

	var hashbuf [8]byte
	binary.LittleEndian.PutUint64(hashbuf[:], hash1%triedBucketsPerGroup)
	data2 := make([]byte, 0, len(addrGroup)+8)
	data2 = append(data2, addrGroup...)
	data2 = append(data2, hashbuf[:]...)
	hash2 := siphash.Hash(k0, k1, data2)
	return int(hash2 % triedBucketCount)
}

// getBucketSlot returns the slot the address with the provided identity
// occupies within the provided bucket of either table.
func getBucketSlot(key *[32]byte, newTable bool, bucket int, identity []byte) int {
	k0, k1 := siphashKeys(key)

	tag := byte('K')
	if newTable {
		tag = byte('N')
	}
	data := make([]byte, 0, 5+len(identity))
	data = append(data, tag)
	var bucketBuf [4]byte
	binary.LittleEndian.PutUint32(bucketBuf[:], uint32(bucket))
	data = append(data, bucketBuf[:]...)
	data = append(data, identity...)
	return int(siphash.Hash(k0, k1, data) % bucketSize)
}

// groupKey returns the network group the provided address belongs to for
// bucket derivation.  When an AS map is configured, routable IP addresses
// group by their origin AS number so that an operator cannot widen its bucket
// reach by announcing from many of its own prefixes.
func (a *AddrManager) groupKey(netAddr *NetAddress) string {
	if a.asMap != nil && netAddr.IsRoutable() &&
		(netAddr.Type == IPv4Address || netAddr.Type == IPv6Address) {

		if asn := a.asMap.Lookup(netAddr.IP); asn != 0 {
			return "as" + strconv.FormatUint(uint64(asn), 10)
		}
	}
	return netAddr.GroupKey()
}

// find returns the known address entry for the provided address along with its
// id.  Lookups are by IP identity only, so an address with a port different
// from the stored one still resolves to the record.
//
// This function MUST be called with the address manager lock held (for reads).
func (a *AddrManager) find(netAddr *NetAddress) (int, *KnownAddress) {
	id, exists := a.addrIndex[netAddr.ipString()]
	if !exists {
		return 0, nil
	}
	return id, a.arena[id]
}

// removeRandomOrder drops the provided record from the random order slice by
// swapping it with the final entry and truncating.
//
// This function MUST be called with the address manager lock held (for writes).
func (a *AddrManager) removeRandomOrder(ka *KnownAddress) {
	pos := ka.randomPos
	lastIdx := len(a.randomOrder) - 1
	if pos != lastIdx {
		lastID := a.randomOrder[lastIdx]
		a.randomOrder[pos] = lastID
		a.arena[lastID].randomPos = pos
	}
	a.randomOrder = a.randomOrder[:lastIdx]
}

// swapRandomOrder exchanges two entries of the random order slice while
// keeping the stored positions of the affected records intact.
//
// This function MUST be called with the address manager lock held (for writes).
func (a *AddrManager) swapRandomOrder(i, j int) {
	if i == j {
		return
	}
	idI, idJ := a.randomOrder[i], a.randomOrder[j]
	a.randomOrder[i], a.randomOrder[j] = idJ, idI
	a.arena[idI].randomPos = j
	a.arena[idJ].randomPos = i
}

// deleteRecord erases all bookkeeping for a record that no longer holds any
// table references.  Callers are responsible for the new/tried counters.
//
// This function MUST be called with the address manager lock held (for writes).
func (a *AddrManager) deleteRecord(id int, ka *KnownAddress) {
	a.removeRandomOrder(ka)
	delete(a.addrIndex, ka.na.ipString())
	delete(a.arena, id)
	a.addrChanged = true
}

// clearNewSlot releases the provided new table slot, deleting the record it
// referenced when that was its final table reference.
//
// This function MUST be called with the address manager lock held (for writes).
func (a *AddrManager) clearNewSlot(bucket, slot int) {
	id := a.addrNew[bucket][slot]
	if id == -1 {
		return
	}
	ka := a.arena[id]
	a.addrNew[bucket][slot] = -1
	ka.refs--
	a.addrChanged = true
	if ka.refs == 0 && !ka.tried {
		a.nNew--
		a.deleteRecord(id, ka)
	}
}

// updateAddress is a helper function to either update an address already known
// to the address manager, or to add the address if not already known.  It
// returns whether the address was not previously known and ended up placed in
// the new table.
//
// This function MUST be called with the address manager lock held (for writes).
func (a *AddrManager) updateAddress(netAddr, srcAddr *NetAddress) bool {
	// Filter out non-routable addresses.  Note that non-routable also
	// includes invalid and local addresses.
	if !netAddr.IsRoutable() {
		return false
	}

	now := a.clock.Now()
	id, ka := a.find(netAddr)
	isNew := ka == nil
	if !isNew {
		// Update the last seen time and services.
		// Note that to prevent causing excess garbage on getaddr
		// messages the netaddresses in addrmanager are *immutable*,
		// if we need to change them then we replace the pointer with a
		// new copy so that we don't have to copy every na for getaddr.
		// The source and the port of the very first insertion are kept.
		if netAddr.Timestamp.After(ka.na.Timestamp) ||
			(ka.na.Services&netAddr.Services) != netAddr.Services {

			naCopy := *ka.na
			naCopy.Timestamp = netAddr.Timestamp
			naCopy.AddService(netAddr.Services)
			ka.mtx.Lock()
			ka.na = &naCopy
			ka.mtx.Unlock()
			a.addrChanged = true
		}

		// If already in tried, we have nothing to do here.
		if ka.tried {
			return false
		}

		// Already at our max?
		if ka.refs == newBucketsPerAddress {
			return false
		}

		// The more new buckets already reference the address, the less
		// likely it is to be added to yet another one.  The chance of an
		// additional reference halves per existing reference.
		factor := 1 << uint(ka.refs)
		if factor > 1 && a.rand.IntN(factor) != 0 {
			return false
		}
	} else {
		// Make a copy of the net address to avoid races since it is
		// updated elsewhere in the addrmanager code and would otherwise
		// change the actual netaddress on the peer.
		netAddrCopy := *netAddr
		id = a.idCounter
		a.idCounter++
		ka = &KnownAddress{
			na:        &netAddrCopy,
			srcAddr:   srcAddr,
			randomPos: len(a.randomOrder),
		}
		a.arena[id] = ka
		a.addrIndex[netAddr.ipString()] = id
		a.randomOrder = append(a.randomOrder, id)
		a.nNew++
		a.addrChanged = true
	}

	// The bucket is derived from the stored endpoint and the announcing
	// source, so a well known address can gain references under several
	// sources.
	bucket := a.getNewBucket(ka.na, srcAddr)
	slot := a.getBucketSlot(true, bucket, ka.na)

	occupantID := a.addrNew[bucket][slot]
	if occupantID == id {
		// Already in the computed slot.
		return false
	}
	if occupantID != -1 {
		occupant := a.arena[occupantID]
		if !occupant.IsTerrible(now) {
			// The slot is contested by a viable occupant, so this
			// placement attempt is dropped.  A record left with no
			// table references cannot stay.
			if ka.refs == 0 && !ka.tried {
				a.nNew--
				a.deleteRecord(id, ka)
			}
			return false
		}
		log.Tracef("Expiring terrible address %v for %v", occupant.na.Key(),
			ka.na.Key())
		a.clearNewSlot(bucket, slot)
	}

	ka.refs++
	a.addrNew[bucket][slot] = id
	a.addrChanged = true

	log.Tracef("Added new address %s for a total of %d addresses",
		ka.na.Key(), a.nTried+a.nNew)
	return isNew
}

// enterNewTable places a record holding no table references into its computed
// new table slot, expiring a terrible occupant when the slot is contested.
// The record is deleted outright when the slot is held by a viable entry,
// since a record referenced by neither table cannot remain.
//
// This function MUST be called with the address manager lock held (for writes).
func (a *AddrManager) enterNewTable(now time.Time, ka *KnownAddress, id int) {
	bucket := a.getNewBucket(ka.na, ka.srcAddr)
	slot := a.getBucketSlot(true, bucket, ka.na)

	occupantID := a.addrNew[bucket][slot]
	if occupantID != -1 {
		occupant := a.arena[occupantID]
		if !occupant.IsTerrible(now) {
			log.Tracef("Dropping %v displaced from tried with no new "+
				"slot available", ka.na.Key())
			a.deleteRecord(id, ka)
			return
		}
		a.clearNewSlot(bucket, slot)
	}

	ka.refs++
	a.addrNew[bucket][slot] = id
	a.nNew++
	a.addrChanged = true
}

// makeTried moves an address from the new table to its tried table slot.  An
// occupant of the target slot is displaced back into the new table first.
//
// This function MUST be called with the address manager lock held (for writes).
func (a *AddrManager) makeTried(ka *KnownAddress, id int) {
	// Remove the address from every new bucket that references it.
	for bucket := 0; bucket < newBucketCount && ka.refs > 0; bucket++ {
		slot := a.getBucketSlot(true, bucket, ka.na)
		if a.addrNew[bucket][slot] == id {
			a.addrNew[bucket][slot] = -1
			ka.refs--
		}
	}
	a.nNew--

	now := a.clock.Now()
	bucket := a.getTriedBucket(ka.na)
	slot := a.getBucketSlot(false, bucket, ka.na)

	// Displace the current occupant of the target slot, if any, back into
	// the new table.
	if occupantID := a.addrTried[bucket][slot]; occupantID != -1 {
		occupant := a.arena[occupantID]
		a.addrTried[bucket][slot] = -1
		occupant.mtx.Lock()
		occupant.tried = false
		occupant.mtx.Unlock()
		a.nTried--
		log.Tracef("Replacing %s with %s in tried", occupant.na.Key(),
			ka.na.Key())
		a.enterNewTable(now, occupant, occupantID)
	}

	a.addrTried[bucket][slot] = id
	ka.mtx.Lock()
	ka.tried = true
	ka.mtx.Unlock()
	a.nTried++
	a.addrChanged = true
}

// AddAddresses adds new addresses to the address manager and returns whether
// any of them was not previously known and ended up placed.  It silently
// ignores addresses it already knows about.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddAddresses(addrs []*NetAddress, srcAddr *NetAddress) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	var anyNew bool
	for _, na := range addrs {
		if a.updateAddress(na, srcAddr) {
			anyNew = true
		}
	}
	return anyNew
}

// AddAddress adds a new address to the address manager and returns whether it
// was not previously known and ended up placed.  It silently ignores addresses
// it already knows about.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddAddress(addr, srcAddr *NetAddress) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.updateAddress(addr, srcAddr)
}

// AddAddressByIP adds an address where we are given an ip:port and not a
// NetAddress.  The address is used as its own source.
func (a *AddrManager) AddAddressByIP(addrIP string) error {
	na, err := a.newNetAddressFromString(addrIP)
	if err != nil {
		return err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.updateAddress(na, na)
	return nil
}

// Good marks the provided known address as good.  This should be called after
// a successful outbound connection and version exchange with a peer.  The
// address is promoted from the new table to the tried table, unless its tried
// slot is occupied, in which case the promotion is registered as a pending
// collision for the test-before-evict protocol to settle.  Success reported
// for an unknown address, or with a port other than the stored one, changes
// nothing.
//
// This function is safe for concurrent access.
func (a *AddrManager) Good(addr *NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	id, ka := a.find(addr)
	if ka == nil {
		return
	}
	// Promotion vouches for the exact endpoint.  A success on some other
	// port says nothing about the stored one.
	if ka.na.Port != addr.Port {
		return
	}

	// ka.na.Timestamp is not updated here to avoid leaking information
	// about currently connected peers.
	now := a.clock.Now()
	ka.mtx.Lock()
	ka.lastsuccess = now
	ka.lastattempt = now
	ka.attempts = 0
	ka.mtx.Unlock()
	a.addrChanged = true

	// If the address is already tried then return since it's already good.
	if ka.tried {
		return
	}

	bucket := a.getTriedBucket(ka.na)
	slot := a.getBucketSlot(false, bucket, ka.na)

	occupantID := a.addrTried[bucket][slot]
	if occupantID != -1 {
		// The slot's occupant keeps its place until a probe proves it
		// unreachable.  Register the contest unless the slot already
		// has one pending.
		for _, c := range a.collisions {
			if c.bucket == bucket && c.slot == slot {
				return
			}
		}
		a.collisions = append(a.collisions, triedCollision{
			candidateID: id,
			occupantID:  occupantID,
			bucket:      bucket,
			slot:        slot,
		})
		log.Tracef("Collision inserting %s into tried table, contested "+
			"by %s", ka.na.Key(), a.arena[occupantID].na.Key())
		return
	}

	a.makeTried(ka, id)
}

// Attempt updates the last attempt time of the provided known address and,
// when countFailure is set, increases its failed attempt counter.  Attempts on
// unknown addresses change nothing.
//
// This function is safe for concurrent access.
func (a *AddrManager) Attempt(addr *NetAddress, countFailure bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	_, ka := a.find(addr)
	if ka == nil {
		return
	}

	now := a.clock.Now()
	ka.mtx.Lock()
	ka.lastattempt = now
	if countFailure {
		ka.attempts++
	}
	ka.mtx.Unlock()
	a.addrChanged = true
}

// Connected marks the provided known address as connected and working at the
// current time.  Unknown addresses change nothing.
//
// This function is safe for concurrent access.
func (a *AddrManager) Connected(addr *NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	_, ka := a.find(addr)
	if ka == nil {
		return
	}

	// Update the time as long as it has been 20 minutes since last we did
	// so.
	now := a.clock.Now()
	if now.After(ka.na.Timestamp.Add(time.Minute * 20)) {
		// ka.na is immutable, so replace it.
		ka.mtx.Lock()
		naCopy := *ka.na
		naCopy.Timestamp = now
		ka.na = &naCopy
		ka.mtx.Unlock()
		a.addrChanged = true
	}
}

// SetServices sets the services for the provided known address to the
// provided value.  Unknown addresses change nothing.
//
// This function is safe for concurrent access.
func (a *AddrManager) SetServices(addr *NetAddress, services wire.ServiceFlag) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	_, ka := a.find(addr)
	if ka == nil {
		return
	}

	// Update the services if needed.
	if ka.na.Services != services {
		// ka.na is immutable, so replace it.
		ka.mtx.Lock()
		naCopy := *ka.na
		naCopy.Services = services
		ka.na = &naCopy
		ka.mtx.Unlock()
		a.addrChanged = true
	}
}

// Delete removes the provided address from the address manager entirely: its
// bucket references, its random order entry, and its record.  Unknown
// addresses change nothing.
//
// This function is safe for concurrent access.
func (a *AddrManager) Delete(addr *NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	id, ka := a.find(addr)
	if ka == nil {
		return
	}

	for bucket := 0; bucket < newBucketCount && ka.refs > 0; bucket++ {
		slot := a.getBucketSlot(true, bucket, ka.na)
		if a.addrNew[bucket][slot] == id {
			a.addrNew[bucket][slot] = -1
			ka.refs--
		}
	}
	if ka.tried {
		bucket := a.getTriedBucket(ka.na)
		slot := a.getBucketSlot(false, bucket, ka.na)
		if a.addrTried[bucket][slot] == id {
			a.addrTried[bucket][slot] = -1
		}
		ka.mtx.Lock()
		ka.tried = false
		ka.mtx.Unlock()
		a.nTried--
	} else {
		a.nNew--
	}
	a.deleteRecord(id, ka)
}

// numAddresses returns the number of addresses known to the address manager.
//
// This function MUST be called with the address manager lock held (for reads).
func (a *AddrManager) numAddresses() int {
	return a.nTried + a.nNew
}

// NumAddresses returns the number of addresses known to the address manager.
//
// This function is safe for concurrent access.
func (a *AddrManager) NumAddresses() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.numAddresses()
}

// NeedMoreAddresses returns whether or not the address manager needs more
// addresses.
//
// This function is safe for concurrent access.
func (a *AddrManager) NeedMoreAddresses() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.numAddresses() < needAddressThreshold
}

// Select returns a single address that should be routable.  It picks a random
// one from the possible addresses with preference given to ones that have not
// been used recently and should not pick 'close' addresses consecutively.  The
// new and tried tables have an even chance of supplying the address when both
// are populated, unless newOnly restricts the draw to the new table.  It
// returns nil when no table can supply an address.
//
// This function is safe for concurrent access.
func (a *AddrManager) Select(newOnly bool) *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.numAddresses() == 0 {
		return nil
	}
	if newOnly && a.nNew == 0 {
		return nil
	}

	now := a.clock.Now()
	const large = 1 << 30
	chanceFactor := 1.0
	if !newOnly && a.nTried > 0 && (a.nNew == 0 || a.rand.IntN(2) == 0) {
		// Tried entry.
		for {
			// Pick a random occupied slot.
			bucket := a.rand.IntN(triedBucketCount)
			slot := a.rand.IntN(bucketSize)
			id := a.addrTried[bucket][slot]
			if id == -1 {
				continue
			}
			ka := a.arena[id]

			randval := a.rand.IntN(large)
			if float64(randval) < chanceFactor*ka.chance(now)*large {
				log.Tracef("Selected %v from tried bucket", ka.na.Key())
				return ka
			}
			chanceFactor *= selectRetryChanceScale
		}
	}

	// New entry.
	for {
		bucket := a.rand.IntN(newBucketCount)
		slot := a.rand.IntN(bucketSize)
		id := a.addrNew[bucket][slot]
		if id == -1 {
			continue
		}
		ka := a.arena[id]

		randval := a.rand.IntN(large)
		if float64(randval) < chanceFactor*ka.chance(now)*large {
			log.Tracef("Selected %v from new bucket", ka.na.Key())
			return ka
		}
		chanceFactor *= selectRetryChanceScale
	}
}

// GetAddresses returns a random subset of all known addresses, drawn without
// replacement.  The subset holds maxPct percent of the known addresses when
// maxPct is positive, further capped at maxAddresses when that is positive.
// No quality filtering is applied; callers that want to avoid handing out
// stale entries filter with IsTerrible.
//
// This function is safe for concurrent access.
func (a *AddrManager) GetAddresses(maxAddresses, maxPct int) []*KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	total := len(a.randomOrder)
	count := total
	if maxPct > 0 {
		count = total * maxPct / 100
	}
	if maxAddresses > 0 && count > maxAddresses {
		count = maxAddresses
	}

	// Fisher-Yates shuffle the random order slice.  Only the first count
	// entries are needed, and the swaps keep every record's stored position
	// intact for later removals.
	addrs := make([]*KnownAddress, 0, count)
	for i := 0; i < count; i++ {
		// Pick a number between current index and the end.
		j := a.rand.IntN(total-i) + i
		a.swapRandomOrder(i, j)
		addrs = append(addrs, a.arena[a.randomOrder[i]])
	}
	return addrs
}

// AddressCache returns a randomized subset of all known addresses suitable for
// handing to a gossiping peer, with stale and failing entries filtered out.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddressCache() []*NetAddress {
	kas := a.GetAddresses(getKnownAddressLimit, getKnownAddressPercentage)
	if len(kas) == 0 {
		return nil
	}

	now := a.clock.Now()
	addrs := make([]*NetAddress, 0, len(kas))
	for _, ka := range kas {
		// Skip low quality addresses.
		if ka.IsTerrible(now) {
			continue
		}
		addrs = append(addrs, ka.NetAddress())
	}
	return addrs
}

// SelectTriedCollision returns the tried table occupant contested by the
// oldest pending collision whose slot is still occupied.  The caller is
// expected to probe the returned address and report the outcome through
// Attempt or Good, after which ResolveCollisions settles the contest.  Pending
// entries whose candidate has vanished are pruned.  It returns nil when no
// collision is pending.
//
// This function is safe for concurrent access.
func (a *AddrManager) SelectTriedCollision() *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	for i := 0; i < len(a.collisions); {
		c := a.collisions[i]
		ka := a.arena[c.candidateID]
		if ka == nil || ka.tried {
			// The candidate vanished or was promoted through another
			// path while the collision was pending.
			a.collisions = append(a.collisions[:i], a.collisions[i+1:]...)
			continue
		}
		occupantID := a.addrTried[c.bucket][c.slot]
		if occupantID == -1 {
			// Nothing left to probe for this entry.  ResolveCollisions
			// will promote the candidate into the vacated slot.
			i++
			continue
		}
		return a.arena[occupantID]
	}
	return nil
}

// promoteCandidate moves a pending collision candidate into the tried table
// with the bookkeeping of a direct promotion.
//
// This function MUST be called with the address manager lock held (for writes).
func (a *AddrManager) promoteCandidate(ka *KnownAddress, id int, now time.Time) {
	ka.mtx.Lock()
	ka.lastsuccess = now
	ka.lastattempt = now
	ka.attempts = 0
	ka.mtx.Unlock()
	a.makeTried(ka, id)
}

// ResolveCollisions settles the pending tried table collisions that have an
// outcome.  A candidate is promoted, displacing the occupant, when the
// occupant has gone terrible, or when a probe of the occupant failed within
// the replacement interval, or when no probe outcome arrived within the probe
// window.  A candidate whose occupant demonstrated reachability within the
// replacement interval is dropped.  Contests still waiting on a probe remain
// pending.
//
// This function is safe for concurrent access.
func (a *AddrManager) ResolveCollisions() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	now := a.clock.Now()
	remaining := a.collisions[:0]
	for _, c := range a.collisions {
		ka := a.arena[c.candidateID]
		if ka == nil || ka.tried {
			// The candidate vanished or was promoted through another
			// path while the collision was pending.
			continue
		}

		occupantID := a.addrTried[c.bucket][c.slot]
		if occupantID == -1 {
			// The contested slot has been vacated.
			a.promoteCandidate(ka, c.candidateID, now)
			continue
		}

		occupant := a.arena[occupantID]
		switch {
		case occupant.IsTerrible(now):
			a.promoteCandidate(ka, c.candidateID, now)

		case now.Sub(occupant.lastsuccess) < triedReplacementInterval:
			// The occupant demonstrated reachability recently enough
			// to keep its slot.  The candidate loses.

		case now.Sub(occupant.lastattempt) < triedReplacementInterval:
			// The occupant was probed and has not succeeded since.
			// Give an in-flight connection a minute to complete
			// before ruling it a failure.
			if now.Sub(occupant.lastattempt) > collisionGracePeriod {
				log.Tracef("Eviction of %s by %s after failed probe",
					occupant.na.Key(), ka.na.Key())
				a.promoteCandidate(ka, c.candidateID, now)
			} else {
				remaining = append(remaining, c)
			}

		case now.Sub(ka.lastsuccess) > collisionProbeWindow:
			// No probe outcome arrived within the window.  Stop
			// waiting on the occupant and promote anyway.
			log.Tracef("Unable to test; eviction of %s by %s anyway",
				occupant.na.Key(), ka.na.Key())
			a.promoteCandidate(ka, c.candidateID, now)

		default:
			remaining = append(remaining, c)
		}
	}
	a.collisions = remaining
}

// addressHandler is the main handler for the address manager.  It must be run
// as a goroutine.
func (a *AddrManager) addressHandler() {
out:
	for {
		select {
		case <-a.clock.TickAfter(dumpAddressInterval):
			a.savePeers()

		case <-a.quit:
			break out
		}
	}
	a.savePeers()
	a.wg.Done()
	log.Trace("Address handler done")
}

// Start begins the core address handler which manages a pool of known
// addresses, timeouts, and interval based writes.  If the address manager is
// starting or has already been started, invoking this method has no
// effect.
//
// This function is safe for concurrent access.
func (a *AddrManager) Start() {
	// Return early if the address manager has already been started.
	if atomic.AddInt32(&a.started, 1) != 1 {
		return
	}

	log.Trace("Starting address manager")

	// Load peers we already know about from file.
	a.loadPeers()

	// Start the address ticker to save addresses periodically.
	a.wg.Add(1)
	go a.addressHandler()
}

// Stop gracefully shuts down the address manager by stopping the main handler.
//
// This function is safe for concurrent access.
func (a *AddrManager) Stop() error {
	// Return early if the address manager has already been stopped.
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Warnf("Address manager is already in the process of shutting down")
		return nil
	}

	log.Infof("Address manager shutting down")
	close(a.quit)
	a.wg.Wait()
	return nil
}

// reset resets the address manager by reinitialising the random source
// and allocating fresh empty bucket storage.
//
// This function MUST be called with the address manager lock held (for writes)
// when the address manager is shared.
func (a *AddrManager) reset() {
	a.arena = make(map[int]*KnownAddress)
	a.addrIndex = make(map[string]int)

	// Fill the key from a good random source unless it is pinned.
	if a.fixedKey != nil {
		copy(a.key[:], a.fixedKey[:])
	} else {
		rand.Read(a.key[:])
	}

	for bucket := range a.addrNew {
		for slot := range a.addrNew[bucket] {
			a.addrNew[bucket][slot] = -1
		}
	}
	for bucket := range a.addrTried {
		for slot := range a.addrTried[bucket] {
			a.addrTried[bucket][slot] = -1
		}
	}
	a.randomOrder = nil
	a.collisions = nil
	a.nNew = 0
	a.nTried = 0
	a.addrChanged = true

	a.getNewBucket = func(netAddr, srcAddr *NetAddress) int {
		return getNewBucket(&a.key, a.groupKey(netAddr), a.groupKey(srcAddr))
	}
	a.getTriedBucket = func(netAddr *NetAddress) int {
		return getTriedBucket(&a.key, netAddr.identity(), a.groupKey(netAddr))
	}
	a.getBucketSlot = func(newTable bool, bucket int, netAddr *NetAddress) int {
		return getBucketSlot(&a.key, newTable, bucket, netAddr.identity())
	}
}

// HostToNetAddress parses and returns a network address given a hostname in a
// supported format (IPv4, IPv6, TORv3).  If the hostname cannot be immediately
// converted from a known address format, it will be resolved using the lookup
// function provided to the address manager.  If it cannot be resolved, an
// error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) HostToNetAddress(host string, port uint16, services wire.ServiceFlag) (*NetAddress, error) {
	addrType, addrBytes := EncodeHost(host)
	if addrType == UnknownAddressType {
		ips, err := a.lookupFunc(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses found for %s", host)
		}
		return NewNetAddressFromIPPort(ips[0], port, services), nil
	}

	timestamp := time.Unix(a.clock.Now().Unix(), 0)
	return NewNetAddressFromParams(addrType, addrBytes, port, timestamp, services)
}

// AddLocalAddress adds na to the list of known local addresses to advertise
// with the given priority.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddLocalAddress(na *NetAddress, priority AddressPriority) error {
	if !na.IsRoutable() {
		return fmt.Errorf("address %s is not routable", na.ipString())
	}

	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	key := na.Key()
	la, ok := a.localAddresses[key]
	if !ok || la.score < priority {
		if ok {
			la.score = priority + 1
		} else {
			a.localAddresses[key] = &localAddress{
				na:    na,
				score: priority,
			}
		}
	}
	return nil
}

// HasLocalAddress asserts if the manager has the provided local address.
//
// This function is safe for concurrent access.
func (a *AddrManager) HasLocalAddress(na *NetAddress) bool {
	key := na.Key()
	a.lamtx.Lock()
	_, ok := a.localAddresses[key]
	a.lamtx.Unlock()
	return ok
}

// LocalAddresses returns a summary of the local addresses known to the
// address manager.
//
// This function is safe for concurrent access.
func (a *AddrManager) LocalAddresses() []LocalAddr {
	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	addrs := make([]LocalAddr, 0, len(a.localAddresses))
	for _, addr := range a.localAddresses {
		la := LocalAddr{
			Address: addr.na.ipString(),
			Port:    addr.na.Port,
		}

		addrs = append(addrs, la)
	}

	return addrs
}

// NetAddressReach represents the connection state between two addresses.
type NetAddressReach int

const (
	// Unreachable represents a publicly unreachable connection state
	// between two addresses.
	Unreachable NetAddressReach = 0

	// Default represents the default connection state between
	// two addresses.
	Default NetAddressReach = iota

	// Teredo represents a connection state between two RFC4380 addresses.
	Teredo

	// Ipv6Weak represents a weak IPV6 connection state between two
	// addresses.
	Ipv6Weak

	// Ipv4 represents an IPV4 connection state between two addresses.
	Ipv4

	// Ipv6Strong represents a connection state between two IPV6 addresses.
	Ipv6Strong

	// Private represents a connection state connect between two Tor addresses.
	Private
)

// getReachabilityFrom returns the relative reachability of the provided local
// address to the provided remote address.
func getReachabilityFrom(localAddr, remoteAddr *NetAddress) NetAddressReach {
	if !remoteAddr.IsRoutable() {
		return Unreachable
	}

	if remoteAddr.Type == TorV3Address {
		if localAddr.Type == TorV3Address {
			return Private
		}

		if localAddr.IsRoutable() && isIPv4(localAddr.IP) {
			return Ipv4
		}

		return Default
	}

	if isRFC4380(remoteAddr.IP) {
		if !localAddr.IsRoutable() {
			return Default
		}

		if isRFC4380(localAddr.IP) {
			return Teredo
		}

		if isIPv4(localAddr.IP) {
			return Ipv4
		}

		return Ipv6Weak
	}

	if isIPv4(remoteAddr.IP) {
		if localAddr.IsRoutable() && isIPv4(localAddr.IP) {
			return Ipv4
		}
		return Unreachable
	}

	/* ipv6 */
	var tunnelled bool
	// Is our v6 tunnelled?
	if isRFC3964(localAddr.IP) || isRFC6052(localAddr.IP) || isRFC6145(localAddr.IP) {
		tunnelled = true
	}

	if !localAddr.IsRoutable() {
		return Default
	}

	if isRFC4380(localAddr.IP) {
		return Teredo
	}

	if isIPv4(localAddr.IP) {
		return Ipv4
	}

	if tunnelled {
		// only prioritise ipv6 if we aren't tunnelling it.
		return Ipv6Weak
	}

	return Ipv6Strong
}

// GetBestLocalAddress returns the most appropriate local address to use
// for the given remote address.
//
// This function is safe for concurrent access.
func (a *AddrManager) GetBestLocalAddress(remoteAddr *NetAddress) *NetAddress {
	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	bestreach := Default
	var bestscore AddressPriority
	var bestAddress *NetAddress
	for _, la := range a.localAddresses {
		reach := getReachabilityFrom(la.na, remoteAddr)
		if reach > bestreach ||
			(reach == bestreach && la.score > bestscore) {
			bestreach = reach
			bestscore = la.score
			bestAddress = la.na
		}
	}
	if bestAddress != nil {
		log.Debugf("Suggesting address %s for %s", bestAddress.Key(),
			remoteAddr.Key())
	} else {
		log.Debugf("No worthy address for %s", remoteAddr.Key())

		// Send something unroutable if nothing suitable.
		var ip net.IP
		if !isIPv4(remoteAddr.IP) && remoteAddr.Type != TorV3Address {
			ip = net.IPv6zero
		} else {
			ip = net.IPv4zero
		}
		bestAddress = NewNetAddressFromIPPort(ip, 0, wire.SFNodeNetwork)
	}

	return bestAddress
}

// ValidatePeerNa returns the validity and reachability of the
// provided local address based on its routablility and reachability
// from the peer that suggested it.
//
// This function is safe for concurrent access.
func (a *AddrManager) ValidatePeerNa(localAddr, remoteAddr *NetAddress) (bool, NetAddressReach) {
	reach := getReachabilityFrom(localAddr, remoteAddr)
	valid := (localAddr.Type == IPv4Address && reach == Ipv4) ||
		(localAddr.Type == IPv6Address && (reach == Ipv6Weak ||
			reach == Ipv6Strong || reach == Teredo))
	return valid, reach
}

// New constructs a new address manager instance with the provided
// configuration.  Use Start to begin processing asynchronous address updates.
func New(cfg *Config) *AddrManager {
	am := AddrManager{
		peersFile:      filepath.Join(cfg.DataDir, peersFilename),
		net:            cfg.Net,
		lookupFunc:     cfg.Lookup,
		rand:           cfg.Rand,
		clock:          cfg.Clock,
		fixedKey:       cfg.Key,
		asMap:          cfg.ASMap,
		quit:           make(chan struct{}),
		localAddresses: make(map[string]*localAddress),
	}
	if am.rand == nil {
		am.rand = cryptoRand{}
	}
	if am.clock == nil {
		am.clock = clock.NewDefaultClock()
	}
	am.reset()
	return &am
}

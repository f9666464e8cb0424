// Copyright (c) 2014 The btcsuite developers
// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package addrmgr implements a concurrency-safe Bitgesell address manager.

# Address Manager Overview

The Bitgesell network relies on fully-validating nodes that relay transactions
and blocks to other nodes around the world.  The network must be dynamic
because nodes will connect and disconnect as they please.  Each node must
manage a source of IP addresses to connect to and share with other nodes.  The
Bitgesell wire protocol provides the `getaddr` and `addr` messages, allowing
peers to request and share known addresses with each other.  Each node needs a
way to store those addresses and select peers from them.  However, it is
important to remember that remote peers cannot be trusted.  A remote peer might
send invalid addresses, or worse, only send addresses they control with
malicious intent.

With that in mind, this package provides a concurrency-safe address manager for
caching and selecting peers in a non-deterministic manner.  Addresses are kept
in two tables.  Addresses learned from gossip start in the new table, while
addresses a successful connection was made to graduate to the tried table.
Each table is a fixed grid of buckets, and the bucket an address may occupy is
derived with a keyed hash from the address, the source that announced it, and
the network group either belongs to.  Since addresses from one network group
can only reach a bounded number of buckets, an attacker announcing addresses
from networks they control can only ever occupy a small slice of either table.
A tried address contested by a later promotion keeps its slot until a fresh
connection attempt proves it unreachable, so well established peers cannot be
flushed out by gossip alone.

The address manager also understands routability, and tries hard to only return
routable addresses.  In addition, it uses the information provided by the
caller about connected, known good, and attempted addresses to bias selection
toward addresses that have recently worked and away from those that keep
failing.  The general idea is to make a best effort to only provide usable
addresses.
*/
package addrmgr

// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package asmap provides an autonomous system classifier for network addresses.

The classifier is a table of network prefixes, each mapped to the autonomous
system number that originates it, with lookups resolved by longest prefix
match.  The address manager uses it to group addresses by the network operator
actually announcing them rather than by raw subnet, which tightens the bound
on how much of the address tables a single operator can occupy.

A table is immutable once constructed and carries a checksum of its canonical
encoding, so consumers that persist placement decisions can detect that the
table changed between runs.
*/
package asmap

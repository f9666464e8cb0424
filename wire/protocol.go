// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// ProtocolVersion is the latest protocol version this package supports.
	ProtocolVersion uint32 = 70016

	// MaxMessagePayload is the maximum bytes a message can be regardless of
	// other individual limits imposed by messages themselves.
	MaxMessagePayload = 1024 * 1024 * 32 // 32MB
)

// ServiceFlag identifies services supported by a Bitgesell peer.
type ServiceFlag uint64

const (
	// SFNodeNetwork is a flag used to indicate a peer is a full node.
	SFNodeNetwork ServiceFlag = 1 << 0

	// SFNodeBloom is a flag used to indicate a peer supports bloom
	// filtering.
	SFNodeBloom ServiceFlag = 1 << 2

	// SFNodeWitness is a flag used to indicate a peer supports blocks and
	// transactions including witness data.
	SFNodeWitness ServiceFlag = 1 << 3

	// SFNodeCF is a flag used to indicate a peer supports committed
	// filters.
	SFNodeCF ServiceFlag = 1 << 6

	// SFNodeNetworkLimited is a flag used to indicate a peer serves only
	// the last 288 blocks of the chain.
	SFNodeNetworkLimited ServiceFlag = 1 << 10
)

// Map of service flags back to their constant names for pretty printing.
var sfStrings = map[ServiceFlag]string{
	SFNodeNetwork:        "SFNodeNetwork",
	SFNodeBloom:          "SFNodeBloom",
	SFNodeWitness:        "SFNodeWitness",
	SFNodeCF:             "SFNodeCF",
	SFNodeNetworkLimited: "SFNodeNetworkLimited",
}

// orderedSFStrings is an ordered list of service flags from highest to
// lowest.
var orderedSFStrings = []ServiceFlag{
	SFNodeNetwork,
	SFNodeBloom,
	SFNodeWitness,
	SFNodeCF,
	SFNodeNetworkLimited,
}

// String returns the ServiceFlag in human-readable form.
func (f ServiceFlag) String() string {
	// No flags are set.
	if f == 0 {
		return "0x0"
	}

	// Add individual bit flags.
	s := ""
	for _, flag := range orderedSFStrings {
		if f&flag == flag {
			s += sfStrings[flag] + "|"
			f -= flag
		}
	}

	// Add any remaining flags which aren't accounted for as hex.
	s = strings.TrimRight(s, "|")
	if f != 0 {
		s += "|0x" + strconv.FormatUint(uint64(f), 16)
	}
	s = strings.TrimLeft(s, "|")
	return s
}

// BitgesellNet represents which Bitgesell network a serialized structure
// belongs to.
type BitgesellNet uint32

// Constants used to indicate the network.  They can also be used to seek to
// the next message when a stream's state is unknown, but this package does
// not provide that functionality since it's generally a better idea to simply
// disconnect clients that are misbehaving over TCP.
const (
	// MainNet represents the main Bitgesell network.
	MainNet BitgesellNet = 0xd9b4bef9

	// RegNet represents the regression test network.
	RegNet BitgesellNet = 0xdab5bffa

	// TestNet represents the test network.
	TestNet BitgesellNet = 0x0709110b

	// SimNet represents the simulation test network.
	SimNet BitgesellNet = 0x12141c16
)

// bnStrings is a map of Bitgesell networks back to their constant names for
// pretty printing.
var bnStrings = map[BitgesellNet]string{
	MainNet: "MainNet",
	RegNet:  "RegNet",
	TestNet: "TestNet",
	SimNet:  "SimNet",
}

// String returns the BitgesellNet in human-readable form.
func (n BitgesellNet) String() string {
	if s, ok := bnStrings[n]; ok {
		return s
	}

	return fmt.Sprintf("Unknown BitgesellNet (%d)", uint32(n))
}

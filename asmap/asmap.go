// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package asmap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sort"

	"github.com/decred/dcrd/chaincfg/chainhash"

	"github.com/slowriot/bitgesell/wire"
)

const (
	// encodingVersion is the current version of the binary table encoding.
	encodingVersion = 1

	// maxEntries is the maximum number of prefix entries an encoded table
	// may declare.  Real tables derived from routing data stay well under
	// this, so anything larger is treated as corruption.
	maxEntries = 1 << 20
)

// Entry associates a network prefix with the autonomous system number that
// originates it.
type Entry struct {
	Prefix *net.IPNet
	ASN    uint32
}

// ASMap maps network addresses to autonomous system numbers by longest prefix
// match.  It is immutable once constructed and therefore safe for concurrent
// access without synchronization.
type ASMap struct {
	// entries is ordered most specific prefix first, so a linear scan
	// implements longest prefix match.
	entries []Entry

	// checksum is the hash of the canonical encoding, computed once at
	// construction.
	checksum chainhash.Hash
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func writeByte(w io.Writer, val byte) error {
	buf := [1]byte{val}
	_, err := w.Write(buf[:])
	return err
}

// normalizeEntry validates the provided entry and returns a copy with the
// prefix address canonicalized to its family's length and masked to the
// prefix boundary.
func normalizeEntry(entry Entry) (Entry, error) {
	if entry.Prefix == nil {
		return Entry{}, makeError(ErrInvalidPrefix, "entry with nil prefix")
	}
	ones, bits := entry.Prefix.Mask.Size()
	if bits != 32 && bits != 128 {
		str := fmt.Sprintf("prefix %v has an unsupported mask", entry.Prefix)
		return Entry{}, makeError(ErrInvalidPrefix, str)
	}
	ip := entry.Prefix.IP.Mask(entry.Prefix.Mask)
	if bits == 32 {
		ip = ip.To4()
	} else {
		ip = ip.To16()
	}
	if ip == nil {
		str := fmt.Sprintf("prefix %v address does not match its mask "+
			"family", entry.Prefix)
		return Entry{}, makeError(ErrInvalidPrefix, str)
	}
	if entry.ASN == 0 {
		str := fmt.Sprintf("prefix %v maps to autonomous system number 0, "+
			"which is reserved for unmapped addresses", entry.Prefix)
		return Entry{}, makeError(ErrInvalidASN, str)
	}
	return Entry{
		Prefix: &net.IPNet{IP: ip, Mask: net.CIDRMask(ones, bits)},
		ASN:    entry.ASN,
	}, nil
}

// New constructs a classifier from the provided entries.  The entries are
// copied, normalized, and ordered canonically, so the same set of entries
// produces the same table regardless of input order.
func New(entries []Entry) (*ASMap, error) {
	normalized := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		ne, err := normalizeEntry(entry)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, ne)
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		onesI, bitsI := normalized[i].Prefix.Mask.Size()
		onesJ, bitsJ := normalized[j].Prefix.Mask.Size()
		// Fewer free host bits means a more specific prefix.
		hostI, hostJ := bitsI-onesI, bitsJ-onesJ
		if hostI != hostJ {
			return hostI < hostJ
		}
		if c := bytes.Compare(normalized[i].Prefix.IP, normalized[j].Prefix.IP); c != 0 {
			return c < 0
		}
		return normalized[i].ASN < normalized[j].ASN
	})

	m := &ASMap{entries: normalized}
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return nil, err
	}
	m.checksum = chainhash.HashH(buf.Bytes())
	return m, nil
}

// Len returns the number of prefix entries in the table.
func (m *ASMap) Len() int {
	return len(m.entries)
}

// Lookup returns the autonomous system number of the most specific prefix
// containing the provided address.  It returns 0 when no prefix matches.
func (m *ASMap) Lookup(ip net.IP) uint32 {
	for i := range m.entries {
		if m.entries[i].Prefix.Contains(ip) {
			return m.entries[i].ASN
		}
	}
	return 0
}

// Checksum returns the hash of the table's canonical encoding.  Two tables
// constructed from the same entries have the same checksum regardless of the
// order the entries were supplied in.
func (m *ASMap) Checksum() chainhash.Hash {
	return m.checksum
}

// Encode writes the table to w in its canonical binary encoding.
func (m *ASMap) Encode(w io.Writer) error {
	if err := writeByte(w, encodingVersion); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(len(m.entries))); err != nil {
		return err
	}
	for _, entry := range m.entries {
		ones, _ := entry.Prefix.Mask.Size()
		if err := wire.WriteVarBytes(w, 0, entry.Prefix.IP); err != nil {
			return err
		}
		if err := wire.WriteVarInt(w, 0, uint64(ones)); err != nil {
			return err
		}
		if err := wire.WriteVarInt(w, 0, uint64(entry.ASN)); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a table from r in the binary encoding produced by Encode.
func Decode(r io.Reader) (*ASMap, error) {
	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if version != encodingVersion {
		str := fmt.Sprintf("unsupported AS map encoding version %d", version)
		return nil, makeError(ErrUnsupportedFormat, str)
	}
	numEntries, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if numEntries > maxEntries {
		str := fmt.Sprintf("AS map declares %d entries, max %d", numEntries,
			maxEntries)
		return nil, makeError(ErrMalformedTable, str)
	}

	entries := make([]Entry, 0, numEntries)
	for i := uint64(0); i < numEntries; i++ {
		prefixBytes, err := wire.ReadVarBytes(r, 0, net.IPv6len, "prefix bytes")
		if err != nil {
			return nil, err
		}
		if len(prefixBytes) != net.IPv4len && len(prefixBytes) != net.IPv6len {
			str := fmt.Sprintf("prefix with %d address bytes", len(prefixBytes))
			return nil, makeError(ErrInvalidPrefix, str)
		}
		bits := len(prefixBytes) * 8
		ones, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		if ones > uint64(bits) {
			str := fmt.Sprintf("prefix length %d exceeds %d bits", ones, bits)
			return nil, makeError(ErrInvalidPrefix, str)
		}
		asn, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		if asn == 0 || asn > math.MaxUint32 {
			str := fmt.Sprintf("invalid autonomous system number %d", asn)
			return nil, makeError(ErrInvalidASN, str)
		}
		entries = append(entries, Entry{
			Prefix: &net.IPNet{
				IP:   net.IP(prefixBytes),
				Mask: net.CIDRMask(int(ones), bits),
			},
			ASN: uint32(asn),
		})
	}
	return New(entries)
}

// LoadFile reads an encoded table from the file at the provided path.
func LoadFile(path string) (*ASMap, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fi.Close()

	m, err := Decode(bufio.NewReader(fi))
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded AS map with %d prefixes from %s", m.Len(), path)
	return m, nil
}

// StoreFile writes the table's binary encoding to the file at the provided
// path, replacing any existing file.
func (m *ASMap) StoreFile(path string) error {
	fi, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fi)
	if err := m.Encode(w); err != nil {
		fi.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		fi.Close()
		return err
	}
	return fi.Close()
}

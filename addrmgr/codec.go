// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"

	"github.com/slowriot/bitgesell/wire"
)

const (
	// peersFilename is the default filename to store serialized peers.
	peersFilename = "peers.dat"

	// serializationVersion is the current version of the serialized peers
	// format.
	serializationVersion = 1

	// serializedKeySize is the length in bytes of the placement key carried
	// in the serialized peers format.
	serializedKeySize = 32

	// bucketCountXorMask is mixed into the serialized new bucket count so
	// that streams produced under a different table geometry, as well as
	// plain corruption, decode to an implausible count and are rejected.
	bucketCountXorMask = 1 << 30

	// maxAddressBytes is the maximum length of the raw bytes of a
	// serialized network address.  The longest supported address is a Tor
	// v3 service key.
	maxAddressBytes = 32
)

// byteOrder is the preferred byte order used for serializing numeric fields
// of the peers file.  Ports are the exception and follow the big-endian
// convention of the address relay format.
var byteOrder = binary.LittleEndian

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(buf[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readPortBE(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func writeByte(w io.Writer, val byte) error {
	buf := [1]byte{val}
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, val uint32) error {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], val)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, val uint64) error {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], val)
	_, err := w.Write(buf[:])
	return err
}

func writeInt64(w io.Writer, val int64) error {
	return writeUint64(w, uint64(val))
}

func writePortBE(w io.Writer, port uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], port)
	_, err := w.Write(buf[:])
	return err
}

// timeToUnix converts a timestamp to the unix seconds representation used by
// the serialized peers format.  The zero time maps to zero so that a record
// that was never attempted or never succeeded survives a round trip.
func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// unixToTime is the inverse of timeToUnix.
func unixToTime(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// serializeNetAddress writes the endpoint bytes of the provided address to w:
// the type byte, the length-prefixed raw address bytes, and the port.
func serializeNetAddress(w io.Writer, na *NetAddress) error {
	if err := writeByte(w, byte(na.Type)); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, 0, na.IP); err != nil {
		return err
	}
	return writePortBE(w, na.Port)
}

// deserializeNetAddress reads the endpoint bytes written by
// serializeNetAddress and constructs an address with the provided timestamp
// and services.  Raw stream errors such as truncation pass through unchanged,
// while bytes that decode but do not form a valid address are reported as
// ErrMalformedEntry.
func deserializeNetAddress(r io.Reader, timestamp time.Time, services wire.ServiceFlag) (*NetAddress, error) {
	addrType, err := readByte(r)
	if err != nil {
		return nil, err
	}
	addrBytes, err := wire.ReadVarBytes(r, 0, maxAddressBytes, "address bytes")
	if err != nil {
		return nil, err
	}
	port, err := readPortBE(r)
	if err != nil {
		return nil, err
	}
	na, err := NewNetAddressFromParams(NetAddressType(addrType), addrBytes,
		port, timestamp, services)
	if err != nil {
		str := fmt.Sprintf("invalid serialized address: %v", err)
		return nil, makeError(ErrMalformedEntry, str)
	}
	return na, nil
}

// serializeKnownAddress writes the endpoint, the source it was first learned
// from, and the connection history of the provided record to w.
func serializeKnownAddress(w io.Writer, ka *KnownAddress) error {
	if err := writeInt64(w, timeToUnix(ka.na.Timestamp)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(ka.na.Services)); err != nil {
		return err
	}
	if err := serializeNetAddress(w, ka.na); err != nil {
		return err
	}
	if err := serializeNetAddress(w, ka.srcAddr); err != nil {
		return err
	}
	if err := writeInt64(w, timeToUnix(ka.lastsuccess)); err != nil {
		return err
	}
	if err := writeInt64(w, timeToUnix(ka.lastattempt)); err != nil {
		return err
	}
	return writeUint32(w, uint32(ka.attempts))
}

// deserializeKnownAddress reads a single address record from r.
func deserializeKnownAddress(r io.Reader) (*KnownAddress, error) {
	timestamp, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	services, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	na, err := deserializeNetAddress(r, unixToTime(timestamp),
		wire.ServiceFlag(services))
	if err != nil {
		return nil, err
	}
	srcAddr, err := deserializeNetAddress(r, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	lastSuccess, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	lastAttempt, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	attempts, err := readUint32(r)
	if err != nil {
		return nil, err
	}

	return &KnownAddress{
		na:          na,
		srcAddr:     srcAddr,
		attempts:    int(attempts),
		lastattempt: unixToTime(lastAttempt),
		lastsuccess: unixToTime(lastSuccess),
	}, nil
}

// serialize writes the full address manager state to w in the stable peers
// format.  Tried records come first, followed by the new records, each with
// the new bucket indexes referencing it at the time of the write.
//
// This function MUST be called with the address manager lock held (for reads).
func (a *AddrManager) serialize(w io.Writer) error {
	if err := writeByte(w, serializationVersion); err != nil {
		return err
	}
	if err := writeByte(w, serializedKeySize); err != nil {
		return err
	}
	if _, err := w.Write(a.key[:]); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(a.nNew)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(a.nTried)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(newBucketCount)^bucketCountXorMask); err != nil {
		return err
	}

	for bucket := range a.addrTried {
		for slot := range a.addrTried[bucket] {
			id := a.addrTried[bucket][slot]
			if id == -1 {
				continue
			}
			if err := serializeKnownAddress(w, a.arena[id]); err != nil {
				return err
			}
		}
	}

	// A new table record may be referenced from several buckets, so gather
	// the bucket indexes per id first and write each record once, in the
	// order it is first encountered scanning the grid.
	newRefs := make(map[int][]uint64, a.nNew)
	order := make([]int, 0, a.nNew)
	for bucket := range a.addrNew {
		for slot := range a.addrNew[bucket] {
			id := a.addrNew[bucket][slot]
			if id == -1 {
				continue
			}
			if _, seen := newRefs[id]; !seen {
				order = append(order, id)
			}
			newRefs[id] = append(newRefs[id], uint64(bucket))
		}
	}
	for _, id := range order {
		if err := serializeKnownAddress(w, a.arena[id]); err != nil {
			return err
		}
		refs := newRefs[id]
		if err := wire.WriteVarInt(w, 0, uint64(len(refs))); err != nil {
			return err
		}
		for _, bucket := range refs {
			if err := wire.WriteVarInt(w, 0, bucket); err != nil {
				return err
			}
		}
	}

	var checksum chainhash.Hash
	if a.asMap != nil {
		checksum = a.asMap.Checksum()
	}
	_, err := w.Write(checksum[:])
	return err
}

// deserialize discards the current address manager state and applies the
// stream from r in its place.  The placement key carried in the stream becomes
// the manager's key, and every record's bucket and slot are recomputed from
// its address and source rather than replayed, so a stream written under a
// different AS map still loads into a consistent table.  Records whose
// recomputed slot is already taken are dropped.
//
// The stream is applied as it is read, so a failure part way through leaves
// whatever was already applied in place.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) deserialize(r io.Reader) error {
	a.reset()

	version, err := readByte(r)
	if err != nil {
		return err
	}
	if version != serializationVersion {
		str := fmt.Sprintf("unsupported serialization version %d", version)
		return makeError(ErrUnsupportedVersion, str)
	}
	keySize, err := readByte(r)
	if err != nil {
		return err
	}
	if keySize != serializedKeySize {
		str := fmt.Sprintf("unsupported placement key size %d", keySize)
		return makeError(ErrCorruptPeers, str)
	}
	if _, err := io.ReadFull(r, a.key[:]); err != nil {
		return err
	}

	numNew, err := readUint32(r)
	if err != nil {
		return err
	}
	numTried, err := readUint32(r)
	if err != nil {
		return err
	}
	if numNew > newBucketCount*bucketSize {
		str := fmt.Sprintf("serialized state claims %d new addresses, max %d",
			numNew, newBucketCount*bucketSize)
		return makeError(ErrCorruptPeers, str)
	}
	if numTried > triedBucketCount*bucketSize {
		str := fmt.Sprintf("serialized state claims %d tried addresses, max %d",
			numTried, triedBucketCount*bucketSize)
		return makeError(ErrCorruptPeers, str)
	}
	maskedBucketCount, err := readUint32(r)
	if err != nil {
		return err
	}
	bucketCount := maskedBucketCount ^ bucketCountXorMask
	if bucketCount == 0 || bucketCount > newBucketCount {
		str := fmt.Sprintf("unreasonable number of new buckets %d", bucketCount)
		return makeError(ErrCorruptPeers, str)
	}

	// Records whose IP identity repeats, or whose recomputed slot is
	// already taken, are dropped.
	var lost int

	for i := uint32(0); i < numTried; i++ {
		ka, err := deserializeKnownAddress(r)
		if err != nil {
			return err
		}
		if _, exists := a.addrIndex[ka.na.ipString()]; exists {
			lost++
			continue
		}
		bucket := a.getTriedBucket(ka.na)
		slot := a.getBucketSlot(false, bucket, ka.na)
		if a.addrTried[bucket][slot] != -1 {
			lost++
			continue
		}

		id := a.idCounter
		a.idCounter++
		ka.tried = true
		ka.randomPos = len(a.randomOrder)
		a.arena[id] = ka
		a.addrIndex[ka.na.ipString()] = id
		a.randomOrder = append(a.randomOrder, id)
		a.addrTried[bucket][slot] = id
		a.nTried++
	}

	for i := uint32(0); i < numNew; i++ {
		ka, err := deserializeKnownAddress(r)
		if err != nil {
			return err
		}

		// The bucket indexes recorded at write time are validated and
		// then discarded, since placement is recomputed below.
		numRefs, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return err
		}
		if numRefs > newBucketsPerAddress {
			str := fmt.Sprintf("new address with %d bucket references, max %d",
				numRefs, newBucketsPerAddress)
			return makeError(ErrCorruptPeers, str)
		}
		for j := uint64(0); j < numRefs; j++ {
			refBucket, err := wire.ReadVarInt(r, 0)
			if err != nil {
				return err
			}
			if refBucket >= newBucketCount {
				str := fmt.Sprintf("new address references bucket %d, max %d",
					refBucket, newBucketCount-1)
				return makeError(ErrCorruptPeers, str)
			}
		}

		if _, exists := a.addrIndex[ka.na.ipString()]; exists {
			lost++
			continue
		}
		bucket := a.getNewBucket(ka.na, ka.srcAddr)
		slot := a.getBucketSlot(true, bucket, ka.na)
		if a.addrNew[bucket][slot] != -1 {
			lost++
			continue
		}

		id := a.idCounter
		a.idCounter++
		ka.refs = 1
		ka.randomPos = len(a.randomOrder)
		a.arena[id] = ka
		a.addrIndex[ka.na.ipString()] = id
		a.randomOrder = append(a.randomOrder, id)
		a.addrNew[bucket][slot] = id
		a.nNew++
	}

	var wantChecksum chainhash.Hash
	if a.asMap != nil {
		wantChecksum = a.asMap.Checksum()
	}
	var gotChecksum chainhash.Hash
	if _, err := io.ReadFull(r, gotChecksum[:]); err != nil {
		return err
	}
	if gotChecksum != wantChecksum {
		log.Debugf("AS map changed since the peers file was written; " +
			"address placements recomputed")
	}

	if lost > 0 {
		log.Debugf("Lost %d addresses while reloading peers", lost)
	}
	return nil
}

// Serialize writes the current address manager state to w in the stable
// binary peers format understood by Deserialize.  The network magic prefix
// written by the periodic peers file writer is not included.
//
// This function is safe for concurrent access.
func (a *AddrManager) Serialize(w io.Writer) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.serialize(w)
}

// Deserialize replaces the current address manager state with the state read
// from r.  The existing state is discarded before the stream is applied, and a
// failure part way through leaves the manager holding whatever records were
// already applied.  Callers that require an untouched manager on failure must
// layer their own validation on top, the way the peers file load path does.
//
// This function is safe for concurrent access.
func (a *AddrManager) Deserialize(r io.Reader) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.deserialize(r)
}

// savePeers saves all the known addresses to a file so they can be read back
// in at next run.
func (a *AddrManager) savePeers() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	// Nothing to do when the address manager state was not changed.
	if !a.addrChanged {
		return
	}

	// Write temporary peers file and then move it into place.
	tmpfile := a.peersFile + ".new"
	fi, err := os.Create(tmpfile)
	if err != nil {
		log.Errorf("Error opening file %s: %v", tmpfile, err)
		return
	}
	defer fi.Close()

	w := bufio.NewWriter(fi)
	if err := writeUint32(w, uint32(a.net)); err != nil {
		log.Errorf("Failed to encode file %s: %v", tmpfile, err)
		return
	}
	if err := a.serialize(w); err != nil {
		log.Errorf("Failed to encode file %s: %v", tmpfile, err)
		return
	}
	if err := w.Flush(); err != nil {
		log.Errorf("Failed to encode file %s: %v", tmpfile, err)
		return
	}
	if err := os.Rename(tmpfile, a.peersFile); err != nil {
		log.Errorf("Error writing file %s: %v", a.peersFile, err)
		return
	}
	a.addrChanged = false
}

// deserializePeers validates the network magic of the peers file at the
// provided path and applies its contents.  A missing file is not an error.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) deserializePeers(filePath string) error {
	_, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return nil
	}

	r, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s error opening file: %v", filePath, err)
	}
	defer r.Close()

	magic, err := readUint32(r)
	if err != nil {
		return fmt.Errorf("error reading network magic: %v", err)
	}
	if wire.BitgesellNet(magic) != a.net {
		str := fmt.Sprintf("peers file %s belongs to another network (%s)",
			filePath, wire.BitgesellNet(magic))
		return makeError(ErrWrongNetwork, str)
	}

	return a.deserialize(bufio.NewReader(r))
}

// loadPeers loads the known address from the saved file.  If empty, missing,
// or malformed file, just don't load anything and start fresh.
func (a *AddrManager) loadPeers() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	err := a.deserializePeers(a.peersFile)
	if err != nil {
		log.Errorf("Failed to parse file %s: %v", a.peersFile, err)
		// if it is invalid we nuke the old one unconditionally.
		err = os.Remove(a.peersFile)
		if err != nil {
			log.Warnf("Failed to remove corrupt peers file %s: %v",
				a.peersFile, err)
		}
		a.reset()
		return
	}
	log.Infof("Loaded %d addresses from file '%s'", a.numAddresses(),
		a.peersFile)
}

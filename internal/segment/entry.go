// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package segment

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/memlogdb/memlog/internal/core"
)

// All fixed-width fields are little-endian.

// Header is the payload of an EntryHeader: the identity of the segment,
// written by the master as the segment's first entry.
type Header struct {
	// The master's log this segment belongs to.
	LogID uint64

	// The id the master gave this segment.
	SegmentID uint64

	// The segment capacity the master was writing against.
	Capacity uint32
}

const headerLen = 20

// EncodeHeader returns the wire form of h.
func EncodeHeader(h Header) []byte {
	b := make([]byte, headerLen)
	binary.LittleEndian.PutUint64(b[0:8], h.LogID)
	binary.LittleEndian.PutUint64(b[8:16], h.SegmentID)
	binary.LittleEndian.PutUint32(b[16:20], h.Capacity)
	return b
}

// DecodeHeader parses the payload of an EntryHeader.
func DecodeHeader(b []byte) (Header, core.Error) {
	if len(b) < headerLen {
		return Header{}, core.ErrBadCertificate
	}
	return Header{
		LogID:     binary.LittleEndian.Uint64(b[0:8]),
		SegmentID: binary.LittleEndian.Uint64(b[8:16]),
		Capacity:  binary.LittleEndian.Uint32(b[16:20]),
	}, core.NoError
}

// Object is the payload of an EntryObject. The backup only needs the table
// id and key (to place the entry in a partition); the timestamp and value
// are carried through untouched.
type Object struct {
	TableID   uint64
	Timestamp uint64
	Key       []byte
	Value     []byte
}

// EncodeObject returns the wire form of o.
func EncodeObject(o Object) []byte {
	b := make([]byte, 18, 18+len(o.Key)+len(o.Value))
	binary.LittleEndian.PutUint64(b[0:8], o.TableID)
	binary.LittleEndian.PutUint64(b[8:16], o.Timestamp)
	binary.LittleEndian.PutUint16(b[16:18], uint16(len(o.Key)))
	b = append(b, o.Key...)
	b = append(b, o.Value...)
	return b
}

// DecodeObject parses the payload of an EntryObject.
func DecodeObject(b []byte) (Object, core.Error) {
	if len(b) < 18 {
		return Object{}, core.ErrBadCertificate
	}
	keyLen := int(binary.LittleEndian.Uint16(b[16:18]))
	if len(b) < 18+keyLen {
		return Object{}, core.ErrBadCertificate
	}
	return Object{
		TableID:   binary.LittleEndian.Uint64(b[0:8]),
		Timestamp: binary.LittleEndian.Uint64(b[8:16]),
		Key:       b[18 : 18+keyLen],
		Value:     b[18+keyLen:],
	}, core.NoError
}

// Tombstone is the payload of an EntryTombstone: a deletion marker naming
// the object by table id and key, plus the segment in which the deleted
// object was written.
type Tombstone struct {
	TableID   uint64
	SegmentID uint64
	Key       []byte
}

// EncodeTombstone returns the wire form of t.
func EncodeTombstone(t Tombstone) []byte {
	b := make([]byte, 18, 18+len(t.Key))
	binary.LittleEndian.PutUint64(b[0:8], t.TableID)
	binary.LittleEndian.PutUint64(b[8:16], t.SegmentID)
	binary.LittleEndian.PutUint16(b[16:18], uint16(len(t.Key)))
	b = append(b, t.Key...)
	return b
}

// DecodeTombstone parses the payload of an EntryTombstone.
func DecodeTombstone(b []byte) (Tombstone, core.Error) {
	if len(b) < 18 {
		return Tombstone{}, core.ErrBadCertificate
	}
	keyLen := int(binary.LittleEndian.Uint16(b[16:18]))
	if len(b) < 18+keyLen {
		return Tombstone{}, core.ErrBadCertificate
	}
	return Tombstone{
		TableID:   binary.LittleEndian.Uint64(b[0:8]),
		SegmentID: binary.LittleEndian.Uint64(b[8:16]),
		Key:       b[18 : 18+keyLen],
	}, core.NoError
}

// Digest is the payload of an EntryDigest: the list of segment ids that make
// up the master's log at the time the digest was written.
type Digest struct {
	Segments []uint64
}

// EncodeDigest returns the wire form of d.
func EncodeDigest(d Digest) []byte {
	b := make([]byte, 4, 4+8*len(d.Segments))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(d.Segments)))
	for _, id := range d.Segments {
		var e [8]byte
		binary.LittleEndian.PutUint64(e[:], id)
		b = append(b, e[:]...)
	}
	return b
}

// DecodeDigest parses the payload of an EntryDigest.
func DecodeDigest(b []byte) (Digest, core.Error) {
	if len(b) < 4 {
		return Digest{}, core.ErrBadCertificate
	}
	n := int(binary.LittleEndian.Uint32(b[0:4]))
	if len(b) < 4+8*n {
		return Digest{}, core.ErrBadCertificate
	}
	d := Digest{Segments: make([]uint64, n)}
	for i := 0; i < n; i++ {
		d.Segments[i] = binary.LittleEndian.Uint64(b[4+8*i:])
	}
	return d, core.NoError
}

// KeyHash maps (tableID, key) into the 64-bit hash space that partition maps
// are expressed in. Every member of the cluster must agree on this function.
func KeyHash(tableID uint64, key []byte) uint64 {
	h := fnv.New64a()
	var tb [8]byte
	binary.LittleEndian.PutUint64(tb[:], tableID)
	h.Write(tb[:])
	h.Write(key)
	return h.Sum64()
}

// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"encoding/binary"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/internal/segment"
)

// MetadataSize is the exact encoded size of a ReplicaMetadata. The metadata
// block is end-aligned in its frame, so this constant is baked into the
// on-disk layout and must never change.
const MetadataSize = 33

// ReplicaMetadata is stored along with each replica on storage. It carries
// everything needed to take inventory of replicas across a process restart:
// the identity of the replica, the certificate sealing its contents, and
// whether the master closed it.
//
// The on-disk layout (all values little-endian, no padding):
//
//	certificate length (4) | certificate checksum (4) | log id (8) |
//	segment id (8) | segment capacity (4) | closed (1) | checksum (4)
//
// The trailing checksum is a CRC32C over all preceding bytes.
type ReplicaMetadata struct {
	// Certificate for the replica stored in the same frame. Supplied by
	// masters on writes; used to validate the replica before iterating it.
	Cert core.Certificate

	// Which master's log the replica belongs to.
	LogID uint64

	// Which segment of that log this is a replica of.
	SegmentID uint64

	// The frame capacity the replica was written under. A restarted backup
	// configured with a different segment size must not use the replica.
	SegmentCapacity uint32

	// Whether the master closed the replica. Open replicas found at restart
	// represent potentially-inconsistent log heads.
	Closed bool

	// CRC32C over the fields above, in encoded form.
	Checksum uint32
}

// NewReplicaMetadata creates metadata sealed with a checksum.
func NewReplicaMetadata(cert core.Certificate, logID, segmentID uint64, capacity uint32, closed bool) *ReplicaMetadata {
	m := &ReplicaMetadata{
		Cert:            cert,
		LogID:           logID,
		SegmentID:       segmentID,
		SegmentCapacity: capacity,
		Closed:          closed,
	}
	b := m.Encode()
	m.Checksum = binary.LittleEndian.Uint32(b[MetadataSize-4:])
	return m
}

// Encode returns the on-disk form of m. The checksum field is recomputed
// from the other fields, so Encode always produces a self-consistent block.
func (m *ReplicaMetadata) Encode() [MetadataSize]byte {
	var b [MetadataSize]byte
	binary.LittleEndian.PutUint32(b[0:4], m.Cert.Length)
	binary.LittleEndian.PutUint32(b[4:8], m.Cert.Checksum)
	binary.LittleEndian.PutUint64(b[8:16], m.LogID)
	binary.LittleEndian.PutUint64(b[16:24], m.SegmentID)
	binary.LittleEndian.PutUint32(b[24:28], m.SegmentCapacity)
	if m.Closed {
		b[28] = 1
	}
	binary.LittleEndian.PutUint32(b[29:33], segment.Checksum(b[:29]))
	return b
}

// DecodeReplicaMetadata parses an on-disk metadata block. No integrity
// checking is done here; callers must use CheckIntegrity before trusting the
// fields.
func DecodeReplicaMetadata(b []byte) (ReplicaMetadata, core.Error) {
	if len(b) < MetadataSize {
		return ReplicaMetadata{}, core.ErrCorruptMetadata
	}
	return ReplicaMetadata{
		Cert: core.Certificate{
			Length:   binary.LittleEndian.Uint32(b[0:4]),
			Checksum: binary.LittleEndian.Uint32(b[4:8]),
		},
		LogID:           binary.LittleEndian.Uint64(b[8:16]),
		SegmentID:       binary.LittleEndian.Uint64(b[16:24]),
		SegmentCapacity: binary.LittleEndian.Uint32(b[24:28]),
		Closed:          b[28] != 0,
		Checksum:        binary.LittleEndian.Uint32(b[29:33]),
	}, core.NoError
}

// CheckIntegrity verifies the stored checksum and that the metadata was
// written under the given frame capacity. A block that fails either check is
// treated as absent and its frame as free.
func (m *ReplicaMetadata) CheckIntegrity(capacity uint32) bool {
	var b [MetadataSize]byte
	binary.LittleEndian.PutUint32(b[0:4], m.Cert.Length)
	binary.LittleEndian.PutUint32(b[4:8], m.Cert.Checksum)
	binary.LittleEndian.PutUint64(b[8:16], m.LogID)
	binary.LittleEndian.PutUint64(b[16:24], m.SegmentID)
	binary.LittleEndian.PutUint32(b[24:28], m.SegmentCapacity)
	if m.Closed {
		b[28] = 1
	}
	if segment.Checksum(b[:29]) != m.Checksum {
		return false
	}
	return m.SegmentCapacity == capacity
}

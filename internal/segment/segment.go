// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT
//
// Package segment implements the entry codec for log segments: typed,
// self-delimiting entries sealed by a certificate. Masters build segments
// with this codec; backups use it to filter replicas into recovery segments.

package segment

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/memlogdb/memlog/internal/core"
)

// EntryType tags one entry in a segment. The backup only interprets the
// types below; anything else is carried opaquely.
type EntryType byte

const (
	// EntryInvalid is never written; the zero value catches uninitialized
	// entries.
	EntryInvalid EntryType = iota

	// EntryHeader is the first entry of every segment. It names the log the
	// segment belongs to and the segment's capacity.
	EntryHeader

	// EntryObject is an application object.
	EntryObject

	// EntryTombstone marks an object as deleted.
	EntryTombstone

	// EntryDigest lists the segment ids comprising the master's log. One
	// lives at the head of the master's open segment.
	EntryDigest
)

// Entries are framed as: 1 type byte, a uvarint payload length, then the
// payload. The frame is self-delimiting so a certified prefix can be walked
// without an index.

// This is opaque, pre-calculated data used by the hash/crc32 package
// to speed up CRC calculations.
var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32C of b.
func Checksum(b []byte) uint32 {
	return crc32.Update(0, crc32Table, b)
}

// ComputeCertificate seals the whole buffer: every byte of b is covered.
func ComputeCertificate(b []byte) core.Certificate {
	return core.Certificate{
		Length:   uint32(len(b)),
		Checksum: Checksum(b),
	}
}

// ValidateCertificate returns true if the certificate's checksum matches the
// prefix of b that it covers.
func ValidateCertificate(b []byte, cert core.Certificate) bool {
	if uint64(cert.Length) > uint64(len(b)) {
		return false
	}
	return Checksum(b[:cert.Length]) == cert.Checksum
}

// Segment is an append-only segment under construction in memory.
type Segment struct {
	buf []byte
}

// New returns an empty segment.
func New() *Segment {
	return &Segment{}
}

// Append adds one entry and returns the byte offset of its frame within the
// segment.
func (s *Segment) Append(typ EntryType, payload []byte) uint32 {
	off := uint32(len(s.buf))
	var varbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varbuf[:], uint64(len(payload)))
	s.buf = append(s.buf, byte(typ))
	s.buf = append(s.buf, varbuf[:n]...)
	s.buf = append(s.buf, payload...)
	return off
}

// AppendedLength returns how many bytes have been appended and a certificate
// covering them.
func (s *Segment) AppendedLength() (uint32, core.Certificate) {
	cert := ComputeCertificate(s.buf)
	return cert.Length, cert
}

// Bytes returns the raw appended bytes. The caller must not modify them.
func (s *Segment) Bytes() []byte {
	return s.buf
}

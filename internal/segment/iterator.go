// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package segment

import (
	"encoding/binary"

	"github.com/memlogdb/memlog/internal/core"
)

// Iterator walks the entries of a certified segment prefix.
//
// Iteration is refused up front unless the buffer validates against the
// certificate, so a successfully constructed Iterator only sees bytes the
// writer sealed.
type Iterator struct {
	buf   []byte
	limit uint32

	// Current entry, valid while !Done().
	off     uint32
	typ     EntryType
	payload []byte

	// Offset of the next entry's frame.
	next uint32

	done bool
	err  core.Error
}

// NewIterator validates cert over b and positions the iterator at the first
// entry. Returns ErrBadCertificate if validation fails.
func NewIterator(b []byte, cert core.Certificate) (*Iterator, core.Error) {
	if !ValidateCertificate(b, cert) {
		return nil, core.ErrBadCertificate
	}
	it := &Iterator{buf: b, limit: cert.Length}
	it.parse(0)
	return it, core.NoError
}

// parse decodes the entry frame starting at off, or marks the iterator done.
func (it *Iterator) parse(off uint32) {
	if off >= it.limit {
		it.done = true
		return
	}
	typ := EntryType(it.buf[off])
	l, n := binary.Uvarint(it.buf[off+1 : it.limit])
	if n <= 0 || uint64(off)+1+uint64(n)+l > uint64(it.limit) {
		// A certified prefix should never end mid-entry; treat it as
		// corruption rather than silently stopping short.
		it.done = true
		it.err = core.ErrBadCertificate
		return
	}
	start := off + 1 + uint32(n)
	it.off = off
	it.typ = typ
	it.payload = it.buf[start : start+uint32(l)]
	it.next = start + uint32(l)
}

// Done returns true when there are no more entries (or the prefix turned out
// to be malformed; see Err).
func (it *Iterator) Done() bool {
	return it.done
}

// Err returns ErrBadCertificate if iteration stopped on a malformed frame.
func (it *Iterator) Err() core.Error {
	return it.err
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if !it.done {
		it.parse(it.next)
	}
}

// Type returns the current entry's type.
func (it *Iterator) Type() EntryType {
	return it.typ
}

// Payload returns the current entry's payload. The slice aliases the
// iterator's buffer.
func (it *Iterator) Payload() []byte {
	return it.payload
}

// Offset returns the byte offset of the current entry's frame within the
// segment. This is the entry's log position, compared against tablet
// creation times during recovery filtering.
func (it *Iterator) Offset() uint32 {
	return it.off
}

// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"bytes"
	"testing"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/internal/segment"
	"github.com/memlogdb/memlog/internal/server"
)

func newTestReplica(t *testing.T, s Storage) *Replica {
	r := NewReplica(s, core.ReplicaID{Master: 99, Segment: 88}, true, false)
	if err := r.Open(); err != core.NoError {
		t.Fatalf("open failed: %s", err)
	}
	return r
}

func TestReplicaLifecycle(t *testing.T) {
	s := NewMemStorage(1024, 2)
	r := newTestReplica(t, s)

	if !r.IsOpen() {
		t.Fatal("open replica doesn't report open")
	}

	// Repeating an open is a no-op.
	if err := r.Open(); err != core.NoError {
		t.Fatalf("re-open failed: %s", err)
	}
	if s.FreeFrames() != 1 {
		t.Fatal("re-open reserved a second frame")
	}

	if err := r.Append([]byte("test"), 0, 10, 4, nil); err != core.NoError {
		t.Fatalf("append failed: %s", err)
	}
	if r.RightmostWrittenOffset() != 14 {
		t.Fatalf("rightmost offset %d, want 14", r.RightmostWrittenOffset())
	}

	if err := r.Close(); err != core.NoError {
		t.Fatalf("close failed: %s", err)
	}
	if r.IsOpen() {
		t.Fatal("closed replica reports open")
	}
	if r.RightmostWrittenOffset() != bytesWrittenClosed {
		t.Fatal("close didn't set the closed sentinel")
	}

	// Close is idempotent.
	if err := r.Close(); err != core.NoError {
		t.Fatalf("second close failed: %s", err)
	}

	// Writes after close are rejected.
	if err := r.Append([]byte("x"), 0, 0, 1, nil); err != core.ErrBadSegmentID {
		t.Fatalf("append after close returned %s, want bad segment id", err)
	}

	r.Free()
	if s.FreeFrames() != 2 {
		t.Fatal("free didn't release the frame")
	}
	// Free is terminal and idempotent.
	r.Free()
	if err := r.Append([]byte("x"), 0, 0, 1, nil); err != core.ErrBadSegmentID {
		t.Fatalf("append after free returned %s, want bad segment id", err)
	}
}

func TestReplicaAppendBounds(t *testing.T) {
	s := NewMemStorage(64, 1)
	r := newTestReplica(t, s)

	if err := r.Append(make([]byte, 65), 0, 0, 65, nil); err != core.ErrSegmentOverflow {
		t.Fatalf("oversize append returned %s, want overflow", err)
	}
	if err := r.Append(make([]byte, 4), 0, 61, 4, nil); err != core.ErrSegmentOverflow {
		t.Fatalf("append past end returned %s, want overflow", err)
	}
	if err := r.Append(make([]byte, 4), 0, 60, 4, nil); err != core.NoError {
		t.Fatalf("append at the boundary failed: %s", err)
	}
}

func TestReplicaAppendBeforeOpen(t *testing.T) {
	s := NewMemStorage(64, 1)
	r := NewReplica(s, core.ReplicaID{Master: 99, Segment: 88}, true, false)
	if err := r.Append([]byte("x"), 0, 0, 1, nil); err != core.ErrBadSegmentID {
		t.Fatalf("append before open returned %s, want bad segment id", err)
	}
}

func TestReplicaOpenStorageExhausted(t *testing.T) {
	s := NewMemStorage(64, 1)
	newTestReplica(t, s)

	r := NewReplica(s, core.ReplicaID{Master: 99, Segment: 89}, true, false)
	if err := r.Open(); err != core.ErrStorageExhausted {
		t.Fatalf("open with no frames returned %s, want storage exhausted", err)
	}
}

func TestReplicaRecoveringRejectsWrites(t *testing.T) {
	s := NewMemStorage(1024, 1)
	r := newTestReplica(t, s)
	if err := r.SetRecovering(nil); err != core.NoError {
		t.Fatalf("setRecovering failed: %s", err)
	}
	if err := r.Append([]byte("x"), 0, 0, 1, nil); err != core.ErrBadSegmentID {
		t.Fatalf("append while recovering returned %s, want bad segment id", err)
	}
	// Never closed, so still open as far as digest selection goes.
	if !r.IsOpen() {
		t.Fatal("recovering un-closed replica should still count as open")
	}
}

// Build a properly formatted segment in memory and mirror it into the
// replica the way a master would: bytes plus certificate.
func writeSegmentTo(t *testing.T, r *Replica, build func(*segment.Segment)) {
	seg := segment.New()
	build(seg)
	length, cert := seg.AppendedLength()
	if err := r.Append(seg.Bytes(), 0, 0, int(length), &cert); err != core.NoError {
		t.Fatalf("couldn't mirror segment into replica: %s", err)
	}
}

func TestReplicaGetLogDigest(t *testing.T) {
	s := NewMemStorage(1024, 2)
	r := newTestReplica(t, s)

	digest := segment.EncodeDigest(segment.Digest{Segments: []uint64{0x3f17c2451f0caf}})
	writeSegmentTo(t, r, func(seg *segment.Segment) {
		seg.Append(segment.EntryHeader, segment.EncodeHeader(segment.Header{LogID: 99, SegmentID: 88, Capacity: 1024}))
		seg.Append(segment.EntryDigest, digest)
	})

	d, ok := r.GetLogDigest()
	if !ok {
		t.Fatal("open replica with a digest returned none")
	}
	if !bytes.Equal(d, digest) {
		t.Fatal("digest bytes don't match what was written")
	}

	// Closed replicas never serve digests.
	if err := r.Close(); err != core.NoError {
		t.Fatalf("close failed: %s", err)
	}
	if _, ok = r.GetLogDigest(); ok {
		t.Fatal("closed replica served a digest")
	}

	// A replica without a digest entry returns none.
	r2 := NewReplica(s, core.ReplicaID{Master: 99, Segment: 89}, true, false)
	if err := r2.Open(); err != core.NoError {
		t.Fatalf("open failed: %s", err)
	}
	writeSegmentTo(t, r2, func(seg *segment.Segment) {
		seg.Append(segment.EntryHeader, segment.EncodeHeader(segment.Header{LogID: 99, SegmentID: 89, Capacity: 1024}))
	})
	if _, ok = r2.GetLogDigest(); ok {
		t.Fatal("replica without a digest served one")
	}
}

func TestReplicaFromFrame(t *testing.T) {
	s := NewMemStorage(1024, 2)

	fOpen, _ := s.Open()
	fClosed, _ := s.Open()

	open := NewReplicaFromFrame(s, fOpen,
		*NewReplicaMetadata(core.Certificate{Length: 5, Checksum: 1}, 70, 89, 1024, false), false)
	if !open.IsOpen() || open.CreatedByCurrentProcess() {
		t.Fatal("inherited open replica has wrong state")
	}
	if open.RightmostWrittenOffset() != 5 {
		t.Fatalf("inherited open replica length %d, want the certified 5", open.RightmostWrittenOffset())
	}

	closed := NewReplicaFromFrame(s, fClosed,
		*NewReplicaMetadata(core.Certificate{}, 70, 88, 1024, true), false)
	if closed.IsOpen() {
		t.Fatal("inherited closed replica reports open")
	}
	if closed.ID.Master != 70 || closed.ID.Segment != 88 {
		t.Fatalf("inherited replica has wrong identity %s", closed.ID)
	}
}

// A recovery build failure is sticky: every AppendRecoverySegment re-raises
// it.
func TestReplicaRecoveryFailureSticky(t *testing.T) {
	s := NewMemStorage(1024, 1)
	sem := server.NewSemaphore(1)
	r := NewReplica(s, core.ReplicaID{Master: 99, Segment: 88}, false, false)
	if err := r.Open(); err != core.NoError {
		t.Fatalf("open failed: %s", err)
	}
	// No header, no certificate: the build must fail.
	if err := r.SetRecovering(nil); err != core.NoError {
		t.Fatalf("setRecovering failed: %s", err)
	}
	for i := 0; i < 2; i++ {
		if _, _, err := r.AppendRecoverySegment(0, sem); err != core.ErrSegmentRecoveryFailed {
			t.Fatalf("call %d returned %s, want recovery failed", i, err)
		}
	}
}

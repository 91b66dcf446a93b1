// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/memlogdb/memlog/internal/core"
)

// Exercise one Storage implementation through the allocate/write/load/free
// cycle.
func storageBasics(t *testing.T, s Storage, numFrames int) {
	if s.FreeFrames() != numFrames {
		t.Fatalf("new storage has %d free frames, want %d", s.FreeFrames(), numFrames)
	}

	// Allocate every frame.
	frames := make([]Frame, 0, numFrames)
	for i := 0; i < numFrames; i++ {
		f, err := s.Open()
		if err != core.NoError {
			t.Fatalf("open %d failed: %s", i, err)
		}
		frames = append(frames, f)
	}
	if _, err := s.Open(); err != core.ErrStorageExhausted {
		t.Fatalf("open past capacity returned %s, want storage exhausted", err)
	}

	// Write data and metadata to one frame.
	f := frames[0]
	meta := NewReplicaMetadata(core.Certificate{Length: 4, Checksum: 1}, 9, 11, uint32(s.SegmentSize()), false)
	if err := f.Append([]byte("xxtestxx"), 2, 10, 4, meta); err != core.NoError {
		t.Fatalf("append failed: %s", err)
	}
	b, err := f.Load()
	if err != core.NoError {
		t.Fatalf("load failed: %s", err)
	}
	if len(b) != s.SegmentSize() || !bytes.Equal(b[10:14], []byte("test")) {
		t.Fatalf("loaded bytes don't contain the write: %q", b[10:14])
	}

	// Bounds are enforced.
	if err = f.Append(make([]byte, 8), 0, s.SegmentSize()-4, 8, nil); err != core.ErrSegmentOverflow {
		t.Fatalf("write past segment end returned %s, want overflow", err)
	}
	if err = f.Append(make([]byte, 4), 2, 0, 4, nil); err != core.ErrInvalidArgument {
		t.Fatalf("src overrun returned %s, want invalid argument", err)
	}

	// Enumerate sees the metadata we wrote.
	infos, err := s.Enumerate()
	if err != core.NoError {
		t.Fatalf("enumerate failed: %s", err)
	}
	if len(infos) != numFrames {
		t.Fatalf("enumerate returned %d frames, want %d", len(infos), numFrames)
	}
	got := infos[f.Index()].Meta
	if got.LogID != 9 || got.SegmentID != 11 || !got.CheckIntegrity(uint32(s.SegmentSize())) {
		t.Fatalf("enumerated metadata wrong: %+v", got)
	}

	// Freeing makes the frame reusable.
	s.Free(frames[1])
	if s.FreeFrames() != 1 {
		t.Fatalf("free count %d after one free", s.FreeFrames())
	}
	if _, err = s.Open(); err != core.NoError {
		t.Fatalf("open after free failed: %s", err)
	}

	// Scribble wipes every metadata block.
	if err = s.Scribble(); err != core.NoError {
		t.Fatalf("scribble failed: %s", err)
	}
	infos, _ = s.Enumerate()
	for _, fi := range infos {
		if fi.Meta.CheckIntegrity(uint32(s.SegmentSize())) {
			t.Fatalf("metadata in frame %d survived scribble", fi.Frame.Index())
		}
	}
}

func TestMemStorage(t *testing.T) {
	storageBasics(t, NewMemStorage(1024, 5), 5)
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames")
	s, err := NewFileStorage(path, 1024, 5)
	if err != core.NoError {
		t.Fatalf("couldn't create file storage: %s", err)
	}
	defer s.Close()
	storageBasics(t, s, 5)
}

// A fresh open of an existing file sees what a previous "process" wrote.
func TestFileStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames")
	s, err := NewFileStorage(path, 1024, 3)
	if err != core.NoError {
		t.Fatalf("couldn't create file storage: %s", err)
	}
	f, _ := s.Open()
	meta := NewReplicaMetadata(core.Certificate{}, 70, 88, 1024, true)
	if err = f.Append([]byte("ab"), 0, 0, 2, meta); err != core.NoError {
		t.Fatalf("append failed: %s", err)
	}
	s.Close()

	s2, err := NewFileStorage(path, 1024, 3)
	if err != core.NoError {
		t.Fatalf("couldn't reopen file storage: %s", err)
	}
	defer s2.Close()
	infos, err := s2.Enumerate()
	if err != core.NoError {
		t.Fatalf("enumerate failed: %s", err)
	}
	m := infos[f.Index()].Meta
	if !m.CheckIntegrity(1024) || m.LogID != 70 || m.SegmentID != 88 || !m.Closed {
		t.Fatalf("metadata didn't survive reopen: %+v", m)
	}
}

// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"sync"

	"github.com/memlogdb/memlog/internal/core"
)

// Storage provides fixed-size frames of stable storage to hold replicas.
// Frames are allocated from a free bitmap with Open and returned with Free.
//
// Storage is thread-safe in general, BUT: each individual frame must be used
// in a way that is compatible with a read-write lock. The replica mutex
// provides that above this layer; storage implementations are not required
// to detect concurrent writers to one frame.
type Storage interface {
	// Open reserves a free frame. Returns ErrStorageExhausted if every
	// frame is in use.
	Open() (Frame, core.Error)

	// Free returns a frame to the bitmap. The frame's contents are left in
	// place; a freed frame is simply eligible for reuse.
	Free(f Frame)

	// Claim reserves a specific frame. Used only by the restart scan to
	// re-associate frames whose metadata named a replica.
	Claim(f Frame)

	// Enumerate returns every frame with its decoded metadata block. The
	// returned frames are unreserved; the caller claims the ones it wants.
	// Used only at startup.
	Enumerate() ([]FrameInfo, core.Error)

	// FreeFrames returns the number of unreserved frames.
	FreeFrames() int

	// Scribble overwrites every frame's metadata block so no replica on
	// storage will be inventoried by a future restart. Used when the
	// configured cluster name doesn't match storage.
	Scribble() core.Error

	// Flush blocks until all accepted writes are on stable storage.
	Flush() core.Error

	// SegmentSize returns the usable bytes per frame, not counting the
	// metadata block.
	SegmentSize() int

	// Close releases the storage. Only called on shutdown.
	Close()
}

// Frame is one fixed-size slot of storage, holding up to one replica plus
// its metadata block.
type Frame interface {
	// Index returns the frame's slot number.
	Index() int

	// Append writes b[srcOff:srcOff+length] at destOff within the segment
	// area, and replaces the metadata block if meta is non-nil.
	Append(b []byte, srcOff, destOff, length int, meta *ReplicaMetadata) core.Error

	// Load returns the full segment contents, possibly blocking on I/O.
	Load() ([]byte, core.Error)

	// Flush blocks until this frame's writes are on stable storage.
	Flush() core.Error
}

// FrameInfo pairs a frame with its decoded metadata, for the restart scan.
type FrameInfo struct {
	Frame Frame
	Meta  ReplicaMetadata
}

// MemStorage is a memory-only implementation of Storage that is useful for
// testing. Frames are byte slices.
type MemStorage struct {
	lock        sync.Mutex
	segmentSize int
	frames      [][]byte // nil after Close
	free        []bool
}

// NewMemStorage returns storage with numFrames in-memory frames.
func NewMemStorage(segmentSize, numFrames int) *MemStorage {
	m := &MemStorage{
		segmentSize: segmentSize,
		frames:      make([][]byte, numFrames),
		free:        make([]bool, numFrames),
	}
	for i := range m.frames {
		m.frames[i] = make([]byte, segmentSize+MetadataSize)
		m.free[i] = true
	}
	return m
}

// Open reserves a free frame.
func (m *MemStorage) Open() (Frame, core.Error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, fr := range m.free {
		if fr {
			m.free[i] = false
			// Scrub leftover contents from the slot's previous life.
			for j := range m.frames[i] {
				m.frames[i][j] = 0
			}
			return &memFrame{s: m, idx: i}, core.NoError
		}
	}
	return nil, core.ErrStorageExhausted
}

// Free returns a frame to the bitmap.
func (m *MemStorage) Free(f Frame) {
	m.lock.Lock()
	m.free[f.Index()] = true
	m.lock.Unlock()
}

// Claim reserves a specific frame during the restart scan.
func (m *MemStorage) Claim(f Frame) {
	m.lock.Lock()
	m.free[f.Index()] = false
	m.lock.Unlock()
}

// Enumerate returns every frame with its decoded metadata.
func (m *MemStorage) Enumerate() ([]FrameInfo, core.Error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]FrameInfo, 0, len(m.frames))
	for i := range m.frames {
		meta, err := DecodeReplicaMetadata(m.frames[i][m.segmentSize:])
		if err != core.NoError {
			return nil, err
		}
		out = append(out, FrameInfo{Frame: &memFrame{s: m, idx: i}, Meta: meta})
	}
	return out, core.NoError
}

// FreeFrames returns the number of unreserved frames.
func (m *MemStorage) FreeFrames() (n int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, fr := range m.free {
		if fr {
			n++
		}
	}
	return
}

// Scribble zeroes every metadata block.
func (m *MemStorage) Scribble() core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i := range m.frames {
		for j := m.segmentSize; j < len(m.frames[i]); j++ {
			m.frames[i][j] = 0
		}
	}
	return core.NoError
}

// Flush is a no-op for memory storage.
func (m *MemStorage) Flush() core.Error {
	return core.NoError
}

// SegmentSize returns the usable bytes per frame.
func (m *MemStorage) SegmentSize() int {
	return m.segmentSize
}

// Close releases the frames.
func (m *MemStorage) Close() {
	m.lock.Lock()
	m.frames = nil
	m.lock.Unlock()
}

// flipMetadataByte lets tests corrupt a metadata block in place.
func (m *MemStorage) flipMetadataByte(frame, off int) {
	m.lock.Lock()
	m.frames[frame][m.segmentSize+off] ^= 0xff
	m.lock.Unlock()
}

type memFrame struct {
	s   *MemStorage
	idx int
}

func (f *memFrame) Index() int { return f.idx }

func (f *memFrame) Append(b []byte, srcOff, destOff, length int, meta *ReplicaMetadata) core.Error {
	if srcOff < 0 || destOff < 0 || length < 0 || srcOff+length > len(b) {
		return core.ErrInvalidArgument
	}
	if destOff+length > f.s.segmentSize {
		return core.ErrSegmentOverflow
	}
	f.s.lock.Lock()
	defer f.s.lock.Unlock()
	if f.s.frames == nil {
		return core.ErrIO
	}
	copy(f.s.frames[f.idx][destOff:], b[srcOff:srcOff+length])
	if meta != nil {
		enc := meta.Encode()
		copy(f.s.frames[f.idx][f.s.segmentSize:], enc[:])
	}
	return core.NoError
}

func (f *memFrame) Load() ([]byte, core.Error) {
	f.s.lock.Lock()
	defer f.s.lock.Unlock()
	if f.s.frames == nil {
		return nil, core.ErrIO
	}
	out := make([]byte, f.s.segmentSize)
	copy(out, f.s.frames[f.idx])
	return out, core.NoError
}

func (f *memFrame) Flush() core.Error {
	return core.NoError
}

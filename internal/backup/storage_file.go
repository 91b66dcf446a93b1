// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"os"
	"sync"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
)

// FileStorage keeps frames in a single preallocated file. Frame i occupies
// the byte range [i*frameSize, (i+1)*frameSize), where frameSize is the
// segment size plus the metadata block; the metadata block is the last
// MetadataSize bytes of the frame.
type FileStorage struct {
	f           *os.File
	segmentSize int
	frameSize   int64

	// Protects free.
	lock sync.Mutex
	free []bool
}

// NewFileStorage opens (creating and sizing if needed) the storage file at
// path with numFrames frames. Appends land in the page cache; durability
// comes from Flush, which callers invoke per their sync policy.
func NewFileStorage(path string, segmentSize, numFrames int) (*FileStorage, core.Error) {
	f, e := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if e != nil {
		log.Errorf("couldn't open storage file %s: %s", path, e)
		return nil, core.ErrIO
	}
	frameSize := int64(segmentSize + MetadataSize)
	if e = f.Truncate(frameSize * int64(numFrames)); e != nil {
		log.Errorf("couldn't size storage file %s: %s", path, e)
		f.Close()
		return nil, core.ErrIO
	}
	s := &FileStorage{
		f:           f,
		segmentSize: segmentSize,
		frameSize:   frameSize,
		free:        make([]bool, numFrames),
	}
	for i := range s.free {
		s.free[i] = true
	}
	return s, core.NoError
}

// Open reserves a free frame.
func (s *FileStorage) Open() (Frame, core.Error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, fr := range s.free {
		if fr {
			s.free[i] = false
			return &fileFrame{s: s, idx: i}, core.NoError
		}
	}
	return nil, core.ErrStorageExhausted
}

// Free returns a frame to the bitmap.
func (s *FileStorage) Free(f Frame) {
	s.lock.Lock()
	s.free[f.Index()] = true
	s.lock.Unlock()
}

// Claim reserves a specific frame during the restart scan.
func (s *FileStorage) Claim(f Frame) {
	s.lock.Lock()
	s.free[f.Index()] = false
	s.lock.Unlock()
}

// Enumerate reads and decodes every frame's metadata block.
func (s *FileStorage) Enumerate() ([]FrameInfo, core.Error) {
	out := make([]FrameInfo, 0, len(s.free))
	buf := make([]byte, MetadataSize)
	for i := range s.free {
		off := int64(i)*s.frameSize + int64(s.segmentSize)
		if _, e := s.f.ReadAt(buf, off); e != nil {
			log.Errorf("couldn't read metadata block of frame %d: %s", i, e)
			return nil, core.ErrIO
		}
		meta, err := DecodeReplicaMetadata(buf)
		if err != core.NoError {
			return nil, err
		}
		out = append(out, FrameInfo{Frame: &fileFrame{s: s, idx: i}, Meta: meta})
	}
	return out, core.NoError
}

// FreeFrames returns the number of unreserved frames.
func (s *FileStorage) FreeFrames() (n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, fr := range s.free {
		if fr {
			n++
		}
	}
	return
}

// Scribble zeroes every metadata block and flushes, so no replica on storage
// survives into a future inventory.
func (s *FileStorage) Scribble() core.Error {
	zero := make([]byte, MetadataSize)
	for i := range s.free {
		off := int64(i)*s.frameSize + int64(s.segmentSize)
		if _, e := s.f.WriteAt(zero, off); e != nil {
			log.Errorf("couldn't scribble metadata block of frame %d: %s", i, e)
			return core.ErrIO
		}
	}
	return s.Flush()
}

// Flush syncs the storage file.
func (s *FileStorage) Flush() core.Error {
	if e := s.f.Sync(); e != nil {
		log.Errorf("couldn't sync storage file: %s", e)
		return core.ErrIO
	}
	return core.NoError
}

// SegmentSize returns the usable bytes per frame.
func (s *FileStorage) SegmentSize() int {
	return s.segmentSize
}

// Close closes the storage file.
func (s *FileStorage) Close() {
	s.f.Close()
}

type fileFrame struct {
	s   *FileStorage
	idx int
}

func (f *fileFrame) Index() int { return f.idx }

func (f *fileFrame) Append(b []byte, srcOff, destOff, length int, meta *ReplicaMetadata) core.Error {
	if srcOff < 0 || destOff < 0 || length < 0 || srcOff+length > len(b) {
		return core.ErrInvalidArgument
	}
	if destOff+length > f.s.segmentSize {
		return core.ErrSegmentOverflow
	}
	base := int64(f.idx) * f.s.frameSize
	if length > 0 {
		if _, e := f.s.f.WriteAt(b[srcOff:srcOff+length], base+int64(destOff)); e != nil {
			log.Errorf("write to frame %d failed: %s", f.idx, e)
			return core.ErrIO
		}
	}
	if meta != nil {
		enc := meta.Encode()
		if _, e := f.s.f.WriteAt(enc[:], base+int64(f.s.segmentSize)); e != nil {
			log.Errorf("metadata write to frame %d failed: %s", f.idx, e)
			return core.ErrIO
		}
	}
	return core.NoError
}

func (f *fileFrame) Load() ([]byte, core.Error) {
	out := make([]byte, f.s.segmentSize)
	if _, e := f.s.f.ReadAt(out, int64(f.idx)*f.s.frameSize); e != nil {
		log.Errorf("read of frame %d failed: %s", f.idx, e)
		return nil, core.ErrIO
	}
	return out, core.NoError
}

func (f *fileFrame) Flush() core.Error {
	if e := f.s.f.Sync(); e != nil {
		log.Errorf("couldn't sync storage file: %s", e)
		return core.ErrIO
	}
	return core.NoError
}

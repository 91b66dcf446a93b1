// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"sync"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/internal/segment"
	"github.com/memlogdb/memlog/internal/server"
)

// replicaState tracks the current state of a replica, which is sufficient to
// determine which operations are legal.
type replicaState int

const (
	// stateUninit: open and free are the only valid ops.
	stateUninit replicaState = iota

	// stateOpen: a frame is reserved and the segment is mutable.
	stateOpen

	// stateClosed: immutable and flushed to stable storage.
	stateClosed

	// stateRecovering: recovery segments are building or built; writes are
	// rejected.
	stateRecovering

	// stateFreed: the frame is released; free is the only valid op.
	stateFreed
)

// bytesWrittenClosed is the rightmostWrittenOffset value of a successfully
// closed replica: callers of StartReadingData don't need a length for a
// closed replica, they recover it to its certified length.
const bytesWrittenClosed = ^uint32(0)

// Replica tracks one segment replica on this backup and manages the storage
// frame holding it. Public method calls are protected by the replica mutex;
// the mutex is released around storage I/O.
type Replica struct {
	// The master and segment this is a replica of.
	ID core.ReplicaID

	// True if this is the primary copy of the segment. Determines whether
	// recovery segments are built at recovery start or on demand.
	Primary bool

	// False if the replica was inventoried from storage at restart. Such
	// replicas belong to a previous process lifetime; re-opens are rejected
	// so the master places the segment elsewhere.
	createdByCurrentProcess bool

	storage     Storage
	segmentSize int

	// Whether appends block until the frame is flushed.
	sync bool

	mu   sync.Mutex
	cond sync.Cond // signals recovery build completion

	state replicaState

	// An approximation of the written length while the replica is open;
	// bytesWrittenClosed once it has been successfully closed. Note that
	// "open" for digest-selection purposes means this field isn't the
	// sentinel, which is not the same as state == stateOpen: a replica in
	// stateRecovering that was never closed still counts as open.
	rightmostWrittenOffset uint32

	// The latest certificate supplied by the master. Bytes beyond the
	// certified prefix are not recoverable.
	cert core.Certificate

	// Storage handle. Non-nil while state is stateOpen, stateClosed or
	// stateRecovering.
	frame Frame

	// Partition map stashed by setRecovering, consumed by the builder.
	recoveryPartitions []core.Tablet

	// Built recovery segments, one per partition, when non-nil.
	recoverySegments []*segment.Segment

	// The failure if building recovery segments errored; re-raised on every
	// AppendRecoverySegment call.
	recoveryErr core.Error

	// True while a builder owns the replica's buffer.
	building bool
}

// NewReplica returns a replica in the uninitialized state. Open reserves its
// frame.
func NewReplica(storage Storage, id core.ReplicaID, primary, syncWrites bool) *Replica {
	r := &Replica{
		ID:                      id,
		Primary:                 primary,
		createdByCurrentProcess: true,
		storage:                 storage,
		segmentSize:             storage.SegmentSize(),
		sync:                    syncWrites,
	}
	r.cond.L = &r.mu
	return r
}

// NewReplicaFromFrame returns a replica reconstructed from a frame found on
// storage at restart. The caller has already claimed the frame.
func NewReplicaFromFrame(storage Storage, frame Frame, meta ReplicaMetadata, syncWrites bool) *Replica {
	r := &Replica{
		ID:          core.ReplicaID{Master: core.ServerID(meta.LogID), Segment: meta.SegmentID},
		storage:     storage,
		segmentSize: storage.SegmentSize(),
		sync:        syncWrites,
		state:       stateOpen,
		cert:        meta.Cert,
		frame:       frame,
	}
	r.cond.L = &r.mu
	if meta.Closed {
		r.state = stateClosed
		r.rightmostWrittenOffset = bytesWrittenClosed
	} else {
		r.rightmostWrittenOffset = meta.Cert.Length
	}
	return r
}

// CreatedByCurrentProcess returns false for replicas inherited from storage.
func (r *Replica) CreatedByCurrentProcess() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdByCurrentProcess
}

// setCreatedByCurrentProcess is a test hook to simulate inherited replicas.
func (r *Replica) setCreatedByCurrentProcess(v bool) {
	r.mu.Lock()
	r.createdByCurrentProcess = v
	r.mu.Unlock()
}

// IsOpen returns true if this replica is open. Notice, this isn't the same
// as state == stateOpen: a replica in stateRecovering that was never closed
// is still open as far as digest selection is concerned.
func (r *Replica) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rightmostWrittenOffset != bytesWrittenClosed
}

// RightmostWrittenOffset returns the max byte offset seen from any append,
// or bytesWrittenClosed after a successful close.
func (r *Replica) RightmostWrittenOffset() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rightmostWrittenOffset
}

// Open reserves a storage frame and makes the replica writable. Opening an
// already-open replica is a no-op so that masters can safely retry.
func (r *Replica) Open() core.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateOpen:
		return core.NoError
	case stateUninit:
	default:
		return core.ErrBadSegmentID
	}

	frame, err := r.storage.Open()
	if err != core.NoError {
		return err
	}

	// Write the metadata block right away so that a crash after the open
	// still inventories this replica as an (empty) open segment.
	meta := NewReplicaMetadata(core.Certificate{}, uint64(r.ID.Master), r.ID.Segment, uint32(r.segmentSize), false)
	if err = frame.Append(nil, 0, 0, 0, meta); err != core.NoError {
		r.storage.Free(frame)
		return err
	}

	r.frame = frame
	r.state = stateOpen
	r.rightmostWrittenOffset = 0
	return core.NoError
}

// Append writes b[srcOff:srcOff+length] at destOff within the segment and
// updates the stored certificate if the master supplied one. Repeating a
// write is a no-op by construction: the same bytes land in the same place.
func (r *Replica) Append(b []byte, srcOff, destOff, length int, cert *core.Certificate) core.Error {
	r.mu.Lock()

	if r.state != stateOpen {
		r.mu.Unlock()
		return core.ErrBadSegmentID
	}
	if destOff+length > r.segmentSize {
		r.mu.Unlock()
		return core.ErrSegmentOverflow
	}

	newCert := r.cert
	if cert != nil {
		newCert = *cert
	}
	meta := NewReplicaMetadata(newCert, uint64(r.ID.Master), r.ID.Segment, uint32(r.segmentSize), false)

	// The buffered write happens under the mutex so appends keep their FIFO
	// order; only the flush releases it.
	err := r.frame.Append(b, srcOff, destOff, length, meta)
	if err != core.NoError {
		r.mu.Unlock()
		return err
	}
	r.cert = newCert
	if off := uint32(destOff + length); off > r.rightmostWrittenOffset {
		r.rightmostWrittenOffset = off
	}
	frame := r.frame
	syncNeeded := r.sync
	r.mu.Unlock()

	if syncNeeded {
		return frame.Flush()
	}
	return core.NoError
}

// Close seals the replica: the metadata block is marked closed and flushed.
// Closing a closed replica is a no-op, which is essential because the
// master's RPC layer retries closes.
func (r *Replica) Close() core.Error {
	r.mu.Lock()

	switch r.state {
	case stateClosed:
		r.mu.Unlock()
		return core.NoError
	case stateOpen:
	default:
		r.mu.Unlock()
		return core.ErrBadSegmentID
	}

	meta := NewReplicaMetadata(r.cert, uint64(r.ID.Master), r.ID.Segment, uint32(r.segmentSize), true)
	if err := r.frame.Append(nil, 0, 0, 0, meta); err != core.NoError {
		r.mu.Unlock()
		return err
	}
	r.state = stateClosed
	r.rightmostWrittenOffset = bytesWrittenClosed
	frame := r.frame
	r.mu.Unlock()

	return frame.Flush()
}

// SetRecovering moves the replica into recovery and stashes the partition
// map for the builder. Legal from open or closed; calling it again on an
// already-recovering replica leaves any build results in place.
func (r *Replica) SetRecovering(partitions []core.Tablet) core.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateOpen, stateClosed:
		r.state = stateRecovering
		// Keep the stashed map non-nil even when it has no tablets, so
		// "partition map present" and "no tablets recovering" stay
		// distinguishable.
		r.recoveryPartitions = append(make([]core.Tablet, 0, len(partitions)), partitions...)
	case stateRecovering:
		// A repeated StartReadingData for the same master.
	default:
		return core.ErrBadSegmentID
	}
	return core.NoError
}

// BuildRecoverySegments loads the replica and filters it into per-partition
// recovery segments, bounded by the builder semaphore. It is called on a
// worker goroutine for primaries and inline (from AppendRecoverySegment) for
// secondaries. The replica mutex is released for the duration of the I/O and
// filtering.
func (r *Replica) BuildRecoverySegments(sem server.Semaphore) {
	sem.Acquire()
	defer sem.Release()

	r.mu.Lock()
	if r.state != stateRecovering || r.recoverySegments != nil ||
		r.recoveryErr != core.NoError || r.building {
		r.mu.Unlock()
		return
	}
	r.building = true
	frame := r.frame
	cert := r.cert
	partitions := r.recoveryPartitions
	r.mu.Unlock()

	segs, err := buildRecoverySegments(frame, cert, partitions)

	r.mu.Lock()
	r.building = false
	if err != core.NoError {
		r.recoveryErr = err
	} else {
		r.recoverySegments = segs
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// AppendRecoverySegment returns the recovery segment for one partition,
// waiting for (or, for secondaries, triggering) the build. Legal only while
// recovering.
func (r *Replica) AppendRecoverySegment(partition uint64, sem server.Semaphore) ([]byte, core.Certificate, core.Error) {
	r.mu.Lock()

	for {
		if r.state != stateRecovering {
			r.mu.Unlock()
			return nil, core.Certificate{}, core.ErrBadSegmentID
		}
		if r.recoverySegments != nil || r.recoveryErr != core.NoError {
			break
		}
		if r.building || r.Primary {
			// A builder owns the buffer (or will shortly); wait for it.
			r.cond.Wait()
			continue
		}
		// Deferred build for a secondary: run it ourselves. The method
		// reacquires the mutex internally, so drop ours first.
		r.mu.Unlock()
		r.BuildRecoverySegments(sem)
		r.mu.Lock()
	}

	if r.recoveryErr != core.NoError {
		r.mu.Unlock()
		return nil, core.Certificate{}, core.ErrSegmentRecoveryFailed
	}
	if partition >= uint64(len(r.recoverySegments)) {
		r.mu.Unlock()
		return nil, core.Certificate{}, core.ErrBadSegmentID
	}
	seg := r.recoverySegments[partition]
	r.mu.Unlock()

	// Recovery segments are immutable once published, so the copy doesn't
	// need the mutex.
	_, cert := seg.AppendedLength()
	out := append([]byte(nil), seg.Bytes()...)
	return out, cert, core.NoError
}

// GetLogDigest returns the log digest entry from the head of the replica,
// if the replica is open and its certified prefix carries one. Used during
// recovery to find the authoritative description of the master's log.
func (r *Replica) GetLogDigest() ([]byte, bool) {
	r.mu.Lock()
	if r.rightmostWrittenOffset == bytesWrittenClosed || r.frame == nil {
		r.mu.Unlock()
		return nil, false
	}
	frame := r.frame
	cert := r.cert
	r.mu.Unlock()

	buf, err := frame.Load()
	if err != core.NoError {
		return nil, false
	}
	it, err := segment.NewIterator(buf, cert)
	if err != core.NoError {
		return nil, false
	}
	for ; !it.Done(); it.Next() {
		if it.Type() == segment.EntryDigest {
			return append([]byte(nil), it.Payload()...), true
		}
	}
	return nil, false
}

// Free releases the replica's frame. Legal from any state; freeing twice is
// a no-op.
func (r *Replica) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateFreed {
		return
	}
	if r.frame != nil {
		r.storage.Free(r.frame)
		r.frame = nil
	}
	r.state = stateFreed
	r.recoverySegments = nil
	// Wake anyone waiting on a build; they'll observe stateFreed.
	r.cond.Broadcast()
}

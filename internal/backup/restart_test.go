// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"testing"

	"github.com/memlogdb/memlog/internal/core"
)

// The restart inventory: frames with valid metadata come back as replicas,
// frames with corrupt or mismatched metadata stay free.
func TestRestartFromStorage(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.ClusterName = "testing"
	cfg.SegmentSize = 4096
	cfg.NumFrames = 6
	storage := NewMemStorage(cfg.SegmentSize, cfg.NumFrames)
	super := NewMemSuperblockStore()
	super.Save(&Superblock{ClusterName: "testing"})

	capacity := uint32(cfg.SegmentSize)
	writeFrame := func(meta *ReplicaMetadata) Frame {
		f, err := storage.Open()
		if err != core.NoError {
			t.Fatalf("couldn't open frame: %s", err)
		}
		if err = f.Append(nil, 0, 0, 0, meta); err != core.NoError {
			t.Fatalf("couldn't write metadata: %s", err)
		}
		return f
	}

	var frames []Frame
	// closed
	frames = append(frames, writeFrame(NewReplicaMetadata(core.Certificate{}, 70, 88, capacity, true)))
	// open
	frames = append(frames, writeFrame(NewReplicaMetadata(core.Certificate{}, 70, 89, capacity, false)))
	// bad checksum
	f := writeFrame(NewReplicaMetadata(core.Certificate{}, 70, 90, capacity, true))
	storage.flipMetadataByte(f.Index(), MetadataSize-1)
	frames = append(frames, f)
	// bad segment capacity
	frames = append(frames, writeFrame(NewReplicaMetadata(core.Certificate{}, 70, 91, capacity+1, true)))
	// open, different master
	frames = append(frames, writeFrame(NewReplicaMetadata(core.Certificate{}, 71, 89, capacity, false)))

	// The "previous process" exits: all frames go back to the bitmap, with
	// their contents in place.
	for _, f := range frames {
		storage.Free(f)
	}

	s := NewService(storage, super, NewTracker(), newMemMasterTalker(), &cfg)

	if s.FindReplica(70, 88) == nil {
		t.Fatal("closed replica <70,88> missing after restart")
	}
	if s.FindReplica(70, 89) == nil {
		t.Fatal("open replica <70,89> missing after restart")
	}
	if s.FindReplica(70, 90) != nil {
		t.Fatal("corrupt-metadata replica <70,90> present after restart")
	}
	if s.FindReplica(70, 91) != nil {
		t.Fatal("wrong-capacity replica <70,91> present after restart")
	}
	if s.FindReplica(71, 89) == nil {
		t.Fatal("replica <71,89> missing after restart")
	}

	// Claimed: frames 0, 1, 4. Free: 2, 3, 5.
	want := []bool{false, false, true, true, false, true}
	for i, wantFree := range want {
		if storage.free[i] != wantFree {
			t.Fatalf("frame %d free=%v, want %v", i, storage.free[i], wantFree)
		}
	}

	// Close state survived.
	if s.FindReplica(70, 88).IsOpen() {
		t.Fatal("<70,88> should have come back closed")
	}
	if !s.FindReplica(70, 89).IsOpen() {
		t.Fatal("<70,89> should have come back open")
	}

	// One storage-GC task per discovered master. With GC disabled they
	// delete themselves when performed.
	if n := s.GCQueue().Outstanding(); n != 2 {
		t.Fatalf("%d GC tasks queued, want 2", n)
	}
	s.GCQueue().PerformTask()
	s.GCQueue().PerformTask()
	if n := s.GCQueue().Outstanding(); n != 0 {
		t.Fatalf("%d GC tasks left after draining, want 0", n)
	}
}

// A cluster name mismatch scribbles storage so stale replicas can't leak
// into this cluster's recoveries.
func TestRestartClusterNameMismatch(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.ClusterName = "testing"
	storage := NewMemStorage(cfg.SegmentSize, cfg.NumFrames)
	super := NewMemSuperblockStore()
	super.Save(&Superblock{ClusterName: "some-other-cluster"})

	f, _ := storage.Open()
	f.Append(nil, 0, 0, 0, NewReplicaMetadata(core.Certificate{}, 70, 88, uint32(cfg.SegmentSize), true))
	storage.Free(f)

	s := NewService(storage, super, NewTracker(), newMemMasterTalker(), &cfg)
	if s.FindReplica(70, 88) != nil {
		t.Fatal("replica from another cluster survived")
	}
	infos, _ := storage.Enumerate()
	for _, fi := range infos {
		if fi.Meta.CheckIntegrity(uint32(cfg.SegmentSize)) {
			t.Fatal("metadata survived the scribble")
		}
	}
	sb, _ := super.Load()
	if sb == nil || sb.ClusterName != "testing" {
		t.Fatal("superblock not rewritten with the new cluster name")
	}
}

// A write schedule followed by a restart yields the same registry, for all
// frames whose metadata passes integrity.
func TestRestartRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	openSegment(t, e.service, 10, 1, true)
	closeSegment(t, e.service, 10, 1)
	openSegment(t, e.service, 10, 2, true)
	openSegment(t, e.service, 11, 7, false)
	closeSegment(t, e.service, 11, 7)

	type state struct {
		id   core.ReplicaID
		open bool
	}
	want := []state{
		{core.ReplicaID{Master: 10, Segment: 1}, false},
		{core.ReplicaID{Master: 10, Segment: 2}, true},
		{core.ReplicaID{Master: 11, Segment: 7}, false},
	}

	s2 := e.restart()
	for _, w := range want {
		r := s2.FindReplica(w.id.Master, w.id.Segment)
		if r == nil {
			t.Fatalf("replica %s missing after restart", w.id)
		}
		if r.IsOpen() != w.open {
			t.Fatalf("replica %s open=%v after restart, want %v", w.id, r.IsOpen(), w.open)
		}
		if r.CreatedByCurrentProcess() {
			t.Fatalf("replica %s claims to be created by the new process", w.id)
		}
	}
}

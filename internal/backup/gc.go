// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Garbage collection of replicas. Two cooperative tasks run on the
// service's single-threaded task queue: one frees the replicas of servers
// the cluster has finished with, the other probes masters about replicas we
// inherited from a previous process lifetime. Each task does one small step
// per Perform and reschedules itself, so nothing here ever blocks the RPC
// dispatch path.

package backup

import (
	"context"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
)

// garbageCollectDownServerTask frees the replicas of a master that has been
// removed from the cluster: the cluster has recovered from its failure, so
// its log here is garbage. One replica is freed per step.
type garbageCollectDownServerTask struct {
	s      *Service
	master core.ServerID
}

func newGarbageCollectDownServerTask(s *Service, master core.ServerID) *garbageCollectDownServerTask {
	return &garbageCollectDownServerTask{s: s, master: master}
}

// Perform frees at most one replica, then reschedules until none remain.
// With GC disabled the task just drains.
func (t *garbageCollectDownServerTask) Perform() {
	if !t.s.config.GC {
		return
	}
	r := t.s.anyReplicaOf(t.master)
	if r == nil {
		return
	}
	log.Infof("GC: server %s is down; freeing replica %s", t.master, r.ID)
	t.s.removeReplica(r)
	t.s.gcQueue.Schedule(t)
}

// probeResult carries the answer to an in-flight IsReplicaNeeded RPC.
type probeResult struct {
	needed bool
	err    core.Error
}

// garbageCollectReplicasFoundOnStorageTask decides the fate of replicas the
// restart scan inventoried. Their master may have restarted (and no longer
// want them), may be mid-recovery (keep everything until the cluster is
// done), or may be entirely gone (free them). One replica is settled per
// probe round trip.
type garbageCollectReplicasFoundOnStorageTask struct {
	s        *Service
	master   core.ServerID
	segments []uint64

	// Non-nil while a probe RPC is in flight.
	probe chan probeResult
}

func newGarbageCollectReplicasFoundOnStorageTask(s *Service, master core.ServerID, segments []uint64) *garbageCollectReplicasFoundOnStorageTask {
	return &garbageCollectReplicasFoundOnStorageTask{s: s, master: master, segments: segments}
}

// Perform advances the state machine by one step: launch a probe, consume a
// probe reply, or free a replica, then reschedule. The task terminates when
// no segments remain (or GC is disabled).
func (t *garbageCollectReplicasFoundOnStorageTask) Perform() {
	if !t.s.config.GC {
		return
	}
	if len(t.segments) == 0 {
		return
	}

	if t.probe != nil {
		t.finishProbe()
		return
	}

	seg := t.segments[0]
	if t.s.FindReplica(t.master, seg) == nil {
		// Already freed, likely by an explicit FreeSegment from the master.
		t.segments = t.segments[1:]
		if len(t.segments) > 0 {
			t.s.gcQueue.Schedule(t)
		}
		return
	}

	status, addr := t.s.tracker.Status(t.master)
	switch status {
	case core.StatusUp:
		ch := make(chan probeResult, 1)
		t.probe = ch
		backup := t.s.ServerID()
		mt := t.s.mt
		go func() {
			needed, err := mt.IsReplicaNeeded(context.Background(), addr, backup, seg)
			ch <- probeResult{needed: needed, err: err}
		}()
		t.s.gcQueue.Schedule(t)
	case core.StatusCrashed:
		log.Infof("GC: server %s marked crashed; waiting for cluster to recover "+
			"from its failure before freeing %s", t.master,
			core.ReplicaID{Master: t.master, Segment: seg})
		t.s.gcQueue.ScheduleAfter(t, t.s.config.GCProbeRetry)
	default:
		// Not in the cluster view at all: recovery finished long ago.
		log.Infof("GC: server %s marked down; cluster has recovered from its failure", t.master)
		t.freeHead()
		t.s.gcQueue.Schedule(t)
	}
}

// finishProbe consumes the in-flight probe's answer if it has arrived.
func (t *garbageCollectReplicasFoundOnStorageTask) finishProbe() {
	select {
	case res := <-t.probe:
		t.probe = nil
		id := core.ReplicaID{Master: t.master, Segment: t.segments[0]}
		if res.err != core.NoError {
			log.Errorf("GC: probe for %s failed: %s; will probe again later", id, res.err)
			t.s.gcQueue.ScheduleAfter(t, t.s.config.GCProbeRetry)
			return
		}
		if res.needed {
			log.Infof("GC: server has not recovered from lost replica; retaining "+
				"replica for %s; will probe replica status again later", id)
			// Leave it on the list, behind the others, for a later probe.
			t.segments = append(t.segments[1:], t.segments[0])
		} else {
			log.Infof("GC: server has recovered from lost replica; freeing replica for %s", id)
			t.freeHead()
		}
		t.s.gcQueue.Schedule(t)
	default:
		// Reply hasn't arrived; check again shortly.
		t.s.gcQueue.ScheduleAfter(t, t.s.config.GCProbeRetry)
	}
}

// freeHead frees the replica at the head of the list, if it still exists,
// and advances past it.
func (t *garbageCollectReplicasFoundOnStorageTask) freeHead() {
	if r := t.s.FindReplica(t.master, t.segments[0]); r != nil {
		t.s.removeReplica(r)
	}
	t.segments = t.segments[1:]
}

// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"sort"
	"sync"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/internal/server"
	"github.com/memlogdb/memlog/pkg/taskqueue"
)

// Service is the backup engine: the registry of replicas this backup holds,
// keyed by (master, segment), and the operations masters and the coordinator
// invoke on them. The RPC handler in this package is a thin shim over it.
type Service struct {
	// Registry. The lock is held only across lookups and insert/erase;
	// everything slow happens under the individual replica mutexes.
	lock     sync.Mutex
	replicas map[core.ReplicaID]*Replica

	storage Storage
	super   SuperblockStore
	config  *Config
	mt      MasterTalker
	tracker MembershipTracker

	// Replication group assigned by the coordinator, returned on opens.
	groupLock sync.Mutex
	groupID   uint64
	group     []core.ServerID

	// This backup's server id, once enlisted.
	serverID core.ServerID

	// The id our predecessor process enlisted under, recovered from the
	// superblock. The coordinator uses it to credit us with the replicas we
	// inherited.
	formerServerID core.ServerID

	// GC tasks run one at a time here so their progress is monotonic and
	// step-testable.
	gcQueue *taskqueue.Queue

	// Bounds the number of concurrently running recovery segment builders.
	buildSem server.Semaphore
}

// NewService creates the backup engine on top of the given storage. It
// reconciles the configured cluster name against the superblock: a match
// re-inventories the replicas left on storage, a mismatch scribbles them.
func NewService(storage Storage, super SuperblockStore, tracker MembershipTracker, mt MasterTalker, config *Config) *Service {
	s := &Service{
		replicas: make(map[core.ReplicaID]*Replica),
		storage:  storage,
		super:    super,
		config:   config,
		mt:       mt,
		tracker:  tracker,
		gcQueue:  taskqueue.New(),
		buildSem: server.NewSemaphore(config.BuildWorkers),
	}

	sb, err := super.Load()
	if err != core.NoError {
		log.Fatalf("couldn't read superblock: %s", err)
	}
	switch {
	case config.ClusterName == "":
		log.Infof("No cluster name configured; ignoring existing backup storage. "+
			"Any replicas stored will not be reusable by future backups. "+
			"Specify a cluster name for persistence across backup restarts.")
	case sb == nil:
		log.Infof("Backup storing replicas with cluster name %q. Future backups "+
			"must be restarted with the same name for replicas stored on this "+
			"backup to be reused.", config.ClusterName)
		if err := storage.Scribble(); err != core.NoError {
			log.Fatalf("couldn't scribble storage: %s", err)
		}
		super.Save(&Superblock{ClusterName: config.ClusterName})
	case sb.ClusterName != config.ClusterName:
		log.Infof("Replicas stored on disk have a different cluster name (%q). "+
			"Scribbling storage to ensure any stale replicas left behind by old "+
			"backups aren't used by future backups", sb.ClusterName)
		if err := storage.Scribble(); err != core.NoError {
			log.Fatalf("couldn't scribble storage: %s", err)
		}
		super.Save(&Superblock{ClusterName: config.ClusterName})
	default:
		log.Infof("Replicas stored on disk have matching cluster name (%q). "+
			"Scanning storage to find all replicas and to make them available "+
			"to recoveries.", sb.ClusterName)
		s.formerServerID = sb.ServerID
		if s.formerServerID.IsValid() {
			log.Infof("Will enlist as a replacement for formerly crashed server %s "+
				"which left replicas behind on disk", s.formerServerID)
		}
		s.restartFromStorage()
	}

	return s
}

// SetServerID records the id the coordinator enlisted this backup under and
// persists it for the next process lifetime.
func (s *Service) SetServerID(id core.ServerID) {
	s.lock.Lock()
	s.serverID = id
	s.lock.Unlock()
	if s.config.ClusterName != "" {
		s.super.Save(&Superblock{ClusterName: s.config.ClusterName, ServerID: id})
	}
}

// ServerID returns the id this backup enlisted under (0 before enlistment).
func (s *Service) ServerID() core.ServerID {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.serverID
}

// FormerServerID returns the id the previous process lifetime enlisted
// under, or 0.
func (s *Service) FormerServerID() core.ServerID {
	return s.formerServerID
}

// GCQueue exposes the garbage collection task queue, so the server can run
// it and tests can drive it step by step.
func (s *Service) GCQueue() *taskqueue.Queue {
	return s.gcQueue
}

// FindReplica returns the replica for (master, segmentID), or nil.
func (s *Service) FindReplica(master core.ServerID, segmentID uint64) *Replica {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.replicas[core.ReplicaID{Master: master, Segment: segmentID}]
}

// anyReplicaOf returns some replica belonging to master, or nil.
func (s *Service) anyReplicaOf(master core.ServerID) *Replica {
	s.lock.Lock()
	defer s.lock.Unlock()
	for id, r := range s.replicas {
		if id.Master == master {
			return r
		}
	}
	return nil
}

// removeReplica drops a replica from the registry and releases its frame.
func (s *Service) removeReplica(r *Replica) {
	s.lock.Lock()
	if s.replicas[r.ID] == r {
		delete(s.replicas, r.ID)
	}
	s.lock.Unlock()
	r.Free()
}

// WriteSegment applies one master write: open, data, close, or any allowed
// combination. Writes are idempotent so the master's RPC layer can retry
// them blindly.
func (s *Service) WriteSegment(req core.WriteSegmentReq) core.WriteSegmentReply {
	id := core.ReplicaID{Master: req.Master, Segment: req.Segment}

	s.lock.Lock()
	r := s.replicas[id]
	created := false
	if r == nil {
		if !req.Flags.Open() {
			s.lock.Unlock()
			return core.WriteSegmentReply{Err: core.ErrBadSegmentID}
		}
		r = NewReplica(s.storage, id, req.Flags.Primary(), s.config.Sync)
		s.replicas[id] = r
		created = true
	}
	s.lock.Unlock()

	if !r.CreatedByCurrentProcess() {
		// Replicas inherited from storage belong to a previous process
		// lifetime; the master can't write to them here, only free them or
		// recover from them.
		if req.Flags.Open() {
			log.Infof("Master tried to reopen replica %s found on storage; rejecting", id)
			return core.WriteSegmentReply{Err: core.ErrOpenRejected}
		}
		return core.WriteSegmentReply{Err: core.ErrBadSegmentID}
	}

	if req.Flags.Open() {
		if req.Flags.Close() && !r.IsOpen() {
			// A retried open+close of a replica we already closed. Don't
			// try to reopen it; the redundant-close path below accepts the
			// whole write.
		} else if err := r.Open(); err != core.NoError {
			if created {
				s.lock.Lock()
				if s.replicas[id] == r {
					delete(s.replicas, id)
				}
				s.lock.Unlock()
			}
			if err == core.ErrStorageExhausted {
				// Surfaced as a rejected open; the master retries the
				// placement on another backup.
				log.Errorf("Out of storage frames, rejecting open of %s", id)
				err = core.ErrOpenRejected
			}
			return core.WriteSegmentReply{Err: err}
		}
	}

	err := r.Append(req.B, req.SrcOff, req.DestOff, req.Length, req.Cert)
	if err == core.ErrBadSegmentID && req.Flags.Close() && !r.IsOpen() {
		// A retried close of an already-closed replica: the bytes it
		// carries were durably written the first time around. Accept it
		// silently, matching what the retrying master expects.
		log.V(2).Infof("redundant close for %s", id)
		err = core.NoError
	} else if err == core.NoError && req.Flags.Close() {
		err = r.Close()
	}
	if err != core.NoError {
		return core.WriteSegmentReply{Err: err}
	}

	reply := core.WriteSegmentReply{Err: core.NoError}
	if req.Flags.Open() {
		reply.GroupID, reply.Group = s.Group()
	}
	return reply
}

// FreeSegment discards the replica for (master, segmentID). Freeing a
// replica that isn't here is not an error; the master's intent is satisfied
// either way.
func (s *Service) FreeSegment(master core.ServerID, segmentID uint64) core.Error {
	id := core.ReplicaID{Master: master, Segment: segmentID}
	s.lock.Lock()
	r := s.replicas[id]
	delete(s.replicas, id)
	s.lock.Unlock()

	if r == nil {
		log.Infof("Master asked to free nonexistent replica %s", id)
		return core.NoError
	}
	log.Infof("Freeing replica %s", id)
	r.Free()
	return core.NoError
}

// StartReadingData moves every replica of the crashed master into recovery,
// kicks off builds for primaries, and reports what this backup holds: the
// (segment, length) inventory and the log digest from the authoritative log
// head, if one is here.
func (s *Service) StartReadingData(req core.StartReadingDataReq) core.StartReadingDataReply {
	reply := core.StartReadingDataReply{
		Err:           core.NoError,
		DigestSegment: core.InvalidSegmentID,
	}

	// Snapshot and transition under the registry lock, so the set of
	// replicas entering recovery is atomic with respect to new opens from
	// the (supposedly dead) master. SetRecovering takes each replica mutex
	// but does no I/O.
	s.lock.Lock()
	var primaries, secondaries []*Replica
	for id, r := range s.replicas {
		if id.Master != req.Master {
			continue
		}
		r.SetRecovering(req.Partitions)
		if r.Primary {
			primaries = append(primaries, r)
		} else {
			secondaries = append(secondaries, r)
		}
	}
	s.lock.Unlock()

	// Primaries first: recovery masters fetch in the order we list, and
	// primaries are the copies we build eagerly.
	bySegment := func(rs []*Replica) {
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID.Segment < rs[j].ID.Segment })
	}
	bySegment(primaries)
	bySegment(secondaries)
	ordered := append(primaries, secondaries...)

	for _, r := range ordered {
		reply.Segments = append(reply.Segments, core.SegmentInfo{
			Segment: r.ID.Segment,
			Length:  r.RightmostWrittenOffset(),
		})

		// The authoritative log head is the open replica with the smallest
		// segment id that carries a digest; closed replicas' digests are
		// stale by definition.
		if r.IsOpen() && r.ID.Segment < reply.DigestSegment {
			if d, ok := r.GetLogDigest(); ok {
				reply.DigestSegment = r.ID.Segment
				reply.DigestSegmentLen = r.RightmostWrittenOffset()
				reply.Digest = d
			}
		}
	}

	for _, r := range primaries {
		go r.BuildRecoverySegments(s.buildSem)
	}

	log.Infof("StartReadingData for master %s: %d replicas, digest from segment %d",
		req.Master, len(reply.Segments), reply.DigestSegment)
	return reply
}

// GetRecoveryData returns the recovery segment for one partition of one
// replica, blocking until the build completes (or running it, for
// secondaries).
func (s *Service) GetRecoveryData(req core.GetRecoveryDataReq) core.GetRecoveryDataReply {
	r := s.FindReplica(req.Master, req.Segment)
	if r == nil {
		log.Errorf("GetRecoveryData for unknown replica <%s,%d>", req.Master, req.Segment)
		return core.GetRecoveryDataReply{Err: core.ErrBadSegmentID}
	}

	b, cert, err := r.AppendRecoverySegment(req.Partition, s.buildSem)
	if err != core.NoError {
		return core.GetRecoveryDataReply{Err: err}
	}
	log.V(2).Infof("GetRecoveryData recovery %d replica %s partition %d: %d bytes",
		req.RecoveryID, r.ID, req.Partition, len(b))
	return core.GetRecoveryDataReply{Err: core.NoError, B: b, Cert: cert}
}

// AssignGroup replaces the backup's replication group.
func (s *Service) AssignGroup(groupID uint64, group []core.ServerID) core.Error {
	s.groupLock.Lock()
	s.groupID = groupID
	s.group = append([]core.ServerID(nil), group...)
	s.groupLock.Unlock()
	log.Infof("Assigned to replication group %d: %v", groupID, group)
	return core.NoError
}

// Group returns the current replication group.
func (s *Service) Group() (uint64, []core.ServerID) {
	s.groupLock.Lock()
	defer s.groupLock.Unlock()
	return s.groupID, append([]core.ServerID(nil), s.group...)
}

// Quiesce blocks until every accepted write is on stable storage.
func (s *Service) Quiesce() core.Error {
	return s.storage.Flush()
}

// OnServerRemoved is hooked to the membership tracker: when the cluster has
// finished with a server, its replicas here are garbage.
func (s *Service) OnServerRemoved(id core.ServerID) {
	s.gcQueue.Schedule(newGarbageCollectDownServerTask(s, id))
}

// restartFromStorage rebuilds the registry from the metadata blocks left on
// storage by the previous process lifetime. Frames whose metadata fails
// integrity (or was written under a different segment size) stay free.
func (s *Service) restartFromStorage() {
	infos, err := s.storage.Enumerate()
	if err != core.NoError {
		// Can't even read our own storage; nothing here will work.
		log.Fatalf("couldn't enumerate storage frames: %s", err)
	}

	segmentsByMaster := make(map[core.ServerID][]uint64)
	for _, fi := range infos {
		meta := fi.Meta
		if !meta.CheckIntegrity(uint32(s.config.SegmentSize)) {
			continue
		}
		id := core.ReplicaID{Master: core.ServerID(meta.LogID), Segment: meta.SegmentID}
		if _, ok := s.replicas[id]; ok {
			log.Errorf("Two frames on storage claim to hold replica %s; keeping the first", id)
			continue
		}
		s.storage.Claim(fi.Frame)
		r := NewReplicaFromFrame(s.storage, fi.Frame, meta, s.config.Sync)
		s.replicas[id] = r
		state := "open"
		if meta.Closed {
			state = "closed"
		}
		log.Infof("Found stored replica %s on backup storage in frame which was %s", id, state)
		segmentsByMaster[id.Master] = append(segmentsByMaster[id.Master], meta.SegmentID)
	}

	for master, segments := range segmentsByMaster {
		sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
		s.gcQueue.Schedule(newGarbageCollectReplicasFoundOnStorageTask(s, master, segments))
	}
}

// ReplicaCountsByState returns how many replicas are in each state, for the
// status page.
func (s *Service) ReplicaCountsByState() map[string]int {
	s.lock.Lock()
	replicas := make([]*Replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		replicas = append(replicas, r)
	}
	s.lock.Unlock()

	out := make(map[string]int)
	for _, r := range replicas {
		r.mu.Lock()
		st := r.state
		r.mu.Unlock()
		switch st {
		case stateOpen:
			out["open"]++
		case stateClosed:
			out["closed"]++
		case stateRecovering:
			out["recovering"]++
		default:
			out["other"]++
		}
	}
	return out
}

// closedReplicas returns the closed replicas, for the scrubber.
func (s *Service) closedReplicas() []*Replica {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*Replica
	for _, r := range s.replicas {
		r.mu.Lock()
		if r.state == stateClosed {
			out = append(out, r)
		}
		r.mu.Unlock()
	}
	return out
}

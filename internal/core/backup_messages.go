// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// This file describes the RPC interface exported by the backup server, plus
// the one outbound RPC the backup sends to masters during garbage collection.

// Certificate seals a prefix of a segment as well-formed: the number of bytes
// covered and a CRC32C checksum over them. A buffer is iterable only after it
// validates against its certificate.
type Certificate struct {
	// How many bytes of the segment the checksum covers.
	Length uint32

	// CRC32C over the first Length bytes.
	Checksum uint32
}

// WriteFlags modify a WriteSegment call.
type WriteFlags uint32

const (
	// WriteNone is a plain data write to an already-open replica.
	WriteNone WriteFlags = 0

	// WriteOpen opens the replica (reserving a storage frame) before the write.
	WriteOpen WriteFlags = 1 << iota

	// WriteClose closes the replica after the write.
	WriteClose

	// WritePrimary marks the replica as the primary copy at open. Only
	// meaningful together with WriteOpen.
	WritePrimary

	// WriteOpenPrimary opens the replica as the primary copy.
	WriteOpenPrimary = WriteOpen | WritePrimary
)

// Open returns true if the write should open the replica.
func (f WriteFlags) Open() bool { return f&WriteOpen != 0 }

// Close returns true if the write should close the replica.
func (f WriteFlags) Close() bool { return f&WriteClose != 0 }

// Primary returns true if the open is for a primary replica.
func (f WriteFlags) Primary() bool { return f&WritePrimary != 0 }

// Tablet is one entry of a partition map: a key-hash range of a table
// assigned to a recovery partition, with the log position at which the
// tablet was created. Entries written before the tablet existed are dead and
// must not be returned during recovery.
type Tablet struct {
	TableID      uint64
	StartKeyHash uint64
	EndKeyHash   uint64

	// Which recovery partition gets this tablet's entries.
	Partition uint64

	// The log position of the master's head when the tablet was assigned to
	// it. Entries at earlier positions predate the tablet.
	CtimeSegmentID     uint64
	CtimeSegmentOffset uint32
}

// WriteSegmentMethod is the method name for master to backup segment writes.
const WriteSegmentMethod = "BackupSrvHandler.WriteSegment"

// WriteSegmentReq is sent by a master to replicate a portion of a segment.
type WriteSegmentReq struct {
	Master  ServerID
	Segment uint64

	// The bytes to write. The write covers B[SrcOff:SrcOff+Length] and
	// lands at DestOff within the segment.
	B       []byte
	SrcOff  int
	DestOff int
	Length  int

	// Certificate for the segment after this write, if the master chose to
	// send one. Stored in the frame metadata so the replica is recoverable
	// up to the certified length.
	Cert *Certificate

	Flags WriteFlags
}

// WriteSegmentReply is the reply to a WriteSegmentReq.
type WriteSegmentReply struct {
	Err Error

	// The backup's replication group, returned on opens so the master can
	// colocate the remaining replicas of the segment.
	GroupID uint64
	Group   []ServerID
}

// FreeSegmentMethod is the method name for master to backup replica frees.
const FreeSegmentMethod = "BackupSrvHandler.FreeSegment"

// FreeSegmentReq asks the backup to discard its replica of a segment.
type FreeSegmentReq struct {
	Master  ServerID
	Segment uint64
}

// SegmentInfo is a (segment id, written length) pair returned from
// StartReadingData.
type SegmentInfo struct {
	Segment uint64

	// An approximation of the written length if the replica is still open.
	// For a closed replica this is ^uint32(0): the recovering master
	// doesn't need a length, it recovers to the certified length.
	Length uint32
}

// StartReadingDataMethod is the method name for the recovery kickoff RPC.
const StartReadingDataMethod = "BackupSrvHandler.StartReadingData"

// StartReadingDataReq moves every replica of the crashed master into
// recovery and starts building recovery segments for primaries.
type StartReadingDataReq struct {
	Master ServerID

	// The partition map for the recovery. Secondaries stash this and build
	// lazily; primaries build immediately.
	Partitions []Tablet
}

// StartReadingDataReply is the reply to a StartReadingDataReq.
type StartReadingDataReply struct {
	Err Error

	// Every replica of the master held by this backup.
	Segments []SegmentInfo

	// The log digest found on the still-open replica with the smallest
	// segment id, if any. DigestSegment is InvalidSegmentID when no open
	// replica carried a digest.
	DigestSegment    uint64
	DigestSegmentLen uint32
	Digest           []byte
}

// GetRecoveryDataMethod is the method name for fetching one recovery segment.
const GetRecoveryDataMethod = "BackupSrvHandler.GetRecoveryData"

// GetRecoveryDataReq asks for the recovery segment of one partition of one
// replica. Legal only after StartReadingData.
type GetRecoveryDataReq struct {
	// Identifies which recovery this request belongs to. The backup only
	// logs it; requests from an abandoned recovery are not rejected.
	RecoveryID uint64

	Master    ServerID
	Segment   uint64
	Partition uint64
}

// GetRecoveryDataReply is the reply to a GetRecoveryDataReq.
type GetRecoveryDataReply struct {
	Err  Error
	B    []byte
	Cert Certificate
}

// AssignGroupMethod is the method name for coordinator to backup replication
// group assignment.
const AssignGroupMethod = "BackupSrvHandler.AssignGroup"

// AssignGroupReq sets the backup's replication group. The group is returned
// to masters on open so they can colocate all replicas of a segment.
type AssignGroupReq struct {
	GroupID uint64
	Group   []ServerID
}

// QuiesceMethod is the method name for the flush barrier RPC. Request is
// struct{}, reply is Error.
const QuiesceMethod = "BackupSrvHandler.Quiesce"

// IsReplicaNeededMethod is the method name for the outbound probe the backup
// sends to a master during garbage collection of replicas found on storage.
const IsReplicaNeededMethod = "MasterSrvHandler.IsReplicaNeeded"

// IsReplicaNeededReq asks a restarted master whether it still depends on a
// replica this backup holds from a previous process lifetime.
type IsReplicaNeededReq struct {
	Backup  ServerID
	Segment uint64
}

// IsReplicaNeededReply is the reply to an IsReplicaNeededReq.
type IsReplicaNeededReply struct {
	Err    Error
	Needed bool
}

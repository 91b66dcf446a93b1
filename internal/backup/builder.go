// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// The recovery segment builder: given one replica and a partition map,
// produce one output segment per partition containing exactly the entries
// that partition's recovery master needs to replay.

package backup

import (
	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/internal/segment"
)

// logPosition is a position in a master's log: which segment, and the byte
// offset of an entry within it. Positions are ordered lexicographically.
type logPosition struct {
	segment uint64
	offset  uint32
}

func (p logPosition) before(q logPosition) bool {
	return p.segment < q.segment || (p.segment == q.segment && p.offset < q.offset)
}

// whichTablet returns the tablet in the partition map that covers the given
// table and key hash, or nil if the entry belongs to no recovering tablet
// and should be dropped.
func whichTablet(tableID, keyHash uint64, partitions []core.Tablet) *core.Tablet {
	for i := range partitions {
		t := &partitions[i]
		if t.TableID == tableID && keyHash >= t.StartKeyHash && keyHash <= t.EndKeyHash {
			return t
		}
	}
	return nil
}

// isEntryAlive reports whether an entry at pos was written while the tablet
// was assigned to the crashed master. Entries positioned before the tablet's
// creation time belong to an earlier assignment of the key range and must
// not be replayed. The exception: entries in the very log head the tablet
// was created on are kept even at earlier offsets, because the master wrote
// them while the tablet assignment was being recorded.
func isEntryAlive(pos logPosition, tablet *core.Tablet, header segment.Header) bool {
	min := logPosition{tablet.CtimeSegmentID, tablet.CtimeSegmentOffset}
	if !pos.before(min) {
		return true
	}
	return header.SegmentID == tablet.CtimeSegmentID && pos.segment == min.segment
}

// buildRecoverySegments loads the replica bytes from frame and filters them
// into one output segment per partition. Any failure to parse the replica
// fails the whole build; the recovering master will use another replica of
// this segment.
func buildRecoverySegments(frame Frame, cert core.Certificate, partitions []core.Tablet) ([]*segment.Segment, core.Error) {
	buf, err := frame.Load()
	if err != core.NoError {
		log.Errorf("couldn't load frame %d for recovery: %s", frame.Index(), err)
		return nil, core.ErrSegmentRecoveryFailed
	}

	it, err := segment.NewIterator(buf, cert)
	if err != core.NoError {
		log.Errorf("replica in frame %d fails certificate validation, can't recover it", frame.Index())
		return nil, core.ErrSegmentRecoveryFailed
	}

	// The header names the segment; entry positions are relative to it.
	var header segment.Header
	foundHeader := false
	for scan := *it; !scan.Done(); scan.Next() {
		if scan.Type() == segment.EntryHeader {
			if header, err = segment.DecodeHeader(scan.Payload()); err != core.NoError {
				return nil, core.ErrSegmentRecoveryFailed
			}
			foundHeader = true
			break
		}
	}
	if !foundHeader {
		log.Errorf("replica in frame %d has no segment header, can't recover it", frame.Index())
		return nil, core.ErrSegmentRecoveryFailed
	}

	numPartitions := uint64(0)
	for i := range partitions {
		if partitions[i].Partition+1 > numPartitions {
			numPartitions = partitions[i].Partition + 1
		}
	}
	out := make([]*segment.Segment, numPartitions)
	for i := range out {
		out[i] = segment.New()
	}

	for ; !it.Done(); it.Next() {
		var tableID, keyHash uint64
		switch it.Type() {
		case segment.EntryObject:
			o, derr := segment.DecodeObject(it.Payload())
			if derr != core.NoError {
				return nil, core.ErrSegmentRecoveryFailed
			}
			tableID, keyHash = o.TableID, segment.KeyHash(o.TableID, o.Key)
		case segment.EntryTombstone:
			t, derr := segment.DecodeTombstone(it.Payload())
			if derr != core.NoError {
				return nil, core.ErrSegmentRecoveryFailed
			}
			tableID, keyHash = t.TableID, segment.KeyHash(t.TableID, t.Key)
		default:
			// Headers, digests and opaque entries aren't partitioned.
			continue
		}

		tablet := whichTablet(tableID, keyHash, partitions)
		if tablet == nil {
			log.V(2).Infof("dropping entry at offset %d: no recovering tablet covers (%d,%#x)",
				it.Offset(), tableID, keyHash)
			continue
		}
		if !isEntryAlive(logPosition{header.SegmentID, it.Offset()}, tablet, header) {
			log.V(2).Infof("dropping entry at offset %d: predates tablet creation", it.Offset())
			continue
		}
		out[tablet.Partition].Append(it.Type(), it.Payload())
	}
	if it.Err() != core.NoError {
		log.Errorf("replica in frame %d has a malformed entry inside its certified prefix", frame.Index())
		return nil, core.ErrSegmentRecoveryFailed
	}

	return out, core.NoError
}

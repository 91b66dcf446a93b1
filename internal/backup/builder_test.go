// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"bytes"
	"testing"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/internal/segment"
)

// pointTablet covers exactly one key of one table.
func pointTablet(partition, tableID uint64, key string, ctimeSeg uint64, ctimeOff uint32) core.Tablet {
	h := segment.KeyHash(tableID, []byte(key))
	return core.Tablet{
		TableID:            tableID,
		StartKeyHash:       h,
		EndKeyHash:         h,
		Partition:          partition,
		CtimeSegmentID:     ctimeSeg,
		CtimeSegmentOffset: ctimeOff,
	}
}

// A fixture partition map: partition 0 covers keys "9", "10", "29" of
// table 123 and key "20" of table 124; partition 1 covers key "30" of table
// 123 and all of table 125.
func testTablets() []core.Tablet {
	return []core.Tablet{
		pointTablet(0, 123, "9", 0, 0),
		pointTablet(0, 123, "10", 0, 0),
		pointTablet(0, 123, "29", 0, 0),
		pointTablet(0, 124, "20", 0, 0),
		pointTablet(1, 123, "30", 0, 0),
		{TableID: 125, StartKeyHash: 0, EndKeyHash: ^uint64(0), Partition: 1},
	}
}

func TestWhichTablet(t *testing.T) {
	tablets := testTablets()

	if tab := whichTablet(123, segment.KeyHash(123, []byte("29")), tablets); tab == nil || tab.Partition != 0 {
		t.Fatal("(123,29) should land in partition 0")
	}
	if tab := whichTablet(125, segment.KeyHash(125, []byte("anything")), tablets); tab == nil || tab.Partition != 1 {
		t.Fatal("all of table 125 should land in partition 1")
	}
	// Same hash, wrong table.
	if tab := whichTablet(99, segment.KeyHash(123, []byte("29")), tablets); tab != nil {
		t.Fatal("an uncovered table matched a tablet")
	}
}

func TestIsEntryAlive(t *testing.T) {
	header := segment.Header{LogID: 99, SegmentID: 88, Capacity: 1024}

	// Tablet created at position (87, 100).
	tab := pointTablet(0, 123, "x", 87, 100)
	if !isEntryAlive(logPosition{88, 0}, &tab, header) {
		t.Fatal("entry after the ctime segment should be alive")
	}
	if !isEntryAlive(logPosition{87, 100}, &tab, header) {
		t.Fatal("entry exactly at ctime should be alive")
	}
	if isEntryAlive(logPosition{87, 99}, &tab, header) {
		t.Fatal("entry just before ctime should be dead")
	}
	if isEntryAlive(logPosition{86, 500}, &tab, header) {
		t.Fatal("entry in an earlier segment should be dead")
	}

	// The exception: the tablet was created on this very segment, so even
	// entries at earlier offsets were written during tablet creation.
	tab = pointTablet(0, 123, "x", 88, 100)
	if !isEntryAlive(logPosition{88, 10}, &tab, header) {
		t.Fatal("entry written in the ctime log head should be alive")
	}

	// No exception when the replica is some other, earlier segment.
	tab = pointTablet(0, 123, "x", 89, 0)
	if isEntryAlive(logPosition{88, 10}, &tab, header) {
		t.Fatal("entry from before the ctime segment should be dead")
	}
}

// Build a frame holding the fixture segment: objects and tombstones for
// (123,"29"), (123,"30"), (124,"20"), (125,"20").
func buildFixtureFrame(t *testing.T, s Storage) (Frame, core.Certificate) {
	f, err := s.Open()
	if err != core.NoError {
		t.Fatalf("couldn't open frame: %s", err)
	}
	seg := segment.New()
	seg.Append(segment.EntryHeader, segment.EncodeHeader(segment.Header{LogID: 99, SegmentID: 88, Capacity: uint32(s.SegmentSize())}))
	for _, k := range []struct {
		table uint64
		key   string
		data  string
	}{
		{123, "29", "test1"}, {123, "30", "test2"}, {124, "20", "test3"}, {125, "20", "test4"},
	} {
		seg.Append(segment.EntryObject, segment.EncodeObject(segment.Object{
			TableID: k.table, Key: []byte(k.key), Value: []byte(k.data)}))
	}
	for _, k := range []struct {
		table uint64
		key   string
	}{
		{123, "29"}, {123, "30"}, {124, "20"}, {125, "20"},
	} {
		seg.Append(segment.EntryTombstone, segment.EncodeTombstone(segment.Tombstone{
			TableID: k.table, SegmentID: 88, Key: []byte(k.key)}))
	}
	length, cert := seg.AppendedLength()
	if err := f.Append(seg.Bytes(), 0, 0, int(length), nil); err != core.NoError {
		t.Fatalf("couldn't write segment to frame: %s", err)
	}
	return f, cert
}

type wantEntry struct {
	typ   segment.EntryType
	table uint64
	key   string
}

func checkRecoverySegment(t *testing.T, b []byte, cert core.Certificate, want []wantEntry) {
	it, err := segment.NewIterator(b, cert)
	if err != core.NoError {
		t.Fatalf("recovery segment doesn't validate: %s", err)
	}
	i := 0
	for ; !it.Done(); it.Next() {
		if i >= len(want) {
			t.Fatalf("recovery segment has more than %d entries", len(want))
		}
		w := want[i]
		if it.Type() != w.typ {
			t.Fatalf("entry %d: type %d, want %d", i, it.Type(), w.typ)
		}
		var table uint64
		var key []byte
		switch it.Type() {
		case segment.EntryObject:
			o, _ := segment.DecodeObject(it.Payload())
			table, key = o.TableID, o.Key
		case segment.EntryTombstone:
			tomb, _ := segment.DecodeTombstone(it.Payload())
			table, key = tomb.TableID, tomb.Key
		}
		if table != w.table || !bytes.Equal(key, []byte(w.key)) {
			t.Fatalf("entry %d: (%d,%q), want (%d,%q)", i, table, key, w.table, w.key)
		}
		i++
	}
	if i != len(want) {
		t.Fatalf("recovery segment has %d entries, want %d", i, len(want))
	}
}

// Partitioned filtering: partition 0 gets exactly the entries its
// tablets cover, in log order.
func TestBuildRecoverySegments(t *testing.T) {
	s := NewMemStorage(4096, 1)
	f, cert := buildFixtureFrame(t, s)

	out, err := buildRecoverySegments(f, cert, testTablets())
	if err != core.NoError {
		t.Fatalf("build failed: %s", err)
	}
	if len(out) != 2 {
		t.Fatalf("built %d partitions, want 2", len(out))
	}

	_, cert0 := out[0].AppendedLength()
	checkRecoverySegment(t, out[0].Bytes(), cert0, []wantEntry{
		{segment.EntryObject, 123, "29"},
		{segment.EntryObject, 124, "20"},
		{segment.EntryTombstone, 123, "29"},
		{segment.EntryTombstone, 124, "20"},
	})

	_, cert1 := out[1].AppendedLength()
	checkRecoverySegment(t, out[1].Bytes(), cert1, []wantEntry{
		{segment.EntryObject, 123, "30"},
		{segment.EntryObject, 125, "20"},
		{segment.EntryTombstone, 123, "30"},
		{segment.EntryTombstone, 125, "20"},
	})
}

// Entries written before their tablet existed are filtered out.
func TestBuildDropsDeadEntries(t *testing.T) {
	s := NewMemStorage(4096, 1)
	f, cert := buildFixtureFrame(t, s)

	// The tablet for (123,"29") was created on segment 100: everything in
	// segment 88 predates it.
	tablets := []core.Tablet{pointTablet(0, 123, "29", 100, 0)}
	out, err := buildRecoverySegments(f, cert, tablets)
	if err != core.NoError {
		t.Fatalf("build failed: %s", err)
	}
	if len(out[0].Bytes()) != 0 {
		t.Fatal("entries predating the tablet survived the filter")
	}
}

// A replica with no header can't be partitioned at all.
func TestBuildNoHeader(t *testing.T) {
	s := NewMemStorage(4096, 1)
	f, err := s.Open()
	if err != core.NoError {
		t.Fatalf("couldn't open frame: %s", err)
	}
	seg := segment.New()
	seg.Append(segment.EntryObject, segment.EncodeObject(segment.Object{TableID: 123, Key: []byte("29")}))
	length, cert := seg.AppendedLength()
	f.Append(seg.Bytes(), 0, 0, int(length), nil)

	if _, err := buildRecoverySegments(f, cert, testTablets()); err != core.ErrSegmentRecoveryFailed {
		t.Fatalf("headerless build returned %s, want recovery failed", err)
	}
}

// An uncertified replica (a master that never sent a certificate) can't be
// recovered.
func TestBuildBadCertificate(t *testing.T) {
	s := NewMemStorage(4096, 1)
	f, _ := s.Open()
	f.Append([]byte("garbage"), 0, 0, 7, nil)

	if _, err := buildRecoverySegments(f, core.Certificate{Length: 7, Checksum: 12345}, nil); err != core.ErrSegmentRecoveryFailed {
		t.Fatalf("uncertified build returned %s, want recovery failed", err)
	}
}

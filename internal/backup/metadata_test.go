// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"testing"

	"github.com/memlogdb/memlog/internal/core"
)

// The metadata block layout is baked into the on-disk format: exactly 33
// bytes, no padding.
func TestMetadataLayout(t *testing.T) {
	m := NewReplicaMetadata(core.Certificate{Length: 10, Checksum: 0xdeadbeef}, 70, 88, 4096, true)
	b := m.Encode()
	if len(b) != 33 || MetadataSize != 33 {
		t.Fatalf("metadata block is %d bytes, must be 33", len(b))
	}

	// Spot-check field placement.
	if b[0] != 10 {
		t.Fatalf("certificate length not at offset 0")
	}
	if b[8] != 70 {
		t.Fatalf("log id not at offset 8")
	}
	if b[16] != 88 {
		t.Fatalf("segment id not at offset 16")
	}
	if b[28] != 1 {
		t.Fatalf("closed flag not at offset 28")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	in := NewReplicaMetadata(core.Certificate{Length: 123, Checksum: 456}, 70, 89, 4096, false)
	enc := in.Encode()
	out, err := DecodeReplicaMetadata(enc[:])
	if err != core.NoError {
		t.Fatalf("decode failed: %s", err)
	}
	if out.LogID != 70 || out.SegmentID != 89 || out.SegmentCapacity != 4096 ||
		out.Closed || out.Cert != in.Cert {
		t.Fatalf("round trip mismatch: %+v vs %+v", in, out)
	}
	if !out.CheckIntegrity(4096) {
		t.Fatal("freshly encoded metadata fails its own integrity check")
	}
}

func TestMetadataIntegrity(t *testing.T) {
	m := NewReplicaMetadata(core.Certificate{}, 70, 90, 4096, true)

	// Corrupt checksum.
	bad := *m
	bad.Checksum = 0
	if bad.CheckIntegrity(4096) {
		t.Fatal("corrupt checksum passed the integrity check")
	}

	// Capacity mismatch is rejected even with a valid checksum.
	if m.CheckIntegrity(8192) {
		t.Fatal("metadata written under another segment size passed the integrity check")
	}

	// A zeroed block (a never-written frame) must not validate.
	zero, err := DecodeReplicaMetadata(make([]byte, MetadataSize))
	if err != core.NoError {
		t.Fatalf("decode of zero block failed: %s", err)
	}
	if zero.CheckIntegrity(4096) {
		t.Fatal("all-zero metadata passed the integrity check")
	}

	if _, err = DecodeReplicaMetadata(make([]byte, 10)); err == core.NoError {
		t.Fatal("short metadata block decoded")
	}
}

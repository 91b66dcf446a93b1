// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"testing"

	"github.com/memlogdb/memlog/internal/core"
)

func TestTrackerSeedFromSpec(t *testing.T) {
	tr := NewTracker()
	if err := tr.SeedFromSpec("1=host1:5920,7=host7:5920"); err != nil {
		t.Fatalf("seed failed: %s", err)
	}

	status, addr := tr.Status(1)
	if status != core.StatusUp || addr != "host1:5920" {
		t.Fatalf("member 1 is %s at %q after seeding", status, addr)
	}
	status, addr = tr.Status(7)
	if status != core.StatusUp || addr != "host7:5920" {
		t.Fatalf("member 7 is %s at %q after seeding", status, addr)
	}
	if status, _ = tr.Status(2); status != core.StatusUnknown {
		t.Fatal("unseeded member isn't unknown")
	}

	// An empty spec is fine; malformed ones are not.
	if err := tr.SeedFromSpec(""); err != nil {
		t.Fatalf("empty spec rejected: %s", err)
	}
	for _, bad := range []string{"host1:5920", "x=host1:5920", "0=host1:5920", "1="} {
		if err := NewTracker().SeedFromSpec(bad); err == nil {
			t.Fatalf("spec %q accepted", bad)
		}
	}
}

func TestTrackerStatusTransitions(t *testing.T) {
	tr := NewTracker()
	var removed []core.ServerID
	tr.OnRemoved(func(id core.ServerID) { removed = append(removed, id) })

	tr.AddServer(13, "m:1")
	if status, _ := tr.Status(13); status != core.StatusUp {
		t.Fatal("added server isn't up")
	}

	tr.MarkCrashed(13)
	if status, _ := tr.Status(13); status != core.StatusCrashed {
		t.Fatal("crashed server isn't crashed")
	}

	tr.Remove(13)
	if status, _ := tr.Status(13); status != core.StatusUnknown {
		t.Fatal("removed server isn't unknown")
	}
	if len(removed) != 1 || removed[0] != 13 {
		t.Fatalf("removal hook saw %v", removed)
	}

	// Crashing a server we never heard of is a no-op.
	tr.MarkCrashed(99)
	if status, _ := tr.Status(99); status != core.StatusUnknown {
		t.Fatal("crash of an unknown server created an entry")
	}
}

// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"strings"
	"testing"

	"github.com/memlogdb/memlog/internal/core"
)

// Collectors register against the global prometheus registry, so every test
// shares this one metric family.
var testOpm = NewOpMetric("opmetric_test_ops", "op")

// Every op counts exactly once, under the result it ended with.
func TestOpMetricResults(t *testing.T) {
	testOpm.Start("alpha").End()

	op := testOpm.Start("alpha")
	op.Failed()
	op.End()

	op = testOpm.Start("alpha")
	op.TooBusy()
	op.End()

	if n := testOpm.Count("ok", "alpha"); n != 1 {
		t.Fatalf("%d ok ops, want 1", n)
	}
	if n := testOpm.Count("failed", "alpha"); n != 1 {
		t.Fatalf("%d failed ops, want 1", n)
	}
	if n := testOpm.Count("too_busy", "alpha"); n != 1 {
		t.Fatalf("%d rejected ops, want 1", n)
	}
}

// EndWithError settles the result from the reply's error field.
func TestOpMetricEndWithError(t *testing.T) {
	op := testOpm.Start("beta")
	err := core.NoError
	op.EndWithError(&err)

	op = testOpm.Start("beta")
	err = core.ErrBadSegmentID
	op.EndWithError(&err)

	// A TooBusy mark isn't downgraded to plain "failed" by a later error.
	op = testOpm.Start("beta")
	op.TooBusy()
	err = core.ErrTooBusy
	op.EndWithError(&err)

	if n := testOpm.Count("ok", "beta"); n != 1 {
		t.Fatalf("%d ok ops, want 1", n)
	}
	if n := testOpm.Count("failed", "beta"); n != 1 {
		t.Fatalf("%d failed ops, want 1", n)
	}
	if n := testOpm.Count("too_busy", "beta"); n != 1 {
		t.Fatalf("%d rejected ops, want 1", n)
	}
}

func TestOpMetricString(t *testing.T) {
	testOpm.Start("gamma").End()
	s := testOpm.String("gamma")
	if !strings.Contains(s, "1 ok") || !strings.Contains(s, "0 failed") {
		t.Fatalf("summary %q doesn't show the counts", s)
	}
	if got := testOpm.Strings("gamma")["gamma"]; got != s {
		t.Fatalf("Strings disagrees with String: %q vs %q", got, s)
	}
}

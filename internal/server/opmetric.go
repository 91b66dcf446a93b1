// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/memlogdb/memlog/internal/core"
)

// OpMetric instruments named operations: the RPCs the backup handles for
// masters, and chunks of work it starts itself. Each operation is bracketed
// by Start and End; the outcome is settled when the op ends, so an op counts
// exactly once, under exactly one result.
//
// Per OpMetric, three collectors are registered:
//   - <name>: counter of finished ops, labeled by "result" ("ok", "failed",
//     "too_busy") plus any extra labels.
//   - <name>_latency: summary of wall time for ops that ended ok. Rejected
//     and failed ops are excluded so error paths don't skew the quantiles.
//   - <name>_pending: gauge of ops between Start and End.
//
// The handler pattern:
//
//	op := h.opm.Start("WriteSegment")
//	defer op.EndWithError(&reply.Err)
//	if overloaded {
//		op.TooBusy()
//		return errBusy
//	}
type OpMetric struct {
	ops       *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric registers the collectors for a family of operations.
func NewOpMetric(name string, labels ...string) *OpMetric {
	return &OpMetric{
		ops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: "finished operations by result",
		}, append([]string{"result"}, labels...)),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: name + "_latency",
			Help: "wall time of operations that ended ok",
		}, labels),
		pending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: name + "_pending",
			Help: "operations in flight",
		}, labels),
	}
}

// Start begins one operation. The returned Op must be ended exactly once.
func (m *OpMetric) Start(values ...string) *Op {
	m.pending.WithLabelValues(values...).Inc()
	return &Op{
		opm:    m,
		values: values,
		result: "ok",
		start:  time.Now(),
	}
}

// Count returns how many ops finished with the given result.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	var value dto.Metric
	withResult := append([]string{result}, values...)
	if m.ops.WithLabelValues(withResult...).Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

// String summarizes one operation for the status page: result counts plus
// the latency quantiles of successful ops.
func (m *OpMetric) String(values ...string) string {
	out := fmt.Sprintf("%d ok / %d rejected / %d failed",
		m.Count("ok", values...),
		m.Count("too_busy", values...),
		m.Count("failed", values...))
	var value dto.Metric
	if sum, ok := m.latencies.WithLabelValues(values...).(prometheus.Summary); ok &&
		sum.Write(&value) == nil && value.Summary != nil {
		for _, q := range value.Summary.Quantile {
			out += fmt.Sprintf("; %gth=%.3fs", *q.Quantile*100, *q.Value)
		}
	}
	return out
}

// Strings maps each key through String. Only usable when the OpMetric has a
// single label, which is the common case.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// Op is one in-flight operation.
type Op struct {
	opm    *OpMetric
	values []string
	result string
	start  time.Time
}

// Failed marks the op as having returned an error.
func (op *Op) Failed() {
	op.result = "failed"
}

// TooBusy marks the op as rejected under load.
func (op *Op) TooBusy() {
	op.result = "too_busy"
}

// End settles the op: the pending gauge drops, the op counts under its
// final result, and a latency sample is recorded if it ended ok.
func (op *Op) End() {
	op.opm.pending.WithLabelValues(op.values...).Dec()
	withResult := append([]string{op.result}, op.values...)
	op.opm.ops.WithLabelValues(withResult...).Inc()
	if op.result == "ok" {
		op.opm.latencies.WithLabelValues(op.values...).Observe(time.Since(op.start).Seconds())
	}
}

// EndWithError marks the op failed if err isn't NoError, then ends it.
// Meant for deferring against an RPC reply's error field.
func (op *Op) EndWithError(err *core.Error) {
	if *err != core.NoError && op.result == "ok" {
		op.Failed()
	}
	op.End()
}

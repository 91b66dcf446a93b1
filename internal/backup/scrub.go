// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/internal/segment"
	"github.com/memlogdb/memlog/pkg/tokenbucket"
)

var (
	metricScrubbed = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "backup",
		Name:      "scrubbed_replicas",
		Help:      "replicas scrubbed, by result",
	}, []string{"result"})
)

// ScrubLoop re-reads closed replicas and validates them against their
// certificates, forever. A replica that fails validation has gone bad on
// storage; we log it so operators see it and recovery doesn't find out
// first. Throughput is throttled to the configured rate.
func (s *Service) ScrubLoop() {
	// Zero capacity means every Take waits for its tokens, which smooths
	// the read load instead of bursting.
	tb := tokenbucket.New(0, 0)

	for {
		time.Sleep(s.config.ScrubInterval)

		rate := s.config.ScrubRate
		if rate < 1024 {
			continue
		}
		tb.SetRate(float32(rate), 0)

		replicas := s.closedReplicas()
		if len(replicas) == 0 {
			continue
		}
		log.Infof("scrub pass starting over %d closed replicas", len(replicas))

		var ok, bad int
		var bytes int64
		start := time.Now()
		for _, r := range replicas {
			n, err := r.scrub()
			tb.Take(float32(n))
			bytes += n
			if err != core.NoError {
				bad++
				metricScrubbed.WithLabelValues("bad").Inc()
				log.Errorf("scrub: replica %s fails certificate validation", r.ID)
			} else {
				ok++
				metricScrubbed.WithLabelValues("ok").Inc()
			}
		}
		elapsed := time.Since(start)
		log.Infof("scrub pass: %d ok %d bad, %d bytes in %s", ok, bad, bytes, elapsed)
	}
}

// scrub re-reads the replica and validates its certificate. Returns how
// many bytes were read. Replicas that changed state since they were listed
// are skipped.
func (r *Replica) scrub() (int64, core.Error) {
	r.mu.Lock()
	if r.state != stateClosed || r.frame == nil {
		r.mu.Unlock()
		return 0, core.NoError
	}
	frame := r.frame
	cert := r.cert
	r.mu.Unlock()

	buf, err := frame.Load()
	if err != core.NoError {
		return 0, err
	}
	if !segment.ValidateCertificate(buf, cert) {
		return int64(len(buf)), core.ErrBadCertificate
	}
	return int64(len(buf)), core.NoError
}

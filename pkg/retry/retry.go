// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package retry runs a task repeatedly with randomized exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task is executed on every attempt with the attempt number, starting at
// zero. It returns true when it has succeeded and false to be retried.
type Task func(int) (done bool)

// Retrier holds the backoff policy for Do.
type Retrier struct {
	// MinSleep is the initial (and shortest) sleep between attempts.
	MinSleep time.Duration

	// MaxSleep caps the sleep between attempts.
	MaxSleep time.Duration

	// MaxRetry, if greater than zero, bounds the total time spent in Do.
	MaxRetry time.Duration

	// MaxNumRetries, if greater than zero, bounds the number of attempts.
	MaxNumRetries int
}

// Do executes the task until it reports success, the policy is exhausted, or
// the context is cancelled. Returns (true, false) on success, (false, false)
// on exhaustion and (false, true) on cancellation.
func (r *Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	if r.MaxSleep < r.MinSleep {
		r.MaxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	start := time.Now()
	for i := 0; ; i++ {
		if r.MaxNumRetries > 0 && i >= r.MaxNumRetries ||
			r.MaxRetry > 0 && time.Since(start)+backoff > r.MaxRetry {
			return false, false
		}
		if task(i) {
			return true, false
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false, true
		}
		// Roughly double the backoff each attempt, with jitter so a herd
		// of retriers doesn't stay synchronized.
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > r.MaxSleep {
			backoff = r.MaxSleep + time.Duration(float64(r.MinSleep)*rand.Float64())
		}
	}
}

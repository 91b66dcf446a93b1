// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket implements the basic token bucket rate limiting
// algorithm.
package tokenbucket

import (
	"sync"
	"time"
)

// TokenBucket fills at a fixed rate up to a capacity; callers Take tokens
// and sleep when the bucket runs dry. It is safe for use by multiple
// threads at once.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float32
	capacity float32
	current  float32
	last     time.Time
}

// New returns a bucket that fills at rate tokens per second up to capacity.
// A zero capacity means every Take waits for its tokens to be refilled,
// which is the right shape for smoothing background work.
func New(rate, capacity float32) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// SetRate changes the fill rate and capacity.
func (tb *TokenBucket) SetRate(rate, capacity float32) {
	tb.lock.Lock()
	tb.rate = rate
	tb.capacity = capacity
	tb.lock.Unlock()
}

// Take consumes n tokens, sleeping until the balance is replenished.
func (tb *TokenBucket) Take(n float32) {
	time.Sleep(tb.TakeAndUpdate(n, time.Now()))
}

// TakeAndUpdate advances the bucket to now, consumes n tokens (going
// negative if needed), and returns how long the caller should sleep until
// the balance is non-negative again.
func (tb *TokenBucket) TakeAndUpdate(n float32, now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	elapsed := now.Sub(tb.last)
	tb.last = now
	tb.current += tb.rate * float32(elapsed.Seconds())
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
	tb.current -= n
	if tb.current >= 0 || tb.rate <= 0 {
		return 0
	}
	return time.Duration(float64(-tb.current/tb.rate) * float64(time.Second))
}

// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

// Semaphore is a counting semaphore over a buffered channel. The backup
// uses one to cap in-flight RPCs (TryAcquire: shed load rather than queue)
// and another to cap concurrent recovery builders (Acquire: builders wait
// their turn).
type Semaphore chan struct{}

// NewSemaphore creates a semaphore with 'max' permits.
func NewSemaphore(max int) Semaphore {
	return make(Semaphore, max)
}

// Acquire takes a permit, blocking until one becomes available.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// Release returns a permit.
func (s Semaphore) Release() {
	<-s
}

// TryAcquire takes a permit if and only if one is available right now.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

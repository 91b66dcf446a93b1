// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"fmt"
	"time"
)

// Config encapsulates parameters for the backup server.
type Config struct {
	// Static cluster members as "id=host:port,id=host:port". Seeds the
	// membership view at startup so GC can probe masters before the first
	// coordinator event arrives.
	MasterSpec string
	Addr               string // Address for service.
	ClusterName        string // Replicas are only reusable across restarts under the same name.
	RejectReqThreshold int    // Pending incoming requests on 'Addr' are rejected after this threshold.
	UseFailure         bool   // Whether to enable the failure service.

	// --- Storage ---
	// Size in bytes of one segment. Every frame holds one segment plus its
	// metadata block. Masters must be configured with the same value.
	SegmentSize int
	// How many frames of storage to allocate.
	NumFrames int
	// Which storage backend to use: "file" or "memory".
	Backend string
	// Path of the storage file for the file backend.
	File string
	// Path of the superblock database. Defaults to File + ".meta".
	MetaFile string
	// Whether writes block until the frame is flushed to stable storage.
	Sync bool

	// --- Recovery ---
	// How many recovery segment builders may run at once.
	BuildWorkers int

	// --- Garbage collection ---
	// Whether to free replicas of down or restarted masters. When disabled,
	// GC tasks drain without freeing anything.
	GC bool
	// How long to wait between probes while a master is marked crashed.
	GCProbeRetry time.Duration

	// --- Scrubbing ---
	// How many bytes per second for replica scrubbing. Any value below 1024
	// (including zero) disables the scrubber.
	ScrubRate uint64
	// How long to sleep between scrub passes.
	ScrubInterval time.Duration
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Address of the backup server can not be empty")
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("SegmentSize must be positive")
	}
	if c.NumFrames <= 0 {
		return fmt.Errorf("NumFrames must be positive")
	}
	if c.Backend != "file" && c.Backend != "memory" {
		return fmt.Errorf("Backend must be \"file\" or \"memory\"")
	}
	if c.Backend == "file" && c.File == "" {
		return fmt.Errorf("File must be set for the file backend")
	}
	if c.BuildWorkers <= 0 {
		return fmt.Errorf("BuildWorkers must be positive")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production. Sized for one backup holding a few thousand 8MB segments.
var DefaultProdConfig = Config{
	Addr: "localhost:59920",

	RejectReqThreshold: 1000,

	// Do not enable failure service in production.
	UseFailure: false,

	SegmentSize: 8 << 20,
	NumFrames:   4096,
	Backend:     "file",
	Sync:        true,

	BuildWorkers: 2,

	GC:           true,
	GCProbeRetry: 5 * time.Second,

	// This rate reads a full 32GB of replicas about once a day.
	ScrubRate:     400 * 1000,
	ScrubInterval: 10 * time.Minute,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing.
var DefaultTestConfig = Config{
	Addr: "localhost:59920",

	RejectReqThreshold: 1000,

	UseFailure: true,

	SegmentSize: 64 * 1024,
	NumFrames:   8,
	Backend:     "memory",
	Sync:        false,

	BuildWorkers: 2,

	GC:           false,
	GCProbeRetry: 10 * time.Millisecond,

	ScrubRate:     0,
	ScrubInterval: time.Minute,
}

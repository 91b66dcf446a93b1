// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"os"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/backup"
	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/pkg/failures"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'backup.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via the command-line flag '-backupCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in the previous two steps, e.g., '-addr=host:port'.

*/

var (
	// Default configuration. This is the default configuration for production.
	cfg = backup.DefaultProdConfig

	// Config file name.
	cfgFile = flag.String("backupCfg", "", "configuration file for the backup server")

	// Backup config parameters.
	masters     = flag.String("masters", "", "static cluster members as id=host:port,... to seed the membership view")
	addr        = flag.String("addr", "", "service address")
	clusterName = flag.String("cluster", "", "cluster name; replicas only survive restarts under the same name")
	file        = flag.String("file", "", "path of the storage file")
	backend     = flag.String("backend", "", "storage backend: file or memory")
	segSize     = flag.Int("segmentSize", 0, "segment size in bytes")
	numFrames   = flag.Int("frames", 0, "number of storage frames")
	useFailure  = flag.Bool("useFailure", false, "whether to enable the failure service")
	noGC        = flag.Bool("disableGC", false, "disable garbage collection of replicas")
)

// Initialize config parameters. It first tries to read from the
// configuration file and then applies the command-line flags to override
// specified values.
func init() {
	flag.Parse()

	// Read from configuration file.
	if "" != *cfgFile {
		f, err := os.Open(*cfgFile)
		if nil != err {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		dec := json.NewDecoder(f)
		if err = dec.Decode(&cfg); nil != err {
			log.Fatalf("failed to decode the config file: %s", err)
		}
	}

	// Override values from command-line flags.
	// NOTE: Because of how Go's flag package works, there is no way to tell
	// if a value is set by the user or not. Therefore, we use meaningless
	// default values to check whether a particular flag is set, and only
	// override the corresponding value if so.
	if "" != *masters {
		cfg.MasterSpec = *masters
	}
	if "" != *addr {
		cfg.Addr = *addr
	}
	if "" != *clusterName {
		cfg.ClusterName = *clusterName
	}
	if "" != *file {
		cfg.File = *file
	}
	if "" != *backend {
		cfg.Backend = *backend
	}
	if *segSize != 0 {
		cfg.SegmentSize = *segSize
	}
	if *numFrames != 0 {
		cfg.NumFrames = *numFrames
	}
	if *useFailure {
		cfg.UseFailure = *useFailure
	}
	if *noGC {
		cfg.GC = false
	}
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Failed to validate configurations: %v", err)
	}

	// Initialize failure injection service.
	if cfg.UseFailure {
		log.Infof("enabling failure service")
		failures.Init()
	}

	// Set up storage and the superblock store.
	var storage backup.Storage
	var super backup.SuperblockStore
	if cfg.Backend == "memory" {
		storage = backup.NewMemStorage(cfg.SegmentSize, cfg.NumFrames)
		super = backup.NewMemSuperblockStore()
	} else {
		var err core.Error
		if storage, err = backup.NewFileStorage(cfg.File, cfg.SegmentSize, cfg.NumFrames); err != core.NoError {
			log.Fatalf("couldn't open storage: %s", err)
		}
		metaFile := cfg.MetaFile
		if metaFile == "" {
			metaFile = cfg.File + ".meta"
		}
		var b *backup.BoltSuperblockStore
		if b, err = backup.NewBoltSuperblockStore(metaFile); err != core.NoError {
			log.Fatalf("couldn't open superblock store: %s", err)
		}
		super = b
	}

	// Membership view and the talker used to probe masters during GC. The
	// view is seeded from the configured member list; coordinator events
	// take over from there.
	tracker := backup.NewTracker()
	if err := tracker.SeedFromSpec(cfg.MasterSpec); err != nil {
		log.Fatalf("couldn't parse cluster member spec: %s", err)
	}
	mt := backup.NewRPCMasterTalker()

	service := backup.NewService(storage, super, tracker, mt, &cfg)
	tracker.OnRemoved(service.OnServerRemoved)

	// Create server.
	server := backup.NewServer(service, &cfg)
	log.Infof("starting backup server...")
	if e := server.Start(); nil != e {
		log.Fatalf("couldn't start backup server: %s", e.Error())
	}
}

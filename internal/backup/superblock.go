// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"encoding/binary"

	"github.com/boltdb/bolt"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
)

// Superblock is the small amount of process-level state persisted alongside
// the storage frames: which cluster the replicas on storage were written
// for, and the server id this backup last enlisted under. A name mismatch at
// startup means the frames belong to some other cluster's history and must
// be scribbled; a matching name with a server id lets the process enlist as
// a replacement for its former self.
type Superblock struct {
	ClusterName string
	ServerID    core.ServerID
}

// SuperblockStore persists the superblock.
type SuperblockStore interface {
	// Load returns the stored superblock, or nil if none has been written.
	Load() (*Superblock, core.Error)

	// Save overwrites the stored superblock.
	Save(*Superblock) core.Error

	// Close releases the store.
	Close()
}

var (
	superBucket = []byte("superblock")
	clusterKey  = []byte("cluster_name")
	serverIDKey = []byte("server_id")
)

// BoltSuperblockStore keeps the superblock in a bolt database next to the
// storage file.
type BoltSuperblockStore struct {
	db *bolt.DB
}

// NewBoltSuperblockStore opens (creating if needed) the superblock database
// at path.
func NewBoltSuperblockStore(path string) (*BoltSuperblockStore, core.Error) {
	db, e := bolt.Open(path, 0600, nil)
	if e != nil {
		log.Errorf("couldn't open superblock db %s: %s", path, e)
		return nil, core.ErrIO
	}
	return &BoltSuperblockStore{db: db}, core.NoError
}

// Load returns the stored superblock, or nil if none has been written.
func (s *BoltSuperblockStore) Load() (*Superblock, core.Error) {
	var sb *Superblock
	e := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(superBucket)
		if b == nil {
			return nil
		}
		name := b.Get(clusterKey)
		if name == nil {
			return nil
		}
		sb = &Superblock{ClusterName: string(name)}
		if id := b.Get(serverIDKey); len(id) == 8 {
			sb.ServerID = core.ServerID(binary.LittleEndian.Uint64(id))
		}
		return nil
	})
	if e != nil {
		log.Errorf("couldn't read superblock: %s", e)
		return nil, core.ErrIO
	}
	return sb, core.NoError
}

// Save overwrites the stored superblock.
func (s *BoltSuperblockStore) Save(sb *Superblock) core.Error {
	e := s.db.Update(func(tx *bolt.Tx) error {
		b, e := tx.CreateBucketIfNotExists(superBucket)
		if e != nil {
			return e
		}
		if e = b.Put(clusterKey, []byte(sb.ClusterName)); e != nil {
			return e
		}
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], uint64(sb.ServerID))
		return b.Put(serverIDKey, id[:])
	})
	if e != nil {
		log.Errorf("couldn't write superblock: %s", e)
		return core.ErrIO
	}
	return core.NoError
}

// Close closes the database.
func (s *BoltSuperblockStore) Close() {
	s.db.Close()
}

// MemSuperblockStore keeps the superblock in memory, for the memory storage
// backend and tests. Handing the same store to a second service instance
// simulates a restart.
type MemSuperblockStore struct {
	sb *Superblock
}

// NewMemSuperblockStore returns an empty in-memory store.
func NewMemSuperblockStore() *MemSuperblockStore {
	return &MemSuperblockStore{}
}

// Load returns the stored superblock, or nil if none has been written.
func (s *MemSuperblockStore) Load() (*Superblock, core.Error) {
	if s.sb == nil {
		return nil, core.NoError
	}
	cp := *s.sb
	return &cp, core.NoError
}

// Save overwrites the stored superblock.
func (s *MemSuperblockStore) Save(sb *Superblock) core.Error {
	cp := *sb
	s.sb = &cp
	return core.NoError
}

// Close is a no-op.
func (s *MemSuperblockStore) Close() {}

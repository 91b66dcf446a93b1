// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"context"
	"time"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/pkg/retry"
	"github.com/memlogdb/memlog/pkg/rpc"
)

const (
	// How long will the RPCMasterTalker wait for an RPC to finish?
	mtRPCDeadline time.Duration = 30 * time.Second

	// How long will the RPCMasterTalker wait to connect?
	mtDialTimeout time.Duration = 10 * time.Second

	// How many connections should we cache? GC probes touch each master we
	// hold replicas for at most once at a time.
	mtConnectionCacheSize = 10
)

// MasterTalker manages talking to masters. The only conversation the backup
// starts is the GC probe asking whether a restarted master still needs a
// replica we found on storage.
type MasterTalker interface {
	// IsReplicaNeeded asks the master at 'addr' whether it depends on our
	// replica of 'segmentID'.
	IsReplicaNeeded(ctx context.Context, addr string, backup core.ServerID, segmentID uint64) (bool, core.Error)
}

// RPCMasterTalker is a Go RPC-based implementation of MasterTalker.
type RPCMasterTalker struct {
	cc *rpc.ConnectionCache
}

// NewRPCMasterTalker returns a new RPCMasterTalker.
func NewRPCMasterTalker() MasterTalker {
	return &RPCMasterTalker{cc: rpc.NewConnectionCache(mtDialTimeout, mtRPCDeadline, mtConnectionCacheSize)}
}

// IsReplicaNeeded sends the probe, retrying transient RPC failures a few
// times before giving up; the GC task will just probe again later.
func (t *RPCMasterTalker) IsReplicaNeeded(ctx context.Context, addr string, backup core.ServerID, segmentID uint64) (bool, core.Error) {
	req := core.IsReplicaNeededReq{Backup: backup, Segment: segmentID}
	var reply core.IsReplicaNeededReply

	r := retry.Retrier{MinSleep: 100 * time.Millisecond, MaxSleep: time.Second, MaxNumRetries: 3}
	ok, _ := r.Do(ctx, func(int) bool {
		return t.cc.Send(ctx, addr, core.IsReplicaNeededMethod, req, &reply) == nil
	})
	if !ok {
		return false, core.ErrRPC
	}
	return reply.Needed, reply.Err
}

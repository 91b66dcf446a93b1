// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
)

// MembershipTracker is the backup's view of cluster membership, maintained
// from coordinator events. GC uses it to decide whether a master whose
// replicas we hold is alive, mid-recovery, or fully gone.
type MembershipTracker interface {
	// Status returns what we know about a server and the address to reach
	// it at. StatusUnknown means the cluster has fully recovered from the
	// server's failure (or it never existed).
	Status(id core.ServerID) (core.ServerStatus, string)
}

type memberInfo struct {
	status core.ServerStatus
	addr   string
}

// Tracker is the in-memory MembershipTracker implementation, updated by the
// coordinator event stream. Server-removed events are forwarded to a hook so
// the service can enqueue GC work.
type Tracker struct {
	mu      sync.Mutex
	servers map[core.ServerID]memberInfo

	// Called (without the tracker lock) when a server is removed from the
	// cluster view.
	onRemoved func(core.ServerID)
}

// NewTracker returns an empty membership view.
func NewTracker() *Tracker {
	return &Tracker{servers: make(map[core.ServerID]memberInfo)}
}

// SeedFromSpec populates the view from a static member spec of the form
// "id=host:port,id=host:port". Used at startup so storage GC can probe
// masters that restarted along with us, before the first coordinator event
// arrives; events then overwrite the seeded entries.
func (t *Tracker) SeedFromSpec(spec string) error {
	if spec == "" {
		return nil
	}
	for _, member := range strings.Split(spec, ",") {
		idAddr := strings.SplitN(member, "=", 2)
		if len(idAddr) != 2 || idAddr[1] == "" {
			return fmt.Errorf("bad cluster member %q, want id=host:port", member)
		}
		id, err := strconv.ParseUint(idAddr[0], 10, 64)
		if err != nil || !core.ServerID(id).IsValid() {
			return fmt.Errorf("bad server id in cluster member %q", member)
		}
		t.AddServer(core.ServerID(id), idAddr[1])
	}
	return nil
}

// OnRemoved installs the hook invoked when a server leaves the view.
func (t *Tracker) OnRemoved(f func(core.ServerID)) {
	t.mu.Lock()
	t.onRemoved = f
	t.mu.Unlock()
}

// AddServer records a server as up.
func (t *Tracker) AddServer(id core.ServerID, addr string) {
	t.mu.Lock()
	t.servers[id] = memberInfo{status: core.StatusUp, addr: addr}
	t.mu.Unlock()
	log.V(2).Infof("membership: server %s up at %s", id, addr)
}

// MarkCrashed records that a server crashed and its recovery has begun.
func (t *Tracker) MarkCrashed(id core.ServerID) {
	t.mu.Lock()
	if info, ok := t.servers[id]; ok {
		info.status = core.StatusCrashed
		t.servers[id] = info
	}
	t.mu.Unlock()
	log.Infof("membership: server %s marked crashed", id)
}

// Remove drops a server from the view: the cluster has fully recovered from
// its failure.
func (t *Tracker) Remove(id core.ServerID) {
	t.mu.Lock()
	delete(t.servers, id)
	f := t.onRemoved
	t.mu.Unlock()
	log.Infof("membership: server %s removed", id)
	if f != nil {
		f(id)
	}
}

// Status returns what we know about a server.
func (t *Tracker) Status(id core.ServerID) (core.ServerStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.servers[id]
	if !ok {
		return core.StatusUnknown, ""
	}
	return info.status, info.addr
}

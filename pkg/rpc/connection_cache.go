// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrRPCConnect is returned if we can't connect to the RPC server.
var ErrRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache creates and caches RPC connections to addresses.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns.
	lock sync.Mutex

	// Holds open connections, keyed by address.
	conns *lru.Cache

	// What timeout to use for dialing.
	dialTimeout time.Duration

	// What timeout to use for calling RPCs.
	rpcTimeout time.Duration
}

// NewConnectionCache makes a new ConnectionCache. maxConns is the size of
// the cache; beyond it, idle connections may be dropped. If maxConns is
// zero, idle connections are never dropped.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = func(key lru.Key, val interface{}) {
		log.V(10).Infof("%s evicted from connection cache, closing the connection", key)
		// The lru is only touched under the cache lock, which this
		// callback inherits.
		val.(*refCntClient).decAndMaybeClose()
	}
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// get returns a connection to addr, dialing if needed. The caller must hand
// the connection back through done.
func (cc *ConnectionCache) get(ctx context.Context, addr string) *refCntClient {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc
	}
	cc.lock.Unlock()

	// Dial without the lock; connecting can take a while.
	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	clt, e := dialHTTPContext(nctx, "tcp", addr)
	if e != nil {
		log.Infof("error connecting to %s: %s", addr, e)
		return nil
	}

	cc.lock.Lock()
	// Somebody may have connected in parallel; prefer theirs.
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		clt.Close()
		log.Infof("established duplicate connection to %s, dropping", addr)
		return rc
	}
	log.Infof("established connection to %s", addr)
	// Count starts at 2: one reference for the cache, one for the caller.
	rc := &refCntClient{count: 2, clt: clt}
	cc.conns.Add(addr, rc)
	cc.lock.Unlock()
	return rc
}

// done hands a connection back. A non-nil err means the connection is
// suspect; it is dropped from the cache so the next call redials.
func (cc *ConnectionCache) done(addr string, oldConn *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if oldConn.decAndMaybeClose() {
		// Already evicted from the cache and nobody else is using it.
		return
	}
	if err == nil {
		return
	}
	// Only remove the cached client if it's still the one we used; a
	// parallel caller may have already replaced it after its own error.
	if cur, ok := cc.conns.Get(addr); ok && cur == oldConn {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	}
}

// Send wraps up the basic pattern of calling an RPC with a timeout.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	rc := cc.get(ctx, addr)
	if rc == nil {
		return ErrRPCConnect
	}

	nctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.done(addr, rc, call.Error)
		// ErrShutdown means the TCP connection was torn down underneath a
		// live server; redial and try again. Each retry stays within the same
		// deadline, so repeated shutdowns are retried until it expires.
		if call.Error == rpc.ErrShutdown {
			return cc.Send(nctx, addr, method, req, reply)
		}
		return call.Error
	case <-nctx.Done():
		err := nctx.Err()
		log.Errorf("rpc %q to %s: %s", method, addr, err)
		cc.done(addr, rc, nil)
		return err
	}
}

// CloseAll drops every connection in the cache. Connections still in use
// are closed when their last caller finishes.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

// refCntClient wraps an RPC client with a reference count so we know when
// to close the underlying connection.
type refCntClient struct {
	// Number of users. Protected by the cache lock.
	count int

	clt *rpc.Client
}

// decAndMaybeClose decrements the count and closes the connection when it
// hits zero. Must be called with the cache lock held.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}

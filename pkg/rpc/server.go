// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"net"
	"net/http"
	"net/rpc"
	"sync"

	"golang.org/x/net/netutil"
)

var handleHTTPOnce sync.Once

// RegisterName wraps rpc.RegisterName, which uses the default RPC server,
// and makes sure the RPC endpoints are mounted on the default HTTP mux.
func RegisterName(name string, rcvr interface{}) error {
	handleHTTPOnce.Do(rpc.HandleHTTP)
	return rpc.RegisterName(name, rcvr)
}

// ListenAndServe serves the default HTTP mux (which carries the RPC
// endpoints plus any status/debug pages) on addr, holding at most maxConns
// client connections at once. Blocks forever on success.
func ListenAndServe(addr string, maxConns int) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	return http.Serve(l, nil)
}

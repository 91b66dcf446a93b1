// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"io"
	"net/http"

	log "github.com/golang/glog"
)

// QuitHandler kills the process. Mounted under /_quit so cluster test
// harnesses can take a backup down without reaching for signals.
func QuitHandler(w http.ResponseWriter, r *http.Request) {
	log.Fatalf("quit requested over http by %s, killing the process", r.RemoteAddr)
}

// HealthHandler answers liveness probes. A backup that can serve this can
// serve RPCs; there is deliberately no deeper check here, since storage
// trouble surfaces as errors on the operations themselves.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "ok\n")
}

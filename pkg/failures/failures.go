// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures implements the failure injection service used by tests
// and integration tooling. The service keeps a process-global configuration
// map and exposes it over HTTP: a GET returns the current configuration as
// JSON, a POST replaces it wholesale.
//
// Components register a handler under a key; whenever the configuration
// changes, each registered handler is called with the new value of its key
// (nil if the key is absent from the posted configuration). Handlers decide
// what their value means — typically a map of operation names to errors.
//
// Example, forcing WriteSegment on a backup to fail:
//
//	curl http://host:port/__failure__ -XPOST -d \
//	    '{"backup_service_failure": {"WriteSegment": 12}}'
//
// Posting '{}' resets every registered handler.
package failures

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
)

// DefaultFailureServicePath is the path that the failure service handler
// will be mounted on, by default.
const DefaultFailureServicePath = "/__failure__"

type registry struct {
	lock     sync.Mutex
	configs  map[string]*json.RawMessage
	handlers map[string]func(json.RawMessage) error
}

var global = registry{
	configs:  make(map[string]*json.RawMessage),
	handlers: make(map[string]func(json.RawMessage) error),
}

// Init mounts the failure service on the default path on the default mux.
func Init() {
	InitWithPathAndMux(http.DefaultServeMux, DefaultFailureServicePath)
}

// InitWithPathAndMux mounts the failure service on the given path and mux.
func InitWithPathAndMux(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, serveHTTP)
}

// Register associates a handler with a configuration key. Registering the
// same key twice is an error.
func Register(key string, handler func(json.RawMessage) error) error {
	global.lock.Lock()
	defer global.lock.Unlock()
	if _, ok := global.handlers[key]; ok {
		return fmt.Errorf("failure handler already registered for %q", key)
	}
	global.handlers[key] = handler
	return nil
}

func serveHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		global.lock.Lock()
		out, err := json.Marshal(global.configs)
		global.lock.Unlock()
		if err != nil {
			replyError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(out)
	case "POST":
		body, err := ioutil.ReadAll(req.Body)
		if err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		var updates map[string]*json.RawMessage
		if err = json.Unmarshal(body, &updates); err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = apply(updates); err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
		}
	default:
		replyError(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
	}
}

// apply replaces the configuration. Every registered handler is invoked:
// with its new value if the update names its key, with nil otherwise. An
// update naming an unregistered key is rejected.
func apply(updates map[string]*json.RawMessage) error {
	global.lock.Lock()
	defer global.lock.Unlock()

	for key := range updates {
		if _, ok := global.handlers[key]; !ok {
			return fmt.Errorf("no failure handler registered for %q", key)
		}
	}
	for key, handler := range global.handlers {
		var value json.RawMessage
		if raw, ok := updates[key]; ok && raw != nil {
			value = *raw
		}
		if err := handler(value); err != nil {
			return err
		}
	}
	global.configs = updates
	return nil
}

func replyError(w http.ResponseWriter, errorStr string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintln(w, errorStr)
}

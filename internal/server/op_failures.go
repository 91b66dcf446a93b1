// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"sync"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/pkg/failures"
)

// OpFailure holds the per-operation error overrides injected through the
// failure service. Handlers consult it at the top of every RPC; test
// tooling posts a map like {"WriteSegment": 12} to make that operation fail
// with the given error code until the map is reset.
type OpFailure struct {
	lock      sync.Mutex
	overrides map[string]core.Error
}

// RegisterOpFailure creates an OpFailure and hooks it into the failure
// service under the given key. Returns nil if the key is already taken;
// handlers treat a nil OpFailure as "no injection", so a failed
// registration degrades to normal operation.
func RegisterOpFailure(key string) *OpFailure {
	f := &OpFailure{overrides: make(map[string]core.Error)}
	if err := failures.Register(key, f.handler); err != nil {
		log.Errorf("failed to register failure handler %q: %s", key, err)
		return nil
	}
	return f
}

// Get returns the injected error for the operation, or NoError. Safe to
// call on a nil OpFailure.
func (f *OpFailure) Get(op string) core.Error {
	if f == nil {
		return core.NoError
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.overrides[op]
}

// handler receives configuration updates from the failure service. A nil
// value clears all overrides.
func (f *OpFailure) handler(config json.RawMessage) error {
	var overrides map[string]core.Error
	if config != nil {
		if err := json.Unmarshal(config, &overrides); err != nil {
			log.Errorf("bad failure config %s: %s", string(config), err)
			return err
		}
	}
	if overrides == nil {
		overrides = make(map[string]core.Error)
	}

	f.lock.Lock()
	f.overrides = overrides
	f.lock.Unlock()
	log.Infof("applied new failure config: %s", string(config))
	return nil
}

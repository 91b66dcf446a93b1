// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"errors"
	"net/http"

	log "github.com/golang/glog"

	"github.com/memlogdb/memlog/internal/core"
	"github.com/memlogdb/memlog/internal/server"
	"github.com/memlogdb/memlog/pkg/rpc"
)

// errBusy is returned if there are too many pending requests.
var errBusy = errors.New("the server is too busy to serve this request")

// Server is the RPC server for the backup service.
type Server struct {
	// The actual replica engine.
	service *Service

	// Configuration parameters.
	cfg *Config

	// Handler for master and coordinator RPCs.
	srvHandler *BackupSrvHandler
}

// NewServer creates a new Server. The server does not listen for or serve
// requests until Start() is called on it.
func NewServer(service *Service, cfg *Config) *Server {
	return &Server{service: service, cfg: cfg}
}

// Start starts the backup server by launching goroutines to accept RPC
// requests. Blocks forever on success.
func (s *Server) Start() (err error) {
	// Set up status page.
	http.HandleFunc("/", s.statusHandler)

	// Endpoints for liveness probes and for shutting down the backup.
	http.HandleFunc("/_health", server.HealthHandler)
	http.HandleFunc("/_quit", server.QuitHandler)

	opm := server.NewOpMetric("backup_rpc", "rpc")
	s.srvHandler = newBackupSrvHandler(s, opm)

	if err = rpc.RegisterName("BackupSrvHandler", s.srvHandler); err != nil {
		return err
	}

	go s.service.GCQueue().Run()
	go s.service.ScrubLoop()

	log.Infof("backup id=%v listening on address %s", s.service.ServerID(), s.cfg.Addr)
	err = rpc.ListenAndServe(s.cfg.Addr, 4*s.cfg.RejectReqThreshold) // this blocks forever
	log.Fatalf("http listener returned error: %v", err)
	return
}

// BackupSrvHandler handles all RPCs to the backup: segment writes from
// masters and recovery/GC traffic from the coordinator and recovery
// masters.
type BackupSrvHandler struct {
	// When failure service is enabled, what errors failed operations should return.
	opFailure *server.OpFailure

	// The server.
	server *Server

	// The replica engine.
	service *Service

	// The semaphore which is used to limit the number of pending requests.
	pendingSem server.Semaphore

	// Metrics we collect.
	opm *server.OpMetric
}

// newBackupSrvHandler creates a new BackupSrvHandler.
func newBackupSrvHandler(s *Server, opm *server.OpMetric) *BackupSrvHandler {
	handler := &BackupSrvHandler{
		server:     s,
		service:    s.service,
		pendingSem: server.NewSemaphore(s.cfg.RejectReqThreshold),
		opm:        opm,
	}
	if s.cfg.UseFailure {
		handler.opFailure = server.RegisterOpFailure("backup_service_failure")
	}
	return handler
}

// WriteSegment stores a portion of a segment replica, possibly opening or
// closing the replica around the write.
func (h *BackupSrvHandler) WriteSegment(req core.WriteSegmentReq, reply *core.WriteSegmentReply) error {
	op := h.opm.Start("WriteSegment")
	defer op.EndWithError(&reply.Err)

	// Check failure service.
	if err := h.getFailure("WriteSegment"); err != core.NoError {
		log.Errorf("WriteSegment: failure service override, returning %s", err)
		*reply = core.WriteSegmentReply{Err: err}
		return nil
	}

	// Check pending request limit.
	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("WriteSegment: too busy, rejecting req")
		return errBusy
	}
	defer h.pendingSem.Release()

	*reply = h.service.WriteSegment(req)

	log.V(2).Infof("WriteSegment: master %s segment %d off %d len %d flags %v reply err %s",
		req.Master, req.Segment, req.DestOff, req.Length, req.Flags, reply.Err)
	return nil
}

// FreeSegment discards a replica the master no longer needs.
func (h *BackupSrvHandler) FreeSegment(req core.FreeSegmentReq, reply *core.Error) error {
	op := h.opm.Start("FreeSegment")
	defer op.EndWithError(reply)

	if err := h.getFailure("FreeSegment"); err != core.NoError {
		log.Errorf("FreeSegment: failure service override, returning %s", err)
		*reply = err
		return nil
	}

	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("FreeSegment: too busy, rejecting req")
		return errBusy
	}
	defer h.pendingSem.Release()

	*reply = h.service.FreeSegment(req.Master, req.Segment)
	log.Infof("FreeSegment: req %+v reply %s", req, *reply)
	return nil
}

// StartReadingData begins recovery of a crashed master.
func (h *BackupSrvHandler) StartReadingData(req core.StartReadingDataReq, reply *core.StartReadingDataReply) error {
	op := h.opm.Start("StartReadingData")
	defer op.EndWithError(&reply.Err)

	if err := h.getFailure("StartReadingData"); err != core.NoError {
		log.Errorf("StartReadingData: failure service override, returning %s", err)
		*reply = core.StartReadingDataReply{Err: err}
		return nil
	}

	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("StartReadingData: too busy, rejecting req")
		return errBusy
	}
	defer h.pendingSem.Release()

	*reply = h.service.StartReadingData(req)
	log.Infof("StartReadingData: master %s, %d tablets, reply %d segments err %s",
		req.Master, len(req.Partitions), len(reply.Segments), reply.Err)
	return nil
}

// GetRecoveryData serves one partition's recovery segment.
func (h *BackupSrvHandler) GetRecoveryData(req core.GetRecoveryDataReq, reply *core.GetRecoveryDataReply) error {
	op := h.opm.Start("GetRecoveryData")
	defer op.EndWithError(&reply.Err)

	if err := h.getFailure("GetRecoveryData"); err != core.NoError {
		log.Errorf("GetRecoveryData: failure service override, returning %s", err)
		*reply = core.GetRecoveryDataReply{Err: err}
		return nil
	}

	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("GetRecoveryData: too busy, rejecting req")
		return errBusy
	}
	defer h.pendingSem.Release()

	*reply = h.service.GetRecoveryData(req)
	log.Infof("GetRecoveryData: req %+v reply len %d err %s", req, len(reply.B), reply.Err)
	return nil
}

// AssignGroup sets the backup's replication group.
func (h *BackupSrvHandler) AssignGroup(req core.AssignGroupReq, reply *core.Error) error {
	op := h.opm.Start("AssignGroup")
	defer op.EndWithError(reply)

	if err := h.getFailure("AssignGroup"); err != core.NoError {
		log.Errorf("AssignGroup: failure service override, returning %s", err)
		*reply = err
		return nil
	}

	*reply = h.service.AssignGroup(req.GroupID, req.Group)
	log.Infof("AssignGroup: req %+v reply %s", req, *reply)
	return nil
}

// Quiesce waits for all in-flight flushes to complete.
func (h *BackupSrvHandler) Quiesce(req struct{}, reply *core.Error) error {
	op := h.opm.Start("Quiesce")
	defer op.EndWithError(reply)

	if err := h.getFailure("Quiesce"); err != core.NoError {
		log.Errorf("Quiesce: failure service override, returning %s", err)
		*reply = err
		return nil
	}

	*reply = h.service.Quiesce()
	log.Infof("Quiesce: reply %s", *reply)
	return nil
}

func (h *BackupSrvHandler) rpcStats() map[string]string {
	return h.opm.Strings(
		"WriteSegment",
		"FreeSegment",
		"StartReadingData",
		"GetRecoveryData",
		"AssignGroup",
		"Quiesce",
	)
}

// Return the error registered with the given operation 'op', if any.
// h.opFailure is nil when injection is disabled; Get handles that.
func (h *BackupSrvHandler) getFailure(op string) core.Error {
	return h.opFailure.Get(op)
}

// Copyright (c) 2018 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"io"
)

// Error is our own defined error type for sending errors over an RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Replica level errors ------//

	// ErrBadSegmentID is returned when an operation names a replica that is
	// not open on this backup: it was never opened, it was closed, or it is
	// being recovered.
	ErrBadSegmentID

	// ErrSegmentOverflow is returned when a write would extend past the end
	// of the segment.
	ErrSegmentOverflow

	// ErrOpenRejected is returned when a master tries to (re)open a replica
	// that this backup inherited from storage at restart. The master must
	// place the replica elsewhere.
	ErrOpenRejected

	// ErrSegmentRecoveryFailed is returned when the recovery segments for a
	// replica could not be built (typically a malformed or corrupt segment).
	// The recovering master should use another replica of the segment.
	ErrSegmentRecoveryFailed

	//------ Storage level errors ------//

	// ErrStorageExhausted is returned when no storage frame is free to hold
	// a new replica. Masters retry the open on another backup.
	ErrStorageExhausted

	// ErrBadCertificate is returned when a buffer fails validation against
	// its certificate.
	ErrBadCertificate

	// ErrCorruptMetadata is returned when a frame's metadata block is too
	// short to decode. A block that decodes but fails CheckIntegrity is
	// reported as a false result, not with this error; its frame is treated
	// as free.
	ErrCorruptMetadata

	// ErrEOF is returned when a read reaches the end of a frame or file.
	ErrEOF

	// ErrIO is returned on an OS-level I/O error. Storage is suspect.
	ErrIO

	//------ Errors from any level ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing
	// (e.g. a negative length).
	ErrInvalidArgument

	// ErrTooBusy means the server is too busy to do whatever it was asked to do.
	ErrTooBusy

	// ErrRPC is returned when the RPC layer errors during sending/receiving.
	ErrRPC

	// ErrCanceled is returned when a request is canceled.
	ErrCanceled

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrBadSegmentID:          "segment replica is not open on this backup",
	ErrSegmentOverflow:       "write extends past the end of the segment",
	ErrOpenRejected:          "replica was found on storage at restart, open rejected",
	ErrSegmentRecoveryFailed: "recovery segments could not be built for this replica",

	ErrStorageExhausted: "no free storage frames",
	ErrBadCertificate:   "certificate validation failed, data is corrupt",
	ErrCorruptMetadata:  "frame metadata failed its integrity check",
	ErrEOF:              "end of file",
	ErrIO:               "I/O level error",

	ErrInvalidArgument: "invalid argument",
	ErrTooBusy:         "too busy",
	ErrRPC:             "RPC-level error",
	ErrCanceled:        "request canceled",

	ErrUnknown: "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	} else if e == ErrEOF {
		// io.EOF is treated specially by the Go standard library.
		return io.EOF
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError gets the underlying core.Error from an error.
func FromError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, // Failed to connect to a host, retry connecting it.
		// Backoff a little bit and retry.
		ErrTooBusy,
		// Another backup may have a free frame.
		ErrStorageExhausted:
		return true
	}
	return false
}

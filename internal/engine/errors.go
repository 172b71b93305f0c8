package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/change"
)

// ErrCycleInFlight is returned by RunCycleOnce when another cycle is running.
// The trigger is dropped.
var ErrCycleInFlight = errors.New("sync cycle already in flight")

// SyncError describes why a cycle failed.
//
// Every cycle failure is a SyncError. Code says which recovery applies; all
// codes are retried on the next trigger, none are fatal.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Phase is the state the cycle was in when it failed.
	Phase State

	// Message is a human-readable description.
	Message string

	// CycleID identifies the failed cycle.
	CycleID string

	// Table is set when the failure is scoped to one table.
	Table change.TableName

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes cycle failures.
type ErrorCode string

const (
	// ErrCodeTransport: the remote was unreachable, timed out, answered
	// non-2xx, or the call was cancelled.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeStore: a local store read or write failed.
	ErrCodeStore ErrorCode = "STORE"

	// ErrCodeConflict: the store could not resolve an id collision by
	// overwrite. Collisions that are resolved are counted, not raised.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeProtocol: the remote answered with data that violates the
	// wire contract.
	ErrCodeProtocol ErrorCode = "PROTOCOL"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Table != "" {
		msg += fmt.Sprintf(" (cycle=%s, table=%s)", e.CycleID, e.Table)
	} else if e.CycleID != "" {
		msg += fmt.Sprintf(" (cycle=%s)", e.CycleID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode of err, or "" if err is not a *SyncError.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTransportError returns true if the cycle failed talking to the remote.
// Uses errors.As to handle wrapped errors.
func IsTransportError(err error) bool {
	return CodeOf(err) == ErrCodeTransport
}

// IsStoreError returns true if the cycle failed in the local store.
func IsStoreError(err error) bool {
	return CodeOf(err) == ErrCodeStore
}

// IsConflictError returns true if the cycle failed resolving a collision.
func IsConflictError(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}

// IsProtocolError returns true if the remote violated the wire contract.
func IsProtocolError(err error) bool {
	return CodeOf(err) == ErrCodeProtocol
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeerr defines the error taxonomy shared by the pipeline compiler
// and execution engine.
//
// Every failure surfaced by the pipeline carries a Kind. Callers classify
// errors with errors.Is against the Kind sentinels, and the retry wrapper
// consults IsRetryable to decide whether another attempt is worthwhile.
package pipeerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindValidation covers malformed graphs, dangling references, cycles,
	// unresolved names and bad credentials or params.
	KindValidation Kind = "validation"

	// KindConnection covers provider connect failures.
	KindConnection Kind = "connection"

	// KindStorage covers reads and writes against external systems that
	// fail mid-stream.
	KindStorage Kind = "storage"

	// KindTimeout covers nodes that exceeded their time budget.
	KindTimeout Kind = "timeout"

	// KindCancellation covers runs aborted by the caller.
	KindCancellation Kind = "cancellation"

	// KindRuntime is the catch-all for unexpected failures.
	KindRuntime Kind = "runtime"
)

// Sentinel errors, one per Kind. An *Error matches the sentinel of its Kind
// under errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrConnection = errors.New("connection error")
	ErrStorage    = errors.New("storage error")
	ErrTimeout    = errors.New("timeout error")
	ErrCancelled  = errors.New("cancellation error")
	ErrRuntime    = errors.New("runtime error")
)

var sentinels = map[Kind]error{
	KindValidation:   ErrValidation,
	KindConnection:   ErrConnection,
	KindStorage:      ErrStorage,
	KindTimeout:      ErrTimeout,
	KindCancellation: ErrCancelled,
	KindRuntime:      ErrRuntime,
}

// Error is a classified pipeline failure.
//
// # Description
//
// Op names the operation that failed ("parse", "connect", "read"), NodeID
// the graph node when one is involved. Details carries the accumulated list
// of individual defects for validation failures, so a single error reports
// every problem found in one pass.
//
// # Thread Safety
//
// Immutable after construction.
type Error struct {
	Kind      Kind
	Op        string
	NodeID    string
	Message   string
	Details   []string
	Retryable bool
	Err       error
}

// Error returns the error message.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.NodeID != "" {
		fmt.Fprintf(&b, " node %q", e.NodeID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// WithNode returns a copy of e attributed to nodeID.
func (e *Error) WithNode(nodeID string) *Error {
	c := *e
	c.NodeID = nodeID
	return &c
}

// Validation creates a non-retryable validation error listing every defect.
func Validation(op, message string, details ...string) *Error {
	return &Error{
		Kind:    KindValidation,
		Op:      op,
		Message: message,
		Details: details,
	}
}

// Connection wraps a provider connect failure. Fatal connection errors are
// never retried.
func Connection(nodeID string, err error, fatal bool) *Error {
	return &Error{
		Kind:      KindConnection,
		Op:        "connect",
		NodeID:    nodeID,
		Retryable: !fatal,
		Err:       err,
	}
}

// Storage wraps a failed read or write against an external system.
func Storage(op string, err error) *Error {
	return &Error{
		Kind:      KindStorage,
		Op:        op,
		Retryable: true,
		Err:       err,
	}
}

// Timeout reports that nodeID exceeded its time budget.
func Timeout(nodeID string, budget fmt.Stringer) *Error {
	return &Error{
		Kind:    KindTimeout,
		NodeID:  nodeID,
		Message: "exceeded time budget of " + budget.String(),
	}
}

// Cancelled reports a caller-initiated abort.
func Cancelled(err error) *Error {
	return &Error{
		Kind:    KindCancellation,
		Message: "run cancelled",
		Err:     err,
	}
}

// Runtime wraps an unexpected failure with an explicit retryable flag.
func Runtime(err error, retryable bool) *Error {
	return &Error{
		Kind:      KindRuntime,
		Retryable: retryable,
		Err:       err,
	}
}

// Permanent marks err as non-retryable without changing its classification
// when it is already a pipeline error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		c := *pe
		c.Retryable = false
		return &c
	}
	return Runtime(err, false)
}

// KindOf returns the Kind of err, or KindRuntime for unclassified errors.
// Context cancellation and deadline errors classify as cancellation and
// timeout respectively.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancellation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindRuntime
}

// IsRetryable reports whether the retry wrapper may attempt err again.
//
// Validation, timeout and cancellation errors are never retried. Connection,
// storage and runtime errors follow their Retryable flag. Errors outside the
// taxonomy are retryable unless they are context errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindValidation, KindTimeout, KindCancellation:
			return false
		default:
			return pe.Retryable
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Details returns the accumulated defect list of a validation error, or the
// single error message otherwise.
func Details(err error) []string {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && len(pe.Details) > 0 {
		out := make([]string, len(pe.Details))
		copy(out, pe.Details)
		return out
	}
	return []string{err.Error()}
}

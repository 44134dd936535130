// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util provides the error taxonomy and goroutine helpers shared by
// every dtg package. It depends only on the standard library.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Sentinel errors. Components wrap these with fmt.Errorf("...: %w") or OpError
// so callers can classify failures with errors.Is.
var (
	// ErrRuntimeUnavailable means the container runtime daemon is unreachable
	// or absent.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrNotFound means the container vanished or was never displayed.
	ErrNotFound = errors.New("container not found")

	// ErrBusy means another lifecycle operation holds the container's lock.
	ErrBusy = errors.New("operation already in progress")

	// ErrInvalidInput means an impairment parameter or address failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPersistence means a configuration file could not be read or written.
	ErrPersistence = errors.New("persistence failure")

	// ErrUnsupported means required host tooling (terminal emulator, compose)
	// is missing.
	ErrUnsupported = errors.New("unsupported on this host")

	// ErrAlreadyRunning is returned by Start for a running container.
	ErrAlreadyRunning = errors.New("container is already running")

	// ErrNotRunning is returned by Stop (and terminal/session opening) for a
	// container that is not running.
	ErrNotRunning = errors.New("container is not running")

	// ErrAlreadyOpen is returned when a control window or terminal is already
	// open for the container.
	ErrAlreadyOpen = errors.New("already open")
)

// Kind labels used by Kind().
const (
	KindRuntimeUnavailable = "runtime_unavailable"
	KindNotFound           = "not_found"
	KindBusy               = "busy"
	KindInvalidInput       = "invalid_input"
	KindPersistence        = "persistence"
	KindUnsupported        = "unsupported"
	KindPrecondition       = "precondition"
	KindCommand            = "command"
	KindUnknown            = "unknown"
	KindNone               = "ok"
)

// Kind maps err onto its taxonomy label.
//
// # Description
//
// Used for operator notices and as the "result" label of operation metrics.
// A nil error maps to KindNone. CommandError is only reported as KindCommand
// when nothing more specific is wrapped inside it.
//
// # Inputs
//
//   - err: Any error (may be nil)
//
// # Outputs
//
//   - string: One of the Kind* constants
func Kind(err error) string {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRuntimeUnavailable):
		return KindRuntimeUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning), errors.Is(err, ErrAlreadyOpen):
		return KindPrecondition
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return KindCommand
	}
	return KindUnknown
}

// IsLocal reports whether err is resolved locally with a notice and no state
// change (busy, invalid input, failed precondition).
func IsLocal(err error) bool {
	switch Kind(err) {
	case KindBusy, KindInvalidInput, KindPrecondition:
		return true
	}
	return false
}

// =============================================================================
// Operation Error Type
// =============================================================================

// OpError attaches the operation and its target to a failure.
//
// # Example
//
//	return &OpError{Op: "stop", Target: "router1", Err: util.ErrRuntimeUnavailable}
//	// "stop router1: container runtime unavailable"
type OpError struct {
	// Op is the operation name ("start", "stop", "save", "apply", ...).
	Op string

	// Target names the container, file or interface involved.
	Target string

	// Err is the underlying error.
	Err error
}

// Error returns "op target: err".
func (e *OpError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError returns nil when err is nil, otherwise an *OpError.
func NewOpError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Target: target, Err: err}
}

// =============================================================================
// Command Error Type
// =============================================================================

// CommandError wraps an external command failure with stderr context.
//
// # Description
//
// Used for compose provisioning, in-container exec (tc, ping, ip) and
// terminal launching. Implements Unwrap so errors.Is reaches the taxonomy
// sentinel wrapped inside.
//
// # Thread Safety
//
// CommandError is immutable after creation and safe for concurrent reads.
//
// # Example
//
//	err := NewCommandError("docker compose up -d", 1, "no such file", nil)
//	fmt.Println(err.Error()) // "docker compose up -d (exit 1): no such file"
type CommandError struct {
	// Command is the command that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the standard error output (trimmed).
	Stderr string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns a formatted error message. Stderr takes priority over the
// wrapped error.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr returns true if stderr output is available.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var (
	_ error = (*CommandError)(nil)
	_ error = (*OpError)(nil)
)

// NewCommandError creates a CommandError; stderr is trimmed.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr returns the first non-empty stderr found in err's chain.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	for err != nil {
		if errors.As(err, &cmdErr) {
			if cmdErr.HasStderr() {
				return cmdErr.Stderr
			}
			err = cmdErr.Wrapped
			continue
		}
		break
	}
	return ""
}

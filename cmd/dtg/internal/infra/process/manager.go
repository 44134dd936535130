// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// ProcessManager handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type ProcessManager interface {
	// Run executes a command synchronously and returns its stdout.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - []byte: Stdout
	//   - error: *util.CommandError carrying exit code and stderr when the
	//     command ran and failed; a plain error when it could not start
	//
	// # Examples
	//
	//   out, err := pm.Run(ctx, "docker", "compose", "version")
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// LookPath reports where name is on PATH.
	//
	// # Outputs
	//
	//   - string: Resolved path
	//   - error: exec.ErrNotFound (wrapped) when name is not installed
	LookPath(name string) (string, error)

	// Launch starts a detached process and returns immediately.
	//
	// # Description
	//
	// The process is reaped in the background so Alive reflects its state.
	// Its output is discarded.
	//
	// # Limitations
	//
	//   - Context cancellation does not kill the launched process
	Launch(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is a handle on a launched process.
type Process interface {
	// Pid returns the OS process ID.
	Pid() int

	// Alive reports whether the process has not exited yet.
	Alive() bool

	// Terminate kills the process. A process that already exited is not an
	// error.
	Terminate() error
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultProcessManager implements ProcessManager using os/exec.
type DefaultProcessManager struct{}

// NewDefaultProcessManager creates a new DefaultProcessManager.
//
// # Examples
//
//	pm := NewDefaultProcessManager()
//	out, err := pm.Run(ctx, "docker-compose", "version")
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{}
}

// Run executes a command synchronously and returns its stdout.
func (pm *DefaultProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			command := strings.TrimSpace(name + " " + strings.Join(args, " "))
			return stdout.Bytes(), util.NewCommandError(command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()), err)
		}
		return nil, fmt.Errorf("run %s: %w", name, err)
	}

	return stdout.Bytes(), nil
}

// LookPath reports where name is on PATH.
func (pm *DefaultProcessManager) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Launch starts a detached process and returns immediately.
func (pm *DefaultProcessManager) Launch(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate pid %d: %w", p.Pid(), err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for ProcessManager.
//
// Configure the mock by setting function fields before use. If a function
// field is nil and the corresponding method is called, it will panic.
//
// # Examples
//
//	mock := &MockProcessManager{
//	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
//	        if name == "docker" && args[0] == "compose" {
//	            return []byte("Docker Compose version v2.29.1"), nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %s", name)
//	    },
//	}
type MockProcessManager struct {
	// RunFunc is called when Run is invoked
	RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

	// LookPathFunc is called when LookPath is invoked
	LookPathFunc func(name string) (string, error)

	// LaunchFunc is called when Launch is invoked
	LaunchFunc func(ctx context.Context, name string, args ...string) (Process, error)

	// Calls records all method invocations for verification
	Calls []ProcessManagerCall

	// mu protects Calls for concurrent access
	mu sync.Mutex
}

// ProcessManagerCall records a single method invocation.
type ProcessManagerCall struct {
	Method string
	Name   string
	Args   []string
}

func (m *MockProcessManager) record(c ProcessManagerCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// Run delegates to RunFunc and records the call.
func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(ProcessManagerCall{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockProcessManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// LookPath delegates to LookPathFunc and records the call.
func (m *MockProcessManager) LookPath(name string) (string, error) {
	m.record(ProcessManagerCall{Method: "LookPath", Name: name})
	if m.LookPathFunc == nil {
		panic("MockProcessManager.LookPathFunc not set")
	}
	return m.LookPathFunc(name)
}

// Launch delegates to LaunchFunc and records the call.
func (m *MockProcessManager) Launch(ctx context.Context, name string, args ...string) (Process, error) {
	m.record(ProcessManagerCall{Method: "Launch", Name: name, Args: args})
	if m.LaunchFunc == nil {
		panic("MockProcessManager.LaunchFunc not set")
	}
	return m.LaunchFunc(ctx, name, args...)
}

// Reset clears all recorded calls.
func (m *MockProcessManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// GetCalls returns a copy of all recorded calls.
func (m *MockProcessManager) GetCalls() []ProcessManagerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ProcessManagerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// MockProcess is a Process whose liveness the test controls.
type MockProcess struct {
	PID        int
	mu         sync.Mutex
	alive      bool
	terminated int
}

// NewMockProcess returns a live MockProcess.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{PID: pid, alive: true}
}

// Pid returns PID.
func (p *MockProcess) Pid() int { return p.PID }

// Alive reports the test-controlled state.
func (p *MockProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Exit marks the process as exited.
func (p *MockProcess) Exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
}

// Terminate marks the process as exited and counts the call.
func (p *MockProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	p.alive = false
	return nil
}

// Terminations returns how often Terminate was called.
func (p *MockProcess) Terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Compile-time interface compliance check.
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
	_ Process        = (*osProcess)(nil)
	_ Process        = (*MockProcess)(nil)
)

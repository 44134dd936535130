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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// ProcessLocker defines the interface for the operator lock.
//
// # Description
//
// dtg assumes one operator process per project: two processes would race on
// the same containers and on the same config files. ProcessLocker turns that
// assumption into a check at startup.
type ProcessLocker interface {
	// Acquire attempts to get an exclusive lock.
	// Returns nil if lock acquired, *ErrLockHeld if another process has it.
	Acquire() error

	// Release releases the lock if held.
	// Safe to call multiple times or if lock was never acquired.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID of the process holding the lock.
	// Returns 0 if no process holds the lock or if unable to determine.
	HolderPID() int
}

// ProcessLockConfig configures process lock behavior.
type ProcessLockConfig struct {
	// LockDir is the directory for lock files.
	// Default: system temp directory
	LockDir string

	// LockName is the base name for lock files.
	// Default: "dtg"
	LockName string
}

var unsafeLockChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ProjectLockConfig returns the lock configuration for one compose project.
//
// # Inputs
//
//   - dir: Directory for the lock files (the dtg config dir)
//   - project: Compose project name
//
// # Outputs
//
//   - ProcessLockConfig: LockName "dtg-<project>" with unsafe characters
//     replaced
func ProjectLockConfig(dir, project string) ProcessLockConfig {
	name := unsafeLockChars.ReplaceAllString(project, "_")
	return ProcessLockConfig{LockDir: dir, LockName: "dtg-" + name}
}

// ProcessLock implements ProcessLocker using file-based locking.
//
// # How It Works
//
//  1. Creates a lock file at {LockDir}/{LockName}.lock
//  2. Attempts a non-blocking exclusive flock on the file
//  3. Writes PID to {LockDir}/{LockName}.pid so the loser can name the holder
//  4. On release, removes PID file and releases flock
//
// # Limitations
//
//   - Advisory lock only
//   - NFS and some network filesystems don't support flock properly
//   - The OS drops the flock if the process crashes; the PID file may linger
type ProcessLock struct {
	config   ProcessLockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewProcessLock creates a new process lock. Does not acquire it.
func NewProcessLock(config ProcessLockConfig) *ProcessLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "dtg"
	}

	return &ProcessLock{
		config:   config,
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire attempts to get an exclusive lock.
//
// # Outputs
//
//   - error: nil if acquired (or already held by this instance); *ErrLockHeld
//     if another process holds it; a wrapped error if the lock file cannot be
//     created
func (p *ProcessLock) Acquire() error {
	if p.held {
		return nil
	}

	if err := os.MkdirAll(p.config.LockDir, 0o755); err != nil {
		return fmt.Errorf("failed to create lock dir %s: %w", p.config.LockDir, err)
	}
	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", p.lockPath, err)
	}

	locked, err := tryLockFile(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		f.Close()
		return &ErrLockHeld{HolderPID: p.readHolderPID(), LockPath: p.lockPath}
	}

	p.lockFile = f
	p.held = true

	// The PID file is informational; the flock is what excludes.
	_ = p.writePID()
	return nil
}

// Release removes the PID file and releases the flock.
func (p *ProcessLock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}

	os.Remove(p.pidPath)
	err := unlockFile(p.lockFile)

	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// IsHeld returns true if this instance currently holds the lock.
func (p *ProcessLock) IsHeld() bool {
	return p.held
}

// HolderPID returns the PID recorded by the holder, or 0 if unknown.
func (p *ProcessLock) HolderPID() int {
	return p.readHolderPID()
}

func (p *ProcessLock) writePID() error {
	content := fmt.Sprintf("%d\n", os.Getpid())
	return os.WriteFile(p.pidPath, []byte(content), 0644)
}

func (p *ProcessLock) readHolderPID() int {
	data, err := os.ReadFile(p.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// LockPath returns the path to the lock file.
func (p *ProcessLock) LockPath() string {
	return p.lockPath
}

// PIDPath returns the path to the PID file.
func (p *ProcessLock) PIDPath() string {
	return p.pidPath
}

// ErrLockHeld is returned when another dtg process operates the project. It
// unwraps to util.ErrBusy.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another dtg instance is operating this project (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another dtg instance is operating this project (check: lsof %s)", e.LockPath)
}

// Unwrap returns util.ErrBusy.
func (e *ErrLockHeld) Unwrap() error {
	return util.ErrBusy
}

// Compile-time interface satisfaction check
var _ ProcessLocker = (*ProcessLock)(nil)

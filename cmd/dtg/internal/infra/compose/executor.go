// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose provisions a testbed with Docker Compose.
package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/infra/process"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrComposeNotFound is returned when neither docker-compose (v1) nor the
	// docker compose plugin (v2) is available. Unwraps to util.ErrUnsupported.
	ErrComposeNotFound = fmt.Errorf("%w: docker compose not found; install the standalone "+
		"'docker-compose' (v1) or the 'docker compose' plugin (v2)", util.ErrUnsupported)

	// ErrComposeFileMissing is returned when the compose file does not exist.
	ErrComposeFileMissing = errors.New("compose file not found")

	// ErrNotComposeFile is returned for a path without a .yml or .yaml
	// extension. Unwraps to util.ErrInvalidInput.
	ErrNotComposeFile = fmt.Errorf("%w: select a docker compose project (.yml or .yaml file)", util.ErrInvalidInput)

	// ErrComposeFailed is returned when compose up exits non-zero.
	ErrComposeFailed = errors.New("docker compose up failed; check the file's syntax and that every " +
		"image it references can be found or pulled")
)

// =============================================================================
// Tooling
// =============================================================================

// Tool identifies the compose implementation found on the host.
type Tool int

const (
	ToolNone Tool = iota
	// ToolStandalone is the docker-compose (v1) binary.
	ToolStandalone
	// ToolPlugin is the docker compose (v2) CLI plugin.
	ToolPlugin
)

// String returns the command prefix of the tool.
func (t Tool) String() string {
	switch t {
	case ToolStandalone:
		return "docker-compose"
	case ToolPlugin:
		return "docker compose"
	default:
		return "none"
	}
}

// UpArgv returns the argv of "up -d" for file.
func (t Tool) UpArgv(file string) []string {
	switch t {
	case ToolStandalone:
		return []string{"docker-compose", "-f", file, "up", "-d"}
	case ToolPlugin:
		return []string{"docker", "compose", "-f", file, "up", "-d"}
	default:
		return nil
	}
}

// =============================================================================
// Interface Definition
// =============================================================================

// ComposeExecutor brings a compose project up.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Up calls are serialized.
type ComposeExecutor interface {
	// Detect finds the compose tooling.
	//
	// # Description
	//
	// Prefers the standalone docker-compose binary. Otherwise, if docker is
	// on PATH, runs "docker compose version" to confirm the plugin.
	//
	// # Outputs
	//
	//   - Tool: ToolStandalone or ToolPlugin
	//   - error: ErrComposeNotFound if neither is usable
	Detect(ctx context.Context) (Tool, error)

	// Up runs "compose -f <file> up -d".
	//
	// # Description
	//
	// Up is idempotent: running it again updates containers whose
	// configuration changed and creates none twice.
	//
	// # Outputs
	//
	//   - *ComposeResult: What ran (also on failure, when something ran)
	//   - error: ErrNotComposeFile, ErrComposeFileMissing,
	//     ErrComposeNotFound, or ErrComposeFailed joined with the
	//     *util.CommandError carrying stderr
	Up(ctx context.Context, file string) (*ComposeResult, error)
}

// =============================================================================
// Supporting Types
// =============================================================================

// ComposeConfig configures the executor.
type ComposeConfig struct {
	// DefaultTimeout bounds one compose invocation. Pulling images can be
	// slow. Default: 10 minutes
	DefaultTimeout time.Duration

	// Logger defaults to a discarding logger.
	Logger *logging.Logger
}

// ComposeResult describes one compose run.
type ComposeResult struct {
	Tool     Tool
	Command  string
	Stdout   string
	Duration time.Duration
}

// ProjectName derives the compose project name from the compose file: the
// lower-cased name of its parent directory. Containers of the project carry
// the label com.docker.compose.project=<name>.
func ProjectName(file string) string {
	abs, err := filepath.Abs(file)
	if err != nil {
		abs = file
	}
	return strings.ToLower(filepath.Base(filepath.Dir(abs)))
}

// IsComposeFile reports whether path has a .yml or .yaml extension.
func IsComposeFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// =============================================================================
// Implementation
// =============================================================================

// DefaultComposeExecutor implements ComposeExecutor through a ProcessManager.
type DefaultComposeExecutor struct {
	config     ComposeConfig
	proc       process.ProcessManager
	osStatFunc func(string) (os.FileInfo, error)
	mu         sync.Mutex
}

// NewDefaultComposeExecutor creates an executor.
//
// # Example
//
//	executor := NewDefaultComposeExecutor(ComposeConfig{}, process.NewDefaultProcessManager())
//	res, err := executor.Up(ctx, "/labs/triangle/docker-compose.yml")
func NewDefaultComposeExecutor(cfg ComposeConfig, proc process.ProcessManager) *DefaultComposeExecutor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &DefaultComposeExecutor{
		config:     cfg,
		proc:       proc,
		osStatFunc: os.Stat,
	}
}

// Detect finds the compose tooling.
func (e *DefaultComposeExecutor) Detect(ctx context.Context) (Tool, error) {
	if _, err := e.proc.LookPath("docker-compose"); err == nil {
		return ToolStandalone, nil
	}
	if _, err := e.proc.LookPath("docker"); err != nil {
		return ToolNone, ErrComposeNotFound
	}
	if _, err := e.proc.Run(ctx, "docker", "compose", "version"); err != nil {
		e.config.Logger.Debug("docker compose plugin check failed", "error", err)
		return ToolNone, ErrComposeNotFound
	}
	return ToolPlugin, nil
}

// Up runs "compose -f <file> up -d".
func (e *DefaultComposeExecutor) Up(ctx context.Context, file string) (*ComposeResult, error) {
	if !IsComposeFile(file) {
		return nil, ErrNotComposeFile
	}
	if _, err := e.osStatFunc(file); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrComposeFileMissing, file)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	tool, err := e.Detect(ctx)
	if err != nil {
		return nil, err
	}
	argv := tool.UpArgv(file)
	result := &ComposeResult{Tool: tool, Command: strings.Join(argv, " ")}
	e.config.Logger.Info("running compose", "command", result.Command)

	start := time.Now()
	out, err := e.proc.Run(ctx, argv[0], argv[1:]...)
	result.Duration = time.Since(start)
	result.Stdout = string(out)
	if err != nil {
		e.config.Logger.Error("compose up failed", "command", result.Command, "stderr", util.ExtractStderr(err), "error", err)
		return result, fmt.Errorf("%w: %w", ErrComposeFailed, err)
	}
	e.config.Logger.Info("compose up finished", "duration", result.Duration)
	return result, nil
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockComposeExecutor is a test double for ComposeExecutor.
//
// # Example
//
//	mock := &MockComposeExecutor{
//	    UpFunc: func(ctx context.Context, file string) (*ComposeResult, error) {
//	        return &ComposeResult{Tool: ToolPlugin}, nil
//	    },
//	}
type MockComposeExecutor struct {
	DetectFunc func(context.Context) (Tool, error)
	UpFunc     func(context.Context, string) (*ComposeResult, error)

	UpCalls []string
	mu      sync.Mutex
}

// Detect implements ComposeExecutor.
func (m *MockComposeExecutor) Detect(ctx context.Context) (Tool, error) {
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx)
	}
	return ToolPlugin, nil
}

// Up implements ComposeExecutor.
func (m *MockComposeExecutor) Up(ctx context.Context, file string) (*ComposeResult, error) {
	m.mu.Lock()
	m.UpCalls = append(m.UpCalls, file)
	m.mu.Unlock()

	if m.UpFunc != nil {
		return m.UpFunc(ctx, file)
	}
	return &ComposeResult{Tool: ToolPlugin, Command: strings.Join(ToolPlugin.UpArgv(file), " ")}, nil
}

// Ups returns a copy of the files passed to Up.
func (m *MockComposeExecutor) Ups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.UpCalls...)
}

var (
	_ ComposeExecutor = (*DefaultComposeExecutor)(nil)
	_ ComposeExecutor = (*MockComposeExecutor)(nil)
)

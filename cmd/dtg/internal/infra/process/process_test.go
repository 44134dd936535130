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
	"context"
	"errors"
	"os"
	"path/filepath"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// =============================================================================
// DefaultProcessManager
// =============================================================================

func TestDefaultProcessManager_Run_Success(t *testing.T) {
	skipOnWindows(t)
	pm := NewDefaultProcessManager()
	out, err := pm.Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestDefaultProcessManager_Run_CommandFailure(t *testing.T) {
	skipOnWindows(t)
	pm := NewDefaultProcessManager()
	_, err := pm.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	require.Error(t, err)

	var cmdErr *util.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "broken", cmdErr.Stderr)
	assert.Equal(t, "broken", util.ExtractStderr(err))
}

func TestDefaultProcessManager_Run_CommandNotFound(t *testing.T) {
	pm := NewDefaultProcessManager()
	_, err := pm.Run(context.Background(), "dtg-definitely-not-a-command")
	require.Error(t, err)
	var cmdErr *util.CommandError
	assert.False(t, errors.As(err, &cmdErr), "a command that never ran has no exit code")
}

func TestDefaultProcessManager_Run_Timeout(t *testing.T) {
	skipOnWindows(t)
	pm := NewDefaultProcessManager()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := pm.Run(ctx, "sleep", "5")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestDefaultProcessManager_LaunchAndTerminate(t *testing.T) {
	skipOnWindows(t)
	pm := NewDefaultProcessManager()
	p, err := pm.Launch(context.Background(), "sleep", "30")
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)
	assert.True(t, p.Alive())

	require.NoError(t, p.Terminate())
	assert.Eventually(t, func() bool { return !p.Alive() }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, p.Terminate(), "terminating an exited process is not an error")
}

func TestDefaultProcessManager_LaunchExits(t *testing.T) {
	skipOnWindows(t)
	pm := NewDefaultProcessManager()
	p, err := pm.Launch(context.Background(), "true")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !p.Alive() }, 5*time.Second, 10*time.Millisecond)
}

func TestDefaultProcessManager_LaunchInvalid(t *testing.T) {
	pm := NewDefaultProcessManager()
	_, err := pm.Launch(context.Background(), "dtg-definitely-not-a-command")
	assert.Error(t, err)
}

// =============================================================================
// MockProcessManager
// =============================================================================

func TestMockProcessManager_RecordsCalls(t *testing.T) {
	proc := NewMockProcess(42)
	mock := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("ok"), nil
		},
		LookPathFunc: func(name string) (string, error) { return "/usr/bin/" + name, nil },
		LaunchFunc: func(ctx context.Context, name string, args ...string) (Process, error) {
			return proc, nil
		},
	}

	_, _ = mock.Run(context.Background(), "docker", "compose", "version")
	path, _ := mock.LookPath("konsole")
	p, _ := mock.Launch(context.Background(), "konsole", "-e", "bash")

	assert.Equal(t, "/usr/bin/konsole", path)
	assert.Same(t, proc, p)

	calls := mock.GetCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, ProcessManagerCall{Method: "Run", Name: "docker", Args: []string{"compose", "version"}}, calls[0])
	assert.Equal(t, "LookPath", calls[1].Method)
	assert.Equal(t, []string{"-e", "bash"}, calls[2].Args)

	mock.Reset()
	assert.Empty(t, mock.GetCalls())
}

func TestMockProcessManager_NilFuncPanics(t *testing.T) {
	mock := &MockProcessManager{}
	assert.Panics(t, func() { _, _ = mock.Run(context.Background(), "x") })
}

func TestMockProcess(t *testing.T) {
	p := NewMockProcess(7)
	assert.True(t, p.Alive())
	require.NoError(t, p.Terminate())
	assert.False(t, p.Alive())
	assert.Equal(t, 1, p.Terminations())
}

// =============================================================================
// ProcessLock
// =============================================================================

func TestProjectLockConfig(t *testing.T) {
	cfg := ProjectLockConfig("/tmp/dtg", "lab net/1")
	assert.Equal(t, "/tmp/dtg", cfg.LockDir)
	assert.Equal(t, "dtg-lab_net_1", cfg.LockName)
}

func TestProcessLock_Defaults(t *testing.T) {
	lock := NewProcessLock(ProcessLockConfig{})
	assert.Equal(t, filepath.Join(os.TempDir(), "dtg.lock"), lock.LockPath())
	assert.Equal(t, filepath.Join(os.TempDir(), "dtg.pid"), lock.PIDPath())
}

func TestProcessLock_AcquireRelease(t *testing.T) {
	lock := NewProcessLock(ProjectLockConfig(filepath.Join(t.TempDir(), "nested"), "lab"))
	assert.False(t, lock.IsHeld())

	require.NoError(t, lock.Acquire())
	assert.True(t, lock.IsHeld())
	assert.Equal(t, os.Getpid(), lock.HolderPID())
	require.NoError(t, lock.Acquire(), "double acquire is idempotent")

	require.NoError(t, lock.Release())
	assert.False(t, lock.IsHeld())
	assert.Equal(t, 0, lock.HolderPID())
	require.NoError(t, lock.Release(), "double release is a no-op")
}

func TestProcessLock_SecondInstanceRefused(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	first := NewProcessLock(ProjectLockConfig(dir, "lab"))
	second := NewProcessLock(ProjectLockConfig(dir, "lab"))
	other := NewProcessLock(ProjectLockConfig(dir, "other"))

	require.NoError(t, first.Acquire())
	defer first.Release()

	err := second.Acquire()
	require.Error(t, err)
	var held *ErrLockHeld
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.HolderPID)
	assert.ErrorIs(t, err, util.ErrBusy)
	assert.Contains(t, err.Error(), "another dtg instance")
	assert.False(t, second.IsHeld())

	require.NoError(t, other.Acquire(), "different project is independent")
	require.NoError(t, other.Release())

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestErrLockHeld_Message(t *testing.T) {
	assert.Contains(t, (&ErrLockHeld{LockPath: "/x.lock"}).Error(), "lsof /x.lock")
	assert.Contains(t, (&ErrLockHeld{HolderPID: 12}).Error(), "PID 12")
}

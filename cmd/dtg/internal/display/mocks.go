// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package display

import "sync/atomic"

// MockWindow is a test double for Window that counts ForceClose calls.
type MockWindow struct {
	closes atomic.Int32
}

// ForceClose records the call.
func (w *MockWindow) ForceClose() { w.closes.Add(1) }

// Closes returns how many times ForceClose was called.
func (w *MockWindow) Closes() int { return int(w.closes.Load()) }

// MockTerminal is a test double for Terminal.
type MockTerminal struct {
	alive      atomic.Bool
	terminated atomic.Int32
}

// NewMockTerminal returns a terminal reporting alive.
func NewMockTerminal(alive bool) *MockTerminal {
	t := &MockTerminal{}
	t.alive.Store(alive)
	return t
}

// Alive reports the configured liveness.
func (t *MockTerminal) Alive() bool { return t.alive.Load() }

// SetAlive changes the reported liveness.
func (t *MockTerminal) SetAlive(v bool) { t.alive.Store(v) }

// Terminate records the call and marks the terminal dead.
func (t *MockTerminal) Terminate() error {
	t.terminated.Add(1)
	t.alive.Store(false)
	return nil
}

// Terminations returns how many times Terminate was called.
func (t *MockTerminal) Terminations() int { return int(t.terminated.Load()) }

var (
	_ Window   = (*MockWindow)(nil)
	_ Terminal = (*MockTerminal)(nil)
)

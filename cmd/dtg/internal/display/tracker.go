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

import "sort"

// Window is a per-container control window. The reconciler and coordinator
// only ever force-close it.
type Window interface {
	ForceClose()
}

// Terminal is an external terminal process attached to a container.
type Terminal interface {
	Alive() bool
	Terminate() error
}

// Tracker holds the auxiliary resources attached to displayed containers,
// keyed by container ID.
type Tracker struct {
	windows   map[string]Window
	terminals map[string]Terminal
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		windows:   make(map[string]Window),
		terminals: make(map[string]Terminal),
	}
}

// Window returns the tracked window for id.
func (t *Tracker) Window(id string) (Window, bool) {
	w, ok := t.windows[id]
	return w, ok
}

// TrackWindow records w as the window of id.
func (t *Tracker) TrackWindow(id string, w Window) {
	t.windows[id] = w
}

// UntrackWindow forgets the window of id without closing it. Used when the
// operator closes the window normally.
func (t *Tracker) UntrackWindow(id string) {
	delete(t.windows, id)
}

// CloseWindow force-closes and forgets the window of id. Returns whether one
// existed.
func (t *Tracker) CloseWindow(id string) bool {
	w, ok := t.windows[id]
	if !ok {
		return false
	}
	delete(t.windows, id)
	w.ForceClose()
	return true
}

// Terminal returns the tracked terminal for id.
func (t *Tracker) Terminal(id string) (Terminal, bool) {
	term, ok := t.terminals[id]
	return term, ok
}

// TrackTerminal records term as the terminal of id.
func (t *Tracker) TrackTerminal(id string, term Terminal) {
	t.terminals[id] = term
}

// ReapTerminal terminates the terminal of id if it is alive and discards the
// handle either way. Returns whether a live terminal was terminated.
func (t *Tracker) ReapTerminal(id string) (bool, error) {
	term, ok := t.terminals[id]
	if !ok {
		return false, nil
	}
	delete(t.terminals, id)
	if !term.Alive() {
		return false, nil
	}
	return true, term.Terminate()
}

// WindowIDs returns the IDs with a tracked window, sorted.
func (t *Tracker) WindowIDs() []string {
	return sortedKeys(t.windows)
}

// TerminalIDs returns the IDs with a tracked terminal, sorted.
func (t *Tracker) TerminalIDs() []string {
	return sortedKeys(t.terminals)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

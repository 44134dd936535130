// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock implements the per-container lifecycle lock table.
//
// At most one lifecycle operation (start, stop, restart) may be in flight for
// a container at a time. The table is the only dtg structure mutated from
// several goroutines at once (batch stop acquires and releases many entries
// concurrently), so every method takes the table mutex.
package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op is the lifecycle operation holding a lock.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
)

// Entry records the last lock taken on a container.
//
// Unlock keeps the entry with Active=false so the last operation kind stays
// queryable until Prune drops it; IsLocked only looks at Active.
type Entry struct {
	// ID is the container's stable identity.
	ID string

	// Op is the operation that took the lock.
	Op Op

	// Active is true while the operation is in flight.
	Active bool

	// OperationID correlates log lines, spans and metrics of one operation.
	OperationID string

	// Since is when the lock was taken.
	Since time.Time
}

// Table is a mutex-protected lock table keyed by container ID.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The zero value is not usable;
// call New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// New returns an empty lock table.
func New() *Table {
	return &Table{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Lock takes the lock for id.
//
// # Description
//
// Returns false without side effects if an active entry already exists for
// id. Otherwise atomically records an active entry for op and returns true.
//
// # Inputs
//
//   - id: Container identity
//   - op: Operation taking the lock
//
// # Outputs
//
//   - bool: true if the caller now owns the lock
func (t *Table) Lock(id string, op Op) bool {
	_, ok := t.TryLock(id, op)
	return ok
}

// TryLock is Lock returning the new entry, so the caller can log and trace
// with its OperationID.
func (t *Table) TryLock(id string, op Op) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok && e.Active {
		return Entry{}, false
	}
	e := &Entry{
		ID:          id,
		Op:          op,
		Active:      true,
		OperationID: uuid.NewString(),
		Since:       t.now(),
	}
	t.entries[id] = e
	return *e, true
}

// Unlock marks the entry for id inactive. The record stays readable through
// Last until Prune drops it. Unlocking an unknown or already released id is a
// no-op.
func (t *Table) Unlock(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		e.Active = false
	}
}

// Prune drops the inactive entries whose id is not live and returns how many
// were dropped. Active entries are kept until they are unlocked.
func (t *Table) Prune(live func(id string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.Active || live(id) {
			continue
		}
		delete(t.entries, id)
		n++
	}
	return n
}

// IsLocked reports whether id has an active entry.
func (t *Table) IsLocked(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	return ok && e.Active
}

// HasActiveLocks reports whether any container has an active entry. Used to
// refuse shutdown and disable batch actions.
func (t *Table) HasActiveLocks() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.Active {
			return true
		}
	}
	return false
}

// Last returns a copy of the most recent entry for id, active or not.
func (t *Table) Last(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Active returns copies of all active entries sorted by ID.
func (t *Table) Active() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Active {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package display holds the control context's view of the project: one row
// per container plus the auxiliary resources (control windows, terminals)
// attached to each.
//
// Nothing here is synchronized. Every method must run on the control context.
package display

import (
	"sort"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
)

// Transitional labels shown while a lifecycle operation is in flight.
const (
	LabelStarting   = "starting..."
	LabelExiting    = "exiting..."
	LabelRestarting = "restarting..."
)

// Row is the displayed state of one container.
type Row struct {
	// ID is the stable container identity.
	ID string

	// Name is resolved from the runtime on every refresh.
	Name string

	// Status is the last status reported by the runtime.
	Status string

	// Class is the icon class derived from Status.
	Class runtime.StatusClass

	// Label is the transitional label, or "" when idle.
	Label string
}

// Text returns what the status column shows: the transitional label while an
// operation is in flight, the runtime status otherwise.
func (r Row) Text() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Status
}

// Ref returns the row as a runtime snapshot.
func (r Row) Ref() runtime.ContainerRef {
	return runtime.ContainerRef{ID: r.ID, Name: r.Name, Status: r.Status}
}

// Table is the set of displayed rows keyed by container ID.
type Table struct {
	rows map[string]*Row
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{rows: make(map[string]*Row)}
}

// Upsert inserts or refreshes the row for ref and clears any transitional
// label.
func (t *Table) Upsert(ref runtime.ContainerRef) {
	t.rows[ref.ID] = &Row{
		ID:     ref.ID,
		Name:   ref.Name,
		Status: ref.Status,
		Class:  ref.Class(),
	}
}

// SetLabel sets the transitional label of an existing row. Returns false if
// the row is gone.
func (t *Table) SetLabel(id, label string) bool {
	r, ok := t.rows[id]
	if !ok {
		return false
	}
	r.Label = label
	return true
}

// Remove drops the row for id.
func (t *Table) Remove(id string) {
	delete(t.rows, id)
}

// Get returns a copy of the row for id.
func (t *Table) Get(id string) (Row, bool) {
	r, ok := t.rows[id]
	if !ok {
		return Row{}, false
	}
	return *r, true
}

// Has reports whether id is displayed.
func (t *Table) Has(id string) bool {
	_, ok := t.rows[id]
	return ok
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// IDs returns the displayed IDs in display order.
func (t *Table) IDs() []string {
	rows := t.Rows()
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

// Rows returns copies of all rows sorted by name, then ID.
func (t *Table) Rows() []Row {
	out := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup resolves an operator-supplied reference: an exact ID, an exact name,
// or a unique ID prefix of at least 4 characters.
func (t *Table) Lookup(ref string) (Row, bool) {
	if r, ok := t.rows[ref]; ok {
		return *r, true
	}
	for _, r := range t.rows {
		if r.Name == ref {
			return *r, true
		}
	}
	if len(ref) < 4 {
		return Row{}, false
	}
	var match *Row
	for id, r := range t.rows {
		if len(id) >= len(ref) && id[:len(ref)] == ref {
			if match != nil {
				return Row{}, false
			}
			match = r
		}
	}
	if match == nil {
		return Row{}, false
	}
	return *match, true
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile diffs the runtime's authoritative container list against
// the displayed rows and cleans up auxiliary resources.
//
// # Description
//
// A pass has two halves:
//
//  1. Fetch, on a worker goroutine: one Gateway.List call. Concurrent
//     refreshes share a single in-flight call.
//  2. Apply, on the control context: drop rows that vanished, close windows
//     and terminals of vanished or non-running containers, and refresh the
//     rows of containers that are not locked.
//
// A failed fetch leaves the display untouched and is reported to observers.
// Passes are idempotent, so any interleaving with in-flight operations is
// safe; locked rows keep their transitional label until the operation
// completes and triggers its own pass.
package reconcile

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/control"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/display"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// DefaultListTimeout bounds one List call.
const DefaultListTimeout = 10 * time.Second

// Locker is the part of the lock table a pass needs.
type Locker interface {
	IsLocked(id string) bool
	Prune(live func(id string) bool) int
}

// Delta describes what one Apply changed.
type Delta struct {
	// Removed are rows dropped because the container vanished.
	Removed []string

	// Added are rows inserted for newly seen containers.
	Added []string

	// Updated are existing rows refreshed from the snapshot.
	Updated []string

	// Skipped are containers left alone because they are locked.
	Skipped []string

	// ClosedWindows are containers whose control window was force-closed.
	ClosedWindows []string

	// ReapedTerminals are containers whose live terminal was terminated.
	ReapedTerminals []string
}

// Empty reports whether the pass changed nothing structurally.
func (d Delta) Empty() bool {
	return len(d.Removed) == 0 && len(d.Added) == 0 &&
		len(d.ClosedWindows) == 0 && len(d.ReapedTerminals) == 0
}

// Observer is notified on the control context after every pass.
type Observer func(d Delta, err error)

// Config wires a Reconciler.
type Config struct {
	Gateway runtime.Gateway
	Project string
	Locks   Locker
	Table   *display.Table
	Tracker *display.Tracker
	Poster  control.Poster
	Logger  *logging.Logger

	// ListTimeout bounds one List call. Default: DefaultListTimeout.
	ListTimeout time.Duration
}

// Reconciler keeps the display table in step with the runtime.
type Reconciler struct {
	gw        runtime.Gateway
	project   string
	locks     Locker
	table     *display.Table
	tracker   *display.Tracker
	poster    control.Poster
	logger    *logging.Logger
	timeout   time.Duration
	flight    singleflight.Group
	observers []Observer
}

// New returns a Reconciler. Table and Tracker are created when nil.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		gw:      cfg.Gateway,
		project: cfg.Project,
		locks:   cfg.Locks,
		table:   cfg.Table,
		tracker: cfg.Tracker,
		poster:  cfg.Poster,
		logger:  cfg.Logger,
		timeout: cfg.ListTimeout,
	}
	if r.table == nil {
		r.table = display.NewTable()
	}
	if r.tracker == nil {
		r.tracker = display.NewTracker()
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultListTimeout
	}
	r.logger = r.logger.With("component", "reconcile", "project", r.project)
	return r
}

// Project returns the compose project being reconciled.
func (r *Reconciler) Project() string { return r.project }

// Table returns the display table. Control context only.
func (r *Reconciler) Table() *display.Table { return r.table }

// Tracker returns the auxiliary resource tracker. Control context only.
func (r *Reconciler) Tracker() *display.Tracker { return r.tracker }

// Observe registers fn to run on the control context after every pass.
// Must be called before the first Refresh.
func (r *Reconciler) Observe(fn Observer) {
	r.observers = append(r.observers, fn)
}

// Fetch lists the project's containers. Concurrent callers share one call.
// Safe from any goroutine; blocks.
func (r *Reconciler) Fetch(ctx context.Context) ([]runtime.ContainerRef, error) {
	v, err, _ := r.flight.Do("list", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.gw.List(ctx, r.project)
	})
	if err != nil {
		return nil, err
	}
	return v.([]runtime.ContainerRef), nil
}

// Refresh starts a pass and returns immediately.
func (r *Reconciler) Refresh() {
	r.RefreshAndThen(nil)
}

// RefreshAndThen starts a pass; done (may be nil) runs on the control context
// after the pass is applied or has failed.
func (r *Reconciler) RefreshAndThen(done func(error)) {
	util.SafeGo(func() {
		snapshot, err := r.Fetch(context.Background())
		r.poster.Post(func() {
			r.finish(snapshot, err, done)
		})
	}, func(p util.SafeGoResult) {
		r.logger.Error("refresh worker panic", "panic", p.PanicValue, "stack", p.Stack)
		r.poster.Post(func() {
			r.finish(nil, p.Err(), done)
		})
	})
}

func (r *Reconciler) finish(snapshot []runtime.ContainerRef, err error, done func(error)) {
	var d Delta
	if err != nil {
		r.logger.Warn("refresh failed, keeping previous view", "error", err)
	} else {
		d = r.Apply(snapshot)
	}
	for _, obs := range r.observers {
		obs(d, err)
	}
	if done != nil {
		done(err)
	}
}

// Run refreshes every interval until ctx is done. The first pass starts
// immediately.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	r.Refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh()
		}
	}
}

// Apply reconciles the display against snapshot. Control context only.
//
// # Description
//
//  1. removed = displayed IDs not in snapshot: drop the row, force-close its
//     window, terminate its live terminal.
//  2. every non-running container in snapshot: force-close its window,
//     terminate its live terminal.
//  3. every unlocked container in snapshot: upsert its row.
//  4. released lock records of containers not in snapshot are dropped.
//
// # Outputs
//
//   - Delta: What changed, for observers and tests
func (r *Reconciler) Apply(snapshot []runtime.ContainerRef) Delta {
	var d Delta

	seen := make(map[string]struct{}, len(snapshot))
	for _, c := range snapshot {
		seen[c.ID] = struct{}{}
	}

	for _, id := range r.table.IDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		r.table.Remove(id)
		d.Removed = append(d.Removed, id)
		r.release(id, &d)
	}

	for _, c := range snapshot {
		if !c.Running() {
			r.release(c.ID, &d)
		}
	}

	for _, c := range snapshot {
		if r.locks.IsLocked(c.ID) {
			d.Skipped = append(d.Skipped, c.ID)
			continue
		}
		if r.table.Has(c.ID) {
			d.Updated = append(d.Updated, c.ID)
		} else {
			d.Added = append(d.Added, c.ID)
		}
		r.table.Upsert(c)
	}

	r.locks.Prune(func(id string) bool {
		_, ok := seen[id]
		return ok
	})

	if !d.Empty() {
		r.logger.Info("reconciled",
			"removed", len(d.Removed), "added", len(d.Added),
			"closed_windows", len(d.ClosedWindows), "reaped_terminals", len(d.ReapedTerminals))
	}
	return d
}

// release closes the window and terminal attached to id.
func (r *Reconciler) release(id string, d *Delta) {
	if r.tracker.CloseWindow(id) {
		d.ClosedWindows = append(d.ClosedWindows, id)
	}
	killed, err := r.tracker.ReapTerminal(id)
	if err != nil {
		r.logger.Warn("terminating terminal failed", "container", id, "error", err)
	}
	if killed {
		d.ReapedTerminals = append(d.ReapedTerminals, id)
	}
}

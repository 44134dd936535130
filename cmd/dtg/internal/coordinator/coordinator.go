// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator runs container lifecycle operations.
//
// # Description
//
// Every operation follows the same shape. On the control context the caller
// checks preconditions, takes the container's lock and sets a transitional
// label. The runtime call then runs on a worker goroutine, bounded by a
// timeout. Its completion is posted back to the control context, which
// releases the lock, reports any failure and triggers a reconcile pass.
//
// Per container the state machine is Idle -> Locked(op) -> Idle; both the
// success and the failure path unlock. Different containers run concurrently,
// which StopAll relies on.
//
// # Thread Safety
//
// All exported methods must be called on the control context.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/control"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/display"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/lock"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/metrics"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/reconcile"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/session"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// DefaultOpTimeout bounds one runtime call.
const DefaultOpTimeout = 60 * time.Second

// TerminalLauncher opens an external terminal attached to a container.
type TerminalLauncher interface {
	Launch(ctx context.Context, c runtime.ContainerRef) (display.Terminal, error)
}

// Settled describes a finished single-container operation, after the
// reconcile pass it triggered.
type Settled struct {
	ID          string
	Op          lock.Op
	OperationID string
	Err         error
}

// Config wires a Coordinator.
type Config struct {
	Gateway    runtime.Gateway
	Locks      *lock.Table
	Reconciler *reconcile.Reconciler
	Poster     control.Poster
	Logger     *logging.Logger

	// Store persists control window configs. Required for OpenSession.
	Store session.Store

	// Terminals opens external terminals. Required for OpenTerminal.
	Terminals TerminalLauncher

	// Tracer defaults to the global provider's "dtg/coordinator" tracer.
	Tracer trace.Tracer

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// OpTimeout bounds one runtime call. Default: DefaultOpTimeout.
	OpTimeout time.Duration

	// MaxParallel bounds concurrent stops in StopAll. 0 means one goroutine
	// per container.
	MaxParallel int

	// OnNotice receives failures to surface to the operator, on the control
	// context. May be nil.
	OnNotice func(error)
}

// Coordinator dispatches lifecycle operations and owns the control windows.
type Coordinator struct {
	gw        runtime.Gateway
	locks     *lock.Table
	rec       *reconcile.Reconciler
	table     *display.Table
	tracker   *display.Tracker
	poster    control.Poster
	logger    *logging.Logger
	store     session.Store
	terminals TerminalLauncher
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	timeout   time.Duration
	parallel  int
	onNotice  func(error)

	opening   map[string]bool
	onSettled []func(Settled)

	// lastRefreshErr is the message of the last reported refresh failure,
	// empty after a successful pass.
	lastRefreshErr string
}

// New returns a Coordinator operating on cfg.Reconciler's table and tracker.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		gw:        cfg.Gateway,
		locks:     cfg.Locks,
		rec:       cfg.Reconciler,
		table:     cfg.Reconciler.Table(),
		tracker:   cfg.Reconciler.Tracker(),
		poster:    cfg.Poster,
		logger:    cfg.Logger,
		store:     cfg.Store,
		terminals: cfg.Terminals,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		timeout:   cfg.OpTimeout,
		parallel:  cfg.MaxParallel,
		onNotice:  cfg.OnNotice,
		opening:   make(map[string]bool),
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("dtg/coordinator")
	}
	if c.timeout <= 0 {
		c.timeout = DefaultOpTimeout
	}
	c.logger = c.logger.With("component", "coordinator", "project", c.rec.Project())
	if c.onNotice != nil {
		c.rec.Observe(c.noticeRefresh)
	}
	return c
}

// noticeRefresh reports a failed reconcile pass to the operator. A failure
// repeating the previous one is not reported again until a pass succeeds.
func (c *Coordinator) noticeRefresh(_ reconcile.Delta, err error) {
	if err == nil {
		c.lastRefreshErr = ""
		return
	}
	if err.Error() == c.lastRefreshErr {
		return
	}
	c.lastRefreshErr = err.Error()
	c.onNotice(util.NewOpError("refresh", c.rec.Project(), err))
}

// OnSettled registers fn to run on the control context after each
// single-container operation and its reconcile pass.
func (c *Coordinator) OnSettled(fn func(Settled)) {
	c.onSettled = append(c.onSettled, fn)
}

// Table returns the display table.
func (c *Coordinator) Table() *display.Table { return c.table }

// Locks returns the lock table.
func (c *Coordinator) Locks() *lock.Table { return c.locks }

// Reconciler returns the reconciler.
func (c *Coordinator) Reconciler() *reconcile.Reconciler { return c.rec }

// Busy reports whether any operation is in flight.
func (c *Coordinator) Busy() bool { return c.locks.HasActiveLocks() }

// =============================================================================
// Single-container operations
// =============================================================================

// Start starts a container.
//
// # Outputs
//
//   - error: ErrNotFound (no cached row), ErrBusy (locked), ErrAlreadyRunning
//     (cached status is running), or nil once dispatched. Runtime failures
//     arrive later through OnNotice.
func (c *Coordinator) Start(id string) error {
	row, err := c.row("start", id)
	if err != nil {
		return err
	}
	if c.locks.IsLocked(id) {
		return util.NewOpError("start", row.Name, util.ErrBusy)
	}
	if row.Class == runtime.ClassRunning {
		return util.NewOpError("start", row.Name, util.ErrAlreadyRunning)
	}
	return c.dispatch(row, lock.OpStart, display.LabelStarting, c.gw.Start)
}

// Stop stops a container. Its control window is closed before the runtime
// call is dispatched.
//
// # Outputs
//
//   - error: ErrNotFound, ErrBusy, ErrNotRunning (cached status is exited),
//     or nil once dispatched
func (c *Coordinator) Stop(id string) error {
	row, err := c.row("stop", id)
	if err != nil {
		return err
	}
	if c.locks.IsLocked(id) {
		return util.NewOpError("stop", row.Name, util.ErrBusy)
	}
	if row.Class == runtime.ClassExited {
		return util.NewOpError("stop", row.Name, util.ErrNotRunning)
	}
	return c.dispatch(row, lock.OpStop, display.LabelExiting, c.gw.Stop)
}

// Restart restarts a container regardless of its cached status.
func (c *Coordinator) Restart(id string) error {
	row, err := c.row("restart", id)
	if err != nil {
		return err
	}
	if c.locks.IsLocked(id) {
		return util.NewOpError("restart", row.Name, util.ErrBusy)
	}
	return c.dispatch(row, lock.OpRestart, display.LabelRestarting, c.gw.Restart)
}

func (c *Coordinator) row(op, id string) (display.Row, error) {
	row, ok := c.table.Get(id)
	if !ok {
		return display.Row{}, util.NewOpError(op, id, util.ErrNotFound)
	}
	return row, nil
}

func (c *Coordinator) dispatch(row display.Row, op lock.Op, label string, call func(context.Context, string) error) error {
	entry, ok := c.locks.TryLock(row.ID, op)
	if !ok {
		return util.NewOpError(string(op), row.Name, util.ErrBusy)
	}
	c.table.SetLabel(row.ID, label)
	if op == lock.OpStop {
		c.tracker.CloseWindow(row.ID)
	}
	c.metrics.SetActiveLocks(len(c.locks.Active()))
	c.logger.Info("operation dispatched", "op", op, "container", row.Name, "operation_id", entry.OperationID)

	ref := row.Ref()
	util.SafeGo(func() {
		d, err := c.call(entry, ref, call)
		c.poster.Post(func() { c.complete(entry, ref, d, err) })
	}, func(p util.SafeGoResult) {
		c.logger.Error("operation worker panic", "op", op, "container", ref.Name, "panic", p.PanicValue, "stack", p.Stack)
		c.poster.Post(func() { c.complete(entry, ref, 0, p.Err()) })
	})
	return nil
}

// call runs one runtime call in a span, bounded by the operation timeout.
// Worker goroutine.
func (c *Coordinator) call(entry lock.Entry, ref runtime.ContainerRef, fn func(context.Context, string) error) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "coordinator."+string(entry.Op), trace.WithAttributes(
		attribute.String("dtg.container", ref.Name),
		attribute.String("dtg.container_id", ref.ID),
		attribute.String("dtg.operation_id", entry.OperationID),
	))
	defer span.End()

	started := time.Now()
	err := fn(ctx, ref.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return time.Since(started), err
}

// complete runs on the control context. The row may be gone by now; the
// lock and the refresh are handled regardless.
func (c *Coordinator) complete(entry lock.Entry, ref runtime.ContainerRef, d time.Duration, err error) {
	c.locks.Unlock(ref.ID)
	c.metrics.SetActiveLocks(len(c.locks.Active()))
	c.metrics.ObserveOperation(string(entry.Op), d, err)
	if err != nil {
		c.logger.Warn("operation failed", "op", entry.Op, "container", ref.Name, "operation_id", entry.OperationID, "error", err)
		c.notice(util.NewOpError(string(entry.Op), ref.Name, err))
	} else {
		c.logger.Info("operation finished", "op", entry.Op, "container", ref.Name, "operation_id", entry.OperationID, "duration", d)
	}
	c.rec.RefreshAndThen(func(error) {
		s := Settled{ID: ref.ID, Op: entry.Op, OperationID: entry.OperationID, Err: err}
		for _, fn := range c.onSettled {
			fn(s)
		}
	})
}

func (c *Coordinator) notice(err error) {
	if c.onNotice != nil {
		c.onNotice(err)
	}
}

// StartAll starts every displayed container that is not running and not
// locked.
//
// # Outputs
//
//   - []string: IDs whose start was dispatched
//   - error: Joined precondition failures, or nil
func (c *Coordinator) StartAll() ([]string, error) {
	var started []string
	var errs []error
	for _, row := range c.table.Rows() {
		if row.Class == runtime.ClassRunning || c.locks.IsLocked(row.ID) {
			continue
		}
		if err := c.Start(row.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		started = append(started, row.ID)
	}
	return started, errors.Join(errs...)
}

// =============================================================================
// Terminals
// =============================================================================

// OpenTerminal opens an external terminal attached to a running container.
//
// # Outputs
//
//   - error: ErrNotFound, ErrBusy, ErrNotRunning, ErrAlreadyOpen (a live
//     terminal exists), ErrUnsupported (no emulator), or nil
func (c *Coordinator) OpenTerminal(id string) error {
	row, err := c.row("terminal", id)
	if err != nil {
		return err
	}
	if c.locks.IsLocked(id) {
		return util.NewOpError("terminal", row.Name, util.ErrBusy)
	}
	if row.Class != runtime.ClassRunning {
		return util.NewOpError("terminal", row.Name, util.ErrNotRunning)
	}
	if term, ok := c.tracker.Terminal(id); ok && term.Alive() {
		return util.NewOpError("terminal", row.Name, util.ErrAlreadyOpen)
	}
	if c.terminals == nil {
		return util.NewOpError("terminal", row.Name, util.ErrUnsupported)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	term, err := c.terminals.Launch(ctx, row.Ref())
	if err != nil {
		c.logger.Warn("terminal launch failed", "container", row.Name, "error", err)
		return util.NewOpError("terminal", row.Name, err)
	}
	c.tracker.TrackTerminal(id, term)
	c.logger.Info("terminal opened", "container", row.Name)
	return nil
}

// =============================================================================
// Control windows
// =============================================================================

// SessionOptions tune the sessions OpenSession creates.
type SessionOptions struct {
	OpTimeout time.Duration
	SavedFor  time.Duration
}

// Session returns the open control window of id.
func (c *Coordinator) Session(id string) (*session.Session, bool) {
	w, ok := c.tracker.Window(id)
	if !ok {
		return nil, false
	}
	s, ok := w.(*session.Session)
	return s, ok
}

// OpenSession opens a control window for a running container.
//
// # Description
//
// Interfaces are listed on a worker. The session is then created on the
// control context, tracked as the container's window and handed to ready.
// If the container stopped or vanished meanwhile, ready receives
// ErrNotRunning and nothing is tracked.
//
// # Inputs
//
//   - id: Container ID
//   - opts: Session tuning (zero values use the session defaults)
//   - ready: Receives the session or the failure, on the control context
//
// # Outputs
//
//   - *session.Session: The already open session, with ErrAlreadyOpen
//   - error: ErrNotFound, ErrNotRunning, ErrAlreadyOpen, ErrBusy, or nil once
//     dispatched
func (c *Coordinator) OpenSession(id string, opts SessionOptions, ready func(*session.Session, error)) (*session.Session, error) {
	row, err := c.row("open", id)
	if err != nil {
		return nil, err
	}
	if row.Class != runtime.ClassRunning {
		return nil, util.NewOpError("open", row.Name, util.ErrNotRunning)
	}
	if s, ok := c.Session(id); ok {
		return s, util.NewOpError("open", row.Name, util.ErrAlreadyOpen)
	}
	if c.opening[id] {
		return nil, util.NewOpError("open", row.Name, util.ErrAlreadyOpen)
	}
	if c.locks.IsLocked(id) {
		return nil, util.NewOpError("open", row.Name, util.ErrBusy)
	}
	if c.store == nil {
		return nil, fmt.Errorf("open %s: no config store configured", row.Name)
	}

	c.opening[id] = true
	ref := row.Ref()
	finish := func(ifaces []string, err error) {
		c.poster.Post(func() {
			delete(c.opening, id)
			s, err := c.openSession(ref, ifaces, opts, err)
			if err != nil {
				c.notice(err)
			}
			if ready != nil {
				ready(s, err)
			}
		})
	}
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		finish(c.gw.ListInterfaces(ctx, ref.ID))
	}, func(p util.SafeGoResult) {
		finish(nil, p.Err())
	})
	return nil, nil
}

func (c *Coordinator) openSession(ref runtime.ContainerRef, ifaces []string, opts SessionOptions, err error) (*session.Session, error) {
	if err != nil {
		return nil, util.NewOpError("open", ref.Name, err)
	}
	row, ok := c.table.Get(ref.ID)
	if !ok || row.Class != runtime.ClassRunning || c.locks.IsLocked(ref.ID) {
		return nil, util.NewOpError("open", ref.Name, util.ErrNotRunning)
	}
	if s, ok := c.Session(ref.ID); ok {
		return s, nil
	}

	id := ref.ID
	var s *session.Session
	s = session.New(session.Config{
		Project:   c.rec.Project(),
		Container: row.Ref(),
		Gateway:   c.gw,
		Store:     c.store,
		Poster:    c.poster,
		Logger:    c.logger,
		OpTimeout: opts.OpTimeout,
		SavedFor:  opts.SavedFor,
		OnNotice:  c.notice,
		OnAction:  c.metrics.ObserveSessionAction,
		OnClose: func() {
			if w, ok := c.tracker.Window(id); ok && w == display.Window(s) {
				c.tracker.UntrackWindow(id)
			}
		},
	}, ifaces)
	c.tracker.TrackWindow(id, s)
	c.logger.Info("control window opened", "container", row.Name, "interfaces", len(ifaces))
	return s, nil
}

// =============================================================================
// Status
// =============================================================================

// Node is a read-only view of one displayed container.
type Node struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Class    string `json:"class"`
	Label    string `json:"label,omitempty"`
	Locked   bool   `json:"locked"`
	Op       string `json:"op,omitempty"`
	Window   bool   `json:"window"`
	Terminal bool   `json:"terminal"`
}

// Nodes returns the displayed containers in display order.
func (c *Coordinator) Nodes() []Node {
	active := make(map[string]lock.Entry)
	for _, e := range c.locks.Active() {
		active[e.ID] = e
	}
	rows := c.table.Rows()
	out := make([]Node, 0, len(rows))
	for _, r := range rows {
		n := Node{
			ID:     r.ID,
			Name:   r.Name,
			Status: r.Status,
			Class:  r.Class.String(),
			Label:  r.Label,
		}
		if e, ok := active[r.ID]; ok {
			n.Locked = true
			n.Op = string(e.Op)
		}
		_, n.Window = c.tracker.Window(r.ID)
		if t, ok := c.tracker.Terminal(r.ID); ok {
			n.Terminal = t.Alive()
		}
		out = append(out, n)
	}
	return out
}

// Resolve finds a displayed container by ID, name or unique ID prefix.
func (c *Coordinator) Resolve(ref string) (display.Row, error) {
	row, ok := c.table.Lookup(ref)
	if !ok {
		return display.Row{}, util.NewOpError("resolve", ref, util.ErrNotFound)
	}
	return row, nil
}

// LockedIDs returns the IDs with an operation in flight, sorted.
func (c *Coordinator) LockedIDs() []string {
	var ids []string
	for _, e := range c.locks.Active() {
		ids = append(ids, e.ID)
	}
	return ids
}

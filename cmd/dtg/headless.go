// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/control"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/coordinator"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/display"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/session"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

var errLoopStopped = errors.New("control loop stopped")

// headless drives the coordinator from a command line: a control.Loop is the
// control context and every call blocks until its callback has run.
type headless struct {
	*app
	loop *control.Loop
}

// newHeadless wires a onto a fresh loop that runs until ctx is done.
func newHeadless(ctx context.Context, a *app) *headless {
	loop := control.NewLoop()
	loop.OnPanic(func(p util.SafeGoResult) {
		a.logger.Error("control loop panic", "panic", p.PanicValue, "stack", p.Stack)
	})
	go loop.Run(ctx)
	a.wire(loop, func(err error) {
		a.logger.Debug("notice", "error", err)
	})
	return &headless{app: a, loop: loop}
}

// await runs start on the loop and waits for the value it hands to done.
// done may be called more than once; only the first value counts.
func await[T any](ctx context.Context, loop *control.Loop, start func(done func(T)) error) (T, error) {
	var zero T
	ch := make(chan T, 1)
	done := func(v T) {
		select {
		case ch <- v:
		default:
		}
	}

	var err error
	if !loop.Call(func() { err = start(done) }) {
		return zero, errLoopStopped
	}
	if err != nil {
		return zero, err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-loop.Stopped():
		return zero, errLoopStopped
	}
}

func (h *headless) call(fn func()) error {
	if !h.loop.Call(fn) {
		return errLoopStopped
	}
	return nil
}

// refresh runs one reconcile pass.
func (h *headless) refresh(ctx context.Context) error {
	passErr, err := await(ctx, h.loop, func(done func(error)) error {
		h.rec.RefreshAndThen(done)
		return nil
	})
	if err != nil {
		return err
	}
	return passErr
}

// nodes refreshes and returns the displayed containers.
func (h *headless) nodes(ctx context.Context) ([]coordinator.Node, error) {
	if err := h.refresh(ctx); err != nil {
		return nil, err
	}
	var nodes []coordinator.Node
	err := h.call(func() { nodes = h.coord.Nodes() })
	return nodes, err
}

// resolve refreshes and finds ref by ID, name or ID prefix.
func (h *headless) resolve(ctx context.Context, ref string) (display.Row, error) {
	if err := h.refresh(ctx); err != nil {
		return display.Row{}, err
	}
	var row display.Row
	var err error
	if cerr := h.call(func() { row, err = h.coord.Resolve(ref) }); cerr != nil {
		return display.Row{}, cerr
	}
	return row, err
}

// lifecycle runs start, stop or restart on ref and waits until the
// operation and its reconcile pass have settled.
func (h *headless) lifecycle(ctx context.Context, op, ref string) (display.Row, error) {
	row, err := h.resolve(ctx, ref)
	if err != nil {
		return row, err
	}

	var fn func(string) error
	switch op {
	case "start":
		fn = h.coord.Start
	case "stop":
		fn = h.coord.Stop
	case "restart":
		fn = h.coord.Restart
	default:
		return row, fmt.Errorf("%w: unknown operation %q", util.ErrInvalidInput, op)
	}

	settled, err := await(ctx, h.loop, func(done func(coordinator.Settled)) error {
		h.coord.OnSettled(func(s coordinator.Settled) {
			if s.ID == row.ID {
				done(s)
			}
		})
		return fn(row.ID)
	})
	if err != nil {
		return row, err
	}
	return row, settled.Err
}

// stopAll stops every running container and waits for the batch.
func (h *headless) stopAll(ctx context.Context) (coordinator.BatchResult, error) {
	if err := h.refresh(ctx); err != nil {
		return coordinator.BatchResult{}, err
	}
	return await(ctx, h.loop, func(done func(coordinator.BatchResult)) error {
		h.coord.StopAll(done)
		return nil
	})
}

// startAll starts every stopped container and waits for each to settle.
func (h *headless) startAll(ctx context.Context) ([]string, error) {
	if err := h.refresh(ctx); err != nil {
		return nil, err
	}

	results := make(chan coordinator.Settled, 1024)
	var ids []string
	var err error
	cerr := h.call(func() {
		h.coord.OnSettled(func(s coordinator.Settled) {
			select {
			case results <- s:
			default:
			}
		})
		ids, err = h.coord.StartAll()
	})
	if cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return ids, err
	}

	var errs []error
	for range ids {
		select {
		case s := <-results:
			if s.Err != nil {
				errs = append(errs, s.Err)
			}
		case <-ctx.Done():
			return ids, ctx.Err()
		}
	}
	return ids, errors.Join(errs...)
}

type opened struct {
	s   *session.Session
	err error
}

// openSession opens a control window on ref. The caller must close it.
func (h *headless) openSession(ctx context.Context, ref string) (*session.Session, error) {
	row, err := h.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	o, err := await(ctx, h.loop, func(done func(opened)) error {
		_, err := h.coord.OpenSession(row.ID, h.sessionOptions(), func(s *session.Session, err error) {
			done(opened{s, err})
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return o.s, o.err
}

// shapeRequest describes one shape command.
type shapeRequest struct {
	Ref   string
	Iface string

	// Override adjusts the interface's stored (or default) fields.
	Override func(session.Fields) session.Fields

	// Save persists the applied fields for the interface.
	Save bool
}

// shape applies an impairment to one interface of a node.
func (h *headless) shape(ctx context.Context, req shapeRequest) (session.Result, error) {
	s, err := h.openSession(ctx, req.Ref)
	if err != nil {
		return session.Result{}, err
	}
	defer h.call(s.ForceClose)

	iface := runtime.InterfaceName(req.Iface)
	var fields session.Fields
	var ifaceErr error
	if err := h.call(func() {
		if ifaceErr = hasInterface(s, iface); ifaceErr != nil {
			return
		}
		s.Select(iface)
		fields = s.Fields()
		if req.Override != nil {
			fields = req.Override(fields)
		}
	}); err != nil {
		return session.Result{}, err
	}
	if ifaceErr != nil {
		return session.Result{}, ifaceErr
	}

	res, err := await(ctx, h.loop, func(done func(session.Result)) error {
		return s.ApplyNow(iface, fields, done)
	})
	if err != nil {
		return res, err
	}
	if res.Err != nil || !req.Save {
		return res, res.Err
	}

	var saveErr error
	if err := h.call(func() {
		s.Edit(fields)
		saveErr = s.Save()
	}); err != nil {
		return res, err
	}
	return res, saveErr
}

func hasInterface(s *session.Session, iface string) error {
	for _, entry := range s.Interfaces() {
		if runtime.InterfaceName(entry) == iface {
			return nil
		}
	}
	return util.NewOpError("shape", s.Container().Name, fmt.Errorf("%w: interface %q", util.ErrNotFound, iface))
}

// ping runs ping inside a node.
func (h *headless) ping(ctx context.Context, ref, addr string) (session.Result, error) {
	s, err := h.openSession(ctx, ref)
	if err != nil {
		return session.Result{}, err
	}
	defer h.call(s.ForceClose)

	res, err := await(ctx, h.loop, func(done func(session.Result)) error {
		return s.Ping(addr, done)
	})
	if err != nil {
		return res, err
	}
	return res, res.Err
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package control

import (
	"context"
	"sync"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// Loop runs posted closures on a dedicated goroutine.
//
// # Example
//
//	loop := control.NewLoop()
//	go loop.Run(ctx)
//	coord := coordinator.New(..., loop, ...)
//	loop.Call(func() { coord.Start(id) })
type Loop struct {
	q       *Queue
	onPanic func(util.SafeGoResult)

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewLoop returns a loop with its own queue.
func NewLoop() *Loop {
	return &Loop{q: NewQueue(), stopped: make(chan struct{})}
}

// OnPanic sets the handler for a panicking closure. The loop keeps running.
// Must be called before Run.
func (l *Loop) OnPanic(fn func(util.SafeGoResult)) {
	l.onPanic = fn
}

// Post enqueues fn on the loop.
func (l *Loop) Post(fn func()) {
	l.q.Post(fn)
}

// Run executes closures until ctx is done. Closures still queued at that point
// are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer l.stopOnce.Do(func() {
		l.q.Close()
		close(l.stopped)
	})
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.q.Ready():
			for _, fn := range l.q.Drain() {
				l.run(fn)
			}
		}
	}
}

func (l *Loop) run(fn func()) {
	defer util.RecoverPanic(l.onPanic)()
	fn()
}

// Call runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine. Returns false if the loop stopped first.
func (l *Loop) Call(fn func()) bool {
	return Call(l, l.stopped, fn)
}

// Call posts fn through p and waits for it to run. Returns false if stopped
// is closed first; fn may then never run.
func Call(p Poster, stopped <-chan struct{}, fn func()) bool {
	done := make(chan struct{})
	p.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-stopped:
		return false
	}
}

// Stopped is closed once Run returns.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

var _ Poster = (*Loop)(nil)

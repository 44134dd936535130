// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package control implements dtg's single control context.
//
// Display rows, tracked windows and terminals, and session state are owned by
// one goroutine. Workers never touch that state; they Post a closure, and the
// control goroutine runs posted closures one at a time in FIFO order.
//
// Two consumers exist:
//
//   - Loop, a plain goroutine used by one-shot CLI commands and tests
//   - Forward, which hands each closure to the bubbletea program so the TUI
//     event loop is the control context
//
// # Thread Safety
//
// Post is safe from any goroutine, including the control goroutine itself,
// and never blocks.
package control

import (
	"context"
	"sync"
)

// Poster marshals a closure onto the control context.
type Poster interface {
	// Post enqueues fn. It never blocks and never runs fn inline.
	Post(fn func())
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(fn func())

// Post calls f(fn).
func (f PosterFunc) Post(fn func()) { f(fn) }

// Queue is an unbounded FIFO of closures.
//
// Unbounded because a worker that blocks on a full queue while the control
// goroutine waits on that worker would deadlock; the control context itself
// posts follow-up work (refresh after unlock) too.
type Queue struct {
	mu     sync.Mutex
	items  []func()
	ready  chan struct{}
	closed bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Post appends fn. Posts after Close are dropped.
func (q *Queue) Post(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after one or more Posts. A receive does not guarantee a
// non-empty Drain; consumers loop.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns all queued closures in posting order.
func (q *Queue) Drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued closures.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting posts. Already queued closures stay drainable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

var _ Poster = (*Queue)(nil)

// Forward drains q and hands every closure to send, in order, until ctx is
// done. The TUI passes a send that wraps the closure in a tea.Msg.
func Forward(ctx context.Context, q *Queue, send func(fn func())) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.Ready():
			for _, fn := range q.Drain() {
				send(fn)
			}
		}
	}
}

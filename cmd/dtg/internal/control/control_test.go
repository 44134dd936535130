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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Post(func() { order = append(order, i) })
	}
	assert.Equal(t, 5, q.Len())

	for _, fn := range q.Drain() {
		fn()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PostNeverBlocks(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Post(func() {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked with no consumer")
	}
	assert.Equal(t, 10000, q.Len())
}

func TestQueue_ClosedDropsPosts(t *testing.T) {
	q := NewQueue()
	q.Post(func() {})
	q.Close()
	q.Post(func() {})
	q.Post(nil)
	assert.Equal(t, 1, q.Len())
}

func TestLoop_RunsOnSingleGoroutineInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := NewLoop()
	go loop.Run(ctx)

	// Unsynchronised state is safe as long as only the loop touches it.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Post(func() { counter++ })
		}()
	}
	wg.Wait()

	var got int
	require.True(t, loop.Call(func() { got = counter }))
	assert.Equal(t, 100, got)
}

func TestLoop_PostFromLoopDoesNotDeadlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := NewLoop()
	go loop.Run(ctx)

	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestLoop_PanicIsRecovered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := NewLoop()
	var recovered any
	loop.OnPanic(func(r util.SafeGoResult) { recovered = r.PanicValue })
	go loop.Run(ctx)

	loop.Post(func() { panic("handler bug") })
	ran := false
	require.True(t, loop.Call(func() { ran = true }))
	assert.True(t, ran)
	assert.Equal(t, "handler bug", recovered)
}

func TestLoop_CallAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop()
	go loop.Run(ctx)
	cancel()
	<-loop.Stopped()

	assert.False(t, loop.Call(func() {}))
}

func TestForward(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewQueue()
	received := make(chan int, 3)

	go Forward(ctx, q, func(fn func()) { fn() })
	for i := 0; i < 3; i++ {
		i := i
		q.Post(func() { received <- i })
	}

	for want := 0; want < 3; want++ {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("forwarded closure not delivered")
		}
	}
}

func TestPosterFunc(t *testing.T) {
	called := false
	var p Poster = PosterFunc(func(fn func()) { fn() })
	p.Post(func() { called = true })
	assert.True(t, called)
}

func TestCall_ThroughQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewQueue()
	go Forward(ctx, q, func(fn func()) { fn() })

	ran := false
	assert.True(t, Call(q, ctx.Done(), func() { ran = true }))
	assert.True(t, ran)

	stopped := make(chan struct{})
	close(stopped)
	assert.False(t, Call(PosterFunc(func(func()) {}), stopped, func() {}))
}

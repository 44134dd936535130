// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/configstore"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/control"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/display"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/lock"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/metrics"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/reconcile"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/session"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// =============================================================================
// Fixture
// =============================================================================

// world is the fake runtime state behind the mock gateway.
type world struct {
	mu   sync.Mutex
	refs map[string]runtime.ContainerRef
}

func newWorld(refs ...runtime.ContainerRef) *world {
	w := &world{refs: make(map[string]runtime.ContainerRef)}
	for _, r := range refs {
		w.refs[r.ID] = r
	}
	return w
}

func (w *world) list() []runtime.ContainerRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]runtime.ContainerRef, 0, len(w.refs))
	for _, r := range w.refs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (w *world) set(id, status string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.refs[id]
	r.Status = status
	w.refs[id] = r
}

type launcher struct {
	mu       sync.Mutex
	launched []string
	next     *display.MockTerminal
	err      error
}

func (l *launcher) Launch(ctx context.Context, c runtime.ContainerRef) (display.Terminal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launched = append(l.launched, c.Name)
	if l.next != nil {
		return l.next, nil
	}
	return display.NewMockTerminal(true), nil
}

type fixture struct {
	world    *world
	gw       *runtime.MockGateway
	locks    *lock.Table
	loop     *control.Loop
	rec      *reconcile.Reconciler
	coord    *Coordinator
	term     *launcher
	spans    *tracetest.SpanRecorder
	settled  chan Settled
	noticesM sync.Mutex
	notices  []error
}

type option func(*Config)

func newFixture(t *testing.T, w *world, configure func(gw *runtime.MockGateway), opts ...option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		world:   w,
		gw:      &runtime.MockGateway{},
		locks:   lock.New(),
		loop:    control.NewLoop(),
		term:    &launcher{},
		spans:   tracetest.NewSpanRecorder(),
		settled: make(chan Settled, 16),
	}
	f.gw.ListFunc = func(ctx context.Context, project string) ([]runtime.ContainerRef, error) {
		return w.list(), nil
	}
	if configure != nil {
		configure(f.gw)
	}
	go f.loop.Run(ctx)

	f.rec = reconcile.New(reconcile.Config{
		Gateway: f.gw,
		Project: "lab",
		Locks:   f.locks,
		Poster:  f.loop,
	})
	cfg := Config{
		Gateway:    f.gw,
		Locks:      f.locks,
		Reconciler: f.rec,
		Poster:     f.loop,
		Store:      configstore.New(t.TempDir()),
		Terminals:  f.term,
		Tracer:     trace.NewTracerProvider(trace.WithSpanProcessor(f.spans)).Tracer("test"),
		Metrics:    metrics.New(prometheus.NewRegistry()),
		OpTimeout:  5 * time.Second,
		OnNotice: func(err error) {
			f.noticesM.Lock()
			f.notices = append(f.notices, err)
			f.noticesM.Unlock()
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.coord = New(cfg)
	f.coord.OnSettled(func(s Settled) { f.settled <- s })

	done := make(chan error, 1)
	f.rec.RefreshAndThen(func(err error) { done <- err })
	require.NoError(t, <-done)
	return f
}

// on runs fn on the control context and waits for it.
func (f *fixture) on(fn func()) { f.loop.Call(fn) }

func (f *fixture) waitSettled(t *testing.T) Settled {
	t.Helper()
	select {
	case s := <-f.settled:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not settle")
		return Settled{}
	}
}

func (f *fixture) row(t *testing.T, id string) display.Row {
	t.Helper()
	var row display.Row
	var ok bool
	f.on(func() { row, ok = f.coord.Table().Get(id) })
	require.True(t, ok, "row %s", id)
	return row
}

func (f *fixture) noticeList() []error {
	f.noticesM.Lock()
	defer f.noticesM.Unlock()
	return append([]error(nil), f.notices...)
}

func running(id string) runtime.ContainerRef {
	return runtime.ContainerRef{ID: id, Name: "node-" + id, Status: "running"}
}

func exited(id string) runtime.ContainerRef {
	return runtime.ContainerRef{ID: id, Name: "node-" + id, Status: "exited"}
}

// =============================================================================
// Start / Stop / Restart
// =============================================================================

func TestStart_Lifecycle(t *testing.T) {
	w := newWorld(exited("a"))
	release := make(chan struct{})
	f := newFixture(t, w, func(gw *runtime.MockGateway) {
		gw.StartFunc = func(ctx context.Context, id string) error {
			<-release
			w.set(id, "running")
			return nil
		}
	})

	f.on(func() { require.NoError(t, f.coord.Start("a")) })

	row := f.row(t, "a")
	assert.Equal(t, display.LabelStarting, row.Text())
	assert.True(t, f.locks.IsLocked("a"))
	entry, ok := f.locks.Last("a")
	require.True(t, ok)
	assert.Equal(t, lock.OpStart, entry.Op)

	f.on(func() {
		err := f.coord.Start("a")
		assert.ErrorIs(t, err, util.ErrBusy)
	})

	close(release)
	s := f.waitSettled(t)
	assert.Equal(t, "a", s.ID)
	assert.NoError(t, s.Err)
	assert.Equal(t, entry.OperationID, s.OperationID)

	assert.False(t, f.locks.IsLocked("a"))
	assert.Equal(t, "running", f.row(t, "a").Text())
	assert.Empty(t, f.noticeList())

	spans := f.spans.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "coordinator.start", spans[0].Name())
}

func TestStart_Preconditions(t *testing.T) {
	f := newFixture(t, newWorld(running("a")), nil)
	f.on(func() {
		assert.ErrorIs(t, f.coord.Start("a"), util.ErrAlreadyRunning)
		assert.ErrorIs(t, f.coord.Start("zzz"), util.ErrNotFound)
		assert.ErrorIs(t, f.coord.Stop("zzz"), util.ErrNotFound)
		assert.ErrorIs(t, f.coord.Restart("zzz"), util.ErrNotFound)
	})
	assert.Empty(t, f.gw.CallsTo("Start"))
}

func TestStop_ClosesWindowBeforeDispatch(t *testing.T) {
	w := newWorld(running("a"))
	release := make(chan struct{})
	f := newFixture(t, w, func(gw *runtime.MockGateway) {
		gw.StopFunc = func(ctx context.Context, id string) error {
			<-release
			w.set(id, "exited")
			return nil
		}
	})
	win := &display.MockWindow{}
	f.on(func() { f.coord.rec.Tracker().TrackWindow("a", win) })

	f.on(func() {
		require.NoError(t, f.coord.Stop("a"))
		assert.Equal(t, 1, win.Closes(), "closed synchronously")
		assert.Equal(t, display.LabelExiting, f.coord.Table().Rows()[0].Text())
	})

	close(release)
	s := f.waitSettled(t)
	assert.Equal(t, lock.OpStop, s.Op)
	assert.Equal(t, "exited", f.row(t, "a").Text())

	f.on(func() { assert.ErrorIs(t, f.coord.Stop("a"), util.ErrNotRunning) })
}

func TestStop_FailureReleasesLockAndNotices(t *testing.T) {
	f := newFixture(t, newWorld(running("a")), func(gw *runtime.MockGateway) {
		gw.StopFunc = func(ctx context.Context, id string) error {
			return util.NewOpError("stop", id, util.ErrRuntimeUnavailable)
		}
	})

	f.on(func() { require.NoError(t, f.coord.Stop("a")) })
	s := f.waitSettled(t)
	assert.ErrorIs(t, s.Err, util.ErrRuntimeUnavailable)
	assert.False(t, f.locks.IsLocked("a"))
	assert.Equal(t, "running", f.row(t, "a").Text(), "row falls back to the reconciled status")

	notices := f.noticeList()
	require.Len(t, notices, 1)
	assert.ErrorIs(t, notices[0], util.ErrRuntimeUnavailable)
	assert.Contains(t, notices[0].Error(), "node-a")
}

func TestStop_PanickingGatewayStillUnlocks(t *testing.T) {
	f := newFixture(t, newWorld(running("a")), func(gw *runtime.MockGateway) {
		gw.StopFunc = func(ctx context.Context, id string) error { panic("boom") }
	})
	f.on(func() { require.NoError(t, f.coord.Stop("a")) })
	s := f.waitSettled(t)
	require.Error(t, s.Err)
	assert.Contains(t, s.Err.Error(), "boom")
	assert.False(t, f.locks.HasActiveLocks())
}

func TestRestart_AlwaysAttempted(t *testing.T) {
	f := newFixture(t, newWorld(running("a"), exited("b")), nil)

	f.on(func() {
		require.NoError(t, f.coord.Restart("a"))
		assert.Equal(t, display.LabelRestarting, f.coord.Table().Rows()[0].Text())
	})
	f.waitSettled(t)
	f.on(func() { require.NoError(t, f.coord.Restart("b")) })
	f.waitSettled(t)

	calls := f.gw.CallsTo("Restart")
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Target)
	assert.Equal(t, "b", calls[1].Target)
}

func TestStartAll(t *testing.T) {
	w := newWorld(running("a"), exited("b"), exited("c"), exited("d"))
	f := newFixture(t, w, func(gw *runtime.MockGateway) {
		gw.StartFunc = func(ctx context.Context, id string) error {
			w.set(id, "running")
			return nil
		}
	})
	require.True(t, f.locks.Lock("d", lock.OpRestart))

	var started []string
	f.on(func() {
		var err error
		started, err = f.coord.StartAll()
		require.NoError(t, err)
	})
	assert.Equal(t, []string{"b", "c"}, started)
	f.waitSettled(t)
	f.waitSettled(t)
	assert.Len(t, f.gw.CallsTo("Start"), 2)
}

// =============================================================================
// StopAll
// =============================================================================

func TestStopAll_HungStopStillCompletesOthers(t *testing.T) {
	w := newWorld(running("a"), running("b"), running("c"), exited("d"))
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(2)
	f := newFixture(t, w, func(gw *runtime.MockGateway) {
		gw.StopFunc = func(ctx context.Context, id string) error {
			if id == "b" {
				<-release
				return util.ErrRuntimeUnavailable
			}
			w.set(id, "exited")
			finished.Done()
			return nil
		}
	})

	var calls atomic.Int32
	results := make(chan BatchResult, 4)
	f.on(func() {
		n := f.coord.StopAll(func(r BatchResult) {
			calls.Add(1)
			results <- r
		})
		assert.Equal(t, 3, n)
		for _, row := range f.coord.Table().Rows() {
			if row.ID != "d" {
				assert.Equal(t, display.LabelExiting, row.Text())
			}
		}
	})

	finished.Wait()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "callback waits for the hung stop")
	assert.Equal(t, []string{"a", "b", "c"}, f.coord.LockedIDs(), "locks held until the whole batch returns")

	close(release)
	var res BatchResult
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("stop all never completed")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "callback runs exactly once")

	assert.ElementsMatch(t, []string{"a", "c"}, res.Stopped)
	require.Contains(t, res.Failed, "b")
	assert.ErrorIs(t, res.Failed["b"], util.ErrRuntimeUnavailable)
	assert.Equal(t, 3, res.Count())
	assert.False(t, f.locks.HasActiveLocks())

	assert.Equal(t, "exited", f.row(t, "a").Text())
	assert.Equal(t, "running", f.row(t, "b").Text())
	assert.Len(t, f.noticeList(), 1)
}

func TestStopAll_SkipsLockedAndClosesWindows(t *testing.T) {
	w := newWorld(running("a"), running("b"))
	f := newFixture(t, w, func(gw *runtime.MockGateway) {
		gw.StopFunc = func(ctx context.Context, id string) error {
			w.set(id, "exited")
			return nil
		}
	})
	require.True(t, f.locks.Lock("b", lock.OpRestart))
	win := &display.MockWindow{}
	f.on(func() { f.coord.rec.Tracker().TrackWindow("a", win) })

	done := make(chan BatchResult, 1)
	f.on(func() { f.coord.StopAll(func(r BatchResult) { done <- r }) })
	res := <-done

	assert.Equal(t, []string{"a"}, res.Stopped)
	assert.Equal(t, []string{"b"}, res.Skipped)
	assert.Equal(t, 1, win.Closes())
	assert.True(t, f.locks.IsLocked("b"), "skipped lock is not released by the batch")

	calls := f.gw.CallsTo("Stop")
	require.Len(t, calls, 1)
	assert.Equal(t, "a", calls[0].Target)
}

func TestStopAll_EmptyBatchRefreshesAndCallsBack(t *testing.T) {
	f := newFixture(t, newWorld(exited("a")), nil)
	before := len(f.gw.CallsTo("List"))

	done := make(chan BatchResult, 1)
	f.on(func() {
		assert.Equal(t, 0, f.coord.StopAll(func(r BatchResult) { done <- r }))
	})
	res := <-done
	assert.Equal(t, 0, res.Count())
	assert.Greater(t, len(f.gw.CallsTo("List")), before)
}

func TestStopAll_MaxParallel(t *testing.T) {
	w := newWorld(running("a"), running("b"), running("c"), running("d"))
	var inFlight, peak atomic.Int32
	f := newFixture(t, w, func(gw *runtime.MockGateway) {
		gw.StopFunc = func(ctx context.Context, id string) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}
	}, func(c *Config) { c.MaxParallel = 2 })

	done := make(chan BatchResult, 1)
	f.on(func() { f.coord.StopAll(func(r BatchResult) { done <- r }) })
	res := <-done
	assert.Len(t, res.Stopped, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestShutdown_RefusedWhileBusy(t *testing.T) {
	f := newFixture(t, newWorld(running("a")), nil)
	require.True(t, f.locks.Lock("a", lock.OpStart))

	f.on(func() {
		called := false
		err := f.coord.Shutdown(func(BatchResult) { called = true })
		assert.ErrorIs(t, err, util.ErrBusy)
		assert.False(t, called)
		assert.True(t, f.coord.Busy())
	})

	f.locks.Unlock("a")
	done := make(chan BatchResult, 1)
	f.on(func() { require.NoError(t, f.coord.Shutdown(func(r BatchResult) { done <- r })) })
	res := <-done
	assert.Equal(t, []string{"a"}, res.Stopped)
}

// =============================================================================
// Terminals
// =============================================================================

func TestOpenTerminal(t *testing.T) {
	f := newFixture(t, newWorld(running("a"), exited("b")), nil)
	first := display.NewMockTerminal(true)
	f.term.next = first

	f.on(func() {
		assert.ErrorIs(t, f.coord.OpenTerminal("b"), util.ErrNotRunning)
		require.NoError(t, f.coord.OpenTerminal("a"))
		assert.ErrorIs(t, f.coord.OpenTerminal("a"), util.ErrAlreadyOpen)
	})

	first.SetAlive(false)
	f.term.next = nil
	f.on(func() {
		require.NoError(t, f.coord.OpenTerminal("a"), "dead handle is replaced")
		term, ok := f.coord.rec.Tracker().Terminal("a")
		require.True(t, ok)
		assert.NotSame(t, first, term)
	})
	assert.Equal(t, []string{"node-a", "node-a"}, f.term.launched)

	require.True(t, f.locks.Lock("a", lock.OpStop))
	f.on(func() { assert.ErrorIs(t, f.coord.OpenTerminal("a"), util.ErrBusy) })
}

func TestOpenTerminal_Unsupported(t *testing.T) {
	f := newFixture(t, newWorld(running("a")), nil, func(c *Config) { c.Terminals = nil })
	f.on(func() { assert.ErrorIs(t, f.coord.OpenTerminal("a"), util.ErrUnsupported) })

	g := newFixture(t, newWorld(running("a")), nil)
	g.term.err = util.ErrUnsupported
	g.on(func() { assert.ErrorIs(t, g.coord.OpenTerminal("a"), util.ErrUnsupported) })
}

// =============================================================================
// Control windows
// =============================================================================

func TestOpenSession(t *testing.T) {
	w := newWorld(running("a"), exited("b"))
	f := newFixture(t, w, func(gw *runtime.MockGateway) {
		gw.ListInterfacesFunc = func(ctx context.Context, id string) ([]string, error) {
			return []string{"eth0 - 10.0.0.2/24", "eth1"}, nil
		}
		gw.StopFunc = func(ctx context.Context, id string) error {
			w.set(id, "exited")
			return nil
		}
	})

	f.on(func() {
		_, err := f.coord.OpenSession("b", SessionOptions{}, nil)
		assert.ErrorIs(t, err, util.ErrNotRunning)
	})

	ready := make(chan *session.Session, 1)
	f.on(func() {
		s, err := f.coord.OpenSession("a", SessionOptions{}, func(s *session.Session, err error) {
			assert.NoError(t, err)
			ready <- s
		})
		require.NoError(t, err)
		assert.Nil(t, s)

		_, err = f.coord.OpenSession("a", SessionOptions{}, nil)
		assert.ErrorIs(t, err, util.ErrAlreadyOpen, "open in progress")
	})
	s := <-ready
	require.NotNil(t, s)

	f.on(func() {
		assert.Equal(t, "eth0", s.Selected())
		assert.Equal(t, []string{"eth0 - 10.0.0.2/24", "eth1"}, s.Interfaces())

		existing, err := f.coord.OpenSession("a", SessionOptions{}, nil)
		assert.ErrorIs(t, err, util.ErrAlreadyOpen)
		assert.Same(t, s, existing)

		nodes := f.coord.Nodes()
		require.Len(t, nodes, 2)
		assert.True(t, nodes[0].Window)

		require.NoError(t, f.coord.Stop("a"))
		assert.True(t, s.Closed(), "stop force-closes the window")
		_, ok := f.coord.Session("a")
		assert.False(t, ok)
	})
	f.waitSettled(t)
}

func TestOpenSession_ClosedWindowIsUntracked(t *testing.T) {
	f := newFixture(t, newWorld(running("a")), nil)
	ready := make(chan *session.Session, 1)
	f.on(func() {
		_, err := f.coord.OpenSession("a", SessionOptions{}, func(s *session.Session, err error) { ready <- s })
		require.NoError(t, err)
	})
	s := <-ready
	f.on(func() {
		require.NoError(t, s.Close())
		_, ok := f.coord.Session("a")
		assert.False(t, ok)
	})
}

func TestOpenSession_ContainerStoppedWhileListing(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, newWorld(running("a")), func(gw *runtime.MockGateway) {
		gw.ListInterfacesFunc = func(ctx context.Context, id string) ([]string, error) {
			<-release
			return []string{"eth0"}, nil
		}
	})

	type result struct {
		s   *session.Session
		err error
	}
	ready := make(chan result, 1)
	f.on(func() {
		_, err := f.coord.OpenSession("a", SessionOptions{}, func(s *session.Session, err error) { ready <- result{s, err} })
		require.NoError(t, err)
		f.coord.Table().Upsert(exited("a"))
	})
	close(release)

	r := <-ready
	assert.Nil(t, r.s)
	assert.ErrorIs(t, r.err, util.ErrNotRunning)
	f.on(func() {
		_, ok := f.coord.Session("a")
		assert.False(t, ok)
	})
}

// =============================================================================
// Status
// =============================================================================

func TestRefreshFailure_NoticedOncePerOutage(t *testing.T) {
	var down atomic.Bool
	w := newWorld(running("a"))
	f := newFixture(t, w, func(gw *runtime.MockGateway) {
		gw.ListFunc = func(ctx context.Context, project string) ([]runtime.ContainerRef, error) {
			if down.Load() {
				return nil, util.ErrRuntimeUnavailable
			}
			return w.list(), nil
		}
	})
	refresh := func() error {
		done := make(chan error, 1)
		f.rec.RefreshAndThen(func(err error) { done <- err })
		return <-done
	}

	down.Store(true)
	assert.ErrorIs(t, refresh(), util.ErrRuntimeUnavailable)
	assert.ErrorIs(t, refresh(), util.ErrRuntimeUnavailable)

	notices := f.noticeList()
	require.Len(t, notices, 1, "a repeated failure is reported once")
	assert.ErrorIs(t, notices[0], util.ErrRuntimeUnavailable)
	assert.Contains(t, notices[0].Error(), "refresh lab")

	down.Store(false)
	require.NoError(t, refresh())
	down.Store(true)
	assert.Error(t, refresh())
	assert.Len(t, f.noticeList(), 2, "a new outage is reported again")
}

func TestNodesAndResolve(t *testing.T) {
	f := newFixture(t, newWorld(running("abcdef12"), exited("b")), nil)
	require.True(t, f.locks.Lock("b", lock.OpStart))

	f.on(func() {
		nodes := f.coord.Nodes()
		require.Len(t, nodes, 2)
		assert.Equal(t, "node-abcdef12", nodes[0].Name)
		assert.Equal(t, "running", nodes[0].Class)
		assert.False(t, nodes[0].Locked)
		assert.True(t, nodes[1].Locked)
		assert.Equal(t, "start", nodes[1].Op)

		row, err := f.coord.Resolve("node-b")
		require.NoError(t, err)
		assert.Equal(t, "b", row.ID)

		row, err = f.coord.Resolve("abcd")
		require.NoError(t, err)
		assert.Equal(t, "abcdef12", row.ID)

		_, err = f.coord.Resolve("nope")
		assert.ErrorIs(t, err, util.ErrNotFound)
	})
}

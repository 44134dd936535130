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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/display"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/lock"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// BatchResult is what StopAll hands to its completion callback.
type BatchResult struct {
	// Stopped are the containers whose stop succeeded.
	Stopped []string

	// Failed maps container IDs to their stop failure.
	Failed map[string]error

	// Skipped are running containers that were already locked.
	Skipped []string
}

// Count is the number of containers the batch dispatched.
func (r BatchResult) Count() int {
	return len(r.Stopped) + len(r.Failed)
}

// StopAll stops every displayed running container concurrently.
//
// # Description
//
// Synchronously, for each row whose cached status is running: take its
// lock (a container that is already locked is skipped), set the "exiting..."
// label and close its control window. The stops then run concurrently,
// at most MaxParallel at a time when set. After every stop has returned,
// on the control context, each lock is released whatever the outcome,
// failures are logged and reported, and one reconcile pass runs. onDone is
// called exactly once, after that pass. An empty batch still refreshes and
// calls onDone.
//
// # Inputs
//
//   - onDone: Completion callback, on the control context. May be nil.
//
// # Outputs
//
//   - int: Number of containers dispatched
func (c *Coordinator) StopAll(onDone func(BatchResult)) int {
	var batch []runtime.ContainerRef
	var entries []lock.Entry
	var skipped []string

	for _, row := range c.table.Rows() {
		if row.Class != runtime.ClassRunning {
			continue
		}
		entry, ok := c.locks.TryLock(row.ID, lock.OpStop)
		if !ok {
			skipped = append(skipped, row.ID)
			continue
		}
		c.table.SetLabel(row.ID, display.LabelExiting)
		c.tracker.CloseWindow(row.ID)
		batch = append(batch, row.Ref())
		entries = append(entries, entry)
	}
	c.metrics.SetActiveLocks(len(c.locks.Active()))
	c.logger.Info("stop all dispatched", "containers", len(batch), "skipped", len(skipped))

	finish := func(durations []time.Duration, errs []error) {
		c.poster.Post(func() {
			c.finishBatch(batch, entries, skipped, durations, errs, onDone)
		})
	}

	if len(batch) == 0 {
		finish(nil, nil)
		return 0
	}

	util.SafeGo(func() {
		durations := make([]time.Duration, len(batch))
		errs := make([]error, len(batch))
		var g errgroup.Group
		if c.parallel > 0 {
			g.SetLimit(c.parallel)
		}
		for i := range batch {
			g.Go(func() error {
				defer util.RecoverPanic(func(p util.SafeGoResult) {
					c.logger.Error("stop worker panic", "container", batch[i].Name, "panic", p.PanicValue, "stack", p.Stack)
					errs[i] = p.Err()
				})()
				durations[i], errs[i] = c.call(entries[i], batch[i], c.gw.Stop)
				return nil
			})
		}
		_ = g.Wait()
		finish(durations, errs)
	}, func(p util.SafeGoResult) {
		c.logger.Error("stop all worker panic", "panic", p.PanicValue, "stack", p.Stack)
		errs := make([]error, len(batch))
		for i := range errs {
			errs[i] = p.Err()
		}
		finish(make([]time.Duration, len(batch)), errs)
	})
	return len(batch)
}

// finishBatch runs on the control context once every stop has returned.
func (c *Coordinator) finishBatch(batch []runtime.ContainerRef, entries []lock.Entry, skipped []string,
	durations []time.Duration, errs []error, onDone func(BatchResult)) {
	res := BatchResult{Failed: make(map[string]error), Skipped: skipped}
	for i, ref := range batch {
		c.locks.Unlock(ref.ID)
		c.metrics.ObserveOperation(string(lock.OpStop), durations[i], errs[i])
		if errs[i] != nil {
			c.logger.Warn("stop failed", "container", ref.Name, "operation_id", entries[i].OperationID, "error", errs[i])
			res.Failed[ref.ID] = errs[i]
			c.notice(util.NewOpError("stop", ref.Name, errs[i]))
			continue
		}
		res.Stopped = append(res.Stopped, ref.ID)
	}
	c.metrics.SetActiveLocks(len(c.locks.Active()))
	c.logger.Info("stop all finished", "stopped", len(res.Stopped), "failed", len(res.Failed))

	c.rec.RefreshAndThen(func(error) {
		if onDone != nil {
			onDone(res)
		}
	})
}

// Shutdown stops every running container before the program exits.
//
// # Outputs
//
//   - error: ErrBusy while any operation is in flight; quitting then is
//     refused and onDone is not called
func (c *Coordinator) Shutdown(onDone func(BatchResult)) error {
	if c.locks.HasActiveLocks() {
		return util.NewOpError("quit", c.rec.Project(), util.ErrBusy)
	}
	c.logger.Info("stopping containers before exit")
	c.StopAll(onDone)
	return nil
}

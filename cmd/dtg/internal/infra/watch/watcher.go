// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-provisions a testbed when its compose file changes.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// DefaultDebounce is how long the file must stay quiet before the handler
// runs. Editors typically write a file in several steps.
const DefaultDebounce = 500 * time.Millisecond

// Handler is called once per settled burst of changes. It runs on the
// watcher's goroutine, so calls never overlap.
type Handler func(ctx context.Context, file string)

// Options configures a FileWatcher.
type Options struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	Logger *logging.Logger
}

// FileWatcher watches one file.
//
// # Description
//
// The parent directory is watched rather than the file itself: editors that
// save by writing a temp file and renaming it would otherwise detach the
// watch. Events for other files in the directory are ignored.
//
// # Thread Safety
//
// Start should only be called once. Stop is safe to call multiple times.
type FileWatcher struct {
	file     string
	handler  Handler
	debounce time.Duration
	logger   *logging.Logger
	watcher  *fsnotify.Watcher
}

// New creates a watcher for file. It does not start watching.
//
// # Outputs
//
//   - *FileWatcher: Ready-to-start watcher
//   - error: Non-nil if the OS watcher cannot be created or the directory
//     cannot be watched
func New(file string, handler Handler, opts Options) (*FileWatcher, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", file, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &FileWatcher{
		file:     abs,
		handler:  handler,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		watcher:  w,
	}, nil
}

// Start watches until ctx is cancelled or Stop is called. Blocks; run it in
// a goroutine.
//
// # Example
//
//	w, _ := watch.New(composeFile, reprovision, watch.Options{})
//	go w.Start(ctx)
func (w *FileWatcher) Start(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	w.logger.Debug("watching compose file", "file", w.file)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("compose file watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.fire(ctx)
		}
	}
}

func (w *FileWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.file {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *FileWatcher) fire(ctx context.Context) {
	w.logger.Info("compose file changed", "file", w.file)
	defer util.RecoverPanic(func(r util.SafeGoResult) {
		w.logger.Error("compose file handler panicked", "error", r.Err())
	})()
	w.handler(ctx, w.file)
}

// Stop stops watching and releases the OS watcher.
func (w *FileWatcher) Stop() error {
	return w.watcher.Close()
}

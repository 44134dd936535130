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
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/dtg/cmd/dtg/config"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/configstore"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/control"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/coordinator"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/infra/compose"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/infra/process"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/lock"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/metrics"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/reconcile"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime/docker"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/terminal"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/tui"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// appOptions selects how much of the stack a command needs.
type appOptions struct {
	ComposeFile string
	ConfigDir   string
	LogLevel    string

	// Interactive means the TUI owns the terminal: stderr logging is off
	// and the project picker may be shown.
	Interactive bool

	// Provision runs compose up before connecting.
	Provision bool

	// Lock takes the per-project process lock.
	Lock bool
}

// app holds the wired components of one dtg process.
type app struct {
	cfg    config.DTGConfig
	dir    string
	logger *logging.Logger
	store  *configstore.Store
	proc   process.ProcessManager

	file    string
	project string
	compose compose.ComposeExecutor

	gw       runtime.Gateway
	registry prometheus.Registerer
	metrics  *metrics.Metrics
	rec      *reconcile.Reconciler
	coord    *coordinator.Coordinator

	closers []func() error
}

// loadApp reads the config and sets up logging, tracing and the store. It
// does not touch the runtime.
func loadApp(opts appOptions) (*app, error) {
	dir := opts.ConfigDir
	if dir == "" {
		d, err := configstore.DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := config.Load(dir); err != nil {
		return nil, err
	}
	cfg := config.Global

	levelName := cfg.Logging.Level
	if opts.LogLevel != "" {
		levelName = opts.LogLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidInput, err)
	}
	logDir := cfg.Logging.Dir
	if opts.Interactive && logDir == "" {
		logDir = filepath.Join(dir, "logs")
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "dtg",
		JSON:    cfg.Logging.JSON,
		Quiet:   opts.Interactive,
	})

	a := &app{
		cfg:      cfg,
		dir:      dir,
		logger:   logger,
		store:    configstore.New(dir, configstore.WithRecentMax(cfg.RecentMax), configstore.WithLogger(logger)),
		proc:     process.NewDefaultProcessManager(),
		registry: prometheus.DefaultRegisterer,
	}
	a.compose = compose.NewDefaultComposeExecutor(compose.ComposeConfig{Logger: logger}, a.proc)
	a.onClose(logger.Close)

	shutdown, err := initTracing(cfg.TraceFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.onClose(func() error { return shutdown(context.Background()) })
	return a, nil
}

// newApp is loadApp plus project selection, the process lock, provisioning
// and the runtime connection.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	a, err := loadApp(opts)
	if err != nil {
		return nil, err
	}
	if err := a.open(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, opts appOptions) error {
	if err := a.selectProject(opts.ComposeFile, opts.Interactive); err != nil {
		return err
	}

	if opts.Lock {
		pl := process.NewProcessLock(process.ProjectLockConfig(a.dir, a.project))
		if err := pl.Acquire(); err != nil {
			return err
		}
		a.onClose(pl.Release)
	}

	if opts.Provision {
		if err := a.provision(ctx); err != nil {
			return err
		}
	}

	gw, err := docker.New(docker.Options{
		Host:            a.cfg.Runtime.Host,
		InterfacePrefix: a.cfg.InterfacePrefix,
		StopTimeout:     a.cfg.Runtime.StopTimeout,
	})
	if err != nil {
		return err
	}
	a.onClose(gw.Close)

	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.Runtime.ListTimeout)
	defer cancel()
	if err := gw.Ping(pingCtx); err != nil {
		return err
	}
	a.gw = runtime.Trace(runtime.Log(gw, a.logger), otel.Tracer("dtg/runtime"))
	return nil
}

// selectProject resolves the compose file: the flag, else the picker when
// interactive, else the most recent project.
func (a *app) selectProject(file string, interactive bool) error {
	if file == "" {
		recent, err := a.store.LoadRecentProjects()
		if err != nil {
			a.logger.Warn("recent projects unavailable", "error", err)
		}
		switch {
		case interactive:
			file, err = tui.PickProject(recent)
			if err != nil {
				return err
			}
		case len(recent) > 0:
			file = recent[0]
		default:
			return fmt.Errorf("%w: no compose file; pass --compose", util.ErrInvalidInput)
		}
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrInvalidInput, err)
	}
	if !compose.IsComposeFile(abs) {
		return compose.ErrNotComposeFile
	}
	a.file = abs
	a.project = compose.ProjectName(abs)
	a.logger = a.logger.With("project", a.project)
	return nil
}

// provision runs compose up and records the project as recent.
func (a *app) provision(ctx context.Context) error {
	if _, err := a.compose.Up(ctx, a.file); err != nil {
		return err
	}
	if err := a.store.SaveRecentProject(a.file); err != nil {
		a.logger.Warn("failed to record recent project", "error", err)
	}
	return nil
}

// wire builds the reconciler and coordinator on poster. onNotice (may be
// nil) receives operator-facing failures on the control context.
func (a *app) wire(poster control.Poster, onNotice func(error)) {
	if a.metrics == nil {
		a.metrics = metrics.New(a.registry)
	}
	locks := lock.New()
	a.rec = reconcile.New(reconcile.Config{
		Gateway:     a.gw,
		Project:     a.project,
		Locks:       locks,
		Poster:      poster,
		Logger:      a.logger,
		ListTimeout: a.cfg.Runtime.ListTimeout,
	})
	a.rec.Observe(func(d reconcile.Delta, err error) {
		a.metrics.ObserveReconcile(len(d.Removed), len(d.Added), len(d.ClosedWindows), len(d.ReapedTerminals), err)
	})
	a.coord = coordinator.New(coordinator.Config{
		Gateway:     a.gw,
		Locks:       locks,
		Reconciler:  a.rec,
		Poster:      poster,
		Logger:      a.logger,
		Store:       a.store,
		Terminals:   terminal.New(terminal.Config{Preferred: a.cfg.Terminal, Logger: a.logger}, a.proc),
		Metrics:     a.metrics,
		OpTimeout:   a.cfg.Runtime.OpTimeout,
		MaxParallel: a.cfg.BatchMaxParallel,
		OnNotice:    onNotice,
	})
}

func (a *app) sessionOptions() coordinator.SessionOptions {
	return coordinator.SessionOptions{OpTimeout: a.cfg.Runtime.OpTimeout}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

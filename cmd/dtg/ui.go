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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/api"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/control"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/infra/watch"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/tui"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// callerFunc adapts a function to api.Caller.
type callerFunc func(fn func()) bool

func (f callerFunc) Call(fn func()) bool { return f(fn) }

func runUI(cmd *cobra.Command, args []string) error {
	if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		return fmt.Errorf("%w: the UI needs a terminal; use 'dtg ps', 'dtg start' and friends instead", util.ErrUnsupported)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{
		ComposeFile: composeFile,
		ConfigDir:   configDir,
		LogLevel:    logLevel,
		Interactive: true,
		Provision:   true,
		Lock:        true,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := control.NewQueue()
	notices := tui.NewNoticeLog(tui.DefaultNoticeCap)
	a.wire(q, notices.Add)

	go a.rec.Run(runCtx, a.cfg.RefreshInterval)

	if a.cfg.WatchCompose {
		w, err := watch.New(a.file, a.reprovisioner(q, notices.Add), watch.Options{Logger: a.logger})
		if err != nil {
			a.logger.Warn("compose watch disabled", "file", a.file, "error", err)
		} else {
			w.Start(runCtx)
			defer w.Stop()
		}
	}

	if a.cfg.MetricsListen != "" {
		srv := api.New(api.Config{
			Operator: a.coord,
			Caller: callerFunc(func(fn func()) bool {
				return control.Call(q, runCtx.Done(), fn)
			}),
			Logger: a.logger,
		})
		go func() {
			if err := srv.Listen(a.cfg.MetricsListen); err != nil {
				a.logger.Error("api server stopped", "addr", a.cfg.MetricsListen, "error", err)
			}
		}()
		defer srv.Shutdown()
	}

	m := tui.New(tui.Config{
		Coordinator: a.coord,
		Notices:     notices,
		ComposeFile: a.file,
		Session:     a.sessionOptions(),
		Logger:      a.logger,
	})
	err = tui.Run(runCtx, m, q)
	cancel()

	if res, ok := m.Result(); ok {
		if berr := printBatch(cmd.OutOrStdout(), res); berr != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), berr)
		}
	}
	return err
}

// reprovisioner re-runs compose up after the compose file changed and then
// refreshes. Failures become notices.
func (a *app) reprovisioner(p control.Poster, notice func(error)) watch.Handler {
	return func(ctx context.Context, file string) {
		a.logger.Info("compose file changed, provisioning", "file", file)
		if _, err := a.compose.Up(ctx, file); err != nil {
			p.Post(func() { notice(err) })
			return
		}
		p.Post(a.rec.Refresh)
	}
}

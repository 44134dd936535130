// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"time"

	"github.com/AleutianAI/dtg/pkg/logging"
)

type logGateway struct {
	wrap Gateway
	l    *logging.Logger
}

// Log wraps every Gateway call with debug/error log lines.
func Log(gw Gateway, l *logging.Logger) Gateway {
	return &logGateway{wrap: gw, l: l.With("component", "runtime")}
}

func (g *logGateway) done(ll *logging.Logger, what string, began time.Time, err error) {
	if err != nil {
		ll.Error("failed "+what, "error", err, "elapsed", time.Since(began))
		return
	}
	ll.Debug("done "+what, "elapsed", time.Since(began))
}

func (g *logGateway) List(ctx context.Context, project string) ([]ContainerRef, error) {
	ll := g.l.With("project", project)
	began := time.Now()
	refs, err := g.wrap.List(ctx, project)
	if err == nil {
		ll = ll.With("count", len(refs))
	}
	g.done(ll, "listing containers", began, err)
	return refs, err
}

func (g *logGateway) Get(ctx context.Context, id string) (ContainerRef, error) {
	ll := g.l.With("container", id)
	began := time.Now()
	ref, err := g.wrap.Get(ctx, id)
	g.done(ll, "getting container", began, err)
	return ref, err
}

func (g *logGateway) Start(ctx context.Context, id string) error {
	ll := g.l.With("container", id)
	ll.Info("starting container")
	began := time.Now()
	err := g.wrap.Start(ctx, id)
	g.done(ll, "starting container", began, err)
	return err
}

func (g *logGateway) Stop(ctx context.Context, id string) error {
	ll := g.l.With("container", id)
	ll.Info("stopping container")
	began := time.Now()
	err := g.wrap.Stop(ctx, id)
	g.done(ll, "stopping container", began, err)
	return err
}

func (g *logGateway) Restart(ctx context.Context, id string) error {
	ll := g.l.With("container", id)
	ll.Info("restarting container")
	began := time.Now()
	err := g.wrap.Restart(ctx, id)
	g.done(ll, "restarting container", began, err)
	return err
}

func (g *logGateway) ListInterfaces(ctx context.Context, id string) ([]string, error) {
	ll := g.l.With("container", id)
	began := time.Now()
	ifaces, err := g.wrap.ListInterfaces(ctx, id)
	g.done(ll.With("interfaces", ifaces), "listing interfaces", began, err)
	return ifaces, err
}

func (g *logGateway) ApplyImpairment(ctx context.Context, id, iface string, imp Impairment) (string, error) {
	ll := g.l.With("container", id, "interface", iface,
		"delay_ms", imp.DelayMs, "loss_pct", imp.LossPct, "rate_mbit", imp.RateMbit, "limit", imp.Limit)
	ll.Info("applying impairment")
	began := time.Now()
	out, err := g.wrap.ApplyImpairment(ctx, id, iface, imp)
	g.done(ll, "applying impairment", began, err)
	return out, err
}

func (g *logGateway) Exec(ctx context.Context, id string, argv []string) (string, error) {
	ll := g.l.With("container", id, "argv", argv)
	began := time.Now()
	out, err := g.wrap.Exec(ctx, id, argv)
	g.done(ll, "exec", began, err)
	return out, err
}

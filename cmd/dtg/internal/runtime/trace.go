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
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type traceGateway struct {
	wrap   Gateway
	tracer trace.Tracer
}

// Trace wraps every Gateway call in an OpenTelemetry span named
// "runtime.<Method>".
func Trace(gw Gateway, tracer trace.Tracer) Gateway {
	return &traceGateway{wrap: gw, tracer: tracer}
}

func (g *traceGateway) start(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, "runtime."+method, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (g *traceGateway) List(ctx context.Context, project string) ([]ContainerRef, error) {
	ctx, span := g.start(ctx, "List", attribute.String("dtg.project", project))
	refs, err := g.wrap.List(ctx, project)
	span.SetAttributes(attribute.Int("dtg.containers", len(refs)))
	end(span, err)
	return refs, err
}

func (g *traceGateway) Get(ctx context.Context, id string) (ContainerRef, error) {
	ctx, span := g.start(ctx, "Get", attribute.String("dtg.container", id))
	ref, err := g.wrap.Get(ctx, id)
	end(span, err)
	return ref, err
}

func (g *traceGateway) Start(ctx context.Context, id string) error {
	ctx, span := g.start(ctx, "Start", attribute.String("dtg.container", id))
	err := g.wrap.Start(ctx, id)
	end(span, err)
	return err
}

func (g *traceGateway) Stop(ctx context.Context, id string) error {
	ctx, span := g.start(ctx, "Stop", attribute.String("dtg.container", id))
	err := g.wrap.Stop(ctx, id)
	end(span, err)
	return err
}

func (g *traceGateway) Restart(ctx context.Context, id string) error {
	ctx, span := g.start(ctx, "Restart", attribute.String("dtg.container", id))
	err := g.wrap.Restart(ctx, id)
	end(span, err)
	return err
}

func (g *traceGateway) ListInterfaces(ctx context.Context, id string) ([]string, error) {
	ctx, span := g.start(ctx, "ListInterfaces", attribute.String("dtg.container", id))
	ifaces, err := g.wrap.ListInterfaces(ctx, id)
	span.SetAttributes(attribute.StringSlice("dtg.interfaces", ifaces))
	end(span, err)
	return ifaces, err
}

func (g *traceGateway) ApplyImpairment(ctx context.Context, id, iface string, imp Impairment) (string, error) {
	ctx, span := g.start(ctx, "ApplyImpairment",
		attribute.String("dtg.container", id),
		attribute.String("dtg.interface", iface),
		attribute.Int("dtg.delay_ms", imp.DelayMs),
		attribute.Int("dtg.loss_pct", imp.LossPct),
		attribute.Float64("dtg.rate_mbit", imp.RateMbit),
		attribute.Int("dtg.limit", imp.Limit),
	)
	out, err := g.wrap.ApplyImpairment(ctx, id, iface, imp)
	end(span, err)
	return out, err
}

func (g *traceGateway) Exec(ctx context.Context, id string, argv []string) (string, error) {
	ctx, span := g.start(ctx, "Exec",
		attribute.String("dtg.container", id),
		attribute.String("dtg.command", strings.Join(argv, " ")),
	)
	out, err := g.wrap.Exec(ctx, id, argv)
	end(span, err)
	return out, err
}

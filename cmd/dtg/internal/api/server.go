// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the node table and Prometheus metrics over HTTP.
//
// Every read and every operation is marshaled onto the control context, the
// same way a key press in the UI is, so the HTTP server never touches
// coordinator state from its own goroutines.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/coordinator"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/display"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// Operator is the slice of the coordinator the server uses. All methods are
// called on the control context.
type Operator interface {
	Nodes() []coordinator.Node
	Resolve(ref string) (display.Row, error)
	Start(id string) error
	Stop(id string) error
	Restart(id string) error
}

// Caller runs a closure on the control context and waits for it.
// *control.Loop implements it.
type Caller interface {
	Call(fn func()) bool
}

// Config configures a Server.
type Config struct {
	Operator Operator
	Caller   Caller

	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *logging.Logger
}

// Server is the HTTP surface.
type Server struct {
	app    *fiber.App
	op     Operator
	caller Caller
	logger *logging.Logger
}

// ErrLoopStopped is returned when the control context is gone.
var ErrLoopStopped = errors.New("control loop stopped")

// New builds the routes.
//
// # Routes
//
//	GET  /metrics
//	GET  /api/v1/nodes
//	GET  /api/v1/nodes/:ref
//	POST /api/v1/nodes/:ref/start
//	POST /api/v1/nodes/:ref/stop
//	POST /api/v1/nodes/:ref/restart
func New(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	s := &Server{
		app:    fiber.New(fiber.Config{DisableStartupMessage: true, AppName: "dtg"}),
		op:     cfg.Operator,
		caller: cfg.Caller,
		logger: cfg.Logger,
	}

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.app.Group("/api/v1")
	nodes := v1.Group("/nodes")
	nodes.Get("/", s.listNodes)
	nodes.Get("/:ref", s.getNode)
	nodes.Post("/:ref/start", s.operate("start", s.op.Start))
	nodes.Post("/:ref/stop", s.operate("stop", s.op.Stop))
	nodes.Post("/:ref/restart", s.operate("restart", s.op.Restart))

	return s
}

// App exposes the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("api listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) listNodes(c *fiber.Ctx) error {
	var nodes []coordinator.Node
	if !s.caller.Call(func() { nodes = s.op.Nodes() }) {
		return s.fail(c, ErrLoopStopped)
	}
	return c.JSON(nodes)
}

func (s *Server) getNode(c *fiber.Ctx) error {
	var (
		node  coordinator.Node
		found bool
		err   error
	)
	ok := s.caller.Call(func() {
		var row display.Row
		row, err = s.op.Resolve(c.Params("ref"))
		if err != nil {
			return
		}
		for _, n := range s.op.Nodes() {
			if n.ID == row.ID {
				node, found = n, true
				break
			}
		}
	})
	if !ok {
		return s.fail(c, ErrLoopStopped)
	}
	if err != nil {
		return s.fail(c, err)
	}
	if !found {
		return s.fail(c, util.ErrNotFound)
	}
	return c.JSON(node)
}

func (s *Server) operate(op string, fn func(id string) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ref := c.Params("ref")
		var (
			row display.Row
			err error
		)
		ok := s.caller.Call(func() {
			row, err = s.op.Resolve(ref)
			if err == nil {
				err = fn(row.ID)
			}
		})
		if !ok {
			return s.fail(c, ErrLoopStopped)
		}
		if err != nil {
			return s.fail(c, err)
		}
		s.logger.Info("api operation accepted", "op", op, "container", row.ID, "name", row.Name)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"id":   row.ID,
			"name": row.Name,
			"op":   op,
		})
	}
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	return c.Status(StatusOf(err)).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  util.Kind(err),
	})
}

// StatusOf maps the error taxonomy onto HTTP status codes.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrLoopStopped):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, util.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, util.ErrBusy),
		errors.Is(err, util.ErrAlreadyRunning),
		errors.Is(err, util.ErrNotRunning),
		errors.Is(err, util.ErrAlreadyOpen):
		return fiber.StatusConflict
	case errors.Is(err, util.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, util.ErrUnsupported):
		return fiber.StatusNotImplemented
	case errors.Is(err, util.ErrRuntimeUnavailable):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics holds the Prometheus instruments for container operations,
// reconcile passes and the lock table.
//
// Every method is safe on a nil *Metrics, so components take metrics as an
// optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

const namespace = "dtg"

// Metrics is the set of instruments registered for one process.
type Metrics struct {
	// operations counts lifecycle operations.
	// Labels: op (start, stop, restart), result (ok or error kind)
	operations *prometheus.CounterVec

	// operationDuration measures gateway time per lifecycle operation.
	// Labels: op
	operationDuration *prometheus.HistogramVec

	// reconcilePasses counts reconcile passes.
	// Labels: result (ok or error kind)
	reconcilePasses *prometheus.CounterVec

	// reconcileChanges counts structural changes applied by reconcile passes.
	// Labels: change (removed, added, closed_windows, reaped_terminals)
	reconcileChanges *prometheus.CounterVec

	// activeLocks is the number of containers with an operation in flight.
	activeLocks prometheus.Gauge

	// sessionActions counts control window actions.
	// Labels: action (apply, ping, save), result
	sessionActions *prometheus.CounterVec
}

// New registers the instruments with reg. Pass prometheus.DefaultRegisterer
// in the binary and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "operations_total",
			Help:      "Container lifecycle operations by kind and result",
		}, []string{"op", "result"}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "operation_duration_seconds",
			Help:      "Time spent in the runtime per lifecycle operation",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"op"}),
		reconcilePasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconcile passes by result",
		}, []string{"result"}),
		reconcileChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "changes_total",
			Help:      "Structural changes applied by reconcile passes",
		}, []string{"change"}),
		activeLocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "active",
			Help:      "Containers with a lifecycle operation in flight",
		}),
		sessionActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "actions_total",
			Help:      "Control window actions by kind and result",
		}, []string{"action", "result"}),
	}
}

// ObserveOperation records one finished lifecycle operation.
//
// # Inputs
//
//   - op: "start", "stop" or "restart"
//   - d: Time spent in the runtime call
//   - err: Outcome; labelled with util.Kind
func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, util.Kind(err)).Inc()
	m.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveReconcile records one reconcile pass.
func (m *Metrics) ObserveReconcile(removed, added, closedWindows, reapedTerminals int, err error) {
	if m == nil {
		return
	}
	m.reconcilePasses.WithLabelValues(util.Kind(err)).Inc()
	if err != nil {
		return
	}
	m.reconcileChanges.WithLabelValues("removed").Add(float64(removed))
	m.reconcileChanges.WithLabelValues("added").Add(float64(added))
	m.reconcileChanges.WithLabelValues("closed_windows").Add(float64(closedWindows))
	m.reconcileChanges.WithLabelValues("reaped_terminals").Add(float64(reapedTerminals))
}

// SetActiveLocks sets the active lock gauge.
func (m *Metrics) SetActiveLocks(n int) {
	if m == nil {
		return
	}
	m.activeLocks.Set(float64(n))
}

// ObserveSessionAction records an apply, ping or save.
func (m *Metrics) ObserveSessionAction(action string, err error) {
	if m == nil {
		return
	}
	m.sessionActions.WithLabelValues(action, util.Kind(err)).Inc()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

func TestObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation("stop", 2*time.Second, nil)
	m.ObserveOperation("stop", time.Second, fmt.Errorf("stop r1: %w", util.ErrRuntimeUnavailable))
	m.ObserveOperation("start", time.Second, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("stop", util.KindNone)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("stop", util.KindRuntimeUnavailable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("start", util.KindNone)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.operationDuration))
}

func TestObserveReconcile(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveReconcile(1, 2, 1, 0, nil)
	m.ObserveReconcile(5, 5, 5, 5, util.ErrRuntimeUnavailable)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcilePasses.WithLabelValues(util.KindNone)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcilePasses.WithLabelValues(util.KindRuntimeUnavailable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileChanges.WithLabelValues("removed")), "failed pass adds no changes")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileChanges.WithLabelValues("added")))
}

func TestGaugeAndSessionActions(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetActiveLocks(3)
	m.ObserveSessionAction("apply", util.ErrInvalidInput)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeLocks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionActions.WithLabelValues("apply", util.KindInvalidInput)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("start", time.Second, nil)
		m.ObserveReconcile(1, 1, 1, 1, nil)
		m.SetActiveLocks(1)
		m.ObserveSessionAction("ping", nil)
	})
}

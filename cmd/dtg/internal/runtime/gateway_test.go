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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/dtg/pkg/logging"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		status string
		want   StatusClass
	}{
		{"running", ClassRunning},
		{"Up 3 minutes (running)", ClassRunning},
		{"exited", ClassExited},
		{"Exited (0) 2 seconds ago", ClassExited},
		{"created", ClassOther},
		{"paused", ClassOther},
		{"", ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.status))
		})
	}
	assert.Equal(t, "running", ClassRunning.String())
	assert.Equal(t, "exited", ClassExited.String())
	assert.Equal(t, "other", ClassOther.String())
}

func TestContainerRef_Running(t *testing.T) {
	assert.True(t, ContainerRef{Status: "running"}.Running())
	assert.False(t, ContainerRef{Status: "exited"}.Running())
}

func TestImpairment_Command(t *testing.T) {
	imp := Impairment{DelayMs: 20, LossPct: 0, RateMbit: 1.5, Limit: 10}
	got := strings.Join(imp.Command("eth0"), " ")
	assert.Equal(t, "tc qdisc replace dev eth0 root netem delay 20ms loss 0% rate 1.5Mbit limit 10", got)

	whole := Impairment{DelayMs: 5, LossPct: 3, RateMbit: 1, Limit: 0}
	assert.Equal(t, "tc qdisc replace dev eth1 root netem delay 5ms loss 3% rate 1.0Mbit limit 0",
		strings.Join(whole.Command("eth1"), " "))
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "1.0", FormatRate(1))
	assert.Equal(t, "2.5", FormatRate(2.5))
	assert.Equal(t, "0.125", FormatRate(0.125))
	assert.Equal(t, "100.0", FormatRate(100))
}

func TestInterfaceName(t *testing.T) {
	assert.Equal(t, "eth0", InterfaceName("eth0 - 10.0.0.2/24"))
	assert.Equal(t, "eth1", InterfaceName("eth1"))
}

func TestPingCommand(t *testing.T) {
	assert.Equal(t, []string{"ping", "-c", "4", "10.0.0.1"}, PingCommand("10.0.0.1"))
}

// =============================================================================
// Decorator Tests
// =============================================================================

func TestLog_DelegatesAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Writer: &buf})
	boom := errors.New("daemon gone")
	mock := &MockGateway{
		StopFunc: func(ctx context.Context, id string) error { return boom },
	}

	gw := Log(mock, logger)
	require.NoError(t, gw.Start(context.Background(), "abc"))
	assert.ErrorIs(t, gw.Stop(context.Background(), "abc"), boom)

	assert.Len(t, mock.CallsTo("Start"), 1)
	assert.Len(t, mock.CallsTo("Stop"), 1)
	out := buf.String()
	assert.Contains(t, out, "done starting container")
	assert.Contains(t, out, "failed stopping container")
	assert.Contains(t, out, "daemon gone")
}

func TestTrace_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	mock := &MockGateway{
		RestartFunc: func(ctx context.Context, id string) error { return errors.New("nope") },
	}
	gw := Trace(mock, tp.Tracer("test"))

	_, err := gw.ApplyImpairment(context.Background(), "abc", "eth0", Impairment{DelayMs: 10, RateMbit: 1})
	require.NoError(t, err)
	require.Error(t, gw.Restart(context.Background(), "abc"))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "runtime.ApplyImpairment", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "runtime.Restart", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestMockGateway_Defaults(t *testing.T) {
	mock := &MockGateway{}
	ctx := context.Background()

	refs, err := mock.List(ctx, "p")
	assert.NoError(t, err)
	assert.Empty(t, refs)

	ref, err := mock.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", ref.ID)

	assert.Len(t, mock.GetCalls(), 2)
	mock.Reset()
	assert.Empty(t, mock.GetCalls())
}

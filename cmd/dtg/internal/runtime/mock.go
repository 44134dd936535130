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
	"sync"
)

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockGateway is a test double for Gateway.
//
// # Description
//
// Each method delegates to the matching Func field and records the call. A
// nil Func returns zero values and a nil error. Funcs run outside the mock's
// mutex, so a Func that blocks (a hung stop) does not serialize other calls.
//
// # Example
//
//	mock := &MockGateway{
//	    StopFunc: func(ctx context.Context, id string) error {
//	        if id == "b" {
//	            <-release
//	        }
//	        return nil
//	    },
//	}
type MockGateway struct {
	ListFunc            func(ctx context.Context, project string) ([]ContainerRef, error)
	GetFunc             func(ctx context.Context, id string) (ContainerRef, error)
	StartFunc           func(ctx context.Context, id string) error
	StopFunc            func(ctx context.Context, id string) error
	RestartFunc         func(ctx context.Context, id string) error
	ListInterfacesFunc  func(ctx context.Context, id string) ([]string, error)
	ApplyImpairmentFunc func(ctx context.Context, id, iface string, imp Impairment) (string, error)
	ExecFunc            func(ctx context.Context, id string, argv []string) (string, error)

	// Calls records all method invocations for verification.
	Calls []GatewayCall

	mu sync.Mutex
}

// GatewayCall records a single method invocation.
type GatewayCall struct {
	Method     string
	Target     string
	Interface  string
	Impairment Impairment
	Argv       []string
}

func (m *MockGateway) record(c GatewayCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// List delegates to ListFunc and records the call.
func (m *MockGateway) List(ctx context.Context, project string) ([]ContainerRef, error) {
	m.record(GatewayCall{Method: "List", Target: project})
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, project)
}

// Get delegates to GetFunc and records the call.
func (m *MockGateway) Get(ctx context.Context, id string) (ContainerRef, error) {
	m.record(GatewayCall{Method: "Get", Target: id})
	if m.GetFunc == nil {
		return ContainerRef{ID: id}, nil
	}
	return m.GetFunc(ctx, id)
}

// Start delegates to StartFunc and records the call.
func (m *MockGateway) Start(ctx context.Context, id string) error {
	m.record(GatewayCall{Method: "Start", Target: id})
	if m.StartFunc == nil {
		return nil
	}
	return m.StartFunc(ctx, id)
}

// Stop delegates to StopFunc and records the call.
func (m *MockGateway) Stop(ctx context.Context, id string) error {
	m.record(GatewayCall{Method: "Stop", Target: id})
	if m.StopFunc == nil {
		return nil
	}
	return m.StopFunc(ctx, id)
}

// Restart delegates to RestartFunc and records the call.
func (m *MockGateway) Restart(ctx context.Context, id string) error {
	m.record(GatewayCall{Method: "Restart", Target: id})
	if m.RestartFunc == nil {
		return nil
	}
	return m.RestartFunc(ctx, id)
}

// ListInterfaces delegates to ListInterfacesFunc and records the call.
func (m *MockGateway) ListInterfaces(ctx context.Context, id string) ([]string, error) {
	m.record(GatewayCall{Method: "ListInterfaces", Target: id})
	if m.ListInterfacesFunc == nil {
		return nil, nil
	}
	return m.ListInterfacesFunc(ctx, id)
}

// ApplyImpairment delegates to ApplyImpairmentFunc and records the call.
func (m *MockGateway) ApplyImpairment(ctx context.Context, id, iface string, imp Impairment) (string, error) {
	m.record(GatewayCall{Method: "ApplyImpairment", Target: id, Interface: iface, Impairment: imp})
	if m.ApplyImpairmentFunc == nil {
		return "", nil
	}
	return m.ApplyImpairmentFunc(ctx, id, iface, imp)
}

// Exec delegates to ExecFunc and records the call.
func (m *MockGateway) Exec(ctx context.Context, id string, argv []string) (string, error) {
	m.record(GatewayCall{Method: "Exec", Target: id, Argv: argv})
	if m.ExecFunc == nil {
		return "", nil
	}
	return m.ExecFunc(ctx, id, argv)
}

// GetCalls returns a copy of recorded calls.
func (m *MockGateway) GetCalls() []GatewayCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GatewayCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (m *MockGateway) CallsTo(method string) []GatewayCall {
	var out []GatewayCall
	for _, c := range m.GetCalls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

var _ Gateway = (*MockGateway)(nil)

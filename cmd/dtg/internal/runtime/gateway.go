// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtime defines the Gateway port over the container runtime.
//
// The Docker implementation lives in runtime/docker. Everything above this
// package (reconciler, coordinator, sessions) depends only on Gateway, so
// tests drive it with MockGateway and never need a daemon.
//
// Gateway calls block. Callers run them off the control context.
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// Container Snapshot
// =============================================================================

// StatusClass groups runtime status strings for display and preconditions.
type StatusClass int

const (
	ClassOther StatusClass = iota
	ClassRunning
	ClassExited
)

// String returns "running", "exited" or "other".
func (c StatusClass) String() string {
	switch c {
	case ClassRunning:
		return "running"
	case ClassExited:
		return "exited"
	default:
		return "other"
	}
}

// ClassOf classifies a runtime status string. Anything containing "running"
// is running, anything containing "exited" is exited.
func ClassOf(status string) StatusClass {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "running"):
		return ClassRunning
	case strings.Contains(s, "exited"):
		return ClassExited
	default:
		return ClassOther
	}
}

// ContainerRef is an immutable snapshot of one container taken by List or Get.
type ContainerRef struct {
	// ID is the runtime-assigned stable identity.
	ID string

	// Name is the display name, without Docker's leading slash.
	Name string

	// Status is the runtime's state string ("running", "exited", "created", ...).
	Status string
}

// Class returns the status class of the snapshot.
func (c ContainerRef) Class() StatusClass {
	return ClassOf(c.Status)
}

// Running reports whether the container is running.
func (c ContainerRef) Running() bool {
	return c.Class() == ClassRunning
}

// =============================================================================
// Impairment
// =============================================================================

// Impairment is a validated set of netem parameters for one interface.
type Impairment struct {
	// DelayMs is the added one-way latency in milliseconds.
	DelayMs int

	// LossPct is the packet loss percentage, 0-100.
	LossPct int

	// RateMbit is the bandwidth cap in Mbit/s.
	RateMbit float64

	// Limit is the netem queue limit in packets.
	Limit int
}

// Command returns the tc invocation that installs i on iface.
//
// # Example
//
//	Impairment{DelayMs: 20, RateMbit: 1.5, Limit: 10}.Command("eth0")
//	// [tc qdisc replace dev eth0 root netem delay 20ms loss 0% rate 1.5Mbit limit 10]
func (i Impairment) Command(iface string) []string {
	return []string{
		"tc", "qdisc", "replace", "dev", iface, "root", "netem",
		"delay", fmt.Sprintf("%dms", i.DelayMs),
		"loss", fmt.Sprintf("%d%%", i.LossPct),
		"rate", FormatRate(i.RateMbit) + "Mbit",
		"limit", strconv.Itoa(i.Limit),
	}
}

// FormatRate renders a bandwidth value the way the config files store it:
// always with at least one decimal ("1.0", "2.5").
func FormatRate(mbit float64) string {
	s := strconv.FormatFloat(mbit, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// PingCommand returns the in-container ping invocation for addr.
func PingCommand(addr string) []string {
	return []string{"ping", "-c", "4", addr}
}

// InterfaceName strips the " - <address>" suffix from a ListInterfaces entry.
func InterfaceName(entry string) string {
	name, _, _ := strings.Cut(entry, " - ")
	return strings.TrimSpace(name)
}

// =============================================================================
// Gateway Port
// =============================================================================

// Gateway is the narrow interface dtg uses to talk to the container runtime.
//
// # Errors
//
// Implementations wrap util.ErrRuntimeUnavailable when the daemon cannot be
// reached and util.ErrNotFound when the container does not exist. Commands
// that run but exit non-zero return a *util.CommandError together with their
// combined output.
type Gateway interface {
	// List returns the containers of a compose project sorted by name,
	// including stopped ones.
	List(ctx context.Context, project string) ([]ContainerRef, error)

	// Get returns a fresh snapshot of one container.
	Get(ctx context.Context, id string) (ContainerRef, error)

	// Start starts a container.
	Start(ctx context.Context, id string) error

	// Stop stops a container.
	Stop(ctx context.Context, id string) error

	// Restart restarts a container.
	Restart(ctx context.Context, id string) error

	// ListInterfaces returns entries formatted "<name> - <ipv4/cidr>" or
	// "<name>" for interfaces carrying the configured prefix.
	ListInterfaces(ctx context.Context, id string) ([]string, error)

	// ApplyImpairment installs the netem qdisc on iface and returns the
	// command output.
	ApplyImpairment(ctx context.Context, id, iface string, imp Impairment) (string, error)

	// Exec runs argv inside the container and returns its combined output.
	Exec(ctx context.Context, id string, argv []string) (string, error)
}

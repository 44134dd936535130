// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// FileName is the config file inside the config directory.
const FileName = "dtg.yaml"

type DTGConfig struct {
	Version string `yaml:"version"`

	// Runtime: how to reach the container runtime
	Runtime RuntimeConfig `yaml:"runtime"`

	// InterfacePrefix selects the node interfaces shown for shaping
	InterfacePrefix string `yaml:"interface_prefix" validate:"required,alphanum"`

	// RefreshInterval is the period of the background reconcile pass
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gte=500ms"`

	// BatchMaxParallel caps concurrent stops in stop-all. 0 = unbounded
	BatchMaxParallel int `yaml:"batch_max_parallel" validate:"gte=0"`

	// RecentMax caps the recent-project list
	RecentMax int `yaml:"recent_max" validate:"gte=1,lte=100"`

	Logging LoggingConfig `yaml:"logging"`

	// MetricsListen enables the HTTP server (e.g. "127.0.0.1:9464"). Empty = off
	MetricsListen string `yaml:"metrics_listen" validate:"omitempty,hostname_port"`

	// Terminal is the preferred terminal emulator, tried first on Linux
	Terminal string `yaml:"terminal"`

	// WatchCompose re-provisions when the compose file changes
	WatchCompose bool `yaml:"watch_compose"`

	// TraceFile receives OpenTelemetry spans as JSON. Empty = tracing off
	TraceFile string `yaml:"trace_file"`
}

type RuntimeConfig struct {
	// Host overrides DOCKER_HOST, e.g. unix:///var/run/docker.sock
	Host string `yaml:"host"`

	// OpTimeout bounds start, stop, restart and in-container commands
	OpTimeout time.Duration `yaml:"op_timeout" validate:"gte=1s"`

	// ListTimeout bounds one reconcile fetch
	ListTimeout time.Duration `yaml:"list_timeout" validate:"gte=100ms"`

	// StopTimeout is the grace period before SIGKILL. 0 = container default
	StopTimeout time.Duration `yaml:"stop_timeout" validate:"gte=0,ltfield=OpTimeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"` // empty = no log file
	JSON  bool   `yaml:"json"`
}

func DefaultConfig() DTGConfig {
	return DTGConfig{
		Version: CurrentConfigVersion,
		Runtime: RuntimeConfig{
			OpTimeout:   60 * time.Second,
			ListTimeout: 10 * time.Second,
			StopTimeout: 10 * time.Second,
		},
		InterfacePrefix:  "eth",
		RefreshInterval:  5 * time.Second,
		BatchMaxParallel: 0,
		RecentMax:        10,
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "",
		},
		WatchCompose: true,
	}
}

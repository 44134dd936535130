// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
)

// InterfaceConfig holds the impairment parameters of one interface.
//
// The validate tags are enforced by the session before anything is applied
// or saved; the store itself persists whatever it is given.
type InterfaceConfig struct {
	// Delay is the added latency in milliseconds.
	Delay int `json:"delay" validate:"gte=0"`

	// Loss is the packet loss percentage.
	Loss int `json:"loss" validate:"gte=0,lte=100"`

	// Band is the bandwidth cap in Mbit/s.
	Band float64 `json:"band" validate:"gt=0"`

	// Limit is the netem queue limit in packets.
	Limit int `json:"limit" validate:"gte=0"`
}

// DefaultInterfaceConfig is used for interfaces with no stored entry.
var DefaultInterfaceConfig = InterfaceConfig{Delay: 20, Loss: 0, Band: 1.0, Limit: 10}

// Impairment converts the config into the gateway's parameter set.
func (c InterfaceConfig) Impairment() runtime.Impairment {
	return runtime.Impairment{DelayMs: c.Delay, LossPct: c.Loss, RateMbit: c.Band, Limit: c.Limit}
}

// Mapping is the per-interface configuration of one container, keyed by
// interface name.
type Mapping map[string]InterfaceConfig

// Clone returns an independent copy.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// JSON encoding
// =============================================================================

// wireConfig is the on-disk shape. Every field is written as a string
// ("20", "0", "1.0", "10") and read back from either a string or a number.
type wireConfig struct {
	Delay flexValue `json:"delay"`
	Loss  flexValue `json:"loss"`
	Band  flexValue `json:"band"`
	Limit flexValue `json:"limit"`
}

// flexValue is the textual form of a number that may be quoted on disk.
type flexValue string

func (v *flexValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = flexValue(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected number or string, got %s", data)
	}
	*v = flexValue(n.String())
	return nil
}

func (v flexValue) int(field string) (int, error) {
	s := string(v)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	// Numbers written by other tools may carry a fractional part ("20.0").
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("%s: %q is not an integer", field, s)
	}
	return int(f), nil
}

func (v flexValue) float(field string) (float64, error) {
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", field, string(v))
	}
	return f, nil
}

// MarshalJSON writes every field as a string, matching existing config files.
func (c InterfaceConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireConfig{
		Delay: flexValue(strconv.Itoa(c.Delay)),
		Loss:  flexValue(strconv.Itoa(c.Loss)),
		Band:  flexValue(runtime.FormatRate(c.Band)),
		Limit: flexValue(strconv.Itoa(c.Limit)),
	})
}

// UnmarshalJSON accepts numbers or strings for every field.
func (c *InterfaceConfig) UnmarshalJSON(data []byte) error {
	var w wireConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var out InterfaceConfig
	var err error
	if out.Delay, err = w.Delay.int("delay"); err != nil {
		return err
	}
	if out.Loss, err = w.Loss.int("loss"); err != nil {
		return err
	}
	if out.Band, err = w.Band.float("band"); err != nil {
		return err
	}
	if out.Limit, err = w.Limit.int("limit"); err != nil {
		return err
	}
	*c = out
	return nil
}

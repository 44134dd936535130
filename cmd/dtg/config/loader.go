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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

var (
	// Global is a singleton instance
	Global DTGConfig
	once   sync.Once

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load ensures the config in dir is loaded into the Global variable. Only the
// first call reads the file.
func Load(dir string) error {
	var err error
	once.Do(func() {
		Global, err = LoadFrom(filepath.Join(dir, FileName))
	})
	return err
}

// LoadFrom reads and validates the config at path, creating it with defaults
// if it does not exist. Keys missing from the file keep their defaults.
func LoadFrom(configPath string) (DTGConfig, error) {
	// create it if it doesn't exist
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := createDefault(configPath); err != nil {
			return DTGConfig{}, err
		}
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return DTGConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DTGConfig{}, fmt.Errorf("%w: failed to parse %s: %w", util.ErrInvalidInput, configPath, err)
	}
	if err := Validate(cfg); err != nil {
		return DTGConfig{}, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks field constraints. The error unwraps to
// util.ErrInvalidInput and names every offending key.
func Validate(cfg DTGConfig) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", util.ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", util.ErrInvalidInput, strings.Join(msgs, "; "))
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	defaultCfg := DefaultConfig()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

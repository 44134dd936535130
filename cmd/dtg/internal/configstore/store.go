// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package configstore persists the recent-project list and per-container
// interface impairment settings as JSON files.
//
// # Layout
//
//	<dir>/recent_projects.json            {"recent_projects": ["/abs/path", ...]}
//	<dir>/<project>/<container>_config.json
//	    {"eth0": {"delay": "20", "loss": "0", "band": "1.0", "limit": "10"}}
//
// Container files are keyed by container name so that settings survive
// "compose down/up" cycles, which assign new container IDs.
//
// # Thread Safety
//
// Store methods are safe for concurrent use. Writes go through a temp file and
// rename so a crash never leaves a half-written document.
package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// AppName names the per-user configuration directory.
const AppName = "DTG"

// DefaultRecentMax caps the recent-project list.
const DefaultRecentMax = 10

const recentFile = "recent_projects.json"

// DefaultDir returns the per-OS configuration directory:
//
//   - Linux and others: ~/.config/DTG
//   - macOS: ~/Library/Application Support/DTG
//   - Windows: ~/AppData/Roaming/DTG
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	switch goruntime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", AppName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppName), nil
	default:
		return filepath.Join(home, ".config", AppName), nil
	}
}

// Option configures a Store.
type Option func(*Store)

// WithRecentMax overrides the recent-project cap. Values below 1 are ignored.
func WithRecentMax(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.recentMax = n
		}
	}
}

// WithLogger sets the logger used to report ignored corrupt files.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store reads and writes dtg's JSON documents under one directory.
type Store struct {
	dir       string
	recentMax int
	logger    *logging.Logger
	mu        sync.Mutex
}

// New returns a Store rooted at dir. The directory is created lazily on the
// first write.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, recentMax: DefaultRecentMax, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// =============================================================================
// Recent projects
// =============================================================================

type recentDoc struct {
	RecentProjects []string `json:"recent_projects"`
}

// LoadRecentProjects returns the recent compose files, most recent first. A
// missing or corrupt file yields an empty list.
func (s *Store) LoadRecentProjects() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRecentLocked()
}

func (s *Store) loadRecentLocked() ([]string, error) {
	path := filepath.Join(s.dir, recentFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, persistErr("load", path, err)
	}
	var doc recentDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("ignoring corrupt recent projects file", "path", path, "error", err)
		return []string{}, nil
	}
	if doc.RecentProjects == nil {
		return []string{}, nil
	}
	return doc.RecentProjects, nil
}

// SaveRecentProject moves path to the front of the recent list, removing
// duplicates and trimming to the cap. The path is made absolute first.
func (s *Store) SaveRecentProject(path string) error {
	abs, err := normalizePath(path)
	if err != nil {
		return persistErr("save", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadRecentLocked()
	if err != nil {
		return err
	}
	projects := make([]string, 0, len(current)+1)
	projects = append(projects, abs)
	for _, p := range current {
		if p != abs {
			projects = append(projects, p)
		}
	}
	if len(projects) > s.recentMax {
		projects = projects[:s.recentMax]
	}
	return s.writeJSON(filepath.Join(s.dir, recentFile), recentDoc{RecentProjects: projects})
}

// =============================================================================
// Interface configs
// =============================================================================

// ConfigPath returns the file holding the mapping for (project, container).
func (s *Store) ConfigPath(project, container string) (string, error) {
	if err := checkSegment("project", project); err != nil {
		return "", err
	}
	if err := checkSegment("container", container); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, project, container+"_config.json"), nil
}

// LoadInterfaceConfigs returns the stored mapping for (project, container).
//
// # Description
//
// A missing or unparseable file yields an empty mapping. Individual entries
// that cannot be decoded are dropped and logged; the rest of the file is
// kept. Only I/O failures other than "not exist" return an error.
func (s *Store) LoadInterfaceConfigs(project, container string) (Mapping, error) {
	path, err := s.ConfigPath(project, container)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Mapping{}, nil
	}
	if err != nil {
		return nil, persistErr("load", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("ignoring corrupt interface config file", "path", path, "error", err)
		return Mapping{}, nil
	}

	out := make(Mapping, len(raw))
	for iface, entry := range raw {
		var cfg InterfaceConfig
		if err := json.Unmarshal(entry, &cfg); err != nil {
			s.logger.Warn("ignoring corrupt interface entry", "path", path, "interface", iface, "error", err)
			continue
		}
		out[iface] = cfg
	}
	return out, nil
}

// SaveInterfaceConfigs replaces the stored mapping for (project, container).
func (s *Store) SaveInterfaceConfigs(project, container string, m Mapping) error {
	path, err := s.ConfigPath(project, container)
	if err != nil {
		return err
	}
	if m == nil {
		m = Mapping{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(path, m)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return persistErr("encode", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return persistErr("mkdir", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return persistErr("write", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return persistErr("write", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return persistErr("write", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return persistErr("write", path, err)
	}
	return nil
}

func persistErr(op, path string, err error) error {
	return util.NewOpError(op, path, fmt.Errorf("%w: %w", util.ErrPersistence, err))
}

func checkSegment(what, s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: %s name %q cannot be used as a path segment", util.ErrInvalidInput, what, s)
	}
	return nil
}

func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// =============================================================================
// Interface config tests
// =============================================================================

func TestStore_SaveReloadRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	want := Mapping{"eth0": {Delay: 20, Loss: 0, Band: 1.0, Limit: 10}}

	require.NoError(t, store.SaveInterfaceConfigs("P", "X", want))

	got, err := store.LoadInterfaceConfigs("P", "X")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_SavedLayout(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	require.NoError(t, store.SaveInterfaceConfigs("P", "X", Mapping{"eth0": {Delay: 20, Loss: 0, Band: 1.0, Limit: 10}}))

	data, err := os.ReadFile(filepath.Join(dir, "P", "X_config.json"))
	require.NoError(t, err)

	var doc map[string]map[string]string
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, map[string]string{"delay": "20", "loss": "0", "band": "1.0", "limit": "10"}, doc["eth0"])
}

func TestStore_LoadAcceptsNumbersAndStrings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lab"), 0o755))
	content := `{
  "eth0": {"delay": "50", "loss": "5", "band": "2.5", "limit": "100"},
  "eth1": {"delay": 10, "loss": 0, "band": 1, "limit": 20},
  "eth2": {"delay": "abc", "loss": 0, "band": 1, "limit": 20}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lab", "r1_config.json"), []byte(content), 0o644))

	got, err := New(dir).LoadInterfaceConfigs("lab", "r1")
	require.NoError(t, err)
	assert.Equal(t, Mapping{
		"eth0": {Delay: 50, Loss: 5, Band: 2.5, Limit: 100},
		"eth1": {Delay: 10, Loss: 0, Band: 1, Limit: 20},
	}, got, "undecodable eth2 entry is dropped")
}

func TestStore_LoadMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	got, err := store.LoadInterfaceConfigs("lab", "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lab"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lab", "bad_config.json"), []byte("{not json"), 0o644))
	got, err = store.LoadInterfaceConfigs("lab", "bad")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_RejectsPathSegments(t *testing.T) {
	store := New(t.TempDir())
	err := store.SaveInterfaceConfigs("lab", "../escape", Mapping{})
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	_, err = store.LoadInterfaceConfigs("", "r1")
	assert.ErrorIs(t, err, util.ErrInvalidInput)
}

func TestStore_SaveFailureIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the project directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lab"), []byte("x"), 0o644))

	err := New(dir).SaveInterfaceConfigs("lab", "r1", Mapping{"eth0": DefaultInterfaceConfig})
	assert.ErrorIs(t, err, util.ErrPersistence)
}

func TestInterfaceConfig_Impairment(t *testing.T) {
	cfg := InterfaceConfig{Delay: 20, Loss: 1, Band: 1.5, Limit: 10}
	assert.Equal(t, runtime.Impairment{DelayMs: 20, LossPct: 1, RateMbit: 1.5, Limit: 10}, cfg.Impairment())
}

func TestMapping_Clone(t *testing.T) {
	m := Mapping{"eth0": DefaultInterfaceConfig}
	c := m.Clone()
	c["eth0"] = InterfaceConfig{Delay: 99}
	assert.Equal(t, 20, m["eth0"].Delay)
}

// =============================================================================
// Recent project tests
// =============================================================================

func TestStore_RecentProjectsDedupAndOrder(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	a := filepath.Join(dir, "a", "docker-compose.yml")
	b := filepath.Join(dir, "b", "docker-compose.yml")
	require.NoError(t, store.SaveRecentProject(a))
	require.NoError(t, store.SaveRecentProject(b))
	require.NoError(t, store.SaveRecentProject(a))

	got, err := store.LoadRecentProjects()
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, got)
}

func TestStore_RecentProjectsCapped(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, WithRecentMax(3))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveRecentProject(filepath.Join(dir, fmt.Sprintf("p%d.yml", i))))
	}

	got, err := store.LoadRecentProjects()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, filepath.Join(dir, "p4.yml"), got[0])
	assert.Equal(t, filepath.Join(dir, "p2.yml"), got[2])
}

func TestStore_RecentProjectsDefaultCap(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	for i := 0; i < 12; i++ {
		require.NoError(t, store.SaveRecentProject(filepath.Join(dir, fmt.Sprintf("p%02d.yml", i))))
	}
	got, err := store.LoadRecentProjects()
	require.NoError(t, err)
	assert.Len(t, got, DefaultRecentMax)
}

func TestStore_RecentProjectsMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	got, err := store.LoadRecentProjects()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "recent_projects.json"), []byte("[1,2"), 0o644))
	got, err = store.LoadRecentProjects()
	require.NoError(t, err)
	assert.Empty(t, got)

	// Saving over a corrupt file recovers it.
	require.NoError(t, store.SaveRecentProject(filepath.Join(dir, "x.yml")))
	got, err = store.LoadRecentProjects()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDefaultDir(t *testing.T) {
	dir, err := DefaultDir()
	require.NoError(t, err)
	assert.Equal(t, AppName, filepath.Base(dir))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package tui

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/infra/compose"
)

func TestProjectOptions(t *testing.T) {
	opts := projectOptions([]string{"/labs/Triangle/docker-compose.yml"})
	require.Len(t, opts, 2)
	assert.Equal(t, "/labs/Triangle/docker-compose.yml", opts[0].Value)
	assert.Contains(t, opts[0].Key, "triangle")
	assert.Equal(t, otherProject, opts[1].Value)
}

func TestValidateComposePath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(file, []byte("services: {}\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yml"), 0o755))

	assert.NoError(t, ValidateComposePath(file))
	assert.Error(t, ValidateComposePath(""))
	assert.ErrorIs(t, ValidateComposePath(filepath.Join(dir, "compose.json")), compose.ErrNotComposeFile)
	assert.ErrorIs(t, ValidateComposePath(filepath.Join(dir, "missing.yaml")), compose.ErrComposeFileMissing)
	assert.Error(t, ValidateComposePath(filepath.Join(dir, "sub.yml")))
}

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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/infra/compose"
)

// ErrCancelled is returned when the operator aborts the project picker.
var ErrCancelled = errors.New("project selection cancelled")

const otherProject = "\x00other"

func projectOptions(recent []string) []huh.Option[string] {
	opts := make([]huh.Option[string], 0, len(recent)+1)
	for _, p := range recent {
		label := fmt.Sprintf("%s  (%s)", compose.ProjectName(p), p)
		opts = append(opts, huh.NewOption(label, p))
	}
	return append(opts, huh.NewOption("Other compose file...", otherProject))
}

// ValidateComposePath accepts an existing .yml or .yaml file.
func ValidateComposePath(path string) error {
	if path == "" {
		return errors.New("enter the path of a docker compose file")
	}
	if !compose.IsComposeFile(path) {
		return compose.ErrNotComposeFile
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", compose.ErrComposeFileMissing, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// PickProject asks the operator for a compose file, offering the recent
// projects first.
//
// # Outputs
//
//   - string: Absolute path of the chosen compose file
//   - error: ErrCancelled if the operator aborted
func PickProject(recent []string) (string, error) {
	choice := otherProject
	if len(recent) > 0 {
		choice = recent[0]
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select a docker compose project").
				Options(projectOptions(recent)...).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			return "", cancelled(err)
		}
	}
	if choice != otherProject {
		if err := ValidateComposePath(choice); err != nil {
			return "", err
		}
		return choice, nil
	}

	var path string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Docker compose file").
			Placeholder("./docker-compose.yml").
			Value(&path).
			Validate(ValidateComposePath),
	))
	if err := form.Run(); err != nil {
		return "", cancelled(err)
	}
	return filepath.Abs(path)
}

func cancelled(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrCancelled
	}
	return err
}

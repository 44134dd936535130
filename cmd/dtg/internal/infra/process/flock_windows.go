// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// tryLockFile has no flock on Windows. A live PID recorded next to the lock
// file counts as held.
func tryLockFile(f *os.File) (bool, error) {
	pidPath := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name())) + ".pid"
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return true, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid == os.Getpid() {
		return true, nil
	}
	if _, err := os.FindProcess(pid); err != nil {
		return true, nil
	}
	return false, nil
}

func unlockFile(f *os.File) error {
	return nil
}

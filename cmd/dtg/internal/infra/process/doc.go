// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process provides external process execution and the per-project
operator lock.

# Overview

  - ProcessManager: runs compose tooling and launches terminal emulators
  - ProcessLock: flock-based lock so only one dtg operates a project

# ProcessManager

Every exec.Command in dtg goes through ProcessManager so compose
provisioning and terminal launching can be tested without real processes.

	pm := process.NewDefaultProcessManager()
	out, err := pm.Run(ctx, "docker", "compose", "version")

Launch starts a detached process and returns a Process handle that reports
whether it is still alive and can terminate it. Terminal windows are tracked
through these handles.

For tests, use MockProcessManager with Func fields.

# ProcessLock

	lock := process.NewProcessLock(process.ProjectLockConfig(dir, "lab"))
	if err := lock.Acquire(); err != nil {
	    return err // *ErrLockHeld names the other operator's PID
	}
	defer lock.Release()

# Thread Safety

  - ProcessManager implementations are safe for concurrent use
  - ProcessLock is NOT safe for concurrent use from multiple goroutines

# Limitations

  - ProcessLock is advisory and needs flock(2); on Windows it only guards
    against a second process through the PID file
*/
package process

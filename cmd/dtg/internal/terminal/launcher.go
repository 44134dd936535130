// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package terminal opens an external terminal emulator attached to a node
// with "docker exec -it <name> bash".
package terminal

import (
	"context"
	"fmt"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/display"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/infra/process"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
	"github.com/AleutianAI/dtg/pkg/logging"
)

// LinuxEmulators is the search order on Linux and other Unix systems.
var LinuxEmulators = []string{
	"terminator",
	"gnome-terminal",
	"konsole",
	"xfce4-terminal",
	"mate-terminal",
	"lxterminal",
	"x-terminal-emulator",
}

// Config configures a Launcher.
type Config struct {
	// Preferred is tried before LinuxEmulators. Ignored on macOS and Windows.
	Preferred string

	// GOOS overrides runtime.GOOS. Tests only.
	GOOS string

	Logger *logging.Logger
}

// Launcher starts external terminals through a ProcessManager.
type Launcher struct {
	proc      process.ProcessManager
	preferred string
	goos      string
	logger    *logging.Logger
}

// New returns a Launcher.
func New(cfg Config, proc process.ProcessManager) *Launcher {
	if cfg.GOOS == "" {
		cfg.GOOS = goruntime.GOOS
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Launcher{proc: proc, preferred: cfg.Preferred, goos: cfg.GOOS, logger: cfg.Logger}
}

// Launch opens a terminal on c. The returned handle is alive for as long as
// the emulator process runs.
//
// # Outputs
//
//   - display.Terminal: Handle on the emulator process
//   - error: util.ErrUnsupported (wrapped) when no emulator is installed; the
//     start error otherwise
func (l *Launcher) Launch(ctx context.Context, c runtime.ContainerRef) (display.Terminal, error) {
	argv, err := l.Argv(c.Name)
	if err != nil {
		return nil, err
	}
	p, err := l.proc.Launch(ctx, argv[0], argv[1:]...)
	if err != nil {
		return nil, err
	}
	l.logger.Info("terminal opened", "container", c.ID, "name", c.Name, "emulator", filepath.Base(argv[0]), "pid", p.Pid())
	return p, nil
}

// Argv returns the command line that opens a terminal on the named container.
func (l *Launcher) Argv(name string) ([]string, error) {
	execCmd := ExecCommand(name)
	title := Title(name)

	switch l.goos {
	case "windows":
		return []string{"cmd.exe", "/c", "start", "/wait", title, "cmd.exe", "/c", execCmd}, nil
	case "darwin":
		return osascriptArgv(title, execCmd), nil
	}

	candidates := LinuxEmulators
	if l.preferred != "" {
		candidates = append([]string{l.preferred}, LinuxEmulators...)
	}
	for _, term := range candidates {
		path, err := l.proc.LookPath(term)
		if err != nil {
			continue
		}
		return emulatorArgv(term, path, title, execCmd), nil
	}
	return nil, fmt.Errorf("%w: no terminal emulator found (tried %s)", util.ErrUnsupported, strings.Join(candidates, ", "))
}

// ExecCommand is the shell command run inside the terminal.
func ExecCommand(name string) string {
	return "docker exec -it " + shellQuote(name) + " bash"
}

// Title is the window title of a node's terminal.
func Title(name string) string {
	return name + " terminal"
}

func emulatorArgv(term, path, title, execCmd string) []string {
	wrapped := "bash -c '" + execCmd + "'"
	switch term {
	case "terminator":
		return []string{path, "--title", title, "-x", wrapped}
	case "gnome-terminal":
		// --wait keeps the client process alive while the window is open.
		return []string{path, "--wait", "--title", title, "--", "bash", "-c", execCmd}
	case "konsole", "xfce4-terminal", "mate-terminal":
		return []string{path, "--title", title, "-e", wrapped}
	case "lxterminal":
		return []string{path, "-T", title, "-e", wrapped}
	default:
		return []string{path, "-e", wrapped}
	}
}

// osascriptArgv opens a Terminal.app tab, waits for the command to finish and
// closes the window, so the osascript process lives as long as the session.
func osascriptArgv(title, execCmd string) []string {
	lines := []string{
		`tell application "Terminal"`,
		`    activate`,
		`    set newTab to do script "echo -ne \"\\033]0;` + title + `\\007\"; ` + execCmd + `"`,
		`    repeat while busy of newTab is true`,
		`        delay 0.5`,
		`    end repeat`,
		`    try`,
		`        set w to first window whose tabs contains newTab`,
		`        close w`,
		`    end try`,
		`end tell`,
	}
	argv := []string{"osascript"}
	for _, line := range lines {
		argv = append(argv, "-e", line)
	}
	return argv
}

// shellQuote quotes s for a POSIX shell unless it is made of safe characters
// only. Compose container names normally are.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

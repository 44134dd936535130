// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/coordinator"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/session"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// Output formats for ps.
const (
	formatAuto  = "auto"
	formatTable = "table"
	formatPlain = "plain"
	formatJSON  = "json"
)

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// resolveFormat turns formatAuto into table on a terminal and plain
// otherwise.
func resolveFormat(format string, tty bool) (string, error) {
	switch format {
	case "", formatAuto:
		if tty {
			return formatTable, nil
		}
		return formatPlain, nil
	case formatTable, formatPlain, formatJSON:
		return format, nil
	}
	return "", fmt.Errorf("%w: unknown output format %q (auto, table, plain, json)", util.ErrInvalidInput, format)
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	runningStyle = cellStyle.Foreground(lipgloss.Color("10"))
	exitedStyle  = cellStyle.Foreground(lipgloss.Color("9"))
)

func nodeRow(n coordinator.Node) []string {
	status := n.Status
	if n.Label != "" {
		status = n.Label
	}
	return []string{n.Name, status, n.Op, check(n.Window), check(n.Terminal), shortID(n.ID)}
}

func check(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// printNodes writes nodes to w in format (already resolved).
func printNodes(w io.Writer, nodes []coordinator.Node, format string) error {
	headers := []string{"NAME", "STATUS", "OP", "WINDOW", "TERMINAL", "ID"}

	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if nodes == nil {
			nodes = []coordinator.Node{}
		}
		return enc.Encode(nodes)

	case formatTable:
		rows := make([][]string, 0, len(nodes))
		for _, n := range nodes {
			rows = append(rows, nodeRow(n))
		}
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			Headers(headers...).
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				if col == 1 && row >= 0 && row < len(nodes) {
					switch nodes[row].Class {
					case runtime.ClassRunning.String():
						return runningStyle
					case runtime.ClassExited.String():
						return exitedStyle
					}
				}
				return cellStyle
			})
		_, err := fmt.Fprintln(w, t.String())
		return err

	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
		for _, n := range nodes {
			fmt.Fprintln(tw, strings.Join(nodeRow(n), "\t"))
		}
		return tw.Flush()
	}
}

// printBatch summarizes a stop-all batch and returns the joined failures.
func printBatch(w io.Writer, res coordinator.BatchResult) error {
	fmt.Fprintf(w, "stopped %d container(s)\n", len(res.Stopped))
	if len(res.Skipped) > 0 {
		fmt.Fprintf(w, "skipped (busy): %s\n", strings.Join(res.Skipped, ", "))
	}

	ids := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, res.Failed[id])
	}
	return errors.Join(errs...)
}

// printResult writes an in-container command and its output the way the
// control window shows them.
func printResult(w io.Writer, res session.Result) {
	if res.Command != "" {
		fmt.Fprintf(w, "$ %s\n", res.Command)
	}
	if res.Output != "" {
		fmt.Fprint(w, res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Fprintln(w)
		}
	}
}

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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/session"
)

// --- Global Command Variables ---
var (
	composeFile string
	configDir   string
	logLevel    string

	outputFormat string

	shapeDelay string
	shapeLoss  string
	shapeRate  string
	shapeLimit string
	shapeSave  bool

	rootCmd = &cobra.Command{
		Use:   "dtg",
		Short: "Operate the nodes of a docker compose network testbed",
		Long: `dtg brings a docker compose testbed up and lets you start, stop and
restart its containers, open terminals on them and shape their network
interfaces (delay, loss, rate, limit) with tc netem.

Without a subcommand dtg opens the interactive UI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runUI,
	}

	uiCmd = &cobra.Command{
		Use:   "ui",
		Short: "Open the interactive UI (default)",
		Args:  cobra.NoArgs,
		RunE:  runUI,
	}

	upCmd = &cobra.Command{
		Use:   "up",
		Short: "Run docker compose up for the project and record it as recent",
		Args:  cobra.NoArgs,
		RunE:  runUp,
	}

	psCmd = &cobra.Command{
		Use:   "ps",
		Short: "List the project's containers",
		Args:  cobra.NoArgs,
		RunE:  runPs,
	}

	startCmd = &cobra.Command{
		Use:   "start [node]",
		Short: "Start a container by name or ID",
		Args:  cobra.ExactArgs(1),
		RunE:  runLifecycle("start", "started"),
	}
	stopCmd = &cobra.Command{
		Use:   "stop [node]",
		Short: "Stop a container by name or ID",
		Args:  cobra.ExactArgs(1),
		RunE:  runLifecycle("stop", "stopped"),
	}
	restartCmd = &cobra.Command{
		Use:   "restart [node]",
		Short: "Restart a container by name or ID",
		Args:  cobra.ExactArgs(1),
		RunE:  runLifecycle("restart", "restarted"),
	}

	startAllCmd = &cobra.Command{
		Use:   "start-all",
		Short: "Start every stopped container of the project",
		Args:  cobra.NoArgs,
		RunE:  runStartAll,
	}
	stopAllCmd = &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every running container of the project",
		Args:  cobra.NoArgs,
		RunE:  runStopAll,
	}

	shapeCmd = &cobra.Command{
		Use:   "shape [node] [interface]",
		Short: "Apply delay, loss, rate and limit to a node interface",
		Long: `Apply a tc netem impairment to one interface of a running node.

Values not given on the command line come from the interface's saved
configuration, else the defaults (delay 20ms, loss 0%, rate 1.0mbit,
limit 10). With --save the applied values become the saved configuration.`,
		Args: cobra.ExactArgs(2),
		RunE: runShape,
	}

	pingCmd = &cobra.Command{
		Use:   "ping [node] [address]",
		Short: "Ping an IPv4 address from inside a node",
		Args:  cobra.ExactArgs(2),
		RunE:  runPing,
	}

	projectsCmd = &cobra.Command{
		Use:   "projects",
		Short: "List recently opened compose projects",
		Args:  cobra.NoArgs,
		RunE:  runProjects,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the dtg version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dtg %s\n", version)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&composeFile, "compose", "f", "", "docker compose file (default: picker, or the most recent project)")
	pf.StringVar(&configDir, "config-dir", "", "config directory (default: per-OS user config dir)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default: from dtg.yaml)")

	psCmd.Flags().StringVarP(&outputFormat, "output", "o", formatAuto, "output format: auto, table, plain, json")

	shapeCmd.Flags().StringVar(&shapeDelay, "delay", "", "delay in ms")
	shapeCmd.Flags().StringVar(&shapeLoss, "loss", "", "packet loss in percent (0-100)")
	shapeCmd.Flags().StringVar(&shapeRate, "rate", "", "rate in mbit")
	shapeCmd.Flags().StringVar(&shapeLimit, "limit", "", "queue limit in packets")
	shapeCmd.Flags().BoolVar(&shapeSave, "save", false, "save the applied values for the interface")

	rootCmd.AddCommand(uiCmd, upCmd, psCmd, startCmd, stopCmd, restartCmd, startAllCmd,
		stopAllCmd, shapeCmd, pingCmd, projectsCmd, versionCmd)
}

// withHeadless connects to the runtime, drives fn on a control loop and
// releases everything afterwards.
func withHeadless(cmd *cobra.Command, lock bool, fn func(ctx context.Context, h *headless) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{
		ComposeFile: composeFile,
		ConfigDir:   configDir,
		LogLevel:    logLevel,
		Lock:        lock,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return fn(ctx, newHeadless(ctx, a))
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(appOptions{ConfigDir: configDir, LogLevel: logLevel})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.selectProject(composeFile, false); err != nil {
		return err
	}
	if err := a.provision(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "project %s is up\n", a.project)
	return nil
}

func runPs(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(outputFormat, isTerminal(os.Stdout))
	if err != nil {
		return err
	}
	return withHeadless(cmd, false, func(ctx context.Context, h *headless) error {
		nodes, err := h.nodes(ctx)
		if err != nil {
			return err
		}
		return printNodes(cmd.OutOrStdout(), nodes, format)
	})
}

func runLifecycle(op, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withHeadless(cmd, true, func(ctx context.Context, h *headless) error {
			row, err := h.lifecycle(ctx, op, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", row.Name, done)
			return nil
		})
	}
}

func runStartAll(cmd *cobra.Command, args []string) error {
	return withHeadless(cmd, true, func(ctx context.Context, h *headless) error {
		ids, err := h.startAll(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "started %d container(s)\n", len(ids))
		return err
	})
}

func runStopAll(cmd *cobra.Command, args []string) error {
	return withHeadless(cmd, true, func(ctx context.Context, h *headless) error {
		res, err := h.stopAll(ctx)
		if err != nil {
			return err
		}
		return printBatch(cmd.OutOrStdout(), res)
	})
}

func runShape(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	req := shapeRequest{
		Ref:      args[0],
		Iface:    args[1],
		Override: shapeOverride(flags.Changed, shapeDelay, shapeLoss, shapeRate, shapeLimit),
		Save:     shapeSave,
	}
	return withHeadless(cmd, true, func(ctx context.Context, h *headless) error {
		res, err := h.shape(ctx, req)
		printResult(cmd.OutOrStdout(), res)
		if err == nil && req.Save {
			fmt.Fprintln(cmd.OutOrStdout(), "saved")
		}
		return err
	})
}

// shapeOverride replaces the fields whose flag was given.
func shapeOverride(changed func(string) bool, delay, loss, rate, limit string) func(session.Fields) session.Fields {
	return func(f session.Fields) session.Fields {
		if changed("delay") {
			f.Delay = delay
		}
		if changed("loss") {
			f.Loss = loss
		}
		if changed("rate") {
			f.Band = rate
		}
		if changed("limit") {
			f.Limit = limit
		}
		return f
	}
}

func runPing(cmd *cobra.Command, args []string) error {
	return withHeadless(cmd, true, func(ctx context.Context, h *headless) error {
		res, err := h.ping(ctx, args[0], args[1])
		printResult(cmd.OutOrStdout(), res)
		return err
	})
}

func runProjects(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{ConfigDir: configDir, LogLevel: logLevel})
	if err != nil {
		return err
	}
	defer a.Close()

	recent, err := a.store.LoadRecentProjects()
	if err != nil {
		return err
	}
	for _, p := range recent {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

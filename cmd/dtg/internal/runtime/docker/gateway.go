// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docker implements runtime.Gateway with the Docker Engine SDK.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// ProjectLabel is the label Compose stamps on every container of a project.
const ProjectLabel = "com.docker.compose.project"

// DefaultInterfacePrefix selects the interfaces shown for impairment.
const DefaultInterfacePrefix = "eth"

// apiClient is the subset of *client.Client the gateway uses.
type apiClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Options configures the Docker gateway.
type Options struct {
	// Host overrides DOCKER_HOST (e.g. "unix:///var/run/docker.sock").
	Host string

	// InterfacePrefix filters ListInterfaces. Default: "eth".
	InterfacePrefix string

	// StopTimeout is passed to the daemon for stop and restart. Zero uses the
	// container's own StopTimeout.
	StopTimeout time.Duration
}

// execResult is the outcome of one in-container command.
type execResult struct {
	Output   string
	Stderr   string
	ExitCode int
}

// Gateway implements runtime.Gateway against a Docker daemon.
//
// # Thread Safety
//
// Safe for concurrent use; the SDK client is.
type Gateway struct {
	api         apiClient
	prefix      string
	stopTimeout *int
	exec        func(ctx context.Context, id string, argv []string) (execResult, error)
}

// New creates a gateway from the environment (DOCKER_HOST, DOCKER_CERT_PATH,
// ...) with API version negotiation.
//
// # Outputs
//
//   - *Gateway: Ready gateway; the daemon is not contacted until Ping or the
//     first call
//   - error: Non-nil if the client cannot be configured
func New(opts Options) (*Gateway, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newGateway(cli, opts), nil
}

func newGateway(api apiClient, opts Options) *Gateway {
	g := &Gateway{api: api, prefix: opts.InterfacePrefix}
	if g.prefix == "" {
		g.prefix = DefaultInterfacePrefix
	}
	if opts.StopTimeout > 0 {
		secs := int(opts.StopTimeout / time.Second)
		g.stopTimeout = &secs
	}
	g.exec = g.runExec
	return g
}

// Ping checks that the daemon is reachable. Used at startup, where failure is
// fatal.
func (g *Gateway) Ping(ctx context.Context) error {
	if _, err := g.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", util.ErrRuntimeUnavailable, err)
	}
	return nil
}

// Close releases the SDK client.
func (g *Gateway) Close() error {
	return g.api.Close()
}

// List returns all containers (running or not) labelled with the project,
// sorted by name.
func (g *Gateway) List(ctx context.Context, project string) ([]runtime.ContainerRef, error) {
	args := filters.NewArgs(filters.Arg("label", ProjectLabel+"="+project))
	list, err := g.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify("list", project, err)
	}

	refs := make([]runtime.ContainerRef, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		refs = append(refs, runtime.ContainerRef{ID: c.ID, Name: name, Status: c.State})
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Get inspects one container.
func (g *Gateway) Get(ctx context.Context, id string) (runtime.ContainerRef, error) {
	info, err := g.api.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.ContainerRef{}, classify("get", id, err)
	}
	ref := runtime.ContainerRef{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.State != nil {
		ref.Status = info.State.Status
	}
	return ref, nil
}

// Start starts a container.
func (g *Gateway) Start(ctx context.Context, id string) error {
	if err := g.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify("start", id, err)
	}
	return nil
}

// Stop stops a container.
func (g *Gateway) Stop(ctx context.Context, id string) error {
	if err := g.api.ContainerStop(ctx, id, container.StopOptions{Timeout: g.stopTimeout}); err != nil {
		return classify("stop", id, err)
	}
	return nil
}

// Restart restarts a container.
func (g *Gateway) Restart(ctx context.Context, id string) error {
	if err := g.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: g.stopTimeout}); err != nil {
		return classify("restart", id, err)
	}
	return nil
}

// ListInterfaces lists /sys/class/net inside the container, keeps the names
// carrying the configured prefix and annotates each with its IPv4 address.
//
// # Description
//
// A failing "ls" yields an empty list. An interface whose address lookup
// fails is dropped. Only daemon-level failures are returned as errors.
func (g *Gateway) ListInterfaces(ctx context.Context, id string) ([]string, error) {
	res, err := g.exec(ctx, id, []string{"ls", "/sys/class/net"})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return []string{}, nil
	}

	out := []string{}
	for _, name := range strings.Fields(res.Output) {
		if !strings.HasPrefix(name, g.prefix) {
			continue
		}
		lookup := fmt.Sprintf("ip a show %s | awk '/inet / {print $2}'", name)
		addr, err := g.exec(ctx, id, []string{"sh", "-c", lookup})
		if err != nil {
			return nil, err
		}
		if addr.ExitCode != 0 {
			continue
		}
		ip := firstLine(addr.Output)
		if ip != "" {
			out = append(out, name+" - "+ip)
		} else {
			out = append(out, name)
		}
	}
	return out, nil
}

// ApplyImpairment runs "tc qdisc replace ... netem ..." inside the container.
func (g *Gateway) ApplyImpairment(ctx context.Context, id, iface string, imp runtime.Impairment) (string, error) {
	return g.Exec(ctx, id, imp.Command(iface))
}

// Exec runs argv inside the container and returns combined output. A non-zero
// exit returns the output together with a *util.CommandError.
func (g *Gateway) Exec(ctx context.Context, id string, argv []string) (string, error) {
	res, err := g.exec(ctx, id, argv)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Output, util.NewCommandError(strings.Join(argv, " "), res.ExitCode, res.Stderr, nil)
	}
	return res.Output, nil
}

func (g *Gateway) runExec(ctx context.Context, id string, argv []string) (execResult, error) {
	created, err := g.api.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return execResult{}, classify("exec", id, err)
	}

	attach, err := g.api.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return execResult{}, classify("exec", id, err)
	}
	defer attach.Close()

	var combined, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, io.MultiWriter(&combined, &stderr), attach.Reader); err != nil {
		return execResult{}, fmt.Errorf("exec %s: reading output: %w", id, err)
	}

	inspect, err := g.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return execResult{}, classify("exec", id, err)
	}
	return execResult{
		Output:   combined.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// classify maps SDK errors onto the dtg taxonomy.
func classify(op, target string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		err = fmt.Errorf("%w: %w", util.ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		err = fmt.Errorf("%w: %w", util.ErrRuntimeUnavailable, err)
	}
	return util.NewOpError(op, target, err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

var _ runtime.Gateway = (*Gateway)(nil)

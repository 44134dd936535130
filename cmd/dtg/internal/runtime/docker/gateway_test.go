// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dtg/cmd/dtg/internal/runtime"
	"github.com/AleutianAI/dtg/cmd/dtg/internal/util"
)

// fakeAPI implements apiClient. Exec methods are not used: tests replace
// Gateway.exec directly.
type fakeAPI struct {
	containers  []types.Container
	listOpts    container.ListOptions
	listErr     error
	inspect     types.ContainerJSON
	inspectErr  error
	stopErr     error
	stopOpts    container.StopOptions
	pingErr     error
	startCalled []string
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.listOpts = options
	return f.containers, f.listErr
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.startCalled = append(f.startCalled, id)
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.stopOpts = options
	return f.stopErr
}

func (f *fakeAPI) ContainerRestart(ctx context.Context, id string, options container.StopOptions) error {
	return nil
}

func (f *fakeAPI) ContainerExecCreate(ctx context.Context, id string, config types.ExecConfig) (types.IDResponse, error) {
	return types.IDResponse{}, errors.New("not used")
}

func (f *fakeAPI) ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error) {
	return types.HijackedResponse{}, errors.New("not used")
}

func (f *fakeAPI) ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error) {
	return types.ContainerExecInspect{}, errors.New("not used")
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeAPI) Close() error { return nil }

// scriptedExec answers exec calls by joined argv.
func scriptedExec(script map[string]execResult) func(context.Context, string, []string) (execResult, error) {
	return func(ctx context.Context, id string, argv []string) (execResult, error) {
		key := strings.Join(argv, " ")
		res, ok := script[key]
		if !ok {
			return execResult{ExitCode: 127, Stderr: "not scripted: " + key}, nil
		}
		return res, nil
	}
}

func TestGateway_ListSortsAndFilters(t *testing.T) {
	api := &fakeAPI{containers: []types.Container{
		{ID: "id-c", Names: []string{"/router-c"}, State: "exited"},
		{ID: "id-a", Names: []string{"/router-a"}, State: "running"},
		{ID: "id-b", Names: []string{"/router-b"}, State: "created"},
	}}
	g := newGateway(api, Options{})

	refs, err := g.List(context.Background(), "lab")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, runtime.ContainerRef{ID: "id-a", Name: "router-a", Status: "running"}, refs[0])
	assert.Equal(t, "router-b", refs[1].Name)
	assert.Equal(t, "router-c", refs[2].Name)

	assert.True(t, api.listOpts.All)
	assert.Equal(t, []string{"com.docker.compose.project=lab"}, api.listOpts.Filters.Get("label"))
}

func TestGateway_ErrorClassification(t *testing.T) {
	api := &fakeAPI{
		listErr:    client.ErrorConnectionFailed("unix:///var/run/docker.sock"),
		inspectErr: errdefs.NotFound(errors.New("No such container: x")),
		stopErr:    errors.New("something else"),
	}
	g := newGateway(api, Options{})
	ctx := context.Background()

	_, err := g.List(ctx, "lab")
	assert.ErrorIs(t, err, util.ErrRuntimeUnavailable)

	_, err = g.Get(ctx, "x")
	assert.ErrorIs(t, err, util.ErrNotFound)
	var opErr *util.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "get", opErr.Op)

	err = g.Stop(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, util.KindUnknown, util.Kind(err))
}

func TestGateway_GetTrimsName(t *testing.T) {
	api := &fakeAPI{inspect: types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "abc",
			Name:  "/router-a",
			State: &types.ContainerState{Status: "running"},
		},
	}}
	g := newGateway(api, Options{})

	ref, err := g.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, runtime.ContainerRef{ID: "abc", Name: "router-a", Status: "running"}, ref)
}

func TestGateway_StopTimeout(t *testing.T) {
	api := &fakeAPI{}
	g := newGateway(api, Options{StopTimeout: 7 * time.Second})

	require.NoError(t, g.Stop(context.Background(), "abc"))
	require.NotNil(t, api.stopOpts.Timeout)
	assert.Equal(t, 7, *api.stopOpts.Timeout)
}

func TestGateway_Ping(t *testing.T) {
	g := newGateway(&fakeAPI{pingErr: errors.New("dial unix: no such file")}, Options{})
	assert.ErrorIs(t, g.Ping(context.Background()), util.ErrRuntimeUnavailable)
}

func TestGateway_ListInterfaces(t *testing.T) {
	g := newGateway(&fakeAPI{}, Options{})
	g.exec = scriptedExec(map[string]execResult{
		"ls /sys/class/net": {Output: "eth0\neth1\neth2\nlo\ntunl0\n"},
		"sh -c ip a show eth0 | awk '/inet / {print $2}'": {Output: "10.0.0.2/24\n"},
		"sh -c ip a show eth1 | awk '/inet / {print $2}'": {Output: ""},
		"sh -c ip a show eth2 | awk '/inet / {print $2}'": {ExitCode: 1, Stderr: "Device not found"},
	})

	got, err := g.ListInterfaces(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0 - 10.0.0.2/24", "eth1"}, got)
}

func TestGateway_ListInterfacesCustomPrefix(t *testing.T) {
	g := newGateway(&fakeAPI{}, Options{InterfacePrefix: "ens"})
	g.exec = scriptedExec(map[string]execResult{
		"ls /sys/class/net": {Output: "ens3 eth0 lo"},
		"sh -c ip a show ens3 | awk '/inet / {print $2}'": {Output: "192.168.1.5/24\n192.168.1.6/24\n"},
	})

	got, err := g.ListInterfaces(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"ens3 - 192.168.1.5/24"}, got)
}

func TestGateway_ListInterfacesLsFails(t *testing.T) {
	g := newGateway(&fakeAPI{}, Options{})
	g.exec = scriptedExec(map[string]execResult{
		"ls /sys/class/net": {ExitCode: 2},
	})

	got, err := g.ListInterfaces(context.Background(), "abc")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGateway_ApplyImpairment(t *testing.T) {
	g := newGateway(&fakeAPI{}, Options{})
	g.exec = scriptedExec(map[string]execResult{
		"tc qdisc replace dev eth0 root netem delay 20ms loss 0% rate 1.5Mbit limit 10": {Output: ""},
		"tc qdisc replace dev eth9 root netem delay 20ms loss 0% rate 1.5Mbit limit 10": {
			Output: "Cannot find device \"eth9\"\n", Stderr: "Cannot find device \"eth9\"\n", ExitCode: 1,
		},
	})
	imp := runtime.Impairment{DelayMs: 20, LossPct: 0, RateMbit: 1.5, Limit: 10}

	_, err := g.ApplyImpairment(context.Background(), "abc", "eth0", imp)
	require.NoError(t, err)

	out, err := g.ApplyImpairment(context.Background(), "abc", "eth9", imp)
	require.Error(t, err)
	assert.Contains(t, out, "Cannot find device")
	var cmdErr *util.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
}

func TestGateway_ExecDaemonError(t *testing.T) {
	g := newGateway(&fakeAPI{}, Options{})
	g.exec = func(ctx context.Context, id string, argv []string) (execResult, error) {
		return execResult{}, util.NewOpError("exec", id, util.ErrNotFound)
	}

	_, err := g.Exec(context.Background(), "abc", runtime.PingCommand("10.0.0.1"))
	assert.ErrorIs(t, err, util.ErrNotFound)
}

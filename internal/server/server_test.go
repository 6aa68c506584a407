package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/stevedore/internal/build"
	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/metadata"
	"github.com/cruciblehq/stevedore/internal/protocol"
	"github.com/cruciblehq/stevedore/internal/runtime"
	"github.com/cruciblehq/stevedore/internal/runtime/runtimetest"
)

type harness struct {
	srv     *Server
	socket  string
	context string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := metadata.Open(filepath.Join(dir, metadata.Filename))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	layers, err := layer.New(filepath.Join(dir, "layers"), db)
	require.NoError(t, err)
	images := image.NewStore(db, layers)
	exec := runtimetest.New()

	rt, err := runtime.New(runtime.Options{
		Root:        filepath.Join(dir, "containers"),
		Layers:      layers,
		Images:      images,
		Executor:    exec,
		StopTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })

	builder, err := build.New(build.Config{
		Layers:   layers,
		Images:   images,
		Executor: exec,
		WorkDir:  filepath.Join(dir, "builds"),
	})
	require.NoError(t, err)

	h := &harness{
		socket:  filepath.Join(dir, "s.sock"),
		context: filepath.Join(dir, "context"),
	}
	require.NoError(t, os.MkdirAll(h.context, 0755))

	h.srv, err = New(Config{
		SocketPath: h.socket,
		PIDFile:    filepath.Join(dir, "s.pid"),
		Builder:    builder,
		Images:     images,
		Layers:     layers,
		Runtime:    rt,
	})
	require.NoError(t, err)
	require.NoError(t, h.srv.Start())
	t.Cleanup(func() { h.srv.Stop() })
	return h
}

func (h *harness) call(t *testing.T, cmd protocol.Command, req, resp any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return protocol.Call(ctx, h.socket, cmd, req, resp)
}

// Builds app:latest printing "hello".
func (h *harness) buildApp(t *testing.T) protocol.BuildResult {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.context, "app.txt"), []byte("hello\n"), 0644))

	var res protocol.BuildResult
	require.NoError(t, h.call(t, protocol.CmdBuild, &protocol.BuildRequest{
		Name:    "app",
		Context: h.context,
		Instructions: []build.Instruction{
			build.From("scratch"),
			build.Copy("app.txt", "/app.txt"),
			build.Cmd("cat", "/app.txt"),
		},
	}, &res))
	return res
}

// Waits for the container to leave the running state.
func (h *harness) wait(t *testing.T, id string) runtime.Info {
	t.Helper()
	var status protocol.ContainerStatusResult
	require.Eventually(t, func() bool {
		err := h.call(t, protocol.CmdContainerStatus, &protocol.ContainerRequest{ID: id}, &status)
		return err == nil && status.Container.Done()
	}, 5*time.Second, 10*time.Millisecond)
	return status.Container
}

func TestBuildRunAndLogs(t *testing.T) {
	h := newHarness(t)
	built := h.buildApp(t)
	assert.Equal(t, "app:latest", built.Ref)

	var run protocol.ContainerRunResult
	require.NoError(t, h.call(t, protocol.CmdContainerRun, &protocol.ContainerRunRequest{Image: "app"}, &run))
	require.NotEmpty(t, run.ID)

	info := h.wait(t, run.ID)
	assert.Equal(t, runtime.StateExited, info.State)
	assert.Equal(t, built.ImageID, info.ImageID)

	var logs protocol.ContainerLogsResult
	require.NoError(t, h.call(t, protocol.CmdContainerLogs, &protocol.ContainerRequest{ID: run.ID}, &logs))
	assert.Equal(t, "hello\n", logs.Output)

	var list protocol.ContainerListResult
	require.NoError(t, h.call(t, protocol.CmdContainerList, nil, &list))
	require.Len(t, list.Containers, 1)

	require.NoError(t, h.call(t, protocol.CmdContainerRemove, &protocol.ContainerRequest{ID: run.ID}, nil))
	err := h.call(t, protocol.CmdContainerStatus, &protocol.ContainerRequest{ID: run.ID}, nil)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestStopRunningContainer(t *testing.T) {
	h := newHarness(t)
	h.buildApp(t)

	var run protocol.ContainerRunResult
	require.NoError(t, h.call(t, protocol.CmdContainerRun, &protocol.ContainerRunRequest{
		Image: "app",
		Args:  []string{"sleep", "infinity"},
	}, &run))

	err := h.call(t, protocol.CmdContainerRemove, &protocol.ContainerRequest{ID: run.ID}, nil)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	require.NoError(t, h.call(t, protocol.CmdContainerStop, &protocol.ContainerStopRequest{ID: run.ID}, nil))
	info := h.wait(t, run.ID)
	assert.Equal(t, 143, info.ExitCode)
}

func TestImageCommands(t *testing.T) {
	h := newHarness(t)
	built := h.buildApp(t)

	var list protocol.ImageListResult
	require.NoError(t, h.call(t, protocol.CmdImageList, nil, &list))
	require.Len(t, list.Images, 1)
	assert.Equal(t, "app:latest", list.Images[0].String())

	var inspect protocol.ImageInspectResult
	require.NoError(t, h.call(t, protocol.CmdImageInspect, &protocol.ImageRequest{Ref: "app"}, &inspect))
	assert.Equal(t, built.ImageID, inspect.ID)
	assert.Equal(t, []string{"cat", "/app.txt"}, inspect.Image.Config.Cmd)

	require.NoError(t, h.call(t, protocol.CmdImageUntag, &protocol.ImageRequest{Ref: "app:latest"}, nil))
	err := h.call(t, protocol.CmdImageInspect, &protocol.ImageRequest{Ref: "app"}, nil)
	assert.True(t, errdefs.IsNotFound(err))

	// Dereferencing the last binding already removed the layers.
	var pruned protocol.PruneResult
	require.NoError(t, h.call(t, protocol.CmdPrune, nil, &pruned))
	assert.Empty(t, pruned.Layers)
}

func TestPruneRemovesLayersOfFailedBuild(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.context, "data.txt"), []byte("data\n"), 0644))

	err := h.call(t, protocol.CmdBuild, &protocol.BuildRequest{
		Name:    "app",
		Context: h.context,
		Instructions: []build.Instruction{
			build.From("scratch"),
			build.Copy("data.txt", "/data.txt"),
			build.Run("exit 1"),
		},
	}, nil)
	require.Error(t, err)

	var pruned protocol.PruneResult
	require.NoError(t, h.call(t, protocol.CmdPrune, nil, &pruned))
	assert.Len(t, pruned.Layers, 1)
}

func TestFailedBuildReportsError(t *testing.T) {
	h := newHarness(t)

	err := h.call(t, protocol.CmdBuild, &protocol.BuildRequest{
		Name:         "app",
		Instructions: []build.Instruction{build.From("missing")},
	}, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	err := h.call(t, protocol.Command("container.teleport"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestMalformedRequest(t *testing.T) {
	h := newHarness(t)

	conn, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	env, _, err := protocol.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdError, env.Command)
}

func TestStatusAndShutdown(t *testing.T) {
	h := newHarness(t)
	h.buildApp(t)

	var status protocol.StatusResult
	require.NoError(t, h.call(t, protocol.CmdStatus, nil, &status))
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.Pid)
	assert.Equal(t, 1, status.Builds)
	assert.Equal(t, 1, status.Images)
	assert.NotEmpty(t, status.LayerUsage)

	require.NoError(t, h.call(t, protocol.CmdShutdown, nil, nil))
	select {
	case <-h.srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Eventually(t, func() bool {
		_, err := os.Stat(h.socket)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}

//go:build linux

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/layer"
)

// Static helper binary copied into test roots, built once by [TestMain].
var (
	hostcmd    string
	hostcmdErr error
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "stevedore-hostcmd-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	hostcmd, hostcmdErr = buildHostCmd(dir)

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// Compiles testdata/hostcmd without cgo so it runs in a root with no libc.
func buildHostCmd(dir string) (string, error) {
	goBin, err := exec.LookPath("go")
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, "hostcmd")
	cmd := exec.Command(goBin, "build", "-o", out, "./testdata/hostcmd")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: %s", err, output)
	}
	return out, nil
}

// Creates a root holding /bin/hostcmd and /app.txt.
func newRoot(t *testing.T) string {
	t.Helper()
	if hostcmdErr != nil {
		t.Skipf("helper binary unavailable: %v", hostcmdErr)
	}

	root := t.TempDir()
	data, err := os.ReadFile(hostcmd)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "hostcmd"), data, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.txt"), []byte("hello"), 0644))
	return root
}

// Skips the test when the kernel refuses to create the namespaces.
func requireNamespaces(t *testing.T, root string) {
	t.Helper()
	e := &HostExecutor{Isolate: true}
	proc, err := e.Start(context.Background(), ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/hostcmd", "exit", "0"}},
	})
	if err != nil {
		t.Skipf("namespaces unavailable: %v", err)
	}
	_, err = proc.Wait()
	require.NoError(t, err)
}

func run(t *testing.T, e Executor, cfg ProcessConfig) *ExecResult {
	t.Helper()
	res, err := Exec(context.Background(), e, cfg)
	require.NoError(t, err)
	return res
}

func TestNewDefaultsToIsolatedExecutor(t *testing.T) {
	rt, err := New(Options{Root: t.TempDir(), Layers: &layer.Store{}, Images: &image.Store{}})
	require.NoError(t, err)

	e, ok := rt.executor.(*HostExecutor)
	require.True(t, ok)
	assert.True(t, e.Isolate)
}

func TestIsolatedProcessSeesImageNotHost(t *testing.T) {
	root := newRoot(t)
	requireNamespaces(t, root)

	hostFile := filepath.Join(t.TempDir(), "host.txt")
	require.NoError(t, os.WriteFile(hostFile, []byte("host"), 0644))

	e := &HostExecutor{Isolate: true}

	res := run(t, e, ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/hostcmd", "cat", "/app.txt"}},
	})
	assert.Equal(t, 0, res.ExitCode, res.Stderr)
	assert.Equal(t, "hello", res.Stdout)

	res = run(t, e, ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/hostcmd", "cat", hostFile}},
	})
	assert.Equal(t, 1, res.ExitCode)
	assert.Empty(t, res.Stdout)

	res = run(t, e, ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/hostcmd", "pid"}},
	})
	assert.Equal(t, "1", res.Stdout, "process must be init of its own PID namespace")
}

func TestIsolatedWritesStayInRoot(t *testing.T) {
	root := newRoot(t)
	requireNamespaces(t, root)

	target := filepath.Join(t.TempDir(), "leak.txt")
	res := run(t, &HostExecutor{Isolate: true}, ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/hostcmd", "write", "/out.txt", "x"}},
	})
	require.Equal(t, 0, res.ExitCode, res.Stderr)

	data, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	res = run(t, &HostExecutor{Isolate: true}, ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/hostcmd", "write", target, "x"}},
	})
	assert.NotEqual(t, 0, res.ExitCode)
	assert.NoFileExists(t, target)
}

func TestIsolatedRelativeWorkdir(t *testing.T) {
	root := newRoot(t)
	requireNamespaces(t, root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "srv"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "srv", "conf"), []byte("cfg"), 0644))

	res := run(t, &HostExecutor{Isolate: true}, ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/hostcmd", "cat", "conf"}, Cwd: "/srv"},
	})
	assert.Equal(t, 0, res.ExitCode, res.Stderr)
	assert.Equal(t, "cfg", res.Stdout)
}

func TestExitStatus(t *testing.T) {
	root := newRoot(t)
	requireNamespaces(t, root)

	for _, isolate := range []bool{true, false} {
		t.Run(fmt.Sprintf("isolate=%v", isolate), func(t *testing.T) {
			res := run(t, &HostExecutor{Isolate: isolate}, ProcessConfig{
				Root:    root,
				Process: specs.Process{Args: []string{"/bin/hostcmd", "exit", "3"}},
			})
			assert.Equal(t, 3, res.ExitCode)
		})
	}
}

func TestSignalledProcessReportsSignalStatus(t *testing.T) {
	root := newRoot(t)
	requireNamespaces(t, root)

	tests := []struct {
		name    string
		isolate bool
		sig     syscall.Signal
		want    int
	}{
		// Init of a PID namespace ignores signals it has no handler for,
		// except SIGKILL.
		{"host namespaces SIGTERM", false, syscall.SIGTERM, 143},
		{"isolated SIGKILL", true, syscall.SIGKILL, 137},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &HostExecutor{Isolate: tt.isolate}
			proc, err := e.Start(context.Background(), ProcessConfig{
				Root:    root,
				Process: specs.Process{Args: []string{"/bin/hostcmd", "wait"}},
			})
			require.NoError(t, err)
			assert.NotZero(t, proc.Pid())

			require.NoError(t, proc.Signal(tt.sig))
			code, err := proc.Wait()
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)

			require.NoError(t, proc.Signal(syscall.SIGTERM), "signalling an exited process is a no-op")
		})
	}
}

func TestIsolatedVolumes(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("bind mounts require root")
	}
	root := newRoot(t)
	requireNamespaces(t, root)

	rw := t.TempDir()
	ro := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ro, "seed.txt"), []byte("seed"), 0644))

	e := &HostExecutor{Isolate: true}
	mounts := []specs.Mount{
		{Type: "bind", Source: rw, Destination: "/data", Options: []string{"rbind"}},
		{Type: "bind", Source: ro, Destination: "/config", Options: []string{"rbind", "ro"}},
	}
	do := func(args ...string) *ExecResult {
		return run(t, e, ProcessConfig{
			Root:    root,
			Process: specs.Process{Args: append([]string{"/bin/hostcmd"}, args...)},
			Mounts:  mounts,
		})
	}

	res := do("cat", "/config/seed.txt")
	assert.Equal(t, "seed", res.Stdout, res.Stderr)

	res = do("write", "/data/out.txt", "written")
	require.Equal(t, 0, res.ExitCode, res.Stderr)
	data, err := os.ReadFile(filepath.Join(rw, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))

	res = do("write", "/config/new.txt", "x")
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "read-only")
	assert.NoFileExists(t, filepath.Join(ro, "new.txt"))

	// Mount points are detached once the process has exited.
	assert.NoFileExists(t, filepath.Join(root, "data", "out.txt"))
	assert.NoFileExists(t, filepath.Join(root, "config", "seed.txt"))
}

func TestRootlessIsolationRejectsVolumes(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	root := newRoot(t)

	e := &HostExecutor{Isolate: true}
	_, err := e.Start(context.Background(), ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/hostcmd", "exit", "0"}},
		Mounts:  []specs.Mount{{Type: "bind", Source: t.TempDir(), Destination: "/data"}},
	})
	require.ErrorIs(t, err, ErrInvalidVolume)
}

func TestHostExecutorMissingExecutable(t *testing.T) {
	root := newRoot(t)

	_, err := (&HostExecutor{Isolate: true}).Start(context.Background(), ProcessConfig{
		Root:    root,
		Process: specs.Process{Args: []string{"/bin/missing"}},
	})
	require.ErrorIs(t, err, ErrExecutableNotFound)

	_, err = (&HostExecutor{Isolate: true}).Start(context.Background(), ProcessConfig{Root: root})
	require.ErrorIs(t, err, ErrNoCommand)
}

func TestExitCode(t *testing.T) {
	code, err := exitCode(nil)
	require.NoError(t, err)
	assert.Zero(t, code)

	boom := errors.New("boom")
	_, err = exitCode(boom)
	assert.ErrorIs(t, err, boom)
}

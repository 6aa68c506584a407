package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	securejoin "github.com/cyphar/filepath-securejoin"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// PATH used to find executables when the environment does not set one.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Sequence counter for generating unique exec process identifiers.
var execSeq uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", atomic.AddUint64(&execSeq, 1))
}

// Everything an [Executor] needs to start one process.
type ProcessConfig struct {
	ID      string        // Identifier used in logs.
	Root    string        // Host directory holding the process root filesystem.
	Process specs.Process // Args, Env and Cwd; Cwd is a path inside Root.
	Mounts  []specs.Mount // Bind mounts of host paths into Root.
	Stdin   io.Reader     // Standard input, nil for none.
	Stdout  io.Writer     // Standard output, nil to discard.
	Stderr  io.Writer     // Standard error, nil to discard.
}

// A started process.
type Process interface {

	// Returns the host PID, or 0 when the process has no host PID.
	Pid() int

	// Delivers sig to the process.
	Signal(sig os.Signal) error

	// Blocks until the process exits and returns its exit status. A process
	// killed by a signal reports 128 plus the signal number.
	Wait() (int, error)
}

// Process execution facility of the host.
//
// Implementations set up whatever isolation they offer (namespaces, chroot,
// resource limits) and start the process described by the config.
type Executor interface {
	Start(ctx context.Context, cfg ProcessConfig) (Process, error)
}

// Output of a command execution.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// Runs a process to completion and captures its output.
//
// A non-zero exit code is not treated as an error; the caller decides.
func Exec(ctx context.Context, e Executor, cfg ProcessConfig) (*ExecResult, error) {
	if cfg.ID == "" {
		cfg.ID = nextExecID()
	}

	var stdout, stderr bytes.Buffer
	cfg.Stdout = teeWriter(&stdout, cfg.Stdout)
	cfg.Stderr = teeWriter(&stderr, cfg.Stderr)

	proc, err := e.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}

	code, err := proc.Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: wait for %s: %w", ErrRuntime, cfg.ID, err)
	}

	return &ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Merges override env vars on top of a base env slice.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	for _, entry := range overrides {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	result := make([]string, 0, len(merged))
	for k, v := range merged {
		result = append(result, k+"="+v)
	}
	return result
}

// Finds the executable for name inside root.
//
// Names containing a slash are taken as paths, relative ones resolved
// against cwd. Bare names are searched in the PATH from env. Returns the path
// inside root; the host location is confined to root.
func lookPath(root, name, cwd string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		p := name
		if !path.IsAbs(p) {
			p = path.Join("/", cwd, p)
		}
		if !executableIn(root, p) {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
		}
		return p, nil
	}

	searchPath := defaultPath
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			searchPath = v
		}
	}

	for _, dir := range filepath.SplitList(searchPath) {
		if !path.IsAbs(dir) {
			continue
		}
		p := path.Join(dir, name)
		if executableIn(root, p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
}

// Reports whether p names an executable regular file inside root.
func executableIn(root, p string) bool {
	host, err := securejoin.SecureJoin(root, p)
	if err != nil {
		return false
	}
	info, err := os.Stat(host)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}

// Returns a writer feeding both w and extra, or w alone when extra is nil.
func teeWriter(w io.Writer, extra io.Writer) io.Writer {
	if extra == nil {
		return w
	}
	return io.MultiWriter(w, extra)
}

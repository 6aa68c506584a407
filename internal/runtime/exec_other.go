//go:build !linux

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Runs processes on the host. Namespace isolation, bind mounts and memory
// limits are only available on Linux; Isolate and MemoryLimit are rejected
// elsewhere.
type HostExecutor struct {
	Isolate     bool
	MemoryLimit uint64
}

// Starts the process described by cfg.
func (e *HostExecutor) Start(ctx context.Context, cfg ProcessConfig) (Process, error) {
	if e.Isolate || e.MemoryLimit > 0 || len(cfg.Mounts) > 0 {
		return nil, fmt.Errorf("%w: isolation is not supported on this platform", ErrRuntime)
	}
	args := cfg.Process.Args
	if len(args) == 0 {
		return nil, ErrNoCommand
	}
	cwd := cfg.Process.Cwd
	if cwd == "" {
		cwd = "/"
	}

	name, err := lookPath(cfg.Root, args[0], cwd, cfg.Process.Env)
	if err != nil {
		return nil, err
	}
	host, err := securejoin.SecureJoin(cfg.Root, name)
	if err != nil {
		return nil, err
	}
	dir, err := securejoin.SecureJoin(cfg.Root, cwd)
	if err != nil {
		return nil, err
	}

	cmd := &exec.Cmd{
		Path:   host,
		Args:   slices.Clone(args),
		Env:    cfg.Process.Env,
		Dir:    dir,
		Stdin:  cfg.Stdin,
		Stdout: cfg.Stdout,
		Stderr: cfg.Stderr,
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrRuntime, cfg.ID, err)
	}
	return &hostProcess{cmd: cmd}, nil
}

type hostProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	code int
	err  error
}

func (p *hostProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *hostProcess) Signal(sig os.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *hostProcess) Wait() (int, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.err = err
		}
	})
	return p.code, p.err
}

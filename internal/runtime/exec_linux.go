//go:build linux

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Runs processes on the host, optionally isolated in fresh namespaces.
//
// With Isolate set, each process gets its own UTS, PID, mount and IPC
// namespaces and is chrooted into the materialized root. Volumes are bind
// mounted into the root, which requires root privileges; without them the
// process also gets a user namespace mapping the caller to root, and volumes
// are rejected. Without Isolate, the process runs in the host namespaces
// with its working directory inside the root and volumes linked in; absolute
// paths then resolve on the host, so this mode is only for debugging.
type HostExecutor struct {
	Isolate     bool   // Run in new namespaces under chroot.
	MemoryLimit uint64 // Address space limit in bytes, 0 for none.
}

// Starts the process described by cfg.
func (e *HostExecutor) Start(ctx context.Context, cfg ProcessConfig) (Process, error) {
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

	cmd := &exec.Cmd{
		Args:   slices.Clone(args),
		Env:    cfg.Process.Env,
		Stdin:  cfg.Stdin,
		Stdout: cfg.Stdout,
		Stderr: cfg.Stderr,
	}

	var cleanup func()
	if e.Isolate {
		cleanup, err = e.isolate(cmd, cfg, name, cwd)
	} else {
		cleanup, err = e.direct(cmd, cfg, name, cwd)
	}
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: start %s: %w", ErrRuntime, cfg.ID, err)
	}

	if e.MemoryLimit > 0 {
		limit := &unix.Rlimit{Cur: e.MemoryLimit, Max: e.MemoryLimit}
		if err := unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_AS, limit, nil); err != nil {
			slog.Warn("failed to apply memory limit", "id", cfg.ID, "error", err)
		}
	}

	slog.Debug("process started", "id", cfg.ID, "pid", cmd.Process.Pid, "args", args, "isolated", e.Isolate)
	return &hostProcess{cmd: cmd, cleanup: cleanup}, nil
}

// Configures cmd to run in new namespaces chrooted into the root and bind
// mounts the volumes. The returned function unmounts them again.
func (e *HostExecutor) isolate(cmd *exec.Cmd, cfg ProcessConfig, name, cwd string) (func(), error) {
	cmd.Path = name
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot: cfg.Root,
		Cloneflags: syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNS |
			syscall.CLONE_NEWIPC,
		Unshareflags: syscall.CLONE_NEWNS,
	}

	if os.Geteuid() != 0 {
		if len(cfg.Mounts) > 0 {
			return nil, fmt.Errorf("%w: bind mounts require root privileges", ErrInvalidVolume)
		}
		cmd.SysProcAttr.Cloneflags |= syscall.CLONE_NEWUSER
		cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Geteuid(), Size: 1}}
		cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getegid(), Size: 1}}
		cmd.SysProcAttr.GidMappingsEnableSetgroups = false
		return func() {}, nil
	}

	var mounted []string
	unmount := func() {
		for _, target := range slices.Backward(mounted) {
			if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
				slog.Warn("failed to unmount volume", "target", target, "error", err)
			}
		}
	}

	for _, m := range cfg.Mounts {
		target, err := bindMount(cfg.Root, m)
		if err != nil {
			unmount()
			return nil, err
		}
		mounted = append(mounted, target)
	}
	return unmount, nil
}

// Configures cmd to run in the host namespaces and links volumes into the
// root. Nothing needs undoing afterwards.
func (e *HostExecutor) direct(cmd *exec.Cmd, cfg ProcessConfig, name, cwd string) (func(), error) {
	host, err := securejoin.SecureJoin(cfg.Root, name)
	if err != nil {
		return nil, err
	}
	dir, err := securejoin.SecureJoin(cfg.Root, cwd)
	if err != nil {
		return nil, err
	}
	cmd.Path = host
	cmd.Dir = dir

	for _, m := range cfg.Mounts {
		target, err := mountTarget(cfg.Root, m.Destination)
		if err != nil {
			return nil, err
		}
		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("%w: clear %s: %w", ErrInvalidVolume, m.Destination, err)
		}
		if err := os.Symlink(m.Source, target); err != nil {
			return nil, fmt.Errorf("%w: link %s: %w", ErrInvalidVolume, m.Destination, err)
		}
	}
	return func() {}, nil
}

// Bind mounts m into root and returns the host path of the mount point.
func bindMount(root string, m specs.Mount) (string, error) {
	target, err := mountTarget(root, m.Destination)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(m.Source)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidVolume, m.Source, err)
	}
	if info.IsDir() {
		err = os.MkdirAll(target, 0755)
	} else if _, statErr := os.Stat(target); errors.Is(statErr, os.ErrNotExist) {
		err = os.WriteFile(target, nil, 0644)
	}
	if err != nil {
		return "", fmt.Errorf("%w: create mount point %s: %w", ErrInvalidVolume, m.Destination, err)
	}

	if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return "", fmt.Errorf("%w: bind %s: %w", ErrInvalidVolume, m.Destination, err)
	}
	if slices.Contains(m.Options, "ro") {
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			unix.Unmount(target, unix.MNT_DETACH)
			return "", fmt.Errorf("%w: remount %s read-only: %w", ErrInvalidVolume, m.Destination, err)
		}
	}
	return target, nil
}

// Returns the host path of a mount point inside root, creating its parent.
func mountTarget(root, dest string) (string, error) {
	target, err := securejoin.SecureJoin(root, dest)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidVolume, dest, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidVolume, dest, err)
	}
	return target, nil
}

// Process started by [HostExecutor].
type hostProcess struct {
	cmd     *exec.Cmd
	cleanup func()
	once    sync.Once
	code    int
	err     error
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
		defer p.cleanup()
		p.code, p.err = exitCode(p.cmd.Wait())
	})
	return p.code, p.err
}

// Converts the result of [exec.Cmd.Wait] to an exit status.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

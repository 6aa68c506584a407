// Package runtimetest provides an in-process [runtime.Executor] for tests.
//
// The executor does not start real processes. It interprets a small shell
// subset against the process root on the host, which is enough to exercise
// builds and container lifecycles without namespaces or a real /bin/sh:
//
//	echo WORDS [> FILE | >> FILE]
//	cat FILE...
//	mkdir [-p] DIR...
//	rm [-r] [-f] PATH...
//	touch FILE...
//	env, pwd, true, false
//	sleep SECONDS | sleep infinity
//	trap '' TERM
//	exit CODE
//
// Commands are joined with ";" or "&&". Both "sh -c SCRIPT" and a plain argv
// are accepted.
package runtimetest

import (
	"context"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/cruciblehq/stevedore/internal/runtime"
)

var pidSeq atomic.Int64

// Fake process executor.
type Executor struct {
	mu      sync.Mutex
	started []runtime.ProcessConfig
}

// Returns a new fake executor.
func New() *Executor {
	return &Executor{}
}

// Starts the script described by cfg in a goroutine.
func (e *Executor) Start(ctx context.Context, cfg runtime.ProcessConfig) (runtime.Process, error) {
	if len(cfg.Process.Args) == 0 {
		return nil, runtime.ErrNoCommand
	}

	e.mu.Lock()
	e.started = append(e.started, cfg)
	e.mu.Unlock()

	p := &process{
		pid:     int(1000 + pidSeq.Add(1)),
		signals: make(chan syscall.Signal, 8),
		done:    make(chan struct{}),
	}
	sh := &shell{
		proc:   p,
		root:   cfg.Root,
		cwd:    cfg.Process.Cwd,
		env:    slices.Clone(cfg.Process.Env),
		mounts: slices.Clone(cfg.Mounts),
		stdout: cfg.Stdout,
		stderr: cfg.Stderr,
	}
	if sh.cwd == "" {
		sh.cwd = "/"
	}

	// Leading traps take effect before Start returns, as if the process had
	// installed its handlers immediately.
	cmds := script(cfg.Process.Args)
	for len(cmds) > 0 && cmds[0].args[0] == "trap" {
		sh.exec(cmds[0])
		cmds = cmds[1:]
	}

	go func() {
		defer close(p.done)
		p.code = sh.run(cmds)
	}()
	return p, nil
}

// Returns the configs of every process started so far.
func (e *Executor) Started() []runtime.ProcessConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.started)
}

// Returns the config of the most recently started process.
func (e *Executor) Last() (runtime.ProcessConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.started) == 0 {
		return runtime.ProcessConfig{}, false
	}
	return e.started[len(e.started)-1], true
}

// Returns the commands for args: the parsed argument of "sh -c", or args
// itself as a single command.
func script(args []string) []command {
	if len(args) >= 3 && slices.Contains(shells, args[0]) && args[1] == "-c" {
		return parse(args[2])
	}
	return []command{{args: args}}
}

var shells = []string{"sh", "/bin/sh", "bash", "/bin/bash"}

// Fake process.
type process struct {
	pid        int
	ignoreTerm atomic.Bool
	signals    chan syscall.Signal
	done       chan struct{}
	code       int
}

func (p *process) Pid() int {
	return p.pid
}

func (p *process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	select {
	case p.signals <- s:
	default:
	}
	return nil
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

// Returns the exit code for a pending fatal signal, or -1.
func (p *process) pending() int {
	for {
		select {
		case s := <-p.signals:
			if s == syscall.SIGTERM && p.ignoreTerm.Load() {
				continue
			}
			return 128 + int(s)
		default:
			return -1
		}
	}
}

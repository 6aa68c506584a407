package build

import (
	"maps"
	"path"
	"slices"
	"sort"

	"github.com/cruciblehq/stevedore/internal/image"
)

// Default shell used for RUN when neither the base image nor a SHELL
// instruction sets one.
const defaultShell = "/bin/sh"

// Tracks the image configuration accumulated during a build.
//
// State flows linearly through the instruction list, starting from the base
// image's configuration. Metadata instructions update it via apply; RUN and
// COPY read it.
type stepState struct {
	shell      string
	workdir    string
	env        map[string]string
	cmd        []string
	stopSignal string
}

// Creates a new [stepState] with default values.
func newStepState() *stepState {
	return &stepState{
		shell: defaultShell,
		env:   make(map[string]string),
	}
}

// Creates a [stepState] inheriting the configuration of a base image.
func stateFrom(cfg image.Config) *stepState {
	s := newStepState()
	if cfg.Shell != "" {
		s.shell = cfg.Shell
	}
	s.workdir = cfg.WorkingDir
	maps.Copy(s.env, cfg.Env)
	s.cmd = slices.Clone(cfg.Cmd)
	s.stopSignal = cfg.StopSignal
	return s
}

// Persists a metadata instruction into the state.
//
// A relative WORKDIR is resolved against the current working directory, or
// against / when none is set.
func (s *stepState) apply(in Instruction) {
	if in.Shell != "" {
		s.shell = in.Shell
	}
	if in.Workdir != "" {
		if path.IsAbs(in.Workdir) {
			s.workdir = path.Clean(in.Workdir)
		} else {
			s.workdir = path.Join("/", s.workdir, in.Workdir)
		}
	}
	maps.Copy(s.env, in.Env)
	if len(in.Cmd) > 0 {
		s.cmd = slices.Clone(in.Cmd)
	}
	if in.StopSignal != "" {
		s.stopSignal = in.StopSignal
	}
}

// Returns the working directory for processes, / when none is set.
func (s *stepState) cwd() string {
	if s.workdir == "" {
		return "/"
	}
	return s.workdir
}

// Formats the environment as a sorted list of "key=value" strings suitable
// for passing to a process.
func (s *stepState) environ() []string {
	env := make([]string, 0, len(s.env))
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Returns the image configuration described by the state.
func (s *stepState) config() image.Config {
	cfg := image.Config{
		Cmd:        slices.Clone(s.cmd),
		WorkingDir: s.workdir,
		Env:        maps.Clone(s.env),
		StopSignal: s.stopSignal,
	}
	if s.shell != defaultShell {
		cfg.Shell = s.shell
	}
	return cfg
}

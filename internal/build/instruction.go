package build

import (
	"fmt"
	"strings"
)

// Instruction kinds.
type Kind string

const (
	KindFrom       Kind = "FROM"
	KindRun        Kind = "RUN"
	KindCopy       Kind = "COPY"
	KindWorkdir    Kind = "WORKDIR"
	KindCmd        Kind = "CMD"
	KindEnv        Kind = "ENV"
	KindShell      Kind = "SHELL"
	KindStopSignal Kind = "STOPSIGNAL"
)

// One build instruction. Exactly one field is set.
type Instruction struct {
	From       string            `json:"from,omitempty"`       // Base image reference, or "scratch".
	Run        string            `json:"run,omitempty"`        // Shell command.
	Copy       string            `json:"copy,omitempty"`       // "src dst", src relative to the build context.
	Workdir    string            `json:"workdir,omitempty"`    // Working directory for later instructions and the image.
	Cmd        []string          `json:"cmd,omitempty"`        // Default command of the image.
	Env        map[string]string `json:"env,omitempty"`        // Environment variables to set.
	Shell      string            `json:"shell,omitempty"`      // Shell used by RUN.
	StopSignal string            `json:"stopsignal,omitempty"` // Signal that stops containers of the image.
}

func From(ref string) Instruction          { return Instruction{From: ref} }
func Run(command string) Instruction       { return Instruction{Run: command} }
func Copy(src, dst string) Instruction     { return Instruction{Copy: src + " " + dst} }
func Workdir(dir string) Instruction       { return Instruction{Workdir: dir} }
func Cmd(args ...string) Instruction       { return Instruction{Cmd: args} }
func Env(key, value string) Instruction    { return Instruction{Env: map[string]string{key: value}} }
func Shell(shell string) Instruction       { return Instruction{Shell: shell} }
func StopSignal(signal string) Instruction { return Instruction{StopSignal: signal} }

// Returns the kind of the instruction, or [ErrInvalidInstruction] unless
// exactly one field is set.
func (in Instruction) Kind() (Kind, error) {
	var kinds []Kind
	if in.From != "" {
		kinds = append(kinds, KindFrom)
	}
	if in.Run != "" {
		kinds = append(kinds, KindRun)
	}
	if in.Copy != "" {
		kinds = append(kinds, KindCopy)
	}
	if in.Workdir != "" {
		kinds = append(kinds, KindWorkdir)
	}
	if len(in.Cmd) > 0 {
		kinds = append(kinds, KindCmd)
	}
	if len(in.Env) > 0 {
		kinds = append(kinds, KindEnv)
	}
	if in.Shell != "" {
		kinds = append(kinds, KindShell)
	}
	if in.StopSignal != "" {
		kinds = append(kinds, KindStopSignal)
	}

	switch len(kinds) {
	case 1:
		return kinds[0], nil
	case 0:
		return "", fmt.Errorf("%w: empty instruction", ErrInvalidInstruction)
	default:
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		return "", fmt.Errorf("%w: instruction sets %s", ErrInvalidInstruction, strings.Join(names, " and "))
	}
}

// Returns the instruction in Dockerfile-like notation, for logs and errors.
func (in Instruction) String() string {
	kind, err := in.Kind()
	if err != nil {
		return "<invalid>"
	}
	switch kind {
	case KindFrom:
		return "FROM " + in.From
	case KindRun:
		return "RUN " + in.Run
	case KindCopy:
		return "COPY " + in.Copy
	case KindWorkdir:
		return "WORKDIR " + in.Workdir
	case KindCmd:
		return fmt.Sprintf("CMD %q", in.Cmd)
	case KindEnv:
		return fmt.Sprintf("ENV %v", in.Env)
	case KindShell:
		return "SHELL " + in.Shell
	default:
		return "STOPSIGNAL " + in.StopSignal
	}
}

package build

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrBuild               = errors.New("build failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrMissingFrom         = fmt.Errorf("first instruction must be FROM: %w", errdefs.ErrInvalidArgument)
	ErrInvalidInstruction  = fmt.Errorf("invalid instruction: %w", errdefs.ErrInvalidArgument)
	ErrBaseImageNotFound   = fmt.Errorf("base image %w", errdefs.ErrNotFound)
	ErrSourceNotFound      = fmt.Errorf("copy source %w", errdefs.ErrNotFound)
	ErrCommandFailed       = errors.New("command failed")
)

// Failure of a RUN command.
type CommandFailedError struct {
	Command  string // Command as given to the shell.
	ExitCode int    // Non-zero exit status.
	Stderr   string // Captured standard error.
}

func (e *CommandFailedError) Error() string {
	msg := fmt.Sprintf("%s: %q exited with code %d", ErrCommandFailed, e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Matches [ErrCommandFailed].
func (e *CommandFailedError) Is(target error) bool {
	return target == ErrCommandFailed
}

package runtime

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrRuntime               = errors.New("runtime error")
	ErrNotFound              = fmt.Errorf("container %w", errdefs.ErrNotFound)
	ErrContainerStillRunning = fmt.Errorf("container still running: %w", errdefs.ErrFailedPrecondition)
	ErrInvalidState          = fmt.Errorf("invalid container state: %w", errdefs.ErrFailedPrecondition)
	ErrInvalidVolume         = fmt.Errorf("invalid volume: %w", errdefs.ErrInvalidArgument)
	ErrNoCommand             = fmt.Errorf("no command: %w", errdefs.ErrInvalidArgument)
	ErrExecutableNotFound    = fmt.Errorf("executable %w", errdefs.ErrNotFound)
)

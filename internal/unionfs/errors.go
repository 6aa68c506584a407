package unionfs

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrNotFound     = fmt.Errorf("path %w", errdefs.ErrNotFound)
	ErrExists       = fmt.Errorf("path %w", errdefs.ErrAlreadyExists)
	ErrIsDir        = fmt.Errorf("is a directory: %w", errdefs.ErrInvalidArgument)
	ErrNotDir       = fmt.Errorf("not a directory: %w", errdefs.ErrInvalidArgument)
	ErrReadOnly     = fmt.Errorf("read-only volume: %w", errdefs.ErrPermissionDenied)
	ErrMountPoint   = fmt.Errorf("volume mount point: %w", errdefs.ErrFailedPrecondition)
	ErrTooManyLinks = errors.New("too many levels of symbolic links")
)

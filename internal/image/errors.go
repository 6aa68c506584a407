package image

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrImageNotFound    = fmt.Errorf("image %w", errdefs.ErrNotFound)
	ErrInvalidReference = fmt.Errorf("invalid image reference: %w", errdefs.ErrInvalidArgument)
	ErrInvalidImage     = errors.New("invalid image config")
)

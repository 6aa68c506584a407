package layer

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrNotFound      = fmt.Errorf("layer %w", errdefs.ErrNotFound)
	ErrCorrupted     = fmt.Errorf("layer content does not match digest: %w", errdefs.ErrDataLoss)
	ErrNotReferenced = fmt.Errorf("layer has no references: %w", errdefs.ErrFailedPrecondition)
	ErrInvalidDigest = fmt.Errorf("invalid layer digest: %w", errdefs.ErrInvalidArgument)
	ErrInvalidLayer  = errors.New("invalid layer archive")
)

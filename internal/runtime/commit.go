package runtime

import (
	"bytes"
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/layer"
)

// Stores the container's writable layer as a new layer on top of its image
// and binds the result to ref. Returns the new image ID.
//
// The container must not be running. Volume content is never part of the
// writable layer and is not committed. A container without changes commits
// its image unchanged.
func (rt *Runtime) Commit(ctx context.Context, id, ref string) (digest.Digest, error) {
	target, err := image.ParseReference(ref)
	if err != nil {
		return "", err
	}

	c, err := rt.lookup(id)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.info.State == StateRunning {
		return "", fmt.Errorf("%w: cannot commit running container %s", ErrInvalidState, id)
	}

	entries, err := c.upper.Entries()
	if err != nil {
		return "", fmt.Errorf("%w: read writable layer: %w", ErrRuntime, err)
	}

	img := c.img.Clone()
	if len(entries) > 0 {
		data, err := layer.Build(entries)
		if err != nil {
			return "", fmt.Errorf("%w: build layer: %w", ErrRuntime, err)
		}
		d, release, err := rt.layers.PutLeased(ctx, bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		defer release()
		img.Layers = append(img.Layers, d)
	}

	imageID, err := rt.images.Register(ctx, target.Name, target.Tag, img)
	if err != nil {
		return "", err
	}

	rt.logger.Info("container committed", "id", id, "ref", target, "image", imageID)
	return imageID, nil
}

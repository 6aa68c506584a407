package runtime

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// Returns the content of the file at p inside the container.
//
// While the container runs, reads see the filesystem as it was when the
// process started, plus live volume content.
func (rt *Runtime) ReadFile(ctx context.Context, id, p string) ([]byte, error) {
	var data []byte
	err := rt.withView(ctx, id, false, func(v *unionfs.View) error {
		var err error
		data, err = v.Read(p)
		return err
	})
	return data, err
}

// Writes data to the file at p inside the container, copying it up into
// the writable layer. Fails with [ErrInvalidState] while the container runs.
func (rt *Runtime) WriteFile(ctx context.Context, id, p string, data []byte, mode fs.FileMode) error {
	return rt.withView(ctx, id, true, func(v *unionfs.View) error {
		return v.Write(p, data, mode)
	})
}

// Creates the directory p inside the container.
func (rt *Runtime) Mkdir(ctx context.Context, id, p string, mode fs.FileMode) error {
	return rt.withView(ctx, id, true, func(v *unionfs.View) error {
		return v.Mkdir(p, mode)
	})
}

// Removes p inside the container. Image content is hidden with a whiteout.
func (rt *Runtime) RemoveFile(ctx context.Context, id, p string) error {
	return rt.withView(ctx, id, true, func(v *unionfs.View) error {
		return v.Remove(p)
	})
}

// Returns metadata for p inside the container.
func (rt *Runtime) Stat(ctx context.Context, id, p string) (unionfs.Info, error) {
	var info unionfs.Info
	err := rt.withView(ctx, id, false, func(v *unionfs.View) error {
		var err error
		info, err = v.Stat(p)
		return err
	})
	return info, err
}

// Lists the directory p inside the container.
func (rt *Runtime) ReadDir(ctx context.Context, id, p string) ([]unionfs.Info, error) {
	var infos []unionfs.Info
	err := rt.withView(ctx, id, false, func(v *unionfs.View) error {
		var err error
		infos, err = v.ReadDir(p)
		return err
	})
	return infos, err
}

// Runs fn on the container's view with the container locked.
func (rt *Runtime) withView(ctx context.Context, id string, write bool, fn func(*unionfs.View) error) error {
	c, err := rt.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if write && c.info.State == StateRunning {
		return fmt.Errorf("%w: container %s is running", ErrInvalidState, id)
	}

	v, err := rt.viewOf(ctx, c)
	if err != nil {
		return err
	}
	return fn(v)
}

// Returns the view of c, building it on first use. Must be called with c.mu
// held.
func (rt *Runtime) viewOf(ctx context.Context, c *Container) (*unionfs.View, error) {
	if c.view != nil {
		return c.view, nil
	}
	lowers, err := rt.loadLayers(ctx, c.img.Layers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	c.view = unionfs.New(c.upper, lowers, c.info.Volumes)
	return c.view, nil
}

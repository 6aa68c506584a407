package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/containerd/containerd/v2/pkg/archive"
	"github.com/containerd/continuity/fs"
	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// Applies layers to dir in order, base first.
//
// Each layer is verified while it is applied; a corrupt layer aborts with
// [layer.ErrCorrupted] and leaves dir partially populated.
func Materialize(ctx context.Context, store *layer.Store, layers []digest.Digest, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, d := range layers {
		if err := applyLayer(ctx, store, d, dir); err != nil {
			return fmt.Errorf("apply layer %s: %w", d, err)
		}
	}
	return nil
}

// Applies the content of a writable layer to dir, including its deletions.
func ApplyUpper(ctx context.Context, upper *unionfs.Upper, dir string) error {
	entries, err := upper.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(layer.Write(pw, entries))
	}()
	defer pr.Close()

	if _, err := archive.Apply(ctx, dir, pr, archive.WithNoSameOwner()); err != nil {
		return fmt.Errorf("apply writable layer: %w", err)
	}
	return nil
}

// Copies the directory tree at src to dst, preserving modes and timestamps.
func Copy(dst, src string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if err := fs.CopyDir(dst, src); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

// Stores the difference between base and work as a new layer.
//
// Paths in exclude, and everything below them, are left out. The layer is
// returned leased; the caller releases it once the layer is referenced.
func Commit(ctx context.Context, store *layer.Store, base, work string, exclude ...string) (digest.Digest, func(), error) {
	entries, err := Capture(ctx, base, work, exclude...)
	if err != nil {
		return "", nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(layer.Write(pw, entries))
	}()

	d, release, err := store.PutLeased(ctx, pr)
	pr.CloseWithError(err)
	if err != nil {
		return "", nil, fmt.Errorf("store layer: %w", err)
	}
	return d, release, nil
}

// Applies one stored layer, draining the stream so it gets verified.
func applyLayer(ctx context.Context, store *layer.Store, d digest.Digest, dir string) error {
	rc, err := store.Open(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := archive.Apply(ctx, dir, rc, archive.WithNoSameOwner()); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return err
	}
	return nil
}

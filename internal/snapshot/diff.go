package snapshot

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/containerd/continuity/fs"

	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// One path that differs between two directory trees.
type Change struct {
	Kind fs.ChangeKind // Add, modify or delete.
	Path string        // Clean absolute path inside the tree.
	Host string        // Host path in the changed tree, empty for deletions.
	Info os.FileInfo   // Metadata in the changed tree, nil for deletions.
}

// Returns the changes that turn base into work, in path order.
//
// Paths in exclude, and everything below them, are skipped, as are the
// children of deleted directories since the deletion already covers them.
func Diff(ctx context.Context, base, work string, exclude ...string) ([]Change, error) {
	var changes []Change
	var deleted []string

	err := fs.Changes(ctx, base, work, func(kind fs.ChangeKind, p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		p = path.Clean("/" + filepath.ToSlash(p))
		if kind == fs.ChangeKindUnmodified || p == "/" || under(p, exclude) || under(p, deleted) {
			return nil
		}

		c := Change{Kind: kind, Path: p}
		if kind == fs.ChangeKindDelete {
			deleted = append(deleted, p)
		} else {
			c.Host = filepath.Join(work, filepath.FromSlash(p))
			c.Info = info
		}
		changes = append(changes, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compute changes: %w", err)
	}
	return changes, nil
}

// Returns the changes between base and work as layer entries.
func Capture(ctx context.Context, base, work string, exclude ...string) ([]layer.Entry, error) {
	changes, err := Diff(ctx, base, work, exclude...)
	if err != nil {
		return nil, err
	}

	entries := make([]layer.Entry, 0, len(changes))
	for _, c := range changes {
		if c.Kind == fs.ChangeKindDelete {
			entries = append(entries, layer.WhiteoutEntry(c.Path))
			continue
		}
		entry, ok, err := unionfs.HostEntry(c.Path, c.Host, c.Info)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", c.Path, err)
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Folds the changes between base and work into a writable layer.
func ApplyChanges(ctx context.Context, upper *unionfs.Upper, base, work string, exclude ...string) error {
	changes, err := Diff(ctx, base, work, exclude...)
	if err != nil {
		return err
	}

	for _, c := range changes {
		if err := applyChange(upper, c); err != nil {
			return fmt.Errorf("apply change to %s: %w", c.Path, err)
		}
	}
	return nil
}

func applyChange(upper *unionfs.Upper, c Change) error {
	if c.Kind == fs.ChangeKindDelete {
		return upper.Whiteout(c.Path)
	}

	mode := c.Info.Mode()
	switch {
	case mode.IsDir():
		return upper.Mkdir(c.Path, mode, false)
	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(c.Host)
		if err != nil {
			return err
		}
		return upper.Symlink(c.Path, target)
	case mode.IsRegular():
		f, err := os.Open(c.Host)
		if err != nil {
			return err
		}
		defer f.Close()
		return upper.WriteFile(c.Path, f, mode)
	}
	return nil
}

// Reports whether p is one of dirs or lies below one of them.
func under(p string, dirs []string) bool {
	for _, d := range dirs {
		d = path.Clean("/" + d)
		if p == d || d == "/" || strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

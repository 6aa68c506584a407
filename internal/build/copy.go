package build

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// Parsed COPY instruction.
type copySpec struct {
	src  string // Clean slash-separated path relative to the build context.
	dest string // Absolute destination inside the image.
	into bool   // Destination is a directory: trailing slash or existing.
}

// Parses a copy string into source and destination paths.
//
// The string must contain exactly two whitespace-separated tokens. If dest
// is not absolute, it is joined with workdir, which must be set. A source
// leaving the build context is rejected.
func parseCopy(s, workdir string) (copySpec, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return copySpec{}, fmt.Errorf("%w: expected source and destination, got %q", ErrInvalidInstruction, s)
	}
	src, dest := parts[0], parts[1]

	rel := path.Clean(strings.TrimPrefix(filepath.ToSlash(src), "/"))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return copySpec{}, fmt.Errorf("%w: source %q is outside the build context", ErrInvalidInstruction, src)
	}

	into := strings.HasSuffix(dest, "/")
	if !path.IsAbs(dest) {
		if workdir == "" {
			return copySpec{}, fmt.Errorf("%w: relative dest %q requires workdir", ErrInvalidInstruction, dest)
		}
		dest = path.Join(workdir, dest)
	}

	return copySpec{src: rel, dest: path.Clean(dest), into: into}, nil
}

// Returns the layer entries that place the source of cp at its destination.
//
// A directory source copies its content into the destination directory. A
// file source becomes the destination file, or a file inside it when the
// destination ends with a slash or is an existing directory. Symlinks inside the build context are
// resolved within the context.
func copyEntries(buildCtx string, cp copySpec) ([]layer.Entry, error) {
	if buildCtx == "" {
		return nil, fmt.Errorf("%w: %s: no build context", ErrSourceNotFound, cp.src)
	}

	host, err := securejoin.SecureJoin(buildCtx, cp.src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	info, err := os.Stat(host)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, cp.src)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	slog.Debug("copy", "src", cp.src, "dest", cp.dest, "dir", info.IsDir())

	if !info.IsDir() {
		dest := cp.dest
		if cp.into {
			dest = path.Join(dest, path.Base(cp.src))
		}
		entry, ok, err := unionfs.HostEntry(dest, host, info)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a regular file or directory", ErrInvalidInstruction, cp.src)
		}
		return []layer.Entry{entry}, nil
	}

	return dirEntries(host, cp.dest)
}

// Returns entries for the tree at hostDir, rooted at dest.
func dirEntries(hostDir, dest string) ([]layer.Entry, error) {
	var entries []layer.Entry
	err := filepath.WalkDir(hostDir, func(host string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, host)
		if err != nil {
			return err
		}
		p := path.Join(dest, filepath.ToSlash(rel))
		if p == "/" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entry, ok, err := unionfs.HostEntry(p, host, info)
		if err != nil {
			return err
		}
		if !ok {
			slog.Debug("skipping special file", "path", host)
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return entries, nil
}

package runtime

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// Extracts a tar stream into destDir inside the container.
//
// Directories and regular files are written through the container's view, so
// image content is copied up and volumes receive their files directly. Other
// entry types are rejected.
func (rt *Runtime) CopyTo(ctx context.Context, id, destDir string, r io.Reader) error {
	return rt.withView(ctx, id, true, func(v *unionfs.View) error {
		if err := mkdirAll(v, destDir); err != nil {
			return err
		}

		tr := tar.NewReader(r)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: read archive: %w", ErrRuntime, err)
			}

			target := path.Join("/", destDir, hdr.Name)
			switch hdr.Typeflag {
			case tar.TypeDir:
				if err := mkdirAll(v, target); err != nil {
					return err
				}
			case tar.TypeReg:
				data, err := io.ReadAll(tr)
				if err != nil {
					return fmt.Errorf("%w: read %s: %w", ErrRuntime, hdr.Name, err)
				}
				if err := v.Write(target, data, hdr.FileInfo().Mode().Perm()); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: unsupported entry %s of type %q", ErrRuntime, hdr.Name, hdr.Typeflag)
			}
		}
	})
}

// Writes the file or directory at p inside the container to w as a tar
// stream. Entries are named relative to the parent of p, so copying
// "/app/data" yields "data", "data/...".
func (rt *Runtime) CopyFrom(ctx context.Context, id, p string, w io.Writer) error {
	return rt.withView(ctx, id, false, func(v *unionfs.View) error {
		p = path.Clean("/" + p)
		entries, err := collect(v, p, path.Dir(p))
		if err != nil {
			return err
		}
		return layer.Write(w, entries)
	})
}

// Returns layer entries for p and everything below it, with paths made
// relative to parent.
func collect(v *unionfs.View, p, parent string) ([]layer.Entry, error) {
	info, err := v.Stat(p)
	if err != nil {
		return nil, err
	}

	rel, _ := strings.CutPrefix(p, parent)
	name := path.Join("/", rel)

	switch {
	case info.Mode.IsDir():
		var entries []layer.Entry
		if name != "/" {
			entries = append(entries, layer.DirEntry(name, info.Mode))
		}
		children, err := v.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			sub, err := collect(v, child.Path, parent)
			if err != nil {
				return nil, err
			}
			entries = append(entries, sub...)
		}
		return entries, nil
	case info.Mode.IsRegular():
		data, err := v.Read(p)
		if err != nil {
			return nil, err
		}
		return []layer.Entry{layer.FileEntry(name, info.Mode, data)}, nil
	case info.Mode&fs.ModeSymlink != 0:
		return []layer.Entry{{Path: name, Mode: info.Mode, Linkname: info.Linkname}}, nil
	default:
		return nil, nil
	}
}

// Creates p and its parents, tolerating existing directories.
func mkdirAll(v *unionfs.View, p string) error {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	err := v.Mkdir(p, 0755)
	if errors.Is(err, unionfs.ErrExists) {
		info, statErr := v.Stat(p)
		if statErr == nil && info.Mode.IsDir() {
			return nil
		}
	}
	return err
}

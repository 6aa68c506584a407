package unionfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/cruciblehq/stevedore/internal/layer"
)

// Writable top layer of a view, stored as a host directory.
type Upper struct {
	root string
}

// Opens the writable layer stored in root, creating the directory if needed.
func NewUpper(root string) (*Upper, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create upper dir: %w", err)
	}
	return &Upper{root: root}, nil
}

// Returns the host directory backing the layer.
func (u *Upper) Root() string {
	return u.root
}

// Looks up p in the writable layer alone.
//
// The returned info is only set when the path is present. Ancestors that are
// not directories, and ancestors carrying a whiteout or opaque marker, make
// the path [layer.Deleted] unless the upper layer provides it itself.
func (u *Upper) Lookup(p string) (fs.FileInfo, layer.Presence, error) {
	p = clean(p)
	if p == "/" {
		info, err := os.Lstat(u.root)
		if err != nil {
			return nil, layer.Absent, err
		}
		return info, layer.Present, nil
	}

	opaque := false
	for _, a := range ancestors(p) {
		if u.marked(a) {
			return nil, layer.Deleted, nil
		}
		info, err := os.Lstat(u.host(a))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return nil, layer.Absent, err
		case !info.IsDir():
			return nil, layer.Deleted, nil
		}
		if u.opaque(a) {
			opaque = true
		}
	}

	info, err := os.Lstat(u.host(p))
	if err == nil {
		return info, layer.Present, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, layer.Absent, err
	}
	if opaque || u.marked(p) {
		return nil, layer.Deleted, nil
	}
	return nil, layer.Absent, nil
}

// Reports whether some directory above p hides lower content, either through
// an opaque marker or because it was recreated after a whiteout.
func (u *Upper) HidesLowers(p string) bool {
	for _, a := range ancestors(clean(p)) {
		if u.opaque(a) || u.marked(a) {
			return true
		}
	}
	return false
}

// Writes a regular file, replacing whatever the layer held at p.
func (u *Upper) WriteFile(p string, r io.Reader, mode fs.FileMode) error {
	host, err := u.prepare(p)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(host, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return os.Chmod(host, mode.Perm())
}

// Creates a directory at p. An existing directory only has its mode updated.
//
// When opaque is set the directory hides all lower content at p. A directory
// recreated over a whiteout in this layer is always opaque.
func (u *Upper) Mkdir(p string, mode fs.FileMode, opaque bool) error {
	p = clean(p)
	opaque = opaque || u.marked(p)
	host, err := u.hostPath(p)
	if err != nil {
		return err
	}

	info, err := os.Lstat(host)
	switch {
	case err == nil && info.IsDir():
	case err == nil:
		if err := os.Remove(host); err != nil {
			return fmt.Errorf("replace %s: %w", p, err)
		}
		fallthrough
	case errors.Is(err, fs.ErrNotExist):
		if host, err = u.prepare(p); err != nil {
			return err
		}
		if err := os.Mkdir(host, mode.Perm()); err != nil {
			return fmt.Errorf("mkdir %s: %w", p, err)
		}
	default:
		return fmt.Errorf("stat %s: %w", p, err)
	}

	if err := os.Chmod(host, mode.Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	if opaque {
		return os.WriteFile(filepath.Join(host, layer.WhiteoutOpaque), nil, 0600)
	}
	return nil
}

// Creates a symlink at p pointing at target.
func (u *Upper) Symlink(p, target string) error {
	host, err := u.prepare(p)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, host); err != nil {
		return fmt.Errorf("symlink %s: %w", p, err)
	}
	return nil
}

// Removes whatever the layer holds at p and records its deletion.
func (u *Upper) Whiteout(p string) error {
	p = clean(p)
	if err := u.Remove(p); err != nil {
		return err
	}
	dir, base := path.Split(p)
	parent, err := u.hostPath(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(parent, layer.WhiteoutPrefix+base), nil, 0600)
}

// Removes p and its deletion marker from the layer only.
func (u *Upper) Remove(p string) error {
	p = clean(p)
	host, err := u.hostPath(p)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(host); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	if err := os.Remove(u.marker(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove marker %s: %w", p, err)
	}
	return nil
}

// Returns the names stored directly under dir, without markers.
func (u *Upper) Names(dir string) ([]string, error) {
	entries, err := os.ReadDir(u.host(clean(dir)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), layer.WhiteoutPrefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Reports whether dir is marked opaque in this layer.
func (u *Upper) Opaque(dir string) bool {
	return u.opaque(clean(dir))
}

// Returns the content of the layer as entries for [layer.Write].
//
// Markers become whiteout entries, so the resulting tar stream applies the
// same deletions as the directory itself.
func (u *Upper) Entries() ([]layer.Entry, error) {
	var entries []layer.Entry
	err := filepath.WalkDir(u.root, func(host string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(u.root, host)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		p := "/" + filepath.ToSlash(rel)
		name := d.Name()

		switch {
		case name == layer.WhiteoutOpaque:
			entries = append(entries, layer.Entry{Path: p})
			return nil
		case strings.HasPrefix(name, layer.WhiteoutPrefix):
			entries = append(entries, layer.WhiteoutEntry(path.Join(path.Dir(p), strings.TrimPrefix(name, layer.WhiteoutPrefix))))
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entry, ok, err := HostEntry(p, host, info)
		if err != nil || !ok {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk upper dir: %w", err)
	}
	return entries, nil
}

// Returns a layer entry for a file on the host, read lazily from host.
//
// Reports false for file types a layer cannot hold, such as sockets.
func HostEntry(p, host string, info fs.FileInfo) (layer.Entry, bool, error) {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		return layer.DirEntry(p, mode), true, nil
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(host)
		if err != nil {
			return layer.Entry{}, false, err
		}
		return layer.Entry{Path: p, Mode: fs.ModeSymlink | 0777, Linkname: target}, true, nil
	case mode.IsRegular():
		return layer.Entry{
			Path: p,
			Mode: mode.Perm(),
			Size: info.Size(),
			Open: func() (io.ReadCloser, error) { return os.Open(host) },
		}, true, nil
	}
	return layer.Entry{}, false, nil
}

// Clears the deletion marker for p and makes sure its parent exists.
// Returns the host path for p.
func (u *Upper) prepare(p string) (string, error) {
	p = clean(p)
	host, err := u.hostPath(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0755); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", p, err)
	}
	if err := os.Remove(u.marker(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("remove marker %s: %w", p, err)
	}
	if info, err := os.Lstat(host); err == nil && !info.IsDir() {
		if err := os.Remove(host); err != nil {
			return "", fmt.Errorf("replace %s: %w", p, err)
		}
	}
	return host, nil
}

// Returns the host path for p, confined to the layer root.
func (u *Upper) hostPath(p string) (string, error) {
	host, err := securejoin.SecureJoin(u.root, p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return host, nil
}

// Returns the unresolved host path for p. Only safe for lstat calls on paths
// whose ancestors were checked to be directories.
func (u *Upper) host(p string) string {
	return filepath.Join(u.root, filepath.FromSlash(p))
}

// Returns the host path of the deletion marker for p.
func (u *Upper) marker(p string) string {
	dir, base := path.Split(p)
	return filepath.Join(u.root, filepath.FromSlash(dir), layer.WhiteoutPrefix+base)
}

func (u *Upper) marked(p string) bool {
	_, err := os.Lstat(u.marker(p))
	return err == nil
}

func (u *Upper) opaque(dir string) bool {
	_, err := os.Lstat(filepath.Join(u.host(dir), layer.WhiteoutOpaque))
	return err == nil
}

// Returns the clean absolute form of a container path.
func clean(p string) string {
	return path.Clean("/" + p)
}

// Returns the proper ancestors of p from the top down, excluding the root.
func ancestors(p string) []string {
	var out []string
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		out = append([]string{dir}, out...)
	}
	return out
}

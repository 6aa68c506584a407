package unionfs

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/cruciblehq/stevedore/internal/layer"
)

// Maximum number of symlinks followed while resolving one path.
const maxLinkHops = 16

// Host path overlaid at a path inside the view.
type Volume struct {
	Source      string `json:"source"`             // Absolute host path.
	Destination string `json:"destination"`        // Absolute path inside the view.
	ReadOnly    bool   `json:"readOnly,omitempty"` // Rejects writes and removals through the view.
}

// Metadata of a path in the view.
type Info struct {
	Path     string      // Clean absolute path inside the view.
	Mode     fs.FileMode // File type and permission bits.
	Size     int64       // Content size for regular files.
	Linkname string      // Symlink target.
}

// Copy-on-write view over read-only layers with a writable top.
//
// A view is safe for use by one goroutine at a time; callers sharing a view
// serialize access themselves.
type View struct {
	upper   *Upper
	lowers  []*layer.Index // Base first.
	volumes []Volume       // Longest destination first.
}

// Resolved location of a path.
type location struct {
	info   Info
	host   string      // Host path when backed by the upper layer or a volume.
	node   *layer.Node // Lower layer node otherwise.
	volume *Volume     // Volume the path lives in, if any.
}

// Creates a view over lowers (base first) topped by upper.
func New(upper *Upper, lowers []*layer.Index, volumes []Volume) *View {
	vols := make([]Volume, len(volumes))
	for i, v := range volumes {
		v.Destination = clean(v.Destination)
		vols[i] = v
	}
	sort.SliceStable(vols, func(i, j int) bool {
		return len(vols[i].Destination) > len(vols[j].Destination)
	})
	return &View{upper: upper, lowers: lowers, volumes: vols}
}

// Returns the content of the regular file at p, following symlinks.
func (v *View) Read(p string) ([]byte, error) {
	loc, err := v.resolve(p, true)
	if err != nil {
		return nil, err
	}
	if loc.info.Mode.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDir, loc.info.Path)
	}
	if loc.host != "" {
		data, err := os.ReadFile(loc.host)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", loc.info.Path, err)
		}
		return data, nil
	}
	return bytes.Clone(loc.node.Data), nil
}

// Replaces the content of the file at p.
//
// A zero mode keeps the mode of an existing file and defaults to 0644 for a
// new one. Missing parent directories are created; lower directories on the
// way are copied up with their modes.
func (v *View) Write(p string, data []byte, mode fs.FileMode) error {
	target := clean(p)
	loc, err := v.resolve(target, true)
	switch {
	case err == nil:
		if loc.info.Mode.IsDir() {
			return fmt.Errorf("%w: %s", ErrIsDir, loc.info.Path)
		}
		target = loc.info.Path
		if mode == 0 {
			mode = loc.info.Mode.Perm()
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	if mode == 0 {
		mode = 0644
	}

	if vol, host, err := v.volumeHost(target); vol != nil || err != nil {
		if err != nil {
			return err
		}
		if vol.ReadOnly {
			return fmt.Errorf("%w: %s", ErrReadOnly, target)
		}
		if err := os.MkdirAll(filepath.Dir(host), 0755); err != nil {
			return fmt.Errorf("create parent of %s: %w", target, err)
		}
		return os.WriteFile(host, data, mode.Perm())
	}

	if err := v.ensureParents(target); err != nil {
		return err
	}
	return v.upper.WriteFile(target, bytes.NewReader(data), mode)
}

// Appends data to the file at p, copying it up first if needed.
func (v *View) Append(p string, data []byte) error {
	old, err := v.Read(p)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return v.Write(p, append(old, data...), 0)
}

// Creates a directory at p; parents are created as needed.
func (v *View) Mkdir(p string, mode fs.FileMode) error {
	p = clean(p)
	if _, err := v.lookup(p); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, p)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if mode == 0 {
		mode = 0755
	}

	if vol, host, err := v.volumeHost(p); vol != nil || err != nil {
		if err != nil {
			return err
		}
		if vol.ReadOnly {
			return fmt.Errorf("%w: %s", ErrReadOnly, p)
		}
		return os.MkdirAll(host, mode.Perm())
	}

	if err := v.ensureParents(p); err != nil {
		return err
	}
	return v.upper.Mkdir(p, mode, v.inLowers(p))
}

// Removes p, recursively for directories.
//
// Paths provided by lower layers are hidden with a whiteout in the writable
// layer; the lower layers themselves are never touched.
func (v *View) Remove(p string) error {
	p = clean(p)
	if p == "/" {
		return fmt.Errorf("%w: cannot remove /", ErrMountPoint)
	}
	if _, err := v.lookup(p); err != nil {
		return err
	}
	for _, vol := range v.volumes {
		if vol.Destination == p || strings.HasPrefix(vol.Destination, p+"/") {
			return fmt.Errorf("%w: %s", ErrMountPoint, vol.Destination)
		}
	}

	if vol, host, err := v.volumeHost(p); vol != nil || err != nil {
		if err != nil {
			return err
		}
		if vol.ReadOnly {
			return fmt.Errorf("%w: %s", ErrReadOnly, p)
		}
		return os.RemoveAll(host)
	}

	if !v.inLowers(p) {
		return v.upper.Remove(p)
	}
	if err := v.ensureParents(p); err != nil {
		return err
	}
	return v.upper.Whiteout(p)
}

// Returns metadata for p without following a final symlink.
func (v *View) Stat(p string) (Info, error) {
	loc, err := v.lookup(clean(p))
	if err != nil {
		return Info{}, err
	}
	return loc.info, nil
}

// Returns the entries of the directory at p, sorted by path.
func (v *View) ReadDir(p string) ([]Info, error) {
	loc, err := v.resolve(p, true)
	if err != nil {
		return nil, err
	}
	dir := loc.info.Path
	if !loc.info.Mode.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, dir)
	}

	names := make(map[string]struct{})
	if loc.volume != nil {
		entries, err := os.ReadDir(loc.host)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", dir, err)
		}
		for _, e := range entries {
			names[e.Name()] = struct{}{}
		}
	} else {
		upperNames, err := v.upper.Names(dir)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", dir, err)
		}
		for _, name := range upperNames {
			names[name] = struct{}{}
		}
		for i := len(v.lowers) - 1; i >= 0; i-- {
			if v.upper.Opaque(dir) {
				break
			}
			for _, name := range v.lowers[i].Children(dir) {
				names[name] = struct{}{}
			}
			if v.lowers[i].Opaque(dir) {
				break
			}
		}
	}
	for _, vol := range v.volumes {
		if vol.Destination != "/" && path.Dir(vol.Destination) == dir {
			names[path.Base(vol.Destination)] = struct{}{}
		}
	}

	infos := make([]Info, 0, len(names))
	for name := range names {
		child, err := v.lookup(path.Join(dir, name))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, child.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Looks up p, following symlinks in the final component when follow is set.
func (v *View) resolve(p string, follow bool) (*location, error) {
	p = clean(p)
	for range maxLinkHops {
		loc, err := v.lookup(p)
		if err != nil {
			return nil, err
		}
		if !follow || loc.info.Mode&fs.ModeSymlink == 0 {
			return loc, nil
		}
		target := loc.info.Linkname
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(p), target)
		}
		p = clean(target)
	}
	return nil, fmt.Errorf("%w: %s", ErrTooManyLinks, p)
}

// Finds the topmost source providing p.
func (v *View) lookup(p string) (*location, error) {
	if vol, host, err := v.volumeHost(p); vol != nil || err != nil {
		if err != nil {
			return nil, err
		}
		info, err := os.Lstat(host)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		return hostLocation(p, host, info, vol)
	}

	info, presence, err := v.upper.Lookup(p)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	switch presence {
	case layer.Present:
		return hostLocation(p, v.upper.host(p), info, nil)
	case layer.Deleted:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}

	// A directory synthesized as the parent of deeper entries keeps the
	// mode of an explicit directory further down the stack.
	var implicit *layer.Node
	for i := len(v.lowers) - 1; i >= 0; i-- {
		node, presence := v.lowers[i].Lookup(p)
		if presence == layer.Absent {
			continue
		}
		if presence == layer.Deleted || (implicit != nil && !node.Mode.IsDir()) {
			break
		}
		if node.Implicit {
			if implicit == nil {
				implicit = node
			}
			continue
		}
		return nodeLocation(p, node), nil
	}

	if implicit != nil {
		return nodeLocation(p, implicit), nil
	}
	if p == "/" {
		return nodeLocation(p, &layer.Node{Path: "/", Mode: fs.ModeDir | 0755}), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
}

// Returns the volume covering p and the host path p maps to. The host path
// is confined to the volume source.
func (v *View) volumeHost(p string) (*Volume, string, error) {
	for i := range v.volumes {
		vol := &v.volumes[i]
		rel, ok := within(p, vol.Destination)
		if !ok {
			continue
		}
		if rel == "" {
			return vol, vol.Source, nil
		}
		host, err := securejoin.SecureJoin(vol.Source, rel)
		if err != nil {
			return nil, "", fmt.Errorf("resolve %s in volume %s: %w", p, vol.Destination, err)
		}
		return vol, host, nil
	}
	return nil, "", nil
}

// Makes every ancestor of p a directory in the writable layer.
//
// Ancestors provided by lower layers are copied up with their modes; missing
// ones are created with mode 0755.
func (v *View) ensureParents(p string) error {
	for _, a := range ancestors(p) {
		if vol, _, _ := v.volumeHost(a); vol != nil {
			return nil
		}
		loc, err := v.lookup(a)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := v.upper.Mkdir(a, 0755, v.inLowers(a)); err != nil {
				return err
			}
		case err != nil:
			return err
		case !loc.info.Mode.IsDir():
			return fmt.Errorf("%w: %s", ErrNotDir, a)
		case loc.node != nil:
			if err := v.upper.Mkdir(a, loc.info.Mode, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reports whether some lower layer provides p below the writable layer.
func (v *View) inLowers(p string) bool {
	if v.upper.HidesLowers(p) {
		return false
	}
	for i := len(v.lowers) - 1; i >= 0; i-- {
		switch _, presence := v.lowers[i].Lookup(p); presence {
		case layer.Present:
			return true
		case layer.Deleted:
			return false
		}
	}
	return false
}

func nodeLocation(p string, node *layer.Node) *location {
	return &location{
		info: Info{Path: p, Mode: node.Mode, Size: int64(len(node.Data)), Linkname: node.Linkname},
		node: node,
	}
}

func hostLocation(p, host string, info fs.FileInfo, vol *Volume) (*location, error) {
	loc := &location{
		info:   Info{Path: p, Mode: info.Mode(), Size: info.Size()},
		host:   host,
		volume: vol,
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(host)
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %w", p, err)
		}
		loc.info.Linkname = target
		loc.info.Size = 0
	}
	if info.IsDir() {
		loc.info.Size = 0
	}
	return loc, nil
}

// Returns p relative to dir when p is dir or lies below it.
func within(p, dir string) (string, bool) {
	if p == dir {
		return "", true
	}
	if dir == "/" {
		return p, true
	}
	if strings.HasPrefix(p, dir+"/") {
		return strings.TrimPrefix(p, dir), true
	}
	return "", false
}

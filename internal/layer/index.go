package layer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Result of looking up a path in a single layer.
type Presence int

const (
	Absent  Presence = iota // The layer says nothing about the path.
	Present                 // The layer provides the path.
	Deleted                 // The layer hides the path from layers below it.
)

// A file, directory or symlink provided by a layer.
type Node struct {
	Path     string      // Clean absolute path.
	Mode     os.FileMode // File type and permission bits.
	Linkname string      // Symlink target.
	Data     []byte      // Content of regular files.
	Implicit bool        // Parent directory synthesized from deeper entries.
}

// In-memory view of one layer, answering path lookups.
type Index struct {
	Digest    digest.Digest                  // Digest of the parsed layer, if known.
	nodes     map[string]*Node               // Entries by clean absolute path.
	whiteouts map[string]struct{}            // Paths deleted by this layer.
	opaque    map[string]struct{}            // Directories whose lower content is hidden.
	children  map[string]map[string]struct{} // Directory listings, including implicit parents.
}

// Parses a layer tar stream.
//
// Parent directories that are not listed explicitly are synthesized with
// mode 0755, so every ancestor of a provided path is itself present.
func ParseIndex(r io.Reader) (*Index, error) {
	ix := &Index{
		nodes:     make(map[string]*Node),
		whiteouts: make(map[string]struct{}),
		opaque:    make(map[string]struct{}),
		children:  make(map[string]map[string]struct{}),
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidLayer, err)
		}

		p := path.Clean("/" + hdr.Name)
		dir, base := path.Split(p)
		dir = path.Clean(dir)

		switch {
		case base == WhiteoutOpaque:
			ix.opaque[dir] = struct{}{}
			ix.addParents(dir)
			continue
		case strings.HasPrefix(base, WhiteoutPrefix):
			target := path.Join(dir, strings.TrimPrefix(base, WhiteoutPrefix))
			ix.whiteouts[target] = struct{}{}
			ix.addParents(dir)
			continue
		}

		node := &Node{Path: p, Mode: hdr.FileInfo().Mode(), Linkname: hdr.Linkname}
		switch hdr.Typeflag {
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidLayer, p, err)
			}
			node.Data = data
		case tar.TypeDir, tar.TypeSymlink:
		default:
			// Devices, fifos and hard links are not modelled.
			continue
		}

		ix.nodes[p] = node
		ix.link(dir, base)
		ix.addParents(dir)
	}

	return ix, nil
}

// Looks up p in this layer alone.
func (ix *Index) Lookup(p string) (*Node, Presence) {
	p = path.Clean("/" + p)

	if n, ok := ix.nodes[p]; ok {
		return n, Present
	}
	if _, ok := ix.children[p]; ok {
		return &Node{Path: p, Mode: os.ModeDir | 0755, Implicit: true}, Present
	}
	if _, ok := ix.whiteouts[p]; ok {
		return nil, Deleted
	}

	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		if _, ok := ix.whiteouts[dir]; ok {
			return nil, Deleted
		}
		if _, ok := ix.opaque[dir]; ok {
			return nil, Deleted
		}
		if n, ok := ix.nodes[dir]; ok && !n.Mode.IsDir() {
			return nil, Deleted
		}
		if dir == "/" {
			break
		}
	}

	return nil, Absent
}

// Returns the names this layer provides directly under dir, sorted.
func (ix *Index) Children(dir string) []string {
	set := ix.children[path.Clean("/"+dir)]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reports whether this layer hides all lower content of dir.
func (ix *Index) Opaque(dir string) bool {
	_, ok := ix.opaque[path.Clean("/"+dir)]
	return ok
}

// Returns every path the layer provides, sorted.
func (ix *Index) Paths() []string {
	paths := make([]string, 0, len(ix.nodes))
	for p := range ix.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Returns every path the layer deletes, sorted.
func (ix *Index) Whiteouts() []string {
	paths := make([]string, 0, len(ix.whiteouts))
	for p := range ix.whiteouts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Records name as a child of dir.
func (ix *Index) link(dir, name string) {
	set, ok := ix.children[dir]
	if !ok {
		set = make(map[string]struct{})
		ix.children[dir] = set
	}
	set[name] = struct{}{}
}

// Makes dir and every ancestor of it a listed directory.
func (ix *Index) addParents(dir string) {
	if _, ok := ix.children[dir]; !ok {
		ix.children[dir] = make(map[string]struct{})
	}
	for dir != "/" {
		parent, base := path.Split(dir)
		parent = path.Clean(parent)
		ix.link(parent, base)
		dir = parent
	}
}

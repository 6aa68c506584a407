package layer

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

const (

	// Prefix marking a deleted path in a layer.
	WhiteoutPrefix = ".wh."

	// Marker hiding all lower-layer content of the directory containing it.
	WhiteoutOpaque = WhiteoutPrefix + WhiteoutPrefix + ".opq"
)

// Timestamp written into every header so equal content yields equal bytes.
var epoch = time.Unix(0, 0).UTC()

// One change to be recorded in a layer.
//
// Path is absolute inside the container filesystem. Regular files supply
// their content through Open; it is called at most once, while the entry is
// written.
type Entry struct {
	Path     string                        // Absolute path, e.g. "/etc/hosts".
	Mode     os.FileMode                   // File type and permission bits.
	Size     int64                         // Content size for regular files.
	Linkname string                        // Target for symlinks.
	Whiteout bool                          // Records the deletion of Path.
	Open     func() (io.ReadCloser, error) // Content for regular files.
}

// Returns an entry for a regular file with in-memory content.
func FileEntry(p string, mode os.FileMode, data []byte) Entry {
	return Entry{
		Path: p,
		Mode: mode.Perm(),
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Returns an entry for a directory.
func DirEntry(p string, mode os.FileMode) Entry {
	return Entry{Path: p, Mode: os.ModeDir | mode.Perm()}
}

// Returns an entry recording the deletion of p.
func WhiteoutEntry(p string) Entry {
	return Entry{Path: p, Whiteout: true}
}

// Writes entries as a layer tar stream.
//
// Entries are sorted by path and every header is normalized (fixed
// timestamps, root ownership, no user or group names), so the same set of
// entries always produces the same bytes and therefore the same digest.
func Write(w io.Writer, entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	tw := tar.NewWriter(w)
	for _, e := range sorted {
		if err := writeEntry(tw, e); err != nil {
			return err
		}
	}
	return tw.Close()
}

// Builds a layer tar stream in memory.
func Build(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writes a single normalized header and its content.
func writeEntry(tw *tar.Writer, e Entry) error {
	name, err := archiveName(e.Path)
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    name,
		ModTime: epoch,
		Mode:    int64(e.Mode.Perm()),
	}

	switch {
	case e.Whiteout:
		dir, base := path.Split(name)
		hdr.Name = dir + WhiteoutPrefix + base
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0
	case e.Mode.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name = name + "/"
	case e.Mode&os.ModeSymlink != 0:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Linkname
	case e.Mode.IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	default:
		return fmt.Errorf("%w: unsupported file type %s for %s", ErrInvalidLayer, e.Mode.Type(), e.Path)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", e.Path, err)
	}

	if hdr.Typeflag != tar.TypeReg || hdr.Size == 0 {
		return nil
	}

	rc, err := e.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Path, err)
	}
	defer rc.Close()

	n, err := io.Copy(tw, rc)
	if err != nil {
		return fmt.Errorf("write content %s: %w", e.Path, err)
	}
	if n != e.Size {
		return fmt.Errorf("%w: %s changed size while writing", ErrInvalidLayer, e.Path)
	}
	return nil
}

// Converts an absolute container path to a tar entry name.
func archiveName(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("%w: path %q is not absolute", ErrInvalidLayer, p)
	}
	name := strings.TrimPrefix(path.Clean(p), "/")
	if name == "" {
		return "", fmt.Errorf("%w: root cannot be a layer entry", ErrInvalidLayer)
	}
	return name, nil
}

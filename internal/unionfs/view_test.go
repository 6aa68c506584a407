package unionfs

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/stevedore/internal/layer"
)

func index(t *testing.T, entries ...layer.Entry) *layer.Index {
	t.Helper()
	data, err := layer.Build(entries)
	require.NoError(t, err)
	ix, err := layer.ParseIndex(bytes.NewReader(data))
	require.NoError(t, err)
	return ix
}

func newView(t *testing.T, lowers []*layer.Index, volumes ...Volume) *View {
	t.Helper()
	upper, err := NewUpper(filepath.Join(t.TempDir(), "upper"))
	require.NoError(t, err)
	return New(upper, lowers, volumes)
}

func baseLayers(t *testing.T) []*layer.Index {
	return []*layer.Index{
		index(t,
			layer.DirEntry("/etc", 0755),
			layer.FileEntry("/etc/motd", 0644, []byte("welcome")),
			layer.FileEntry("/etc/hostname", 0644, []byte("base")),
			layer.DirEntry("/bin", 0700),
			layer.FileEntry("/bin/tool", 0755, []byte("v1")),
		),
		index(t,
			layer.FileEntry("/bin/tool", 0755, []byte("v2")),
			layer.WhiteoutEntry("/etc/hostname"),
		),
	}
}

func TestReadChecksLayersTopDown(t *testing.T) {
	v := newView(t, baseLayers(t))

	data, err := v.Read("/bin/tool")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	data, err = v.Read("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, "welcome", string(data))

	_, err = v.Read("/etc/hostname")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = v.Read("/missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = v.Read("/etc")
	require.ErrorIs(t, err, ErrIsDir)
}

func TestWriteCopiesUp(t *testing.T) {
	lowers := baseLayers(t)
	v := newView(t, lowers)

	require.NoError(t, v.Append("/bin/tool", []byte("+patch")))

	data, err := v.Read("/bin/tool")
	require.NoError(t, err)
	assert.Equal(t, "v2+patch", string(data))

	info, err := v.Stat("/bin/tool")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0755), info.Mode.Perm(), "copy-up must keep the file mode")

	dir, err := os.Stat(filepath.Join(v.upper.Root(), "bin"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0700), dir.Mode().Perm(), "copy-up must keep parent modes")

	node, _ := lowers[1].Lookup("/bin/tool")
	assert.Equal(t, "v2", string(node.Data), "lower layer modified")
}

func TestWriteCreatesParents(t *testing.T) {
	v := newView(t, baseLayers(t))

	require.NoError(t, v.Write("/srv/app/config.yaml", []byte("a: 1"), 0600))

	info, err := v.Stat("/srv/app")
	require.NoError(t, err)
	assert.True(t, info.Mode.IsDir())

	info, err = v.Stat("/srv/app/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0600), info.Mode.Perm())
	assert.Equal(t, int64(4), info.Size)
}

func TestWriteThroughFileFails(t *testing.T) {
	v := newView(t, baseLayers(t))

	err := v.Write("/etc/motd/child", []byte("x"), 0)
	require.ErrorIs(t, err, ErrNotDir)
}

func TestRemoveRecordsWhiteout(t *testing.T) {
	v := newView(t, baseLayers(t))

	require.NoError(t, v.Remove("/etc/motd"))

	_, err := v.Read("/etc/motd")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = os.Lstat(filepath.Join(v.upper.Root(), "etc", layer.WhiteoutPrefix+"motd"))
	require.NoError(t, err, "whiteout marker missing")

	err = v.Remove("/etc/motd")
	require.ErrorIs(t, err, ErrNotFound)

	// Writing again after removal brings the path back.
	require.NoError(t, v.Write("/etc/motd", []byte("new"), 0))
	data, err := v.Read("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRecreatedDirectoryHidesLowerContent(t *testing.T) {
	v := newView(t, baseLayers(t))

	require.NoError(t, v.Remove("/etc"))
	require.NoError(t, v.Mkdir("/etc", 0755))

	_, err := v.Read("/etc/motd")
	require.ErrorIs(t, err, ErrNotFound)

	infos, err := v.ReadDir("/etc")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestRemoveUpperOnlyLeavesNoMarker(t *testing.T) {
	v := newView(t, baseLayers(t))

	require.NoError(t, v.Write("/tmp.txt", []byte("scratch"), 0))
	require.NoError(t, v.Remove("/tmp.txt"))

	entries, err := v.upper.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadDirMergesLayers(t *testing.T) {
	v := newView(t, baseLayers(t))

	require.NoError(t, v.Write("/etc/passwd", []byte("root:x:0:0"), 0))
	require.NoError(t, v.Remove("/etc/motd"))

	infos, err := v.ReadDir("/etc")
	require.NoError(t, err)

	var paths []string
	for _, info := range infos {
		paths = append(paths, info.Path)
	}
	assert.Equal(t, []string{"/etc/passwd"}, paths)
}

func TestSymlinksAreFollowedOnRead(t *testing.T) {
	v := newView(t, []*layer.Index{index(t,
		layer.FileEntry("/etc/os-release", 0644, []byte("ID=stevedore")),
		layer.Entry{Path: "/usr/lib/os-release", Mode: fs.ModeSymlink | 0777, Linkname: "../../etc/os-release"},
		layer.Entry{Path: "/loop", Mode: fs.ModeSymlink | 0777, Linkname: "/loop"},
	)})

	data, err := v.Read("/usr/lib/os-release")
	require.NoError(t, err)
	assert.Equal(t, "ID=stevedore", string(data))

	info, err := v.Stat("/usr/lib/os-release")
	require.NoError(t, err)
	assert.Equal(t, "../../etc/os-release", info.Linkname)

	_, err = v.Read("/loop")
	require.ErrorIs(t, err, ErrTooManyLinks)
}

func TestVolumesTakePrecedence(t *testing.T) {
	host := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(host, "input.csv"), []byte("a,b"), 0644))

	lowers := []*layer.Index{index(t,
		layer.FileEntry("/data/input.csv", 0644, []byte("from image")),
		layer.FileEntry("/data/other.csv", 0644, []byte("hidden")),
	)}
	v := newView(t, lowers, Volume{Source: host, Destination: "/data"})

	data, err := v.Read("/data/input.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(data))

	_, err = v.Read("/data/other.csv")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, v.Write("/data/output.csv", []byte("c,d"), 0))
	written, err := os.ReadFile(filepath.Join(host, "output.csv"))
	require.NoError(t, err)
	assert.Equal(t, "c,d", string(written))

	entries, err := v.upper.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries, "volume writes must not reach the writable layer")

	err = v.Remove("/data")
	require.ErrorIs(t, err, ErrMountPoint)
}

func TestReadOnlyVolume(t *testing.T) {
	host := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(host, "config"), []byte("x"), 0644))

	v := newView(t, nil, Volume{Source: host, Destination: "/config", ReadOnly: true})

	_, err := v.Read("/config/config")
	require.NoError(t, err)

	err = v.Write("/config/config", []byte("y"), 0)
	require.ErrorIs(t, err, ErrReadOnly)

	err = v.Remove("/config/config")
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestVolumeRejectsEscape(t *testing.T) {
	host := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0600))
	require.NoError(t, os.Symlink(outside, filepath.Join(host, "escape")))

	v := newView(t, nil, Volume{Source: host, Destination: "/mnt"})

	_, err := v.Read("/mnt/escape/secret")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestViewsAreIsolated(t *testing.T) {
	lowers := baseLayers(t)
	a := newView(t, lowers)
	b := newView(t, lowers)

	require.NoError(t, a.Write("/etc/motd", []byte("changed by a"), 0))
	require.NoError(t, a.Write("/only-a", []byte("a"), 0))

	data, err := b.Read("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, "welcome", string(data))

	_, err = b.Read("/only-a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpperEntriesRoundTrip(t *testing.T) {
	v := newView(t, baseLayers(t))

	require.NoError(t, v.Write("/etc/motd", []byte("changed"), 0))
	require.NoError(t, v.Remove("/bin/tool"))

	entries, err := v.upper.Entries()
	require.NoError(t, err)

	data, err := layer.Build(entries)
	require.NoError(t, err)
	ix, err := layer.ParseIndex(bytes.NewReader(data))
	require.NoError(t, err)

	node, presence := ix.Lookup("/etc/motd")
	require.Equal(t, layer.Present, presence)
	assert.Equal(t, "changed", string(node.Data))

	_, presence = ix.Lookup("/bin/tool")
	assert.Equal(t, layer.Deleted, presence)
}

package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/metadata"
	"github.com/cruciblehq/stevedore/internal/unionfs"
)

func newStore(t *testing.T) (*layer.Store, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := metadata.Open(filepath.Join(dir, metadata.Filename))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	root := filepath.Join(dir, "layers")
	store, err := layer.New(root, db)
	require.NoError(t, err)
	return store, root
}

func putLayer(t *testing.T, store *layer.Store, entries ...layer.Entry) digest.Digest {
	t.Helper()
	data, err := layer.Build(entries)
	require.NoError(t, err)
	d, err := store.Put(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	return d
}

func TestMaterializeAppliesLayersInOrder(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	base := putLayer(t, store,
		layer.DirEntry("/etc", 0755),
		layer.FileEntry("/etc/motd", 0644, []byte("welcome")),
		layer.FileEntry("/etc/hostname", 0644, []byte("base")),
	)
	top := putLayer(t, store,
		layer.FileEntry("/etc/hostname", 0644, []byte("top")),
		layer.WhiteoutEntry("/etc/motd"),
	)

	dir := filepath.Join(t.TempDir(), "rootfs")
	require.NoError(t, Materialize(ctx, store, []digest.Digest{base, top}, dir))

	data, err := os.ReadFile(filepath.Join(dir, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "top", string(data))

	_, err = os.Stat(filepath.Join(dir, "etc", "motd"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMaterializeRejectsCorruptLayer(t *testing.T) {
	store, root := newStore(t)
	ctx := context.Background()

	d := putLayer(t, store, layer.FileEntry("/file", 0644, []byte("content")))

	// Corrupt the blob in place while keeping it a valid tar stream.
	blob := filepath.Join(root, "blobs", d.Algorithm().String(), d.Encoded())
	data, err := os.ReadFile(blob)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(blob, bytes.Replace(data, []byte("content"), []byte("CONTENT"), 1), 0644))

	err = Materialize(ctx, store, []digest.Digest{d}, t.TempDir())
	require.ErrorIs(t, err, layer.ErrCorrupted)
}

func TestCaptureRecordsChanges(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "etc"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "var", "cache"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "etc", "motd"), []byte("welcome"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "etc", "keep"), []byte("same"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "var", "cache", "a"), []byte("a"), 0644))

	work := filepath.Join(t.TempDir(), "work")
	require.NoError(t, Copy(work, base))

	require.NoError(t, os.WriteFile(filepath.Join(work, "etc", "motd"), []byte("changed!"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "new.txt"), []byte("new"), 0600))
	require.NoError(t, os.RemoveAll(filepath.Join(work, "var", "cache")))
	require.NoError(t, os.MkdirAll(filepath.Join(work, "data"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "data", "excluded"), []byte("x"), 0644))

	entries, err := Capture(ctx, base, work, "/data")
	require.NoError(t, err)

	built, err := layer.Build(entries)
	require.NoError(t, err)
	ix, err := layer.ParseIndex(bytes.NewReader(built))
	require.NoError(t, err)

	node, presence := ix.Lookup("/etc/motd")
	require.Equal(t, layer.Present, presence)
	assert.Equal(t, "changed!", string(node.Data))

	node, presence = ix.Lookup("/new.txt")
	require.Equal(t, layer.Present, presence)
	assert.Equal(t, os.FileMode(0600), node.Mode.Perm())

	_, presence = ix.Lookup("/var/cache")
	assert.Equal(t, layer.Deleted, presence)

	_, presence = ix.Lookup("/etc/keep")
	assert.Equal(t, layer.Absent, presence, "unchanged file captured")

	_, presence = ix.Lookup("/data/excluded")
	assert.Equal(t, layer.Absent, presence, "excluded path captured")

	assert.Equal(t, []string{"/var/cache"}, ix.Whiteouts(), "children of deleted dirs must not get their own whiteouts")
}

func TestCommitIsDeterministic(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	commit := func() digest.Digest {
		base := t.TempDir()
		work := filepath.Join(t.TempDir(), "work")
		require.NoError(t, Copy(work, base))
		require.NoError(t, os.WriteFile(filepath.Join(work, "out.txt"), []byte("result"), 0644))

		d, release, err := Commit(ctx, store, base, work)
		require.NoError(t, err)
		release()
		return d
	}

	assert.Equal(t, commit(), commit())
}

func TestApplyChangesFoldsIntoUpper(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "gone"), []byte("x"), 0644))

	work := filepath.Join(t.TempDir(), "work")
	require.NoError(t, Copy(work, base))
	require.NoError(t, os.Remove(filepath.Join(work, "gone")))
	require.NoError(t, os.WriteFile(filepath.Join(work, "made"), []byte("y"), 0644))

	upper, err := unionfs.NewUpper(filepath.Join(t.TempDir(), "upper"))
	require.NoError(t, err)
	require.NoError(t, ApplyChanges(ctx, upper, base, work))

	_, presence, err := upper.Lookup("/gone")
	require.NoError(t, err)
	assert.Equal(t, layer.Deleted, presence)

	_, presence, err = upper.Lookup("/made")
	require.NoError(t, err)
	assert.Equal(t, layer.Present, presence)

	// Applying the upper layer to a fresh copy reproduces the work tree.
	replay := filepath.Join(t.TempDir(), "replay")
	require.NoError(t, Copy(replay, base))
	require.NoError(t, ApplyUpper(ctx, upper, replay))

	_, err = os.Stat(filepath.Join(replay, "gone"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	data, err := os.ReadFile(filepath.Join(replay, "made"))
	require.NoError(t, err)
	assert.Equal(t, "y", string(data))
}

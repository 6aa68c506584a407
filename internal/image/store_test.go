package image

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/metadata"
)

func newTestStore(t *testing.T) (*Store, *layer.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := metadata.Open(filepath.Join(dir, metadata.Filename))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	layers, err := layer.New(filepath.Join(dir, "layers"), db)
	require.NoError(t, err)
	return NewStore(db, layers), layers
}

func putLayer(t *testing.T, layers *layer.Store, content string) digest.Digest {
	t.Helper()
	data, err := layer.Build([]layer.Entry{layer.FileEntry("/"+content, 0644, []byte(content))})
	require.NoError(t, err)
	d, err := layers.Put(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	return d
}

func refs(t *testing.T, layers *layer.Store, d digest.Digest) int {
	t.Helper()
	info, err := layers.Info(context.Background(), d)
	require.NoError(t, err)
	return info.Refs
}

func TestRegisterAndResolve(t *testing.T) {
	store, layers := newTestStore(t)
	ctx := context.Background()

	img := &Image{
		Layers: []digest.Digest{putLayer(t, layers, "base")},
		Config: Config{Cmd: []string{"cat", "/base"}},
	}

	id, err := store.Register(ctx, "app", "v1", img)
	require.NoError(t, err)

	want, err := img.ID()
	require.NoError(t, err)
	assert.Equal(t, want, id)

	got, err := store.Resolve(ctx, "app", "v1")
	require.NoError(t, err)
	assert.Equal(t, img.Layers, got.Layers)
	assert.Equal(t, img.Config.Cmd, got.Config.Cmd)

	got, err = store.Lookup(ctx, "docker.io/library/app:v1")
	require.NoError(t, err)
	assert.Equal(t, img.Layers, got.Layers)

	byID, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, img.Layers, byID.Layers)

	assert.Equal(t, 1, refs(t, layers, img.Layers[0]))
}

func TestResolveUnbound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Resolve(context.Background(), "missing", "latest")
	require.ErrorIs(t, err, ErrImageNotFound)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRegisterDefaultsTag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Register(ctx, "app", "", &Image{})
	require.NoError(t, err)

	_, err = store.Resolve(ctx, "app", "latest")
	require.NoError(t, err)
}

func TestRegisterRejectsMissingLayer(t *testing.T) {
	store, layers := newTestStore(t)
	ctx := context.Background()

	present := putLayer(t, layers, "present")
	img := &Image{Layers: []digest.Digest{present, digest.FromString("absent")}}

	_, err := store.Register(ctx, "app", "latest", img)
	require.ErrorIs(t, err, layer.ErrNotFound)

	assert.Equal(t, 0, refs(t, layers, present), "partial references must be undone")

	_, err = store.Resolve(ctx, "app", "latest")
	require.ErrorIs(t, err, ErrImageNotFound)
}

func TestRetagReleasesOldLayers(t *testing.T) {
	store, layers := newTestStore(t)
	ctx := context.Background()

	base := putLayer(t, layers, "base")
	v1 := putLayer(t, layers, "v1")
	v2 := putLayer(t, layers, "v2")

	_, err := store.Register(ctx, "app", "latest", &Image{Layers: []digest.Digest{base, v1}})
	require.NoError(t, err)
	_, err = store.Register(ctx, "app", "stable", &Image{Layers: []digest.Digest{base, v1}})
	require.NoError(t, err)
	assert.Equal(t, 2, refs(t, layers, v1))

	_, err = store.Register(ctx, "app", "latest", &Image{Layers: []digest.Digest{base, v2}})
	require.NoError(t, err)
	assert.Equal(t, 2, refs(t, layers, base))
	assert.Equal(t, 1, refs(t, layers, v1))
	assert.Equal(t, 1, refs(t, layers, v2))

	require.NoError(t, store.Untag(ctx, "app", "stable"))
	assert.False(t, layers.Exists(ctx, v1), "layer without bindings must be deleted")
	assert.True(t, layers.Exists(ctx, base), "shared base layer must survive")

	err = store.Untag(ctx, "app", "stable")
	require.ErrorIs(t, err, ErrImageNotFound)
}

func TestReregisterSameImageKeepsCounts(t *testing.T) {
	store, layers := newTestStore(t)
	ctx := context.Background()

	base := putLayer(t, layers, "base")
	img := &Image{Layers: []digest.Digest{base}}

	for range 3 {
		_, err := store.Register(ctx, "app", "latest", img)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, refs(t, layers, base))
}

func TestList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"zeta:1", "alpha:2", "alpha:1"} {
		r, err := ParseReference(ref)
		require.NoError(t, err)
		_, err = store.Register(ctx, r.Name, r.Tag, &Image{Config: Config{Cmd: []string{ref}}})
		require.NoError(t, err)
	}

	tags, err := store.List(ctx)
	require.NoError(t, err)

	var names []string
	for _, tag := range tags {
		names = append(names, tag.String())
		assert.NotEmpty(t, tag.ImageID)
	}
	assert.Equal(t, []string{"alpha:1", "alpha:2", "zeta:1"}, names)
}

func TestConcurrentRegisterIsAtomic(t *testing.T) {
	store, layers := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	images := make([]*Image, writers)
	for i := range writers {
		images[i] = &Image{Layers: []digest.Digest{putLayer(t, layers, fmt.Sprintf("layer-%d", i))}}
	}

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Register(ctx, "app", "latest", images[i])
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Resolve(ctx, "app", "latest")
	require.NoError(t, err)
	require.Len(t, got.Layers, 1)

	// Only the winning binding holds a reference; the others were released.
	total := 0
	for _, img := range images {
		if layers.Exists(ctx, img.Layers[0]) {
			total += refs(t, layers, img.Layers[0])
		}
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, refs(t, layers, got.Layers[0]))
}

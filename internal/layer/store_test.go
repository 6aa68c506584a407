package layer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/cruciblehq/stevedore/internal/metadata"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	db, err := metadata.Open(filepath.Join(dir, metadata.Filename))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := New(filepath.Join(dir, "layers"), db)
	require.NoError(t, err)
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	contents := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0, 1, 2, 3}, 64*1024),
	}

	for _, c := range contents {
		d, err := store.Put(ctx, bytes.NewReader(c))
		require.NoError(t, err)
		assert.Equal(t, digest.FromBytes(c), d)

		got, err := store.Get(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestPutDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d1, err := store.Put(ctx, bytes.NewReader([]byte("same content")))
	require.NoError(t, err)

	usage, err := store.Usage(ctx)
	require.NoError(t, err)

	d2, err := store.Put(ctx, bytes.NewReader([]byte("same content")))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	after, err := store.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, usage, after)

	info, err := store.Info(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Refs)
	assert.Equal(t, int64(len("same content")), info.Size)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), digest.FromString("missing"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGetInvalidDigest(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), digest.Digest("sha256:nothex"))
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestGetDetectsCorruption(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, err := store.Put(ctx, bytes.NewReader([]byte("original")))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.blobPath(d), []byte("tampered"), 0644))

	data, err := store.Get(ctx, d)
	require.ErrorIs(t, err, ErrCorrupted)
	assert.True(t, errdefs.IsDataLoss(err))
	assert.Nil(t, data)
}

func TestReferenceCounting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, err := store.Put(ctx, bytes.NewReader([]byte("shared base")))
	require.NoError(t, err)

	require.NoError(t, store.Reference(ctx, d))
	require.NoError(t, store.Reference(ctx, d))

	require.NoError(t, store.Dereference(ctx, d))
	assert.True(t, store.Exists(ctx, d), "layer deleted while still referenced")

	require.NoError(t, store.Dereference(ctx, d))
	assert.False(t, store.Exists(ctx, d), "layer kept after last reference")

	_, err = store.Get(ctx, d)
	require.ErrorIs(t, err, ErrNotFound)

	err = store.Dereference(ctx, d)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDereferenceUnreferenced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, err := store.Put(ctx, bytes.NewReader([]byte("orphan")))
	require.NoError(t, err)

	err = store.Dereference(ctx, d)
	require.ErrorIs(t, err, ErrNotReferenced)
	assert.True(t, store.Exists(ctx, d))
}

func TestReferenceMissing(t *testing.T) {
	store := newTestStore(t)

	err := store.Reference(context.Background(), digest.FromString("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLeaseBlocksDeletion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, err := store.Put(ctx, bytes.NewReader([]byte("leased")))
	require.NoError(t, err)
	require.NoError(t, store.Reference(ctx, d))

	release := store.Lease(d)
	require.NoError(t, store.Dereference(ctx, d))
	assert.True(t, store.Exists(ctx, d), "leased layer deleted")

	pruned, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, pruned)

	release()
	release() // Idempotent.

	pruned, err = store.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, pruned)
	assert.False(t, store.Exists(ctx, d))
}

func TestPruneKeepsReferenced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	kept, err := store.Put(ctx, bytes.NewReader([]byte("kept")))
	require.NoError(t, err)
	require.NoError(t, store.Reference(ctx, kept))

	orphan, err := store.Put(ctx, bytes.NewReader([]byte("orphan")))
	require.NoError(t, err)

	pruned, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{orphan}, pruned)
	assert.True(t, store.Exists(ctx, kept))
	assert.False(t, store.Exists(ctx, orphan))
}

func TestConcurrentPutAndReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 16
	content := []byte("raced content")

	var wg sync.WaitGroup
	digests := make([]digest.Digest, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := store.Put(ctx, bytes.NewReader(content))
			if err == nil {
				err = store.Reference(ctx, d)
			}
			digests[i], errs[i] = d, err
		}()
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, digests[0], digests[i])
	}

	info, err := store.Info(ctx, digests[0])
	require.NoError(t, err)
	assert.Equal(t, workers, info.Refs)

	usage, err := store.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), usage)
}

func TestPutLeasedSurvivesPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, release, err := store.PutLeased(ctx, bytes.NewReader([]byte("fresh")))
	require.NoError(t, err)

	pruned, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, pruned)

	require.NoError(t, store.Reference(ctx, d))
	release()
	require.NoError(t, store.Dereference(ctx, d))
	assert.False(t, store.Exists(ctx, d), "released layer kept after last reference")
}

func TestAcquire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, err := store.Put(ctx, bytes.NewReader([]byte("base")))
	require.NoError(t, err)
	require.NoError(t, store.Reference(ctx, d))

	release, err := store.Acquire(ctx, d)
	require.NoError(t, err)
	require.NoError(t, store.Dereference(ctx, d))
	assert.True(t, store.Exists(ctx, d), "acquired layer deleted")

	release()
	pruned, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, pruned)

	_, err = store.Acquire(ctx, d)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireMissingHoldsNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d, err := store.Put(ctx, bytes.NewReader([]byte("present")))
	require.NoError(t, err)

	_, err = store.Acquire(ctx, d, digest.FromString("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	pruned, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, pruned, "failed acquire left a lease behind")
}

func TestConcurrentPutLeasedAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 16
	content := []byte("contended")

	done := make(chan struct{})
	var pruner sync.WaitGroup
	pruner.Add(1)
	go func() {
		defer pruner.Done()
		for {
			select {
			case <-done:
				return
			default:
				store.Prune(ctx)
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, release, err := store.PutLeased(ctx, bytes.NewReader(content))
			if err == nil {
				err = store.Reference(ctx, d)
				release()
			}
			errs[i] = err
		}()
	}
	wg.Wait()
	close(done)
	pruner.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
	}
	info, err := store.Info(ctx, digest.FromBytes(content))
	require.NoError(t, err)
	assert.Equal(t, workers, info.Refs)
}

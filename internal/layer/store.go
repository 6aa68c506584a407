package layer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/locker"
	"github.com/opencontainers/go-digest"
)

const (

	// Directory holding committed blobs, relative to the store root.
	blobsDir = "blobs"

	// Directory holding in-flight writes, relative to the store root.
	ingestDir = "ingest"

	// Age after which an ingest file is considered abandoned.
	staleIngestAge = time.Hour
)

// Size and reference count of a stored layer.
type Info struct {
	Digest digest.Digest // Content digest.
	Size   int64         // Size of the tar stream in bytes.
	Refs   int           // Number of image bindings referencing the layer.
}

// Content-addressed layer storage.
type Store struct {
	root   string                // Root directory for blobs and ingest files.
	db     *sql.DB               // Metadata database holding sizes and reference counts.
	locks  *locker.Locker        // Per-digest locks serializing put, reference and delete.
	mu     sync.Mutex            // Protects leases.
	leases map[digest.Digest]int // Active lease counts, layers with a lease are never deleted.
}

// Creates a layer store rooted at root.
//
// The metadata database must already carry the layer schema (see the
// metadata package). The directory layout is created if missing.
func New(root string, db *sql.DB) (*Store, error) {
	for _, dir := range []string{
		filepath.Join(root, blobsDir, string(digest.Canonical)),
		filepath.Join(root, ingestDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create layer dir: %w", err)
		}
	}

	return &Store{
		root:   root,
		db:     db,
		locks:  locker.New(),
		leases: make(map[digest.Digest]int),
	}, nil
}

// Stores the content read from r and returns its digest.
//
// The content is streamed to a temporary file while being hashed. If a blob
// with the same digest already exists the temporary file is discarded, so
// identical content is written to the blob directory once. New layers start
// with zero references.
func (s *Store) Put(ctx context.Context, r io.Reader) (digest.Digest, error) {
	d, release, err := s.put(ctx, r, false)
	if err != nil {
		return "", err
	}
	release()
	return d, nil
}

// Stores the content read from r like [Store.Put] and leases the layer.
//
// The lease is taken before the digest lock is released, so the new layer
// is never visible to [Store.Prune] unreferenced and unleased. The caller
// must call the returned function once the layer is referenced or no longer
// needed.
func (s *Store) PutLeased(ctx context.Context, r io.Reader) (digest.Digest, func(), error) {
	return s.put(ctx, r, true)
}

func (s *Store) put(ctx context.Context, r io.Reader, lease bool) (digest.Digest, func(), error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, ingestDir), "ingest-*")
	if err != nil {
		return "", nil, fmt.Errorf("create ingest file: %w", err)
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", nil, fmt.Errorf("write ingest file: %w", err)
	}

	d := digester.Digest()

	s.locks.Lock(d.String())
	defer s.locks.Unlock(d.String())

	path := s.blobPath(d)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.Rename(tmp.Name(), path); err != nil {
			return "", nil, fmt.Errorf("commit blob: %w", err)
		}
		slog.Debug("layer stored", "digest", d, "size", size)
	} else if err != nil {
		return "", nil, fmt.Errorf("stat blob: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO layers (digest, size, refs) VALUES (?, ?, 0)`,
		d.String(), size,
	); err != nil {
		return "", nil, fmt.Errorf("record layer: %w", err)
	}

	if !lease {
		return d, func() {}, nil
	}
	return d, s.Lease(d), nil
}

// Returns the full content of a layer.
//
// The content is verified against the digest before it is returned. A
// mismatch means the blob on disk is corrupt and yields [ErrCorrupted].
func (s *Store) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	rc, err := s.Open(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Opens a layer for streaming.
//
// The returned reader verifies the content as it is consumed and fails with
// [ErrCorrupted] at end of stream if the bytes do not hash to d.
func (s *Store) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDigest, err)
	}

	f, err := os.Open(s.blobPath(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}

	return &verifiedReader{f: f, digest: d, verifier: d.Verifier()}, nil
}

// Reports whether a blob for d is present.
func (s *Store) Exists(ctx context.Context, d digest.Digest) bool {
	_, err := os.Stat(s.blobPath(d))
	return err == nil
}

// Returns the size and reference count of a layer.
func (s *Store) Info(ctx context.Context, d digest.Digest) (Info, error) {
	info := Info{Digest: d}
	err := s.db.QueryRowContext(ctx,
		`SELECT size, refs FROM layers WHERE digest = ?`, d.String(),
	).Scan(&info.Size, &info.Refs)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	if err != nil {
		return Info{}, fmt.Errorf("query layer: %w", err)
	}
	return info, nil
}

// Adds a reference to a layer.
func (s *Store) Reference(ctx context.Context, d digest.Digest) error {
	s.locks.Lock(d.String())
	defer s.locks.Unlock(d.String())

	res, err := s.db.ExecContext(ctx, `UPDATE layers SET refs = refs + 1 WHERE digest = ?`, d.String())
	if err != nil {
		return fmt.Errorf("reference layer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	return nil
}

// Drops a reference to a layer.
//
// When the count reaches zero and no lease holds the layer, the blob and its
// record are deleted. A leased layer with no references is left for
// [Store.Prune].
func (s *Store) Dereference(ctx context.Context, d digest.Digest) error {
	s.locks.Lock(d.String())
	defer s.locks.Unlock(d.String())

	var refs int
	err := s.db.QueryRowContext(ctx, `SELECT refs FROM layers WHERE digest = ?`, d.String()).Scan(&refs)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	if err != nil {
		return fmt.Errorf("query layer: %w", err)
	}
	if refs == 0 {
		return fmt.Errorf("%w: %s", ErrNotReferenced, d)
	}

	refs--
	if _, err := s.db.ExecContext(ctx, `UPDATE layers SET refs = ? WHERE digest = ?`, refs, d.String()); err != nil {
		return fmt.Errorf("dereference layer: %w", err)
	}

	if refs == 0 && !s.leased(d) {
		return s.delete(ctx, d)
	}
	return nil
}

// Pins layers against deletion until the returned function is called.
//
// Leases protect layers that are in use but not (yet) referenced by an
// image, such as the layers of a build in progress. Releasing a lease never
// deletes anything by itself.
func (s *Store) Lease(ds ...digest.Digest) func() {
	s.mu.Lock()
	for _, d := range ds {
		s.leases[d]++
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, d := range ds {
				if s.leases[d]--; s.leases[d] <= 0 {
					delete(s.leases, d)
				}
			}
		})
	}
}

// Leases layers that must already be stored.
//
// Each layer is leased first and then checked under its digest lock, so a
// layer reported present cannot be deleted until the returned function is
// called. Fails with [ErrNotFound], holding no lease, if any layer is gone.
func (s *Store) Acquire(ctx context.Context, ds ...digest.Digest) (func(), error) {
	release := s.Lease(ds...)
	for _, d := range ds {
		if err := s.present(ctx, d); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// Checks that d has a record and a blob.
func (s *Store) present(ctx context.Context, d digest.Digest) error {
	s.locks.Lock(d.String())
	defer s.locks.Unlock(d.String())

	var refs int
	err := s.db.QueryRowContext(ctx, `SELECT refs FROM layers WHERE digest = ?`, d.String()).Scan(&refs)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	if err != nil {
		return fmt.Errorf("query layer: %w", err)
	}
	if !s.Exists(ctx, d) {
		return fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	return nil
}

// Deletes every layer with no references and no lease.
//
// Returns the digests that were removed. Stale ingest files left behind by
// interrupted writes are removed as well.
func (s *Store) Prune(ctx context.Context) ([]digest.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT digest FROM layers WHERE refs = 0 ORDER BY digest`)
	if err != nil {
		return nil, fmt.Errorf("query orphaned layers: %w", err)
	}

	var candidates []digest.Digest
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		candidates = append(candidates, digest.Digest(raw))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query orphaned layers: %w", err)
	}

	var pruned []digest.Digest
	for _, d := range candidates {
		ok, err := s.pruneOne(ctx, d)
		if err != nil {
			return pruned, err
		}
		if ok {
			pruned = append(pruned, d)
		}
	}

	s.cleanIngest()

	slog.Info("layers pruned", "count", len(pruned))
	return pruned, nil
}

// Deletes one layer if it is still unreferenced and unleased.
func (s *Store) pruneOne(ctx context.Context, d digest.Digest) (bool, error) {
	s.locks.Lock(d.String())
	defer s.locks.Unlock(d.String())

	var refs int
	err := s.db.QueryRowContext(ctx, `SELECT refs FROM layers WHERE digest = ?`, d.String()).Scan(&refs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query layer: %w", err)
	}
	if refs > 0 || s.leased(d) {
		return false, nil
	}

	if err := s.delete(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// Returns the total size in bytes of all blobs on disk.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(filepath.Join(s.root, blobsDir), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure blobs: %w", err)
	}
	return total, nil
}

// Parses a stored layer into an [Index] for path lookups.
func (s *Store) Index(ctx context.Context, d digest.Digest) (*Index, error) {
	rc, err := s.Open(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	ix, err := ParseIndex(rc)
	if err != nil {
		return nil, err
	}
	ix.Digest = d
	return ix, nil
}

// Removes the blob and the record for d. The caller holds the digest lock.
func (s *Store) delete(ctx context.Context, d digest.Digest) error {
	if err := os.Remove(s.blobPath(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM layers WHERE digest = ?`, d.String()); err != nil {
		return fmt.Errorf("delete layer record: %w", err)
	}
	slog.Debug("layer deleted", "digest", d)
	return nil
}

// Reports whether d is held by a lease.
func (s *Store) leased(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[d] > 0
}

// Removes ingest files untouched for longer than [staleIngestAge]. Younger
// files may belong to a write in progress.
func (s *Store) cleanIngest() {
	entries, err := os.ReadDir(filepath.Join(s.root, ingestDir))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleIngestAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.Remove(filepath.Join(s.root, ingestDir, e.Name()))
	}
}

// Returns the path of the blob for d.
func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, blobsDir, d.Algorithm().String(), d.Encoded())
}

// Reader that checks the content digest when the stream is exhausted.
type verifiedReader struct {
	f        *os.File
	digest   digest.Digest
	verifier digest.Verifier
}

func (r *verifiedReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	r.verifier.Write(p[:n])
	if err == io.EOF && !r.verifier.Verified() {
		slog.Error("layer corruption detected", "digest", r.digest, "path", r.f.Name())
		return n, fmt.Errorf("%w: %s", ErrCorrupted, r.digest)
	}
	return n, err
}

func (r *verifiedReader) Close() error {
	return r.f.Close()
}

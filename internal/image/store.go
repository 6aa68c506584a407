package image

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/moby/locker"
	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stevedore/internal/layer"
)

// One name:tag binding.
type Tag struct {
	Name    string        `json:"name"`
	Tag     string        `json:"tag"`
	ImageID digest.Digest `json:"imageId"`
	Updated time.Time     `json:"updated"`
}

// Returns the binding in name:tag form.
func (t Tag) String() string {
	return t.Name + ":" + t.Tag
}

// Manifest store binding name:tag pairs to images.
type Store struct {
	db     *sql.DB
	layers *layer.Store
	locks  *locker.Locker // Per name:tag, serializes register and untag.
}

// Creates a manifest store over the metadata database. Layer references are
// kept in layers.
func NewStore(db *sql.DB, layers *layer.Store) *Store {
	return &Store{db: db, layers: layers, locks: locker.New()}
}

// Binds name:tag to img and returns the image ID.
//
// Every layer of img must already be in the layer store; each gets one
// reference for the new binding. The binding is swapped in a single
// transaction, so readers see either the old image or the new one. Layers of
// the previously bound image lose the reference that binding held.
func (s *Store) Register(ctx context.Context, name, tag string, img *Image) (digest.Digest, error) {
	ref, err := normalize(name, tag)
	if err != nil {
		return "", err
	}

	data, id, err := img.marshal()
	if err != nil {
		return "", err
	}

	key := ref.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	if err := s.reference(ctx, img.Layers); err != nil {
		return "", err
	}

	old, err := s.swap(ctx, ref, id, data)
	if err != nil {
		s.dereference(ctx, img.Layers)
		return "", err
	}
	if old != nil {
		s.dereference(ctx, old.Layers)
	}

	slog.Info("image registered", "ref", key, "id", id, "layers", len(img.Layers))
	return id, nil
}

// Returns the image bound to name:tag.
func (s *Store) Resolve(ctx context.Context, name, tag string) (*Image, error) {
	ref, err := normalize(name, tag)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT i.config FROM tags t JOIN images i ON i.id = t.image_id WHERE t.name = ? AND t.tag = ?`,
		ref.Name, ref.Tag,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("query image: %w", err)
	}
	return FromOCI(data)
}

// Parses ref and returns the image bound to it.
func (s *Store) Lookup(ctx context.Context, ref string) (*Image, error) {
	r, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, r.Name, r.Tag)
}

// Returns the image with the given ID, as long as some tag binds it.
func (s *Store) Get(ctx context.Context, id digest.Digest) (*Image, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT config FROM images WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query image: %w", err)
	}
	return FromOCI(data)
}

// Returns all bindings sorted by name and tag.
func (s *Store) List(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, tag, image_id, updated_at FROM tags ORDER BY name, tag`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		var id string
		if err := rows.Scan(&t.Name, &t.Tag, &id, &t.Updated); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		t.ImageID = digest.Digest(id)
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	return tags, nil
}

// Removes the name:tag binding and releases the references it held.
func (s *Store) Untag(ctx context.Context, name, tag string) error {
	ref, err := normalize(name, tag)
	if err != nil {
		return err
	}

	key := ref.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	old, err := s.swap(ctx, ref, "", nil)
	if err != nil {
		return err
	}
	if old == nil {
		return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}
	s.dereference(ctx, old.Layers)

	slog.Info("image untagged", "ref", key)
	return nil
}

// Points ref at the image id (or removes the binding when id is empty) in one
// transaction. Returns the previously bound image, if any.
//
// Image rows no longer bound by any tag are deleted in the same transaction.
func (s *Store) swap(ctx context.Context, ref Reference, id digest.Digest, data []byte) (*Image, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldID string
	var oldData []byte
	err = tx.QueryRowContext(ctx,
		`SELECT i.id, i.config FROM tags t JOIN images i ON i.id = t.image_id WHERE t.name = ? AND t.tag = ?`,
		ref.Name, ref.Tag,
	).Scan(&oldID, &oldData)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query binding: %w", err)
	}

	now := time.Now().UTC()
	if id != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO images (id, config, created_at) VALUES (?, ?, ?)`,
			id.String(), data, now,
		); err != nil {
			return nil, fmt.Errorf("store image: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tags (name, tag, image_id, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (name, tag) DO UPDATE SET image_id = excluded.image_id, updated_at = excluded.updated_at`,
			ref.Name, ref.Tag, id.String(), now,
		); err != nil {
			return nil, fmt.Errorf("bind tag: %w", err)
		}
	} else if oldID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE name = ? AND tag = ?`, ref.Name, ref.Tag); err != nil {
			return nil, fmt.Errorf("unbind tag: %w", err)
		}
	}

	if oldID != "" && oldID != id.String() {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM images WHERE id = ? AND NOT EXISTS (SELECT 1 FROM tags WHERE image_id = ?)`,
			oldID, oldID,
		); err != nil {
			return nil, fmt.Errorf("delete unbound image: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit binding: %w", err)
	}

	if oldID == "" {
		return nil, nil
	}
	return FromOCI(oldData)
}

// Adds one reference to each layer, undoing them all if one fails.
func (s *Store) reference(ctx context.Context, layers []digest.Digest) error {
	for i, d := range layers {
		if err := s.layers.Reference(ctx, d); err != nil {
			s.dereference(ctx, layers[:i])
			return fmt.Errorf("reference layer %s: %w", d, err)
		}
	}
	return nil
}

// Drops one reference from each layer. Failures are logged; the binding has
// already changed and a leftover reference only delays garbage collection.
func (s *Store) dereference(ctx context.Context, layers []digest.Digest) {
	for _, d := range layers {
		if err := s.layers.Dereference(ctx, d); err != nil {
			slog.Warn("failed to release layer", "digest", d, "error", err)
		}
	}
}

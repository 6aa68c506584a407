package metadata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", Filename)

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"layers", "images", "tags"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
		require.Equal(t, table, name)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), Filename)

	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO layers (digest, size, refs) VALUES ('sha256:abc', 3, 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var refs int
	require.NoError(t, db.QueryRow(`SELECT refs FROM layers WHERE digest = 'sha256:abc'`).Scan(&refs))
	require.Equal(t, 1, refs)
}

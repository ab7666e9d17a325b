package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()
	file, err := NewFileBackend(filepath.Join(dir, "store.json"))
	require.NoError(t, err)
	bdg, err := NewBadgerBackend(filepath.Join(dir, "badger"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdg.Close(context.Background()) })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
		"badger": bdg,
	}
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Set(ctx, map[string]string{
				"site:a":   "1",
				"site:b":   "",
				"pref:foo": "bar",
			}))

			v, err := b.Get(ctx, "site:b")
			require.NoError(t, err)
			assert.Equal(t, "", v, "empty values are stored, not treated as absent")

			got, err := b.GetAll(ctx, []string{"site:a", "nope"})
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"site:a": "1"}, got)

			all, err := b.GetAll(ctx, nil)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			sites, err := ScanPrefix(ctx, b, "site:")
			require.NoError(t, err)
			assert.Equal(t, []string{"site:a", "site:b"}, SortedKeys(sites))

			require.NoError(t, b.Remove(ctx, []string{"site:a", "nope"}))
			_, err = b.Get(ctx, "site:a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileBackendPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	f, err := NewFileBackend(path)
	require.NoError(t, err)
	require.NoError(t, f.Set(ctx, map[string]string{"salt": "abc"}))

	reopened, err := NewFileBackend(path)
	require.NoError(t, err)
	v, err := reopened.Get(ctx, "salt")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}

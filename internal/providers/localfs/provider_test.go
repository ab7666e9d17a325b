package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pfpvault/internal/sync"
)

func TestConditionalPut(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := New(dir)
	tok, err := p.Authorize(ctx)
	require.NoError(t, err)

	f, err := p.Get(ctx, sync.DefaultPath, tok)
	require.NoError(t, err)
	assert.Nil(t, f)

	rev1, err := p.Put(ctx, sync.DefaultPath, []byte("one"), "", tok)
	require.NoError(t, err)
	_, err = p.Put(ctx, sync.DefaultPath, []byte("again"), "", tok)
	assert.ErrorIs(t, err, sync.ErrWrongRevision)

	rev2, err := p.Put(ctx, sync.DefaultPath, []byte("two"), rev1, tok)
	require.NoError(t, err)
	assert.NotEqual(t, rev1, rev2)
	_, err = p.Put(ctx, sync.DefaultPath, []byte("stale"), rev1, tok)
	assert.ErrorIs(t, err, sync.ErrWrongRevision)

	f, err = p.Get(ctx, sync.DefaultPath, tok)
	require.NoError(t, err)
	assert.Equal(t, rev2, f.Revision)
	assert.Equal(t, []byte("two"), f.Contents)

	b, err := os.ReadFile(filepath.Join(dir, "passwords.json"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))
}

func TestExternalEditChangesRevision(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := New(dir)
	tok, err := p.Authorize(ctx)
	require.NoError(t, err)
	rev, err := p.Put(ctx, "/data.json", []byte("a"), "", tok)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.json"), []byte("b"), 0o600))
	_, err = p.Put(ctx, "/data.json", []byte("c"), rev, tok)
	assert.ErrorIs(t, err, sync.ErrWrongRevision)
}

func TestPathsStayInDirectory(t *testing.T) {
	p := New(t.TempDir())
	name, err := p.file("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.dir, "etc", "passwd"), name)
	_, err = p.file("/")
	assert.Error(t, err)
}

func TestWrongToken(t *testing.T) {
	p := New(t.TempDir())
	_, err := p.Get(context.Background(), sync.DefaultPath, "other")
	assert.ErrorIs(t, err, sync.ErrInvalidToken)
}

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pfpvault/internal/sync"
)

func TestPutIsConditional(t *testing.T) {
	ctx := context.Background()
	p := New("")
	assert.Equal(t, "memory", p.Name())
	tok, err := p.Authorize(ctx)
	require.NoError(t, err)

	rev, err := p.Put(ctx, "/f", []byte("1"), "", tok)
	require.NoError(t, err)
	_, err = p.Put(ctx, "/f", []byte("2"), "", tok)
	assert.ErrorIs(t, err, sync.ErrWrongRevision)
	_, err = p.Put(ctx, "/f", []byte("2"), "bogus", tok)
	assert.ErrorIs(t, err, sync.ErrWrongRevision)
	_, err = p.Put(ctx, "/f", []byte("2"), rev, tok)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), p.File("/f"))

	gets, puts := p.Counts()
	assert.Equal(t, 0, gets)
	assert.Equal(t, 4, puts)
}

func TestTokensAndFailures(t *testing.T) {
	ctx := context.Background()
	p := New("x")
	a, err := p.Authorize(ctx)
	require.NoError(t, err)
	b, err := p.Authorize(ctx)
	require.NoError(t, err)

	f, err := p.Get(ctx, "/f", a)
	require.NoError(t, err)
	assert.Nil(t, f)
	_, err = p.Get(ctx, "/f", b)
	require.NoError(t, err)
	_, err = p.Get(ctx, "/f", "nope")
	assert.ErrorIs(t, err, sync.ErrInvalidToken)

	boom := errors.New("boom")
	p.FailGet(boom)
	_, err = p.Get(ctx, "/f", a)
	assert.ErrorIs(t, err, boom)
	_, err = p.Get(ctx, "/f", a)
	assert.NoError(t, err)

	p.Revoke()
	_, err = p.Get(ctx, "/f", a)
	assert.ErrorIs(t, err, sync.ErrInvalidToken)
}

func TestCancelledContextIsNetworkError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New("")
	_, err := p.Get(ctx, "/f", "t")
	assert.ErrorIs(t, err, sync.ErrNetwork)
}

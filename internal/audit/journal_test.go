package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pfpvault/internal/storage"
)

func TestJournalChainsAndPersists(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemoryBackend()
	j := New(b)
	_, err := j.Append(ctx, KindPushed, 1, "")
	require.NoError(t, err)
	_, err = j.Append(ctx, KindConflict, 1, "attempt 1")
	require.NoError(t, err)
	require.NoError(t, j.Verify())

	again := New(b)
	require.NoError(t, again.Load(ctx))
	assert.Equal(t, j.Entries(), again.Entries())

	e, err := again.Append(ctx, KindPushed, 2, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Seq)
	require.NoError(t, again.Verify())
}

func TestJournalDetectsTampering(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemoryBackend()
	j := New(b)
	_, err := j.Append(ctx, KindPushed, 1, "")
	require.NoError(t, err)
	_, err = j.Append(ctx, KindPushed, 2, "")
	require.NoError(t, err)

	require.NoError(t, b.Set(ctx, map[string]string{
		key(1): `{"seq":1,"ts":0,"kind":"pushed","revision":7,"hash":"00"}`,
	}))
	assert.Error(t, New(b).Load(ctx))

	j.entries[1].Detail = "rewritten"
	assert.Error(t, j.Verify())
}

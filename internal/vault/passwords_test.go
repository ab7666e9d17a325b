package vault

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pfpvault/internal/entries"
)

func storedEntry(site, name, pw string) entries.Entry {
	return entries.Entry{Site: site, Name: name, Revision: "", Password: &entries.Stored{Password: pw}}
}

func TestEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	v, b := newTestVault(t)

	require.NoError(t, v.AddEntry(ctx, storedEntry("WWW.Example.com", "alice", "s3cret")))
	assert.ErrorIs(t, v.AddEntry(ctx, storedEntry("example.com", "alice", "other")), ErrAlreadyExists)

	gen, err := entries.NewGenerated(16, entries.DefaultCharset())
	require.NoError(t, err)
	require.NoError(t, v.AddEntry(ctx, entries.Entry{Site: "example.com", Name: "bob", Revision: "2", Password: gen}))

	list, err := v.ListEntries(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Name)
	assert.Equal(t, "s3cret", list[0].Password.Value())
	assert.Equal(t, entries.KindGenerated, list[1].Password.Kind())

	// site names never appear in keys or values on disk
	all, err := b.GetAll(ctx, nil)
	require.NoError(t, err)
	for k, val := range all {
		assert.NotContains(t, k, "example")
		assert.NotContains(t, val, "example")
	}

	require.NoError(t, v.SetNotes(ctx, "example.com", "alice", "", "security question: blue"))
	e, err := v.GetEntry(ctx, "example.com", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "security question: blue", e.Notes)

	require.NoError(t, v.RemoveEntry(ctx, "example.com", "alice", ""))
	_, err = v.GetEntry(ctx, "example.com", "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, v.RemoveEntry(ctx, "example.com", "alice", ""), ErrNotFound)
}

func TestAliases(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	require.NoError(t, v.AddEntry(ctx, storedEntry("example.com", "alice", "pw")))
	require.NoError(t, v.AddAlias(ctx, "example.org", "example.com"))

	list, err := v.ListEntries(ctx, "example.org")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "example.com", list[0].Site)

	assert.ErrorIs(t, v.AddAlias(ctx, "example.com", "example.net"), ErrAlreadyExists)

	sites, err := v.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "example.com", sites[0].Site)
	assert.Equal(t, "example.com", sites[1].Alias)

	require.NoError(t, v.RemoveAlias(ctx, "example.org"))
	list, err = v.ListEntries(ctx, "example.org")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEntriesSurvivePasswordChange(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)
	require.NoError(t, v.AddEntry(ctx, storedEntry("example.com", "alice", "pw")))
	require.NoError(t, v.ChangePassword(ctx, []byte("new one")))
	e, err := v.GetEntry(ctx, "example.com", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "pw", e.Password.Value())
}

func TestSiteKeysAreStable(t *testing.T) {
	secret := []byte("secret")
	k := siteKey(secret, "example.com")
	assert.True(t, strings.HasPrefix(k, PrefixSite))
	assert.Equal(t, k, siteKey(secret, "example.com"))
	assert.NotEqual(t, k, siteKey([]byte("other"), "example.com"))
	assert.True(t, strings.HasPrefix(entryKey(secret, "example.com", "a", ""), k+":"))
}

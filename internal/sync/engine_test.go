package sync_test

import (
	"context"
	"io"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pfpvault/internal/audit"
	"pfpvault/internal/crypto"
	"pfpvault/internal/providers/memory"
	"pfpvault/internal/storage"
	"pfpvault/internal/sync"
	"pfpvault/internal/vault"
)

type device struct {
	backend *storage.MemoryBackend
	hook    *scanHook
	vault   *vault.Vault
	engine  *sync.Engine
}

// scanHook runs after every prefix scan of the wrapped backend.
type scanHook struct {
	*storage.MemoryBackend
	after func(prefix string)
}

func (h *scanHook) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	out, err := h.MemoryBackend.Scan(ctx, prefix)
	if h.after != nil {
		h.after(prefix)
	}
	return out, err
}

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newDevice(t *testing.T, p *memory.Provider, password string) *device {
	t.Helper()
	ctx := context.Background()
	b := storage.NewMemoryBackend()
	h := &scanHook{MemoryBackend: b}
	v := vault.New(h, vault.Options{KDF: crypto.FastKDF(), Logger: quiet()})
	require.NoError(t, v.SetPassword(ctx, []byte(password)))
	e := sync.NewEngine(v, []sync.Provider{p}, sync.Options{
		MaxRetries: 3,
		Timeout:    time.Second,
		Logger:     quiet(),
		Journal:    audit.New(b),
	})
	require.NoError(t, e.Authorize(ctx, p.Name()))
	return &device{backend: b, hook: h, vault: v, engine: e}
}

func (d *device) set(t *testing.T, key, value string) {
	t.Helper()
	require.NoError(t, d.vault.Store().Set(context.Background(), key, value))
}

func (d *device) get(t *testing.T, key string) string {
	t.Helper()
	v, err := d.vault.Store().Get(context.Background(), key)
	require.NoError(t, err)
	return v
}

func (d *device) pending(t *testing.T) []string {
	t.Helper()
	p, err := d.engine.Tracker().Pending(context.Background())
	require.NoError(t, err)
	return p
}

// state is the local data and change set, without session bookkeeping.
func (d *device) state(t *testing.T) map[string]string {
	t.Helper()
	all, err := d.backend.GetAll(context.Background(), nil)
	require.NoError(t, err)
	for k := range all {
		if strings.HasPrefix(k, "sync:session:") || strings.HasPrefix(k, audit.Prefix) {
			delete(all, k)
		}
	}
	return all
}

func remoteDoc(t *testing.T, p *memory.Provider) *sync.Document {
	t.Helper()
	body := p.File(sync.DefaultPath)
	require.NotNil(t, body)
	doc, err := sync.ParseDocument(body)
	require.NoError(t, err)
	return doc
}

func decryptRemote(t *testing.T, d *device, doc *sync.Document, key string) string {
	t.Helper()
	k, err := d.vault.Key()
	require.NoError(t, err)
	defer k.Destroy()
	v, err := vault.Decrypt(k, key, doc.Data[key])
	require.NoError(t, err)
	return v
}

// pair returns two devices sharing one installation.
func pair(t *testing.T, p *memory.Provider) (*device, *device) {
	t.Helper()
	ctx := context.Background()
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))
	b := newDevice(t, p, "foobar")
	require.ErrorIs(t, b.engine.Sync(ctx), sync.ErrUnrelatedClient)
	require.NoError(t, b.engine.AdoptRemote(ctx, []byte("foobar")))
	return a, b
}

func TestFirstSyncCreatesRevisionOne(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	a.set(t, "site:example.com", "bar")
	require.NoError(t, a.vault.SetPref(ctx, "theme", "dark"))

	require.NoError(t, a.engine.Sync(ctx))

	doc := remoteDoc(t, p)
	assert.Equal(t, int64(1), doc.Revision)
	assert.Equal(t, sync.FormatCurrent, doc.Format)
	keys := make([]string, 0, len(doc.Data))
	for k := range doc.Data {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{vault.KeySalt, vault.KeyHMACSecret, vault.KeySyncSecret, "site:example.com"}, keys)
	assert.Equal(t, "bar", decryptRemote(t, a, doc, "site:example.com"))

	secret, err := a.vault.SyncSecret(ctx)
	require.NoError(t, err)
	assert.True(t, sync.Verify(secret, doc.Revision, doc.Data, doc.Signature))

	assert.Empty(t, a.pending(t))
	st := a.engine.Status()
	assert.Equal(t, sync.StateIdle, st.State)
	assert.Equal(t, int64(1), st.Revision)
	assert.Empty(t, st.LastError)

	hist := a.engine.History()
	require.NotEmpty(t, hist)
	assert.Equal(t, audit.KindPushed, hist[len(hist)-1].Kind)
}

func TestSyncWithoutChangesDoesNotPut(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))
	before := a.state(t)
	_, puts := p.Counts()

	require.NoError(t, a.engine.Sync(ctx))
	_, after := p.Counts()
	assert.Equal(t, puts, after)
	assert.Equal(t, before, a.state(t))
}

func TestChangesBatchIntoOnePut(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))
	_, puts := p.Counts()

	a.set(t, "site:one", "1")
	a.set(t, "site:two", "2")
	require.NoError(t, a.engine.Sync(ctx))

	_, after := p.Counts()
	assert.Equal(t, puts+1, after)
	assert.Equal(t, int64(2), remoteDoc(t, p).Revision)
}

func TestChangesPropagateBetweenDevices(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a, b := pair(t, p)
	a.set(t, "site:shared", "from a")
	require.NoError(t, a.engine.Sync(ctx))

	require.NoError(t, b.engine.Sync(ctx))
	assert.Equal(t, "from a", b.get(t, "site:shared"))
	assert.Empty(t, b.pending(t), "adopted values are not marked again")

	b.set(t, "site:other", "from b")
	require.NoError(t, b.engine.Sync(ctx))
	require.NoError(t, a.engine.Sync(ctx))
	assert.Equal(t, "from b", a.get(t, "site:other"))

	require.NoError(t, a.vault.Store().Delete(ctx, "site:shared"))
	require.NoError(t, a.engine.Sync(ctx))
	require.NoError(t, b.engine.Sync(ctx))
	_, err := b.vault.Store().Get(ctx, "site:shared")
	assert.ErrorIs(t, err, vault.ErrNotFound)
	assert.NotContains(t, remoteDoc(t, p).Data, "site:shared")
}

func TestLocalPendingChangeWins(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a, b := pair(t, p)
	a.set(t, "site:k", "a1")
	require.NoError(t, a.engine.Sync(ctx))
	require.NoError(t, b.engine.Sync(ctx))

	a.set(t, "site:k", "a2")
	require.NoError(t, a.engine.Sync(ctx))
	b.set(t, "site:k", "b2")
	require.NoError(t, b.engine.Sync(ctx))
	require.NoError(t, a.engine.Sync(ctx))

	assert.Equal(t, "b2", a.get(t, "site:k"))
	assert.Equal(t, "b2", b.get(t, "site:k"))
}

func TestConcurrentRemoteWriteRetriesOnce(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a, b := pair(t, p)
	b.set(t, "site:b", "b")
	a.set(t, "site:a", "a")

	var once stdsync.Once
	p.BeforePut(func() {
		once.Do(func() {
			p.BeforePut(nil)
			require.NoError(t, b.engine.Sync(ctx))
		})
	})
	_, putsBefore := p.Counts()
	require.NoError(t, a.engine.Sync(ctx))
	_, putsAfter := p.Counts()
	// b's put, a's rejected put, a's retried put
	assert.Equal(t, putsBefore+3, putsAfter)

	doc := remoteDoc(t, p)
	assert.Contains(t, doc.Data, "site:a")
	assert.Contains(t, doc.Data, "site:b")
	assert.Equal(t, "b", a.get(t, "site:b"))

	kinds := map[audit.Kind]int{}
	for _, e := range a.engine.History() {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[audit.KindConflict])
}

func TestTooManyRetriesLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a, b := pair(t, p)
	b.set(t, "site:b", "b")
	require.NoError(t, b.engine.Sync(ctx))
	a.set(t, "site:a", "a")

	localBefore := a.state(t)
	remoteBefore := p.File(sync.DefaultPath)
	p.FailPut(sync.ErrWrongRevision, sync.ErrWrongRevision, sync.ErrWrongRevision)

	err := a.engine.Sync(ctx)
	assert.ErrorIs(t, err, sync.ErrTooManyRetries)
	assert.Equal(t, "sync_too_many_retries", sync.Code(err))
	assert.Equal(t, localBefore, a.state(t))
	assert.Equal(t, remoteBefore, p.File(sync.DefaultPath))
	assert.Equal(t, sync.StateError, a.engine.Status().State)

	require.NoError(t, a.engine.Sync(ctx))
	assert.Equal(t, "b", a.get(t, "site:b"))
	assert.Contains(t, remoteDoc(t, p).Data, "site:a")
}

func TestUnrelatedClientLeavesLocalData(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))

	b := newDevice(t, p, "foobar")
	b.set(t, "site:mine", "x")
	before := b.state(t)
	err := b.engine.Sync(ctx)
	assert.ErrorIs(t, err, sync.ErrUnrelatedClient)
	assert.Equal(t, before, b.state(t))
	st := b.engine.Status()
	assert.Equal(t, sync.StateError, st.State)
	assert.Equal(t, "sync_unrelated_client", st.LastError)
}

func TestTamperedRemoteRejected(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	a.set(t, "site:x", "real")
	require.NoError(t, a.engine.Sync(ctx))

	doc := remoteDoc(t, p)
	k, err := a.vault.Key()
	require.NoError(t, err)
	forged, err := vault.Encrypt(k, "site:x", "forged")
	k.Destroy()
	require.NoError(t, err)
	doc.Data["site:x"] = forged
	body, err := doc.Marshal()
	require.NoError(t, err)
	p.SetFile(sync.DefaultPath, body)

	before := a.state(t)
	assert.ErrorIs(t, a.engine.Sync(ctx), sync.ErrTamperedData)
	assert.Equal(t, before, a.state(t))
	assert.Equal(t, "real", a.get(t, "site:x"))
}

func TestRevisionRollbackRejected(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))
	old := p.File(sync.DefaultPath)

	a.set(t, "site:x", "1")
	require.NoError(t, a.engine.Sync(ctx))
	p.SetFile(sync.DefaultPath, old)

	assert.ErrorIs(t, a.engine.Sync(ctx), sync.ErrTamperedData)
}

func TestUnknownFormatRejected(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	p.SetFile(sync.DefaultPath, []byte(`{"application":"other","format":3,"revision":1,"data":{}}`))
	err := a.engine.Sync(ctx)
	assert.ErrorIs(t, err, sync.ErrUnknownDataFormat)
	assert.False(t, sync.Transient(err))
}

func TestLegacyFormatWithoutChangesIsNoop(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))
	doc := remoteDoc(t, p)
	doc.Format = 2
	body, err := doc.Marshal()
	require.NoError(t, err)
	p.SetFile(sync.DefaultPath, body)
	_, puts := p.Counts()

	require.NoError(t, a.engine.Sync(ctx))
	_, after := p.Counts()
	assert.Equal(t, puts, after)
}

func TestInvalidTokenKeepsChangeSet(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))
	a.set(t, "site:x", "1")
	p.Revoke()

	err := a.engine.Sync(ctx)
	assert.ErrorIs(t, err, sync.ErrInvalidToken)
	assert.Equal(t, sync.StateError, a.engine.Status().State)
	assert.Equal(t, []string{"site:x"}, a.pending(t))

	require.NoError(t, a.engine.Authorize(ctx, p.Name()))
	require.NoError(t, a.engine.Sync(ctx))
	assert.Contains(t, remoteDoc(t, p).Data, "site:x")
	assert.Equal(t, int64(2), a.engine.Status().Revision)
}

func TestProviderTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	b := storage.NewMemoryBackend()
	h := &scanHook{MemoryBackend: b}
	v := vault.New(h, vault.Options{KDF: crypto.FastKDF(), Logger: quiet()})
	require.NoError(t, v.SetPassword(ctx, []byte("foobar")))
	e := sync.NewEngine(v, []sync.Provider{p}, sync.Options{Timeout: 20 * time.Millisecond, Logger: quiet()})
	require.NoError(t, e.Authorize(ctx, p.Name()))

	p.BeforeGet(func() { time.Sleep(60 * time.Millisecond) })
	err := e.Sync(ctx)
	assert.ErrorIs(t, err, sync.ErrNetwork)
	assert.True(t, sync.Transient(err))

	p.BeforeGet(nil)
	assert.NoError(t, e.Sync(ctx))
}

func TestEditDuringSyncIsNotLost(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))

	a.set(t, "site:k", "v1")
	var once stdsync.Once
	p.BeforePut(func() { once.Do(func() { a.set(t, "site:k", "v2") }) })
	require.NoError(t, a.engine.Sync(ctx))
	assert.Equal(t, "v1", decryptRemote(t, a, remoteDoc(t, p), "site:k"))
	assert.Equal(t, []string{"site:k"}, a.pending(t))

	p.BeforePut(nil)
	require.NoError(t, a.engine.Sync(ctx))
	assert.Equal(t, "v2", decryptRemote(t, a, remoteDoc(t, p), "site:k"))
	assert.Empty(t, a.pending(t))
}

func TestPasswordChangePropagates(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a, b := pair(t, p)
	a.set(t, "site:k", "secret")
	require.NoError(t, a.engine.Sync(ctx))
	require.NoError(t, b.engine.Sync(ctx))

	require.NoError(t, a.vault.ChangePassword(ctx, []byte("new password")))
	require.NoError(t, a.engine.Sync(ctx))
	doc := remoteDoc(t, p)
	assert.Equal(t, "secret", decryptRemote(t, a, doc, "site:k"))
	prev, err := a.vault.PreviousKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, prev, "previous key is dropped once the remote copy is rewritten")

	assert.ErrorIs(t, b.engine.Sync(ctx), sync.ErrUnrelatedClient)
	assert.ErrorIs(t, b.engine.AdoptRemote(ctx, []byte("foobar")), vault.ErrWrongPassword)
	require.NoError(t, b.engine.AdoptRemote(ctx, []byte("new password")))
	assert.Equal(t, "secret", b.get(t, "site:k"))

	b.vault.Forget()
	require.NoError(t, b.vault.Open(ctx, []byte("new password")))
	require.NoError(t, b.engine.Sync(ctx))
	assert.Equal(t, sync.StateIdle, b.engine.Status().State)
}

func TestPasswordChangeMergesRemoteEditsMadeUnderOldKey(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a, b := pair(t, p)

	require.NoError(t, a.vault.ChangePassword(ctx, []byte("new password")))
	b.set(t, "site:b", "from b")
	require.NoError(t, b.engine.Sync(ctx))

	require.NoError(t, a.engine.Sync(ctx))
	assert.Equal(t, "from b", a.get(t, "site:b"))
	assert.Equal(t, "from b", decryptRemote(t, a, remoteDoc(t, p), "site:b"))
}

func TestAdoptKeepsPendingWithSameInstallation(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a, b := pair(t, p)
	require.NoError(t, a.vault.ChangePassword(ctx, []byte("new password")))
	require.NoError(t, a.engine.Sync(ctx))

	b.set(t, "site:offline", "typed on b")
	require.ErrorIs(t, b.engine.Sync(ctx), sync.ErrUnrelatedClient)
	require.NoError(t, b.engine.AdoptRemote(ctx, []byte("new password")))
	assert.Equal(t, "typed on b", b.get(t, "site:offline"))
	assert.Contains(t, b.pending(t), "site:offline")

	require.NoError(t, b.engine.Sync(ctx))
	require.NoError(t, a.engine.Sync(ctx))
	assert.Equal(t, "typed on b", a.get(t, "site:offline"))
}

func TestOverwriteRemote(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	a.set(t, "site:a", "a")
	require.NoError(t, a.engine.Sync(ctx))

	b := newDevice(t, p, "other")
	b.set(t, "site:b", "b")
	require.ErrorIs(t, b.engine.Sync(ctx), sync.ErrUnrelatedClient)
	require.NoError(t, b.engine.OverwriteRemote(ctx))

	doc := remoteDoc(t, p)
	assert.Equal(t, int64(2), doc.Revision)
	assert.Contains(t, doc.Data, "site:b")
	assert.NotContains(t, doc.Data, "site:a")
	assert.Empty(t, b.pending(t))
	assert.ErrorIs(t, a.engine.Sync(ctx), sync.ErrUnrelatedClient)
}

func TestDisableAndResume(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	require.NoError(t, a.engine.Sync(ctx))
	a.set(t, "site:x", "1")

	again := sync.NewEngine(a.vault, []sync.Provider{p}, sync.Options{Logger: quiet()})
	require.NoError(t, again.Resume(ctx))
	st := again.Status()
	assert.Equal(t, sync.StateIdle, st.State)
	assert.Equal(t, int64(1), st.Revision)
	assert.Equal(t, []string{"site:x"}, a.pending(t), "resume does not reseed the change set")
	require.NoError(t, again.Sync(ctx))
	assert.Contains(t, remoteDoc(t, p).Data, "site:x")

	require.NoError(t, again.Disable(ctx))
	assert.Equal(t, sync.StateDisabled, again.Status().State)
	assert.ErrorIs(t, again.Sync(ctx), sync.ErrDisabled)
	a.set(t, "site:y", "2")
	assert.Empty(t, a.pending(t))
	_, err := a.vault.SyncSecret(ctx)
	assert.NoError(t, err, "disabling sync keeps the secrets")
}

func TestSyncNeedsMasterPassword(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a := newDevice(t, p, "foobar")
	a.vault.Forget()
	err := a.engine.Sync(ctx)
	assert.ErrorIs(t, err, vault.ErrMasterPasswordRequired)
	assert.Equal(t, "master-password-required", sync.Code(err))
}

func TestEditBetweenChangeSetAndDataReadsIsNotLost(t *testing.T) {
	ctx := context.Background()
	p := memory.New("")
	a, b := pair(t, p)
	b.set(t, "site:x", "remote")
	require.NoError(t, b.engine.Sync(ctx))

	edited := false
	a.hook.after = func(prefix string) {
		if !edited && prefix == "sync:changed:" {
			edited = true
			a.set(t, "site:x", "typed")
		}
	}
	require.NoError(t, a.engine.Sync(ctx))
	a.hook.after = nil
	require.True(t, edited)

	assert.Equal(t, "typed", a.get(t, "site:x"))
	assert.Contains(t, a.pending(t), "site:x")

	require.NoError(t, a.engine.Sync(ctx))
	require.NoError(t, b.engine.Sync(ctx))
	assert.Equal(t, "typed", b.get(t, "site:x"))
	assert.Equal(t, "typed", decryptRemote(t, a, remoteDoc(t, p), "site:x"))
}

func TestSwitchingProviderSeedsChangeSet(t *testing.T) {
	ctx := context.Background()
	first, second := memory.New("first"), memory.New("second")
	b := storage.NewMemoryBackend()
	v := vault.New(b, vault.Options{KDF: crypto.FastKDF(), Logger: quiet()})
	require.NoError(t, v.SetPassword(ctx, []byte("foobar")))
	e := sync.NewEngine(v, []sync.Provider{first, second}, sync.Options{Logger: quiet(), Timeout: time.Second})
	require.NoError(t, e.Authorize(ctx, "first"))
	require.NoError(t, v.Store().Set(ctx, "site:a", "1"))
	require.NoError(t, e.Sync(ctx))

	pending, err := e.Tracker().Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, e.Authorize(ctx, "second"))
	pending, err = e.Tracker().Pending(ctx)
	require.NoError(t, err)
	assert.Contains(t, pending, "site:a")
	require.NoError(t, e.Sync(ctx))
	assert.NotNil(t, second.File(sync.DefaultPath))
}

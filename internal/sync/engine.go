package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"pfpvault/internal/audit"
	"pfpvault/internal/crypto"
	"pfpvault/internal/vault"
)

const (
	defaultMaxRetries = 5
	defaultTimeout    = 30 * time.Second
)

type Options struct {
	Path string
	// MaxRetries bounds the pull-merge-push attempts of one sync.
	MaxRetries int
	// Timeout bounds every provider call. Expiry is reported as ErrNetwork.
	Timeout time.Duration
	Journal *audit.Journal
	Logger  *logrus.Logger
}

// Status is a snapshot for polling UIs.
type Status struct {
	State     State
	Provider  string
	Revision  int64
	LastError string
	LastSync  time.Time
}

type run struct {
	done    chan struct{}
	err     error
	waiters int
}

type result struct {
	kind             audit.Kind
	revision         int64
	signature        string
	providerRevision string
	sealedToken      string
}

// Engine mirrors the vault's syncable partition into one remote document.
// At most one sync runs at a time; calls arriving meanwhile share a single
// follow-up run.
type Engine struct {
	vault     *vault.Vault
	store     *vault.Store
	tracker   *Tracker
	providers map[string]Provider
	opts      Options
	journal   *audit.Journal
	log       *logrus.Entry
	now       func() time.Time

	// op serializes everything that reads or writes the remote document.
	op stdsync.Mutex

	mu      stdsync.Mutex
	state   State
	session *Session
	epoch   uint64
	running *run
	next    *run
}

func NewEngine(v *vault.Vault, providers []Provider, opts Options) *Engine {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	journal := opts.Journal
	if journal == nil {
		journal = audit.New(nil)
	}
	e := &Engine{
		vault:     v,
		store:     v.Store(),
		tracker:   NewTracker(v.Store()),
		providers: make(map[string]Provider, len(providers)),
		opts:      opts,
		journal:   journal,
		log:       logger.WithField("component", "sync"),
		now:       time.Now,
		state:     StateDisabled,
	}
	for _, p := range providers {
		e.providers[p.Name()] = p
	}
	return e
}

func (e *Engine) Tracker() *Tracker { return e.tracker }

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{State: e.state}
	if s := e.session; s != nil {
		st.Provider = s.Provider
		st.Revision = s.Revision
		st.LastError = s.LastError
		st.LastSync = s.LastSync
	}
	return st
}

// History returns the sync journal.
func (e *Engine) History() []audit.Entry { return e.journal.Entries() }

// Resume restores a previously authorized session without seeding the
// change set again.
func (e *Engine) Resume(ctx context.Context) error {
	s, err := loadSession(ctx, e.store)
	if err != nil || s == nil {
		return err
	}
	if _, ok := e.providers[s.Provider]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, s.Provider)
	}
	if err := e.tracker.Enable(ctx, false); err != nil {
		return err
	}
	e.mu.Lock()
	e.session = s
	e.state = StateIdle
	if s.LastError != "" {
		e.state = StateError
	}
	e.mu.Unlock()
	e.log.WithField("provider", s.Provider).Debug("sync session resumed")
	return nil
}

// Authorize obtains a token from the named provider and enables sync. For
// the provider already in use only the token is replaced.
func (e *Engine) Authorize(ctx context.Context, provider string) error {
	p, ok := e.providers[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	tokenKey, err := e.tokenKey(ctx)
	if err != nil {
		return err
	}
	defer crypto.Zero(tokenKey)
	if err := e.vault.EnsureSyncSecret(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	prevState, prev := e.state, e.session
	e.state = StateAuthorizing
	e.mu.Unlock()
	restore := func() {
		e.mu.Lock()
		e.state = prevState
		e.mu.Unlock()
	}

	var token string
	err = e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		token, err = p.Authorize(ctx)
		return err
	})
	if err != nil {
		restore()
		return err
	}
	sealed, err := sealToken(tokenKey, provider, token)
	if err != nil {
		restore()
		return err
	}

	s := &Session{Provider: provider, Token: sealed}
	coldStart := prev == nil || prev.Provider != provider
	if !coldStart {
		s.ProviderRevision = prev.ProviderRevision
		s.Revision = prev.Revision
		s.Signature = prev.Signature
		s.LastSync = prev.LastSync
	}
	if err := saveSession(ctx, e.store, s); err != nil {
		restore()
		return err
	}
	if coldStart && prev != nil {
		// Markers kept for the old provider say nothing about the new one.
		if err := e.tracker.Disable(ctx); err != nil {
			restore()
			return err
		}
	}
	if err := e.tracker.Enable(ctx, coldStart); err != nil {
		restore()
		return err
	}

	e.mu.Lock()
	e.session = s
	e.state = StateIdle
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{"provider": provider, "cold_start": coldStart}).Info("sync authorized")
	return nil
}

// Disable forgets the session and the change set. A sync still in flight
// finishes its provider calls but its result is dropped.
func (e *Engine) Disable(ctx context.Context) error {
	e.mu.Lock()
	e.epoch++
	e.session = nil
	e.state = StateDisabled
	e.mu.Unlock()

	if err := e.tracker.Disable(ctx); err != nil {
		return err
	}
	if err := deleteSession(ctx, e.store); err != nil {
		return err
	}
	e.log.Info("sync disabled")
	return nil
}

// Sync runs one pull-merge-push cycle. A call made while another cycle is
// running waits for the next cycle instead of starting its own.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrDisabled
	}
	if e.running != nil {
		if e.next == nil {
			e.next = &run{done: make(chan struct{})}
		}
		r := e.next
		r.waiters++
		e.mu.Unlock()
		select {
		case <-r.done:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r := &run{done: make(chan struct{})}
	e.running = r
	e.mu.Unlock()

	e.execute(ctx, r)
	return r.err
}

func (e *Engine) execute(ctx context.Context, r *run) {
	r.err = e.syncOnce(ctx)
	e.mu.Lock()
	next := e.next
	e.next = nil
	e.running = next
	e.mu.Unlock()
	close(r.done)
	if next != nil {
		go e.execute(context.WithoutCancel(ctx), next)
	}
}

func (e *Engine) begin() (*Session, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, 0, ErrDisabled
	}
	s := *e.session
	e.state = StateSyncing
	return &s, e.epoch, nil
}

func (e *Engine) syncOnce(ctx context.Context) error {
	e.op.Lock()
	defer e.op.Unlock()
	sess, epoch, err := e.begin()
	if err != nil {
		return err
	}
	res, err := e.syncSession(ctx, sess)
	return e.finish(ctx, epoch, res, err)
}

func (e *Engine) syncSession(ctx context.Context, sess *Session) (*result, error) {
	p := e.providers[sess.Provider]
	key, vEpoch, err := e.vault.KeyAt()
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	token, err := e.token(ctx, sess)
	if err != nil {
		return nil, err
	}
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		res, err := e.attempt(ctx, p, token, key, vEpoch, sess)
		if !errors.Is(err, ErrWrongRevision) {
			return res, err
		}
		e.log.WithField("attempt", attempt).Debug("remote changed during sync, retrying")
		if _, jerr := e.journal.Append(ctx, audit.KindConflict, sess.Revision, fmt.Sprintf("attempt %d", attempt)); jerr != nil {
			e.log.WithError(jerr).Warn("journal append failed")
		}
	}
	return nil, ErrTooManyRetries
}

// attempt is one pull-merge-push pass. Nothing local changes unless the push
// succeeded or was not needed.
func (e *Engine) attempt(ctx context.Context, p Provider, token string, key *crypto.MasterKey, vEpoch uint64, sess *Session) (*result, error) {
	file, err := e.get(ctx, p, token)
	if err != nil {
		return nil, err
	}
	// Read pending markers after the pull so edits made meanwhile count.
	pendingKeys, err := e.tracker.Pending(ctx)
	if err != nil {
		return nil, err
	}
	local, err := e.localData(ctx)
	if err != nil {
		return nil, err
	}
	secret, err := localSyncSecret(key, local)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)

	pending := make(map[string]bool, len(pendingKeys))
	for _, k := range pendingKeys {
		pending[k] = true
	}

	var (
		doc          *Document
		remote       map[string]string
		usedPrevious bool
		expected     string
	)
	if file != nil {
		if doc, err = ParseDocument(file.Contents); err != nil {
			return nil, err
		}
		if remote, usedPrevious, err = e.verify(ctx, doc, key, secret, local[vault.KeySalt], sess); err != nil {
			return nil, err
		}
		expected = file.Revision
	}
	if usedPrevious {
		// Everything local was re-encrypted by a password change.
		for k := range local {
			pending[k] = true
		}
	}

	final, adopt, drop := merge(local, remote, pending, file != nil)

	var res *result
	if doc != nil && sameData(final, doc.Data) {
		res = &result{kind: audit.KindUpToDate, revision: doc.Revision, signature: doc.Signature, providerRevision: file.Revision}
		if len(adopt) > 0 || len(drop) > 0 {
			res.kind = audit.KindMerged
		}
	} else {
		// Without a remote document this is 1 on a fresh session.
		revision := sess.Revision + 1
		if doc != nil {
			revision = doc.Revision + 1
		}
		out, err := NewDocument(secret, revision, final)
		if err != nil {
			return nil, err
		}
		body, err := out.Marshal()
		if err != nil {
			return nil, err
		}
		if e.vault.Epoch() != vEpoch {
			return nil, ErrAbandoned
		}
		newRev, err := e.put(ctx, p, body, expected, token)
		if err != nil {
			return nil, err
		}
		res = &result{kind: audit.KindPushed, revision: revision, signature: out.Signature, providerRevision: newRev}
	}

	if err := e.commit(ctx, vEpoch, local, final, adopt, drop, pendingKeys); err != nil {
		return nil, err
	}
	if res.kind == audit.KindPushed {
		if err := e.vault.ClearPreviousKey(ctx); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// verify checks the remote document against the local secrets. It returns
// the remote data encoded under key: when the remote copy is still encrypted
// with the key from before a local password change, it is re-encrypted.
func (e *Engine) verify(ctx context.Context, doc *Document, key *crypto.MasterKey, secret []byte, localSalt string, sess *Session) (map[string]string, bool, error) {
	sealed := doc.Data[vault.KeySyncSecret]
	remoteKey := key
	usedPrevious := false
	enc, err := vault.Decrypt(key, vault.KeySyncSecret, sealed)
	if err != nil {
		prev, perr := e.vault.PreviousKey(ctx)
		if perr != nil {
			return nil, false, perr
		}
		if prev == nil {
			return nil, false, ErrUnrelatedClient
		}
		defer prev.Destroy()
		if enc, err = vault.Decrypt(prev, vault.KeySyncSecret, sealed); err != nil {
			return nil, false, ErrUnrelatedClient
		}
		remoteKey, usedPrevious = prev, true
	}
	remoteSecret, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, false, fmt.Errorf("%w: malformed sync secret", ErrTamperedData)
	}
	defer crypto.Zero(remoteSecret)
	if !Verify(remoteSecret, doc.Revision, doc.Data, doc.Signature) {
		return nil, false, fmt.Errorf("%w: bad signature", ErrTamperedData)
	}
	if !usedPrevious && (!crypto.Equal(remoteSecret, secret) || doc.Data[vault.KeySalt] != localSalt) {
		return nil, false, ErrUnrelatedClient
	}
	if sess.Revision > 0 {
		if doc.Revision < sess.Revision {
			return nil, false, fmt.Errorf("%w: revision went back from %d to %d", ErrTamperedData, sess.Revision, doc.Revision)
		}
		if doc.Revision == sess.Revision && doc.Signature != sess.Signature {
			return nil, false, fmt.Errorf("%w: revision %d was rewritten", ErrTamperedData, doc.Revision)
		}
	}

	remote := make(map[string]string, len(doc.Data))
	for k, v := range doc.Data {
		if !usedPrevious {
			remote[k] = v
			continue
		}
		pt, err := vault.Decrypt(remoteKey, k, v)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrTamperedData, err)
		}
		if remote[k], err = vault.Encrypt(key, k, pt); err != nil {
			return nil, false, err
		}
	}
	return remote, usedPrevious, nil
}

// merge computes the data to push and the local changes to apply. Pending
// local values win; other keys follow the remote copy when there is one.
func merge(local, remote map[string]string, pending map[string]bool, remoteExists bool) (final, adopt map[string]string, drop []string) {
	final = make(map[string]string, len(local)+len(remote))
	adopt = make(map[string]string)
	if !remoteExists {
		for k, v := range local {
			final[k] = v
		}
		return final, adopt, nil
	}
	for k, rv := range remote {
		if pending[k] {
			continue
		}
		final[k] = rv
		if lv, ok := local[k]; !ok || lv != rv {
			adopt[k] = rv
		}
	}
	for k := range local {
		if _, ok := remote[k]; !ok && !pending[k] && !isMetadata(k) {
			drop = append(drop, k)
		}
	}
	for k := range pending {
		if lv, ok := local[k]; ok {
			final[k] = lv
		}
	}
	for _, k := range vault.MetadataKeys {
		if _, ok := final[k]; !ok {
			if lv, ok := local[k]; ok {
				final[k] = lv
			}
		}
	}
	return final, adopt, drop
}

// commit applies remote changes and clears settled markers, skipping every
// key whose local value moved since it was read.
func (e *Engine) commit(ctx context.Context, vEpoch uint64, local, final, adopt map[string]string, drop, pending []string) error {
	err := e.vault.Update(ctx, vEpoch, func(tx vault.Txn) error {
		keys := make([]string, 0, 2*(len(adopt)+len(drop))+len(pending))
		for k := range adopt {
			keys = append(keys, k, changedPrefix+k)
		}
		for _, k := range drop {
			keys = append(keys, k, changedPrefix+k)
		}
		keys = append(keys, pending...)
		cur, err := tx.Get(keys)
		if err != nil {
			return err
		}
		// A key marked after the change set was read holds a local edit
		// that must not be replaced by the remote value.
		settled := func(k string) bool {
			_, marked := cur[changedPrefix+k]
			return !marked && sameValue(cur, local, k)
		}
		set := make(map[string]string, len(adopt))
		var remove []string
		for k, v := range adopt {
			if settled(k) {
				set[k] = v
			}
		}
		for _, k := range drop {
			if settled(k) {
				remove = append(remove, k)
			}
		}
		for _, k := range pending {
			if sameValue(cur, final, k) {
				remove = append(remove, changedPrefix+k)
			}
		}
		if err := tx.Remove(remove); err != nil {
			return err
		}
		return tx.Set(set)
	})
	if errors.Is(err, vault.ErrStale) {
		return ErrAbandoned
	}
	return err
}

func (e *Engine) finish(ctx context.Context, epoch uint64, res *result, err error) error {
	log := e.log
	e.mu.Lock()
	if e.epoch != epoch || e.session == nil || errors.Is(err, ErrAbandoned) || errors.Is(err, vault.ErrStale) {
		if e.session != nil && e.epoch == epoch {
			e.state = StateIdle
		}
		e.mu.Unlock()
		log.Debug("sync result discarded")
		return ErrAbandoned
	}
	s := e.session
	if err != nil {
		s.LastError = Code(err)
		e.state = StateError
	} else {
		s.Revision = res.revision
		s.Signature = res.signature
		s.ProviderRevision = res.providerRevision
		if res.sealedToken != "" {
			s.Token = res.sealedToken
		}
		s.LastError = ""
		s.LastSync = e.now()
		e.state = StateIdle
	}
	// Saved under mu so a concurrent Disable cannot be undone.
	serr := saveSession(ctx, e.store, s)
	revision := s.Revision
	e.mu.Unlock()

	if serr != nil {
		log.WithError(serr).Error("saving sync session failed")
	}
	kind, detail := audit.KindFailed, Code(err)
	if err == nil {
		kind, detail = res.kind, ""
	}
	if _, jerr := e.journal.Append(ctx, kind, revision, detail); jerr != nil {
		log.WithError(jerr).Warn("journal append failed")
	}

	switch {
	case err == nil:
		log.WithFields(logrus.Fields{"revision": revision, "outcome": kind}).Info("sync finished")
	case errors.Is(err, ErrTamperedData) || errors.Is(err, ErrUnrelatedClient):
		log.WithError(err).Warn("remote data rejected")
	default:
		log.WithError(err).Info("sync failed")
	}
	if err != nil {
		return err
	}
	return serr
}

// AdoptRemote replaces the local master key and synced data with the remote
// copy, for a device that reported ErrUnrelatedClient. password is the
// master password the remote data was created with. Pending local changes
// survive only when both sides share the same hmac secret.
func (e *Engine) AdoptRemote(ctx context.Context, password []byte) error {
	e.op.Lock()
	defer e.op.Unlock()
	sess, epoch, err := e.begin()
	if err != nil {
		return err
	}
	res, err := e.adopt(ctx, sess, password)
	return e.finish(ctx, epoch, res, err)
}

func (e *Engine) adopt(ctx context.Context, sess *Session, password []byte) (*result, error) {
	p := e.providers[sess.Provider]
	cur, vEpoch, err := e.vault.KeyAt()
	if err != nil {
		return nil, err
	}
	defer cur.Destroy()
	token, err := e.token(ctx, sess)
	if err != nil {
		return nil, err
	}
	file, err := e.get(ctx, p, token)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, ErrNoRemoteData
	}
	doc, err := ParseDocument(file.Contents)
	if err != nil {
		return nil, err
	}
	salt, err := crypto.DecodeSalt(doc.Data[vault.KeySalt])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDataFormat, err)
	}
	next, err := e.vault.DeriveKey(ctx, password, salt)
	if err != nil {
		return nil, err
	}
	defer next.Destroy()

	enc, err := vault.Decrypt(next, vault.KeySyncSecret, doc.Data[vault.KeySyncSecret])
	if err != nil {
		return nil, vault.ErrWrongPassword
	}
	remoteSecret, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || !Verify(remoteSecret, doc.Revision, doc.Data, doc.Signature) {
		return nil, ErrTamperedData
	}
	remoteHMAC, err := vault.Decrypt(next, vault.KeyHMACSecret, doc.Data[vault.KeyHMACSecret])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTamperedData, err)
	}
	hmacSecret, err := base64.StdEncoding.DecodeString(remoteHMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed hmac secret", ErrTamperedData)
	}
	defer crypto.Zero(hmacSecret)
	localHMAC, err := e.vault.HMACSecret(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(localHMAC)
	keepPending := crypto.Equal(localHMAC, hmacSecret)

	local, err := e.localData(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := e.tracker.Pending(ctx)
	if err != nil {
		return nil, err
	}

	items := make(map[string]string, len(doc.Data))
	for k, v := range doc.Data {
		items[k] = v
	}
	var settled, remove []string
	for _, k := range pending {
		if !keepPending || isMetadata(k) {
			settled = append(settled, k)
			continue
		}
		lv, ok := local[k]
		if !ok {
			delete(items, k)
			continue
		}
		pt, err := vault.Decrypt(cur, k, lv)
		if err != nil {
			return nil, err
		}
		if items[k], err = vault.Encrypt(next, k, pt); err != nil {
			return nil, err
		}
	}
	for k := range local {
		if _, ok := items[k]; !ok {
			remove = append(remove, k)
		}
	}

	tokenKey, err := crypto.TokenKey(hmacSecret)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(tokenKey)
	sealed, err := sealToken(tokenKey, sess.Provider, token)
	if err != nil {
		return nil, err
	}

	if e.vault.Epoch() != vEpoch {
		return nil, ErrAbandoned
	}
	if err := e.vault.Rekey(ctx, next, items, remove); err != nil {
		return nil, err
	}
	if err := e.tracker.Clear(ctx, settled); err != nil {
		return nil, err
	}
	return &result{
		kind:             audit.KindAdopted,
		revision:         doc.Revision,
		signature:        doc.Signature,
		providerRevision: file.Revision,
		sealedToken:      sealed,
	}, nil
}

// OverwriteRemote replaces the remote copy with the local data, signed with
// the local secrets. It does not retry on a concurrent change.
func (e *Engine) OverwriteRemote(ctx context.Context) error {
	e.op.Lock()
	defer e.op.Unlock()
	sess, epoch, err := e.begin()
	if err != nil {
		return err
	}
	res, err := e.overwrite(ctx, sess)
	return e.finish(ctx, epoch, res, err)
}

func (e *Engine) overwrite(ctx context.Context, sess *Session) (*result, error) {
	p := e.providers[sess.Provider]
	key, vEpoch, err := e.vault.KeyAt()
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	token, err := e.token(ctx, sess)
	if err != nil {
		return nil, err
	}
	file, err := e.get(ctx, p, token)
	if err != nil {
		return nil, err
	}
	revision, expected := sess.Revision, ""
	if file != nil {
		expected = file.Revision
		if doc, err := ParseDocument(file.Contents); err == nil && doc.Revision > revision {
			revision = doc.Revision
		}
	}
	revision++

	pending, err := e.tracker.Pending(ctx)
	if err != nil {
		return nil, err
	}
	local, err := e.localData(ctx)
	if err != nil {
		return nil, err
	}
	secret, err := localSyncSecret(key, local)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)
	out, err := NewDocument(secret, revision, local)
	if err != nil {
		return nil, err
	}
	body, err := out.Marshal()
	if err != nil {
		return nil, err
	}
	if e.vault.Epoch() != vEpoch {
		return nil, ErrAbandoned
	}
	newRev, err := e.put(ctx, p, body, expected, token)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, vEpoch, local, local, nil, nil, pending); err != nil {
		return nil, err
	}
	if err := e.vault.ClearPreviousKey(ctx); err != nil {
		return nil, err
	}
	return &result{kind: audit.KindOverwritten, revision: revision, signature: out.Signature, providerRevision: newRev}, nil
}

// localData returns the raw syncable partition.
func (e *Engine) localData(ctx context.Context) (map[string]string, error) {
	out, err := e.store.ScanRaw(ctx, vault.PrefixSite)
	if err != nil {
		return nil, err
	}
	meta, err := e.store.GetRaw(ctx, vault.MetadataKeys)
	if err != nil {
		return nil, err
	}
	for k, v := range meta {
		out[k] = v
	}
	return out, nil
}

func localSyncSecret(key *crypto.MasterKey, local map[string]string) ([]byte, error) {
	sealed, ok := local[vault.KeySyncSecret]
	if !ok {
		return nil, fmt.Errorf("sync: %w: %s", vault.ErrNotFound, vault.KeySyncSecret)
	}
	enc, err := vault.Decrypt(key, vault.KeySyncSecret, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", vault.ErrCorrupt, vault.KeySyncSecret, err)
	}
	return base64.StdEncoding.DecodeString(enc)
}

func (e *Engine) tokenKey(ctx context.Context) ([]byte, error) {
	secret, err := e.vault.HMACSecret(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(secret)
	return crypto.TokenKey(secret)
}

func (e *Engine) token(ctx context.Context, s *Session) (string, error) {
	key, err := e.tokenKey(ctx)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(key)
	tok, err := openToken(key, s.Provider, s.Token)
	if err != nil {
		return "", ErrInvalidToken
	}
	return tok, nil
}

// withTimeout bounds a provider call. A deadline hit by the call itself is a
// network failure; cancellation by the caller is returned as is.
func (e *Engine) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrNetwork) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return err
}

func (e *Engine) get(ctx context.Context, p Provider, token string) (*RemoteFile, error) {
	var f *RemoteFile
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		f, err = p.Get(ctx, e.opts.Path, token)
		return err
	})
	return f, err
}

func (e *Engine) put(ctx context.Context, p Provider, body []byte, expected, token string) (string, error) {
	var rev string
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		rev, err = p.Put(ctx, e.opts.Path, body, expected, token)
		return err
	})
	return rev, err
}

func isMetadata(k string) bool {
	for _, m := range vault.MetadataKeys {
		if k == m {
			return true
		}
	}
	return false
}

func sameValue(a, b map[string]string, k string) bool {
	av, aok := a[k]
	bv, bok := b[k]
	return aok == bok && av == bv
}

func sameData(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

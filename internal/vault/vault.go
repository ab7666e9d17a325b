package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"pfpvault/internal/crypto"
	"pfpvault/internal/storage"
)

const secretSize = 32

// Rekey marker states.
const (
	rekeyStaged     = "staged"
	rekeyCommitting = "committing"
)

// ErrStale is returned by Update when the master key changed after the caller
// read its epoch.
var ErrStale = errors.New("vault: master key changed")

type Options struct {
	// KDF is used for new installations. Existing ones keep the parameters
	// they were created with.
	KDF    crypto.KDFParams
	Logger *logrus.Logger
}

// Vault owns the master key lifecycle and the encrypted store built on it.
type Vault struct {
	backend storage.Backend
	store   *Store
	kdf     crypto.KDFParams
	log     *logrus.Entry

	mu    sync.RWMutex
	key   *crypto.MasterKey
	epoch uint64
}

func New(b storage.Backend, opts Options) *Vault {
	if opts.KDF.Algo == "" {
		opts.KDF = crypto.DefaultKDF()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	v := &Vault{
		backend: b,
		kdf:     opts.KDF,
		log:     logger.WithField("component", "vault"),
	}
	v.store = newStore(b, v)
	return v
}

func (v *Vault) Store() *Store { return v.store }

func (v *Vault) withKey(required bool, fn func(k *crypto.MasterKey) error) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if required && v.key == nil {
		return ErrMasterPasswordRequired
	}
	return fn(v.key)
}

// Key returns a copy of the current master key. The caller destroys it.
func (v *Vault) Key() (*crypto.MasterKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrMasterPasswordRequired
	}
	return v.key.Clone(), nil
}

// KeyAt is Key plus the epoch it belongs to.
func (v *Vault) KeyAt() (*crypto.MasterKey, uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, v.epoch, ErrMasterPasswordRequired
	}
	return v.key.Clone(), v.epoch, nil
}

func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Epoch changes every time the master key is set, replaced or forgotten.
func (v *Vault) Epoch() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.epoch
}

func (v *Vault) swapKey(k *crypto.MasterKey) {
	old := v.key
	v.key = k
	v.epoch++
	old.Destroy()
}

// Forget drops the master key from memory.
func (v *Vault) Forget() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		v.swapKey(nil)
		v.log.Info("master key forgotten")
	}
}

func (v *Vault) Initialized(ctx context.Context) (bool, error) {
	_, err := v.backend.Get(ctx, KeySalt)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetPassword creates a new installation: salt, secrets and verifier.
func (v *Vault) SetPassword(ctx context.Context, password []byte) error {
	ok, err := v.Initialized(ctx)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	key, err := crypto.DeriveMasterKey(password, salt, v.kdf)
	if err != nil {
		return err
	}
	items, err := keyMetadata(key)
	if err != nil {
		key.Destroy()
		return err
	}
	for _, name := range []string{KeyHMACSecret, KeySyncSecret} {
		if items[name], err = newEncodedSecret(key, name); err != nil {
			key.Destroy()
			return err
		}
	}

	v.mu.Lock()
	if err := v.backend.Set(ctx, items); err != nil {
		v.mu.Unlock()
		key.Destroy()
		return err
	}
	v.swapKey(key)
	v.mu.Unlock()

	v.log.WithField("kdf", v.kdf.Algo).Info("master password set")
	return v.store.notify(ctx, syncableKeys(storage.SortedKeys(items)))
}

func keyMetadata(k *crypto.MasterKey) (map[string]string, error) {
	params, err := json.Marshal(k.Params())
	if err != nil {
		return nil, err
	}
	return map[string]string{
		KeySalt:     crypto.EncodeSalt(k.Salt()),
		keyVerifier: base64.StdEncoding.EncodeToString(k.Verifier()),
		keyKDF:      string(params),
	}, nil
}

func newEncodedSecret(k *crypto.MasterKey, name string) (string, error) {
	secret, err := crypto.NewSecret(secretSize)
	if err != nil {
		return "", err
	}
	return Encrypt(k, name, base64.StdEncoding.EncodeToString(secret))
}

type kdfState struct {
	salt     []byte
	params   crypto.KDFParams
	verifier []byte
}

func (v *Vault) loadKDF(ctx context.Context) (kdfState, error) {
	raw, err := v.backend.GetAll(ctx, []string{KeySalt, keyKDF, keyVerifier})
	if err != nil {
		return kdfState{}, err
	}
	saltStr, ok := raw[KeySalt]
	if !ok {
		return kdfState{}, ErrNotInitialized
	}
	var st kdfState
	if st.salt, err = crypto.DecodeSalt(saltStr); err != nil {
		return kdfState{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	st.params = v.kdf
	if p, ok := raw[keyKDF]; ok {
		if err := json.Unmarshal([]byte(p), &st.params); err != nil {
			return kdfState{}, fmt.Errorf("%w: kdf parameters: %v", ErrCorrupt, err)
		}
	}
	if st.verifier, err = base64.StdEncoding.DecodeString(raw[keyVerifier]); err != nil || len(st.verifier) == 0 {
		return kdfState{}, fmt.Errorf("%w: missing verifier", ErrCorrupt)
	}
	return st, nil
}

// KDFParams returns the parameters of this installation, or the configured
// ones before a password is set.
func (v *Vault) KDFParams(ctx context.Context) crypto.KDFParams {
	if st, err := v.loadKDF(ctx); err == nil {
		return st.params
	}
	return v.kdf
}

// DeriveKey runs the installation's KDF over password and salt.
func (v *Vault) DeriveKey(ctx context.Context, password, salt []byte) (*crypto.MasterKey, error) {
	return crypto.DeriveMasterKey(password, salt, v.KDFParams(ctx))
}

func (v *Vault) derive(ctx context.Context, password []byte) (*crypto.MasterKey, error) {
	st, err := v.loadKDF(ctx)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveMasterKey(password, st.salt, st.params)
	if err != nil {
		return nil, err
	}
	if !key.Matches(st.verifier) {
		key.Destroy()
		return nil, ErrWrongPassword
	}
	return key, nil
}

// Open unlocks the vault. It finishes an interrupted password change first.
func (v *Vault) Open(ctx context.Context, password []byte) error {
	if err := v.Recover(ctx); err != nil {
		return err
	}
	key, err := v.derive(ctx, password)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.swapKey(key)
	v.mu.Unlock()
	v.log.Debug("vault unlocked")
	return nil
}

// CheckPassword verifies password without changing any state.
func (v *Vault) CheckPassword(ctx context.Context, password []byte) error {
	key, err := v.derive(ctx, password)
	if err != nil {
		return err
	}
	key.Destroy()
	return nil
}

// ChangePassword re-encrypts every encrypted value under a key derived from
// password and a fresh salt, and rotates the sync secret. The hmac secret
// keeps its value so site keys stay stable. The old key is kept wrapped under
// the new one until the next successful sync push.
func (v *Vault) ChangePassword(ctx context.Context, password []byte) error {
	old, err := v.Key()
	if err != nil {
		return err
	}
	defer old.Destroy()
	st, err := v.loadKDF(ctx)
	if err != nil {
		return err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	next, err := crypto.DeriveMasterKey(password, salt, st.params)
	if err != nil {
		return err
	}

	v.mu.Lock()
	final, err := v.reencrypt(ctx, old, next)
	if err == nil {
		err = v.commitStaged(ctx, final)
	}
	if err != nil {
		v.mu.Unlock()
		next.Destroy()
		return err
	}
	v.swapKey(next)
	v.mu.Unlock()

	v.log.WithField("keys", len(final)).Info("master password changed")
	return v.store.notify(ctx, syncableKeys(storage.SortedKeys(final)))
}

func (v *Vault) reencrypt(ctx context.Context, old, next *crypto.MasterKey) (map[string]string, error) {
	raw, err := v.backend.GetAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	final, err := keyMetadata(next)
	if err != nil {
		return nil, err
	}
	for name, val := range raw {
		if IsPlaintext(name) || name == KeySyncSecret {
			continue
		}
		pt, err := decode(old, name, val)
		if err != nil {
			return nil, err
		}
		if final[name], err = Encrypt(next, name, pt); err != nil {
			return nil, err
		}
	}
	if final[KeySyncSecret], err = newEncodedSecret(next, KeySyncSecret); err != nil {
		return nil, err
	}

	// Keep the oldest unsynced key: the remote copy is still encrypted with it.
	prev := base64.StdEncoding.EncodeToString(old.EncryptionKey())
	if wrapped, ok := raw[keyPreviousKey]; ok {
		if prev, err = crypto.DecryptString(old.EncryptionKey(), wrapped); err != nil {
			return nil, fmt.Errorf("%w: previous key: %v", ErrCorrupt, err)
		}
	}
	if final[keyPreviousKey], err = crypto.EncryptString(next.EncryptionKey(), prev); err != nil {
		return nil, err
	}
	return final, nil
}

// commitStaged writes final through the stage namespace so that a crash at
// any point leaves either the old or the new state after Recover.
func (v *Vault) commitStaged(ctx context.Context, final map[string]string) error {
	staged := make(map[string]string, len(final)+1)
	for k, val := range final {
		staged[PrefixStage+k] = val
	}
	staged[keyRekey] = rekeyStaged
	if err := v.backend.Set(ctx, staged); err != nil {
		return err
	}
	if err := v.backend.Set(ctx, map[string]string{keyRekey: rekeyCommitting}); err != nil {
		return err
	}
	if err := v.backend.Set(ctx, final); err != nil {
		return err
	}
	return v.backend.Remove(ctx, storage.SortedKeys(staged))
}

// Recover rolls an interrupted password change forward or back depending on
// how far it got.
func (v *Vault) Recover(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	marker, err := v.backend.Get(ctx, keyRekey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	staged, err := storage.ScanPrefix(ctx, v.backend, PrefixStage)
	if err != nil {
		return err
	}
	if marker == rekeyCommitting {
		final := make(map[string]string, len(staged))
		for k, val := range staged {
			final[strings.TrimPrefix(k, PrefixStage)] = val
		}
		if err := v.backend.Set(ctx, final); err != nil {
			return err
		}
		v.log.WithField("keys", len(final)).Warn("completed interrupted password change")
	} else {
		v.log.Warn("discarded interrupted password change")
	}
	return v.backend.Remove(ctx, append(storage.SortedKeys(staged), keyRekey))
}

// Rekey replaces the master key with next and writes items, which must already
// be encoded under next, in the same step. The previous key record is dropped.
func (v *Vault) Rekey(ctx context.Context, next *crypto.MasterKey, items map[string]string, remove []string) error {
	final, err := keyMetadata(next)
	if err != nil {
		return err
	}
	for k, val := range items {
		final[k] = val
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.backend.Remove(ctx, append(append([]string(nil), remove...), keyPreviousKey)); err != nil {
		return err
	}
	if err := v.backend.Set(ctx, final); err != nil {
		return err
	}
	v.swapKey(next.Clone())
	v.log.WithField("keys", len(items)).Info("master key replaced")
	return nil
}

// Txn exposes the raw backend while the vault is exclusively locked, so no
// store write can interleave with a read-compare-write sequence.
type Txn struct {
	ctx     context.Context
	backend storage.Backend
}

func (t Txn) Get(keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	return t.backend.GetAll(t.ctx, keys)
}

func (t Txn) Set(items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	return t.backend.Set(t.ctx, items)
}

func (t Txn) Remove(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return t.backend.Remove(t.ctx, keys)
}

// Update runs fn only if the key epoch is still epoch. Listeners are not
// notified of its writes.
func (v *Vault) Update(ctx context.Context, epoch uint64, fn func(tx Txn) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.epoch != epoch || v.key == nil {
		return ErrStale
	}
	return fn(Txn{ctx: ctx, backend: v.backend})
}

// PreviousKey returns the key the remote copy may still be encrypted with
// after a local password change, or nil.
func (v *Vault) PreviousKey(ctx context.Context) (*crypto.MasterKey, error) {
	var out *crypto.MasterKey
	err := v.withKey(true, func(k *crypto.MasterKey) error {
		wrapped, err := v.backend.Get(ctx, keyPreviousKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		enc, err := crypto.DecryptString(k.EncryptionKey(), wrapped)
		if err != nil {
			return fmt.Errorf("%w: previous key: %v", ErrCorrupt, err)
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("%w: previous key: %v", ErrCorrupt, err)
		}
		defer crypto.Zero(raw)
		out, err = crypto.NewMasterKeyFromBytes(raw)
		return err
	})
	return out, err
}

func (v *Vault) ClearPreviousKey(ctx context.Context) error {
	return v.withKey(false, func(*crypto.MasterKey) error {
		return v.backend.Remove(ctx, []string{keyPreviousKey})
	})
}

func (v *Vault) secret(ctx context.Context, name string) ([]byte, error) {
	enc, err := v.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return b, nil
}

// HMACSecret returns the secret that keys site names and seals sync tokens.
func (v *Vault) HMACSecret(ctx context.Context) ([]byte, error) {
	return v.secret(ctx, KeyHMACSecret)
}

func (v *Vault) SyncSecret(ctx context.Context) ([]byte, error) {
	return v.secret(ctx, KeySyncSecret)
}

// EnsureSyncSecret creates the sync secret when an older store lacks one.
func (v *Vault) EnsureSyncSecret(ctx context.Context) error {
	_, err := v.SyncSecret(ctx)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	secret, err := crypto.NewSecret(secretSize)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, KeySyncSecret, base64.StdEncoding.EncodeToString(secret))
}

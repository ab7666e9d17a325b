package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pfpvault/internal/crypto"
	"pfpvault/internal/storage"
)

// ModificationListener is told which keys a successful write touched.
type ModificationListener interface {
	OnModified(ctx context.Context, keys []string) error
}

// Marker is implemented by listeners that persist state per modified key.
// The store writes the returned raw items in the same backend write as the
// modification, then calls Marked instead of OnModified.
type Marker interface {
	ModificationListener
	Markers(keys []string) map[string]string
	Marked(keys []string)
}

type keySource interface {
	// withKey runs fn while the key cannot change. With required unset a
	// locked vault passes a nil key.
	withKey(required bool, fn func(k *crypto.MasterKey) error) error
}

// Store is the encrypted key/value view over a storage.Backend. Values under
// plaintext namespaces pass through, everything else is sealed with the
// current master key.
type Store struct {
	backend storage.Backend
	keys    keySource

	mu       sync.Mutex
	listener ModificationListener
}

func newStore(b storage.Backend, keys keySource) *Store {
	return &Store{backend: b, keys: keys}
}

// SetListener installs l as the single listener. It reports false when l was
// already installed.
func (s *Store) SetListener(l ModificationListener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == l {
		return false
	}
	s.listener = l
	return true
}

func (s *Store) RemoveListener(l ModificationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == l {
		s.listener = nil
	}
}

func (s *Store) current() ModificationListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// notify reports keys written outside the store's own write path.
func (s *Store) notify(ctx context.Context, keys []string) error {
	l := s.current()
	if l == nil || len(keys) == 0 {
		return nil
	}
	return l.OnModified(ctx, keys)
}

// pending is a write in progress: the listener seen when it started and the
// markers that go into the same backend write.
type pending struct {
	listener ModificationListener
	keys     []string
	markers  map[string]string
}

func (s *Store) begin(keys []string, notify bool) pending {
	if !notify {
		return pending{}
	}
	p := pending{listener: s.current(), keys: syncableKeys(keys)}
	if m, ok := p.listener.(Marker); ok && len(p.keys) > 0 {
		p.markers = m.Markers(p.keys)
	}
	return p
}

func (p pending) done(ctx context.Context) error {
	if p.listener == nil || len(p.keys) == 0 {
		return nil
	}
	if m, ok := p.listener.(Marker); ok {
		m.Marked(p.keys)
		return nil
	}
	return p.listener.OnModified(ctx, p.keys)
}

func decode(k *crypto.MasterKey, key, stored string) (string, error) {
	v, err := Decrypt(k, key, stored)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrCorrupt, key, err)
	}
	return v, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := s.keys.withKey(!IsPlaintext(key), func(k *crypto.MasterKey) error {
		raw, err := s.backend.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = decode(k, key, raw)
		return err
	})
	return out, err
}

// GetAllByPrefix returns decrypted values of every key starting with prefix.
func (s *Store) GetAllByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	var out map[string]string
	err := s.keys.withKey(prefix == "" || !IsPlaintext(prefix), func(k *crypto.MasterKey) error {
		raw, err := storage.ScanPrefix(ctx, s.backend, prefix)
		if err != nil {
			return err
		}
		out = make(map[string]string, len(raw))
		for name, v := range raw {
			if out[name], err = decode(k, name, v); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// SetMany encrypts and writes all items in one backend call.
func (s *Store) SetMany(ctx context.Context, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	required := false
	for name := range items {
		required = required || !IsPlaintext(name)
	}
	p := s.begin(storage.SortedKeys(items), true)
	err := s.keys.withKey(required, func(k *crypto.MasterKey) error {
		enc := make(map[string]string, len(items)+len(p.markers))
		for name, v := range items {
			ev, err := Encrypt(k, name, v)
			if err != nil {
				return err
			}
			enc[name] = ev
		}
		for name, v := range p.markers {
			enc[name] = v
		}
		return s.backend.Set(ctx, enc)
	})
	if err != nil {
		return err
	}
	return p.done(ctx)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.RemoveRaw(ctx, []string{key}, true)
}

func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) error {
	raw, err := storage.ScanPrefix(ctx, s.backend, prefix)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return s.RemoveRaw(ctx, storage.SortedKeys(raw), true)
}

// Clear removes every record except the installation metadata (salt,
// secrets and meta:*), so the master password keeps working.
func (s *Store) Clear(ctx context.Context) error {
	raw, err := storage.ScanPrefix(ctx, s.backend, "")
	if err != nil {
		return err
	}
	var keys []string
	for _, k := range storage.SortedKeys(raw) {
		if !isInstallation(k) {
			keys = append(keys, k)
		}
	}
	return s.RemoveRaw(ctx, keys, true)
}

func isInstallation(key string) bool {
	if strings.HasPrefix(key, PrefixMeta) {
		return true
	}
	for _, k := range MetadataKeys {
		if key == k {
			return true
		}
	}
	return false
}

// GetRaw returns stored strings without decryption. Missing keys are absent
// from the result.
func (s *Store) GetRaw(ctx context.Context, keys []string) (map[string]string, error) {
	return s.backend.GetAll(ctx, keys)
}

// ScanRaw returns stored strings under prefix without decryption.
func (s *Store) ScanRaw(ctx context.Context, prefix string) (map[string]string, error) {
	return storage.ScanPrefix(ctx, s.backend, prefix)
}

// SetRaw writes already encoded values. With notify set, the syncable keys
// are reported to the listener.
func (s *Store) SetRaw(ctx context.Context, items map[string]string, notify bool) error {
	if len(items) == 0 {
		return nil
	}
	p := s.begin(storage.SortedKeys(items), notify)
	err := s.keys.withKey(false, func(*crypto.MasterKey) error {
		if len(p.markers) == 0 {
			return s.backend.Set(ctx, items)
		}
		all := make(map[string]string, len(items)+len(p.markers))
		for k, v := range items {
			all[k] = v
		}
		for k, v := range p.markers {
			all[k] = v
		}
		return s.backend.Set(ctx, all)
	})
	if err != nil {
		return err
	}
	return p.done(ctx)
}

func (s *Store) RemoveRaw(ctx context.Context, keys []string, notify bool) error {
	if len(keys) == 0 {
		return nil
	}
	p := s.begin(keys, notify)
	// Removal and markers are two backend calls, but both happen under the
	// vault's read lock, so Vault.Update never sees one without the other.
	err := s.keys.withKey(false, func(*crypto.MasterKey) error {
		if err := s.backend.Remove(ctx, keys); err != nil {
			return err
		}
		if len(p.markers) == 0 {
			return nil
		}
		return s.backend.Set(ctx, p.markers)
	})
	if err != nil {
		return err
	}
	return p.done(ctx)
}

// Encrypt and Decrypt expose the value codec under an explicit key, used when
// moving data between keys.
func Encrypt(k *crypto.MasterKey, key, value string) (string, error) {
	if IsPlaintext(key) {
		return value, nil
	}
	return crypto.EncryptString(k.EncryptionKey(), value)
}

func Decrypt(k *crypto.MasterKey, key, stored string) (string, error) {
	if IsPlaintext(key) {
		return stored, nil
	}
	return crypto.DecryptString(k.EncryptionKey(), stored)
}

func syncableKeys(keys []string) []string {
	var out []string
	for _, k := range keys {
		if IsSyncable(k) {
			out = append(out, k)
		}
	}
	return out
}

package sync

import (
	"context"
	"strconv"
	"time"

	"pfpvault/internal/crypto"
	"pfpvault/internal/vault"
)

type State string

const (
	StateDisabled    State = "disabled"
	StateAuthorizing State = "authorizing"
	StateIdle        State = "idle"
	StateSyncing     State = "syncing"
	StateError       State = "error"
)

const sessionPrefix = vault.PrefixSync + "session:"

const (
	keyProvider         = sessionPrefix + "provider"
	keyToken            = sessionPrefix + "token"
	keyProviderRevision = sessionPrefix + "provider-revision"
	keyRevision         = sessionPrefix + "revision"
	keySignature        = sessionPrefix + "signature"
	keyError            = sessionPrefix + "error"
	keyLastSync         = sessionPrefix + "last-sync"
)

// Session is the persisted sync state. Token is kept sealed at rest.
type Session struct {
	Provider         string
	Token            string
	ProviderRevision string
	Revision         int64
	Signature        string
	LastError        string
	LastSync         time.Time
}

func tokenAAD(provider string) []byte {
	return []byte("pfp/sync/token:" + provider)
}

func sealToken(key []byte, provider, token string) (string, error) {
	return crypto.SealX(key, []byte(token), tokenAAD(provider))
}

func openToken(key []byte, provider, sealed string) (string, error) {
	pt, err := crypto.OpenX(key, sealed, tokenAAD(provider))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// loadSession returns nil when sync was never enabled. The token stays
// sealed.
func loadSession(ctx context.Context, store *vault.Store) (*Session, error) {
	raw, err := store.ScanRaw(ctx, sessionPrefix)
	if err != nil {
		return nil, err
	}
	provider, ok := raw[keyProvider]
	if !ok {
		return nil, nil
	}
	s := &Session{
		Provider:         provider,
		Token:            raw[keyToken],
		ProviderRevision: raw[keyProviderRevision],
		Signature:        raw[keySignature],
		LastError:        raw[keyError],
	}
	if v, ok := raw[keyRevision]; ok {
		s.Revision, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := raw[keyLastSync]; ok {
		s.LastSync, _ = time.Parse(time.RFC3339, v)
	}
	return s, nil
}

func saveSession(ctx context.Context, store *vault.Store, s *Session) error {
	items := map[string]string{
		keyProvider:         s.Provider,
		keyToken:            s.Token,
		keyProviderRevision: s.ProviderRevision,
		keyRevision:         strconv.FormatInt(s.Revision, 10),
		keySignature:        s.Signature,
		keyError:            s.LastError,
	}
	if !s.LastSync.IsZero() {
		items[keyLastSync] = s.LastSync.UTC().Format(time.RFC3339)
	}
	return store.SetRaw(ctx, items, false)
}

func deleteSession(ctx context.Context, store *vault.Store) error {
	raw, err := store.ScanRaw(ctx, sessionPrefix)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	return store.RemoveRaw(ctx, keys, false)
}

package sync

import (
	"context"
	"sort"
	"strings"
	stdsync "sync"

	"pfpvault/internal/vault"
)

const changedPrefix = vault.PrefixSync + "changed:"

const markerValue = "1"

// Tracker persists the set of syncable keys changed locally since the last
// successful sync.
type Tracker struct {
	store *vault.Store

	mu    stdsync.Mutex
	hooks []func()
}

func NewTracker(store *vault.Store) *Tracker {
	return &Tracker{store: store}
}

// Enable installs the tracker as the store's listener. A cold start marks
// every syncable key already present. Enabling an installed tracker again
// does nothing.
func (t *Tracker) Enable(ctx context.Context, coldStart bool) error {
	if !t.store.SetListener(t) {
		return nil
	}
	if !coldStart {
		return nil
	}
	raw, err := t.store.ScanRaw(ctx, "")
	if err != nil {
		t.store.RemoveListener(t)
		return err
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	if err := t.OnModified(ctx, keys); err != nil {
		t.store.RemoveListener(t)
		return err
	}
	return nil
}

// Disable removes the listener and every pending marker.
func (t *Tracker) Disable(ctx context.Context) error {
	t.store.RemoveListener(t)
	raw, err := t.store.ScanRaw(ctx, changedPrefix)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	return t.store.RemoveRaw(ctx, keys, false)
}

// Markers returns the change set entries for the syncable keys among keys.
func (t *Tracker) Markers(keys []string) map[string]string {
	markers := make(map[string]string)
	for _, k := range keys {
		if vault.IsSyncable(k) {
			markers[changedPrefix+k] = markerValue
		}
	}
	return markers
}

// Marked runs the change hooks.
func (t *Tracker) Marked([]string) {
	t.mu.Lock()
	hooks := append([]func(){}, t.hooks...)
	t.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// OnModified marks keys written behind the store's back, e.g. by a restore.
func (t *Tracker) OnModified(ctx context.Context, keys []string) error {
	markers := t.Markers(keys)
	if len(markers) == 0 {
		return nil
	}
	if err := t.store.SetRaw(ctx, markers, false); err != nil {
		return err
	}
	t.Marked(keys)
	return nil
}

// OnChange registers fn to run after keys were marked, e.g. to schedule a
// sync. fn must not block.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// Pending returns the keys currently marked, sorted.
func (t *Tracker) Pending(ctx context.Context) ([]string, error) {
	raw, err := t.store.ScanRaw(ctx, changedPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for k := range raw {
		out = append(out, strings.TrimPrefix(k, changedPrefix))
	}
	sort.Strings(out)
	return out, nil
}

func (t *Tracker) Clear(ctx context.Context, keys []string) error {
	markers := make([]string, 0, len(keys))
	for _, k := range keys {
		markers = append(markers, changedPrefix+k)
	}
	return t.store.RemoveRaw(ctx, markers, false)
}

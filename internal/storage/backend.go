package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("storage: key not found")

// Backend is a durable flat string-keyed store. Set and Remove apply all
// given keys in one write where the implementation allows it.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	// GetAll returns the values present for keys; nil keys means everything.
	GetAll(ctx context.Context, keys []string) (map[string]string, error)
	Set(ctx context.Context, items map[string]string) error
	Remove(ctx context.Context, keys []string) error
}

// Scanner is implemented by backends that can iterate a key prefix without
// loading the whole store.
type Scanner interface {
	Scan(ctx context.Context, prefix string) (map[string]string, error)
}

// Closer is implemented by backends holding a database handle.
type Closer interface {
	Close(ctx context.Context) error
}

// ScanPrefix uses the backend's Scanner when available.
func ScanPrefix(ctx context.Context, b Backend, prefix string) (map[string]string, error) {
	if sc, ok := b.(Scanner); ok {
		return sc.Scan(ctx, prefix)
	}
	all, err := b.GetAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for k, v := range all {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// SortedKeys returns the keys of m in lexicographic order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

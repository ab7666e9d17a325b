package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileBackend keeps the whole store in one JSON object on disk. Every write
// replaces the file through a rename, so a crash leaves either the old or the
// new content.
type FileBackend struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "cannot create store directory")
	}
	f := &FileBackend{path: path, data: make(map[string]string)}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot read store file")
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &f.data); err != nil {
			return nil, errors.Wrapf(err, "store file %s is corrupt", path)
		}
	}
	return f, nil
}

func (f *FileBackend) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileBackend) GetAll(_ context.Context, keys []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return selectKeys(f.data, keys), nil
}

func (f *FileBackend) Set(_ context.Context, items map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := selectKeys(f.data, nil)
	for k, v := range items {
		next[k] = v
	}
	return f.flush(next)
}

func (f *FileBackend) Remove(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := selectKeys(f.data, nil)
	for _, k := range keys {
		delete(next, k)
	}
	return f.flush(next)
}

func (f *FileBackend) flush(next map[string]string) error {
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot encode store")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return errors.Wrap(err, "cannot write store file")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "cannot replace store file")
	}
	f.data = next
	return nil
}

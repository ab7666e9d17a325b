// Package localfs keeps the remote document in a local directory, such as a
// folder mirrored by a file sync client. The revision of an object is the
// hash of its contents.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	stdsync "sync"

	"github.com/pkg/errors"

	"pfpvault/internal/sync"
)

const Name = "localfs"

// token is fixed: access control is the file system's.
const token = "local"

type Provider struct {
	dir string
	mu  stdsync.Mutex
}

func New(dir string) *Provider {
	return &Provider{dir: dir}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Authorize(context.Context) (string, error) {
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create sync directory")
	}
	return token, nil
}

func (p *Provider) file(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", errors.Errorf("invalid object path %q", path)
	}
	return filepath.Join(p.dir, filepath.FromSlash(clean)), nil
}

func revision(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (p *Provider) Get(ctx context.Context, path, tok string) (*sync.RemoteFile, error) {
	if tok != token {
		return nil, sync.ErrInvalidToken
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(sync.ErrNetwork, err.Error())
	}
	name, err := p.file(path)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return read(name)
}

func read(name string) (*sync.RemoteFile, error) {
	b, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot read sync file")
	}
	return &sync.RemoteFile{Revision: revision(b), Contents: b}, nil
}

func (p *Provider) Put(ctx context.Context, path string, contents []byte, expected, tok string) (string, error) {
	if tok != token {
		return "", sync.ErrInvalidToken
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(sync.ErrNetwork, err.Error())
	}
	name, err := p.file(path)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	unlock, err := lockFile(name + ".lock")
	if err != nil {
		return "", err
	}
	defer unlock()

	cur, err := read(name)
	if err != nil {
		return "", err
	}
	switch {
	case expected == "" && cur != nil:
		return "", errors.Wrap(sync.ErrWrongRevision, "object exists")
	case expected != "" && (cur == nil || cur.Revision != expected):
		return "", errors.Wrapf(sync.ErrWrongRevision, "expected revision %.12s", expected)
	}

	if err := os.MkdirAll(filepath.Dir(name), 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create sync directory")
	}
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, contents, 0o600); err != nil {
		return "", errors.Wrap(err, "cannot write sync file")
	}
	if err := os.Rename(tmp, name); err != nil {
		return "", errors.Wrap(err, "cannot replace sync file")
	}
	return revision(contents), nil
}

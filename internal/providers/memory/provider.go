// Package memory is an in-process sync provider with failure injection,
// used by tests and the CLI's dry runs.
package memory

import (
	"context"
	stdsync "sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"pfpvault/internal/sync"
)

const Name = "memory"

type Provider struct {
	name string

	mu        stdsync.Mutex
	tokens    map[string]bool
	files     map[string]*sync.RemoteFile
	gets      int
	puts      int
	failGet   []error
	failPut   []error
	beforeGet func()
	beforePut func()
}

func New(name string) *Provider {
	if name == "" {
		name = Name
	}
	return &Provider{
		name:   name,
		tokens: make(map[string]bool),
		files:  make(map[string]*sync.RemoteFile),
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Authorize(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok := uuid.NewString()
	p.tokens[tok] = true
	return tok, nil
}

func (p *Provider) Get(ctx context.Context, path, token string) (*sync.RemoteFile, error) {
	p.mu.Lock()
	hook := p.beforeGet
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(sync.ErrNetwork, err.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if err := p.check(token, &p.failGet); err != nil {
		return nil, err
	}
	f, ok := p.files[path]
	if !ok {
		return nil, nil
	}
	return &sync.RemoteFile{Revision: f.Revision, Contents: append([]byte(nil), f.Contents...)}, nil
}

func (p *Provider) Put(ctx context.Context, path string, contents []byte, expected, token string) (string, error) {
	p.mu.Lock()
	hook := p.beforePut
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(sync.ErrNetwork, err.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts++
	if err := p.check(token, &p.failPut); err != nil {
		return "", err
	}
	cur, exists := p.files[path]
	switch {
	case expected == "" && exists:
		return "", errors.Wrap(sync.ErrWrongRevision, "object exists")
	case expected != "" && (!exists || cur.Revision != expected):
		return "", errors.Wrapf(sync.ErrWrongRevision, "expected revision %s", expected)
	}
	return p.store(path, contents), nil
}

func (p *Provider) check(token string, queue *[]error) error {
	if !p.tokens[token] {
		return sync.ErrInvalidToken
	}
	if len(*queue) > 0 {
		err := (*queue)[0]
		*queue = (*queue)[1:]
		return err
	}
	return nil
}

func (p *Provider) store(path string, contents []byte) string {
	rev := uuid.NewString()
	p.files[path] = &sync.RemoteFile{Revision: rev, Contents: append([]byte(nil), contents...)}
	return rev
}

// SetFile replaces an object as another client would, ignoring revisions.
func (p *Provider) SetFile(path string, contents []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store(path, contents)
}

// File returns the stored object or nil.
func (p *Provider) File(path string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.files[path]; ok {
		return append([]byte(nil), f.Contents...)
	}
	return nil
}

// Counts returns the number of Get and Put calls served.
func (p *Provider) Counts() (gets, puts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets, p.puts
}

// FailGet and FailPut queue errors returned by the next calls.
func (p *Provider) FailGet(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failGet = append(p.failGet, errs...)
}

func (p *Provider) FailPut(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPut = append(p.failPut, errs...)
}

// BeforeGet and BeforePut install hooks run before every call, outside the
// provider's lock.
func (p *Provider) BeforeGet(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforeGet = fn
}

func (p *Provider) BeforePut(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforePut = fn
}

// Revoke invalidates every issued token.
func (p *Provider) Revoke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = make(map[string]bool)
}

package sync

import "context"

// DefaultPath is where the remote document is kept.
const DefaultPath = "/passwords.json"

// RemoteFile is a remote object and the provider's revision token for it.
type RemoteFile struct {
	Revision string
	Contents []byte
}

// Provider is a dumb remote object store with conditional writes.
//
// Get returns nil, nil when the object does not exist. Put with an empty
// expectedRevision only succeeds if the object does not exist. Failures wrap
// ErrWrongRevision, ErrInvalidToken or ErrNetwork where they apply.
type Provider interface {
	Name() string
	Authorize(ctx context.Context) (token string, err error)
	Get(ctx context.Context, path, token string) (*RemoteFile, error)
	Put(ctx context.Context, path string, contents []byte, expectedRevision, token string) (revision string, err error)
}

package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pfpvault/internal/storage"
)

const objectPrefix = "obj:"

var errPrecondition = errors.New("precondition failed")

type object struct {
	Revision string `json:"rev"`
	Body     []byte `json:"body"`
}

// objectStore keeps one versioned blob per account and path. The mutex makes
// the compare-and-replace atomic within this process.
type objectStore struct {
	mu      sync.Mutex
	backend storage.Backend
}

func objectKey(user, path string) string {
	sum := sha256.Sum256([]byte(user))
	return objectPrefix + hex.EncodeToString(sum[:16]) + ":" + path
}

// cleanPath accepts slash-separated names without empty or dot segments.
func cleanPath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" || len(p) > 256 {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", false
		}
	}
	return "/" + p, true
}

func (o *objectStore) get(ctx context.Context, user, path string) (*object, error) {
	raw, err := o.backend.Get(ctx, objectKey(user, path))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var obj object
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// put stores body when the current revision equals ifMatch, or when the
// object is absent and ifNoneMatch is set. Neither set means unconditional.
func (o *objectStore) put(ctx context.Context, user, path string, body []byte, ifMatch string, ifNoneMatch bool) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, err := o.get(ctx, user, path)
	if err != nil {
		return "", err
	}
	switch {
	case ifNoneMatch && cur != nil:
		return "", errPrecondition
	case ifMatch != "" && (cur == nil || cur.Revision != ifMatch):
		return "", errPrecondition
	}
	obj := object{Revision: uuid.NewString(), Body: body}
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	if err := o.backend.Set(ctx, map[string]string{objectKey(user, path): string(raw)}); err != nil {
		return "", err
	}
	return obj.Revision, nil
}

// Package audit keeps a hash-chained journal of sync outcomes so that a
// rewritten history is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"pfpvault/internal/storage"
)

// Prefix of the journal keys in the local store.
const Prefix = "sync:journal:"

// Kind of journal event.
type Kind string

const (
	KindPushed      Kind = "pushed"
	KindMerged      Kind = "merged"
	KindUpToDate    Kind = "up-to-date"
	KindConflict    Kind = "conflict"
	KindFailed      Kind = "failed"
	KindAdopted     Kind = "adopted"
	KindOverwritten Kind = "overwritten"
)

type Entry struct {
	Seq      uint64 `json:"seq"`
	TS       int64  `json:"ts"`
	Kind     Kind   `json:"kind"`
	Revision int64  `json:"revision"`
	Detail   string `json:"detail,omitempty"`
	Hash     string `json:"hash"`
}

// Journal is safe for concurrent use. With a nil backend it is memory only.
type Journal struct {
	mu       sync.Mutex
	backend  storage.Backend
	lastHash []byte
	entries  []Entry
	now      func() time.Time
}

func New(b storage.Backend) *Journal {
	return &Journal{backend: b, now: time.Now}
}

func chain(prev []byte, e Entry) []byte {
	h := sha256.New()
	h.Write(prev)
	fmt.Fprintf(h, "%d|%d|%s|%d|%s", e.Seq, e.TS, e.Kind, e.Revision, e.Detail)
	return h.Sum(nil)
}

func key(seq uint64) string {
	return Prefix + fmt.Sprintf("%012d", seq)
}

// Load reads persisted entries and checks the chain.
func (j *Journal) Load(ctx context.Context) error {
	if j.backend == nil {
		return nil
	}
	raw, err := storage.ScanPrefix(ctx, j.backend, Prefix)
	if err != nil {
		return err
	}
	entries := make([]Entry, 0, len(raw))
	for _, k := range storage.SortedKeys(raw) {
		var e Entry
		if err := json.Unmarshal([]byte(raw[k]), &e); err != nil {
			return fmt.Errorf("audit: entry %s: %w", k, err)
		}
		entries = append(entries, e)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = entries
	j.lastHash = nil
	if err := j.verifyLocked(); err != nil {
		return err
	}
	if n := len(entries); n > 0 {
		j.lastHash, _ = hex.DecodeString(entries[n-1].Hash)
	}
	return nil
}

func (j *Journal) Append(ctx context.Context, kind Kind, revision int64, detail string) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := Entry{
		Seq:      uint64(len(j.entries)) + 1,
		TS:       j.now().Unix(),
		Kind:     kind,
		Revision: revision,
		Detail:   detail,
	}
	sum := chain(j.lastHash, e)
	e.Hash = hex.EncodeToString(sum)
	if j.backend != nil {
		body, err := json.Marshal(e)
		if err != nil {
			return Entry{}, err
		}
		if err := j.backend.Set(ctx, map[string]string{key(e.Seq): string(body)}); err != nil {
			return Entry{}, err
		}
	}
	j.lastHash = sum
	j.entries = append(j.entries, e)
	return e, nil
}

func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.verifyLocked()
}

func (j *Journal) verifyLocked() error {
	var prev []byte
	for i, e := range j.entries {
		if e.Seq != uint64(i)+1 {
			return fmt.Errorf("audit: entry %d out of sequence", e.Seq)
		}
		sum := chain(prev, e)
		if hex.EncodeToString(sum) != e.Hash {
			return fmt.Errorf("audit: chain broken at entry %s", strconv.FormatUint(e.Seq, 10))
		}
		prev = sum
	}
	return nil
}

func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.entries...)
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdsync "sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// gatedProvider blocks its first Get until released.
type gatedProvider struct {
	mu      stdsync.Mutex
	gets    int
	file    *RemoteFile
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) Authorize(context.Context) (string, error) { return "token", nil }

func (p *gatedProvider) Get(_ context.Context, _, _ string) (*RemoteFile, error) {
	p.mu.Lock()
	p.gets++
	n := p.gets
	p.mu.Unlock()
	if n == 1 {
		close(p.entered)
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil, nil
	}
	return &RemoteFile{Revision: p.file.Revision, Contents: p.file.Contents}, nil
}

func (p *gatedProvider) Put(_ context.Context, _ string, contents []byte, expected, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := ""
	if p.file != nil {
		cur = p.file.Revision
	}
	if cur != expected {
		return "", ErrWrongRevision
	}
	rev := time.Now().String()
	p.file = &RemoteFile{Revision: rev, Contents: contents}
	return rev, nil
}

func TestConcurrentSyncsCoalesce(t *testing.T) {
	ctx := context.Background()
	p := &gatedProvider{entered: make(chan struct{}), release: make(chan struct{})}
	e := NewEngine(newVault(t), []Provider{p}, Options{Logger: quietLogger()})
	require.NoError(t, e.Authorize(ctx, "gated"))

	errs := make(chan error, 4)
	go func() { errs <- e.Sync(ctx) }()
	<-p.entered
	assert.Equal(t, StateSyncing, e.Status().State)
	for i := 0; i < 3; i++ {
		go func() { errs <- e.Sync(ctx) }()
	}
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.next != nil && e.next.waiters == 3
	}, time.Second, time.Millisecond)
	close(p.release)

	for i := 0; i < 4; i++ {
		assert.NoError(t, <-errs)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 2, p.gets, "three queued calls share one follow-up run")
}

func TestMergeRules(t *testing.T) {
	local := map[string]string{
		"salt": "s", "hmac-secret": "h", "sync-secret": "y",
		"site:same":    "1",
		"site:pending": "local",
		"site:stale":   "old",
		"site:gone":    "x",
		"site:new":     "n",
	}
	remote := map[string]string{
		"salt": "s", "hmac-secret": "h", "sync-secret": "y",
		"site:same":    "1",
		"site:pending": "remote",
		"site:stale":   "fresh",
		"site:deleted": "d",
		"site:added":   "a",
	}
	pending := map[string]bool{"site:pending": true, "site:new": true, "site:deleted": true}

	final, adopt, drop := merge(local, remote, pending, true)
	assert.Equal(t, map[string]string{
		"salt": "s", "hmac-secret": "h", "sync-secret": "y",
		"site:same":    "1",
		"site:pending": "local",
		"site:stale":   "fresh",
		"site:new":     "n",
		"site:added":   "a",
	}, final)
	assert.Equal(t, map[string]string{"site:stale": "fresh", "site:added": "a"}, adopt)
	assert.Equal(t, []string{"site:gone"}, drop)
}

func TestMergeWithoutRemotePushesLocal(t *testing.T) {
	local := map[string]string{"salt": "s", "site:a": "1"}
	final, adopt, drop := merge(local, nil, nil, false)
	assert.Equal(t, local, final)
	assert.Empty(t, adopt)
	assert.Empty(t, drop)
}

func TestTimeoutIsNetworkError(t *testing.T) {
	e := &Engine{opts: Options{Timeout: 10 * time.Millisecond}}
	err := e.withTimeout(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.True(t, Transient(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.withTimeout(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, Transient(err))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "sync_tampered_data", Code(ErrTamperedData))
	assert.Equal(t, "sync_wrong_revision", Code(fmt.Errorf("put: %w", ErrWrongRevision)))
	assert.Equal(t, "boom", Code(errors.New("boom")))
}

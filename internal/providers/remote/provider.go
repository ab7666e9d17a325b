// Package remote talks to a pfpsyncd object store over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"pfpvault/internal/sync"
)

const Name = "remote"

var ErrBadCredentials = errors.New("remote provider: invalid credentials")

// Credentials supplies the account name and password at authorization time,
// e.g. from a terminal prompt.
type Credentials func(ctx context.Context) (username, password string, err error)

type Provider struct {
	endpoint string
	creds    Credentials
	client   *http.Client
}

// New returns a provider for the server at endpoint. A zero timeout keeps
// the client unbounded; the sync engine bounds every call anyway.
func New(endpoint string, creds Credentials, timeout time.Duration) *Provider {
	return &Provider{
		endpoint: strings.TrimRight(endpoint, "/"),
		creds:    creds,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return Name }

type authorizeRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authorizeResponse struct {
	Token string `json:"token"`
}

func (p *Provider) Authorize(ctx context.Context) (string, error) {
	if p.creds == nil {
		return "", errors.New("remote provider: no credentials")
	}
	user, pass, err := p.creds(ctx)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(authorizeRequest{Username: user, Password: pass})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/authorize", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "cannot build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", networkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrBadCredentials
	}
	if err := statusError(resp); err != nil {
		return "", err
	}
	var out authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		return "", errors.New("remote provider: malformed authorize response")
	}
	return out.Token, nil
}

func (p *Provider) url(path string) string {
	return p.endpoint + "/api/files/" + strings.TrimPrefix(path, "/")
}

func (p *Provider) Get(ctx context.Context, path, token string) (*sync.RemoteFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(path), nil)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(err)
	}
	rev := parseETag(resp.Header.Get("ETag"))
	if rev == "" {
		return nil, errors.New("remote provider: response without ETag")
	}
	return &sync.RemoteFile{Revision: rev, Contents: b}, nil
}

func (p *Provider) Put(ctx context.Context, path string, contents []byte, expected, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.url(path), bytes.NewReader(contents))
	if err != nil {
		return "", errors.Wrap(err, "cannot build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if expected == "" {
		req.Header.Set("If-None-Match", "*")
	} else {
		req.Header.Set("If-Match", `"`+expected+`"`)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", networkError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := statusError(resp); err != nil {
		return "", err
	}
	rev := parseETag(resp.Header.Get("ETag"))
	if rev == "" {
		return "", errors.New("remote provider: response without ETag")
	}
	return rev, nil
}

func parseETag(h string) string {
	return strings.Trim(strings.TrimPrefix(strings.TrimSpace(h), "W/"), `"`)
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return sync.ErrInvalidToken
	case resp.StatusCode == http.StatusPreconditionFailed:
		return sync.ErrWrongRevision
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Wrapf(sync.ErrNetwork, "server returned %s", resp.Status)
	default:
		return errors.Errorf("remote provider: server returned %s", resp.Status)
	}
}

// networkError marks transport failures as transient unless the caller
// cancelled.
func networkError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Wrap(sync.ErrNetwork, err.Error())
}

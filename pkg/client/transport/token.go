package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// TokenSource exchanges an API key for a short-lived bearer token and caches
// it. The cached token is the only credential state shared across concurrent
// callers; it is guarded by a mutex so that a refresh triggered by one caller
// is observed by all of them.
type TokenSource struct {
	apiKey   string
	tokenURL string
	client   *http.Client

	mu    sync.Mutex
	token string
}

func NewTokenSource(tokenURL string, apiKey string, client *http.Client) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{
		apiKey:   apiKey,
		tokenURL: tokenURL,
		client:   client,
	}
}

// Token returns the cached bearer token, exchanging the API key for a fresh
// one on first use.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" {
		return ts.token, nil
	}
	return ts.refreshLocked(ctx)
}

// Refresh discards the cached token and fetches a new one. Invalidate the
// stale value only if it is still the one we failed with, so concurrent
// refreshes collapse into a single exchange.
func (ts *TokenSource) Refresh(ctx context.Context, stale string) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.token != stale {
		return ts.token, nil
	}
	ts.token = ""
	return ts.refreshLocked(ctx)
}

func (ts *TokenSource) refreshLocked(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"apiKey": ts.apiKey})
	if err != nil {
		return "", errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "error exchanging api key for token")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "error reading token response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apiErrorFromResponse(resp.StatusCode, respBody)
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", errors.Wrap(err, "error parsing token response")
	}
	if parsed.Token == "" {
		return "", errors.New("token endpoint returned an empty token")
	}

	ts.token = parsed.Token
	return ts.token, nil
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config controls the retry behaviour of a RetryingTransport.
type Config struct {
	// MaxAttempts bounds the number of tries for a single request,
	// including the first one.
	MaxAttempts uint
	// BackoffBase is the delay before the first retry; subsequent retries
	// back off exponentially with jitter.
	BackoffBase time.Duration
	// RetryTooManyRequests additionally retries 429 responses.
	RetryTooManyRequests bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: 1 * time.Second,
	}
}

// tokenExpiredCode is the error code the service attaches to a 401 caused by
// an expired bearer token. It is the only 4xx that triggers a retry: one
// token refresh followed by a single re-issue, outside the backoff budget.
const tokenExpiredCode = "auth.token_expired"

// RetryingTransport performs authenticated REST requests against the service,
// retrying transient failures (connection errors and 5xx responses) with
// bounded exponential backoff and jitter.
type RetryingTransport struct {
	baseURL string
	client  *http.Client
	tokens  *TokenSource
	config  Config
}

func New(baseURL string, tokens *TokenSource, config Config) *RetryingTransport {
	return &RetryingTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		tokens:  tokens,
		config:  config,
	}
}

// Do issues one request against the service API. The request body, if any, is
// marshalled as JSON. On success the response body is returned; a terminal
// non-2xx response is returned as an *APIError.
func (t *RetryingTransport) Do(ctx context.Context, method string, path string, body interface{}) ([]byte, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "error encoding request body")
		}
	}

	requestID := uuid.NewString()
	refreshed := false
	for {
		respBody, err := t.doWithRetry(ctx, method, path, encoded, requestID)
		if apiErr, ok := asAPIError(err); ok && !refreshed && isTokenExpired(apiErr) {
			refreshed = true
			token, tokenErr := t.token(ctx)
			if tokenErr != nil {
				return nil, errors.Wrap(tokenErr, "error reading stale token before refresh")
			}
			if _, refreshErr := t.tokens.Refresh(ctx, token); refreshErr != nil {
				return nil, errors.Wrap(refreshErr, "error refreshing expired token")
			}
			log.WithField("requestId", requestID).Debug("refreshed expired token, retrying request once")
			continue
		}
		return respBody, err
	}
}

func (t *RetryingTransport) doWithRetry(ctx context.Context, method string, path string, body []byte, requestID string) ([]byte, error) {
	var respBody []byte
	var apiErr *APIError

	err := retry.Do(
		func() error {
			var attemptErr error
			respBody, attemptErr = t.doOnce(ctx, method, path, body, requestID)
			if attemptErr == nil {
				return nil
			}
			if e, ok := asAPIError(attemptErr); ok && !t.retryableStatus(e.StatusCode) {
				apiErr = e
				return retry.Unrecoverable(attemptErr)
			}
			log.WithFields(log.Fields{"method": method, "path": path, "requestId": requestID}).
				Warnf("request failed, will retry: %v", attemptErr)
			return attemptErr
		},
		retry.Attempts(t.config.MaxAttempts),
		retry.Delay(t.config.BackoffBase),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(t.config.BackoffBase/2),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if apiErr != nil {
		return nil, apiErr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "request %s %s failed after %d attempts", method, path, t.config.MaxAttempts)
	}
	return respBody, nil
}

func (t *RetryingTransport) doOnce(ctx context.Context, method string, path string, body []byte, requestID string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	token, err := t.token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "error calling %s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "error reading response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiErrorFromResponse(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func (t *RetryingTransport) token(ctx context.Context) (string, error) {
	if t.tokens == nil {
		return "", nil
	}
	return t.tokens.Token(ctx)
}

func (t *RetryingTransport) retryableStatus(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	return statusCode == http.StatusTooManyRequests && t.config.RetryTooManyRequests
}

// AuthHeader returns the headers a sibling connection (e.g. the result
// stream) should present to authenticate as this transport.
func (t *RetryingTransport) AuthHeader(ctx context.Context) (http.Header, error) {
	header := http.Header{}
	token, err := t.token(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header, nil
}

// BaseURL returns the service API root this transport talks to.
func (t *RetryingTransport) BaseURL() string {
	return t.baseURL
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func isTokenExpired(e *APIError) bool {
	return e.StatusCode == http.StatusUnauthorized && e.Code == tokenExpiredCode
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{MaxAttempts: 3, BackoffBase: 1 * time.Millisecond}
}

func newTestTransport(t *testing.T, handler http.Handler) (*RetryingTransport, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	tokens := NewTokenSource(server.URL+"/v1/auth/token", "test-key", server.Client())
	return New(server.URL, tokens, testConfig()), server
}

func serveToken(w http.ResponseWriter, token string) {
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func TestDo_RetriesServerErrorsUntilSuccess(t *testing.T) {
	var calls int32
	transport, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/token" {
			serveToken(w, "tok")
			return
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		fmt.Fprint(w, `{"ok":true}`)
	}))

	body, err := transport.Do(context.Background(), http.MethodGet, "/v1/jobs/abc", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_ExhaustedRetriesSurfaceApiError(t *testing.T) {
	var calls int32
	transport, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/token" {
			serveToken(w, "tok")
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"code":"internal","message":"boom"}`)
	}))

	_, err := transport.Do(context.Background(), http.MethodGet, "/v1/jobs/abc", nil)
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	transport, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/token" {
			serveToken(w, "tok")
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"code":"jobs.not_cancellable","message":"job already finished"}`)
	}))

	_, err := transport.Do(context.Background(), http.MethodDelete, "/v1/jobs/abc", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsConflict())
	assert.Equal(t, "job already finished", apiErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_RefreshesExpiredTokenOnce(t *testing.T) {
	var tokenCalls, apiCalls int32
	transport, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/token" {
			serveToken(w, fmt.Sprintf("tok-%d", atomic.AddInt32(&tokenCalls, 1)))
			return
		}
		atomic.AddInt32(&apiCalls, 1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":"auth.token_expired","message":"token expired"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))

	body, err := transport.Do(context.Background(), http.MethodGet, "/v1/jobs/abc", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiCalls))
}

func TestDo_TokenSourceFailureSurfacesOriginalError(t *testing.T) {
	var tokenCalls, apiCalls int32
	transport, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/token" {
			atomic.AddInt32(&tokenCalls, 1)
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":"auth.token_expired","message":"api key revoked"}`)
			return
		}
		atomic.AddInt32(&apiCalls, 1)
	}))

	_, err := transport.Do(context.Background(), http.MethodGet, "/v1/jobs/abc", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading stale token before refresh")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "api key revoked", apiErr.Message)
	// one exchange for the request, one for the failed refresh attempt
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&apiCalls))
}

func TestDo_429NotRetriedByDefault(t *testing.T) {
	var calls int32
	transport, _ := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/token" {
			serveToken(w, "tok")
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := transport.Do(context.Background(), http.MethodGet, "/v1/jobs/abc", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenSource_ConcurrentRefreshCollapses(t *testing.T) {
	var tokenCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveToken(w, fmt.Sprintf("tok-%d", atomic.AddInt32(&tokenCalls, 1)))
	}))
	t.Cleanup(server.Close)

	tokens := NewTokenSource(server.URL, "key", server.Client())
	first, err := tokens.Token(context.Background())
	require.NoError(t, err)

	// both callers hold the same stale token; only one exchange happens
	refreshedA, err := tokens.Refresh(context.Background(), first)
	require.NoError(t, err)
	refreshedB, err := tokens.Refresh(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, refreshedA, refreshedB)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenCalls))
}

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/fermionq/fermion/pkg/client/stream"
	"github.com/fermionq/fermion/pkg/client/transport"
)

const (
	defaultPollInterval = 2 * time.Second
	backendCacheTTL     = 5 * time.Minute
)

// JobRequest describes one unit of work to submit. The params payload is
// opaque to the runtime; it is forwarded to the service verbatim.
type JobRequest struct {
	ProgramID string
	Params    json.RawMessage
	Tags      []string
}

// Client is the service handle: it owns the authenticated transport and is
// the factory for jobs and session groups. A single Client is safe for use
// by multiple goroutines.
type Client struct {
	api          apiCaller
	transport    *transport.RetryingTransport
	streamConfig stream.Config
	policy       ResolvePolicy
	pollInterval time.Duration
	backends     *cache.Cache
	groups       *GroupStack
}

func New(details *ApiConnectionDetails) *Client {
	tokens := transport.NewTokenSource(
		strings.TrimSuffix(details.ServiceUrl, "/")+"/v1/auth/token",
		details.ApiKey,
		nil,
	)
	config := transport.DefaultConfig()
	config.RetryTooManyRequests = details.RetryTooManyRequests

	api := transport.New(details.ServiceUrl, tokens, config)
	return &Client{
		api:          api,
		transport:    api,
		streamConfig: stream.DefaultConfig(),
		policy:       ResolvePolicy{PreferAmbientGroup: details.PreferAmbientGroup},
		pollInterval: defaultPollInterval,
		backends:     cache.New(backendCacheTTL, backendCacheTTL),
		groups:       NewGroupStack(),
	}
}

// Groups returns the client's ambient group stack. Code that wants a scoped
// "current session" pushes a group here instead of relying on process-global
// state.
func (c *Client) Groups() *GroupStack {
	return c.groups
}

// Run resolves where the work should execute and submits it. A nil target
// resolves against the ambient group stack; with no target and no ambient
// group resolution fails.
func (c *Client) Run(ctx context.Context, req JobRequest, target ExecutionTarget) (*Job, error) {
	mode, err := ResolveExecutionMode(target, c.groups, c.policy)
	if err != nil {
		return nil, err
	}
	switch mode.Kind {
	case JobMode:
		return c.submit(ctx, req, mode.BackendName, "", false)
	default:
		return mode.Group.Run(ctx, req)
	}
}

// submit performs one job submission. startSession marks this job as the
// starter of a new group.
func (c *Client) submit(ctx context.Context, req JobRequest, backendName string, sessionID string, startSession bool) (*Job, error) {
	body, err := c.api.Do(ctx, http.MethodPost, "/v1/jobs", submitRequest{
		ProgramID:    req.ProgramID,
		BackendName:  backendName,
		Params:       req.Params,
		Tags:         req.Tags,
		SessionID:    sessionID,
		StartSession: startSession,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error submitting program %s to backend %s", req.ProgramID, backendName)
	}

	var resp jobResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "error parsing submit response")
	}
	if resp.ID == "" {
		return nil, errors.New("submit response contained no job id")
	}
	if resp.ProgramID == "" {
		resp.ProgramID = req.ProgramID
	}
	return newJob(c, resp), nil
}

// Job looks up an existing job by ID and returns a handle for it.
func (c *Client) Job(ctx context.Context, jobID string) (*Job, error) {
	body, err := c.api.Do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "error looking up job %s", jobID)
	}
	var resp jobResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrapf(err, "error parsing job %s", jobID)
	}
	return newJob(c, resp), nil
}

// CancelJob requests cancellation of a job by ID without a handle.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	_, err := c.api.Do(ctx, http.MethodDelete, "/v1/jobs/"+jobID, nil)
	return errors.Wrapf(err, "error cancelling job %s", jobID)
}

// DeleteJob purges a job server-side. Deletion is idempotent: deleting a job
// that is already gone is not an error.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	_, err := c.api.Do(ctx, http.MethodDelete, "/v1/jobs/"+jobID+"?purge=true", nil)
	if err != nil {
		var apiErr *transport.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return nil
		}
		return errors.Wrapf(err, "error deleting job %s", jobID)
	}
	return nil
}

// Backend fetches metadata for a compute target, caching results briefly:
// callers tend to resolve the same backend for every submission in a burst.
func (c *Client) Backend(ctx context.Context, name string) (*Backend, error) {
	if cached, ok := c.backends.Get(name); ok {
		return cached.(*Backend), nil
	}

	body, err := c.api.Do(ctx, http.MethodGet, "/v1/backends/"+name, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "error fetching backend %s", name)
	}
	var backend Backend
	if err := json.Unmarshal(body, &backend); err != nil {
		return nil, errors.Wrapf(err, "error parsing backend %s", name)
	}

	c.backends.Set(name, &backend, cache.DefaultExpiration)
	return &backend, nil
}

// streamConnectionFactory builds the websocket connection opener for one
// job's result stream.
func (c *Client) streamConnectionFactory(jobID string, terminal func() bool) stream.ConnectionFactory {
	return func() (*stream.Connection, error) {
		header, err := c.authHeader()
		if err != nil {
			return nil, err
		}
		url := websocketURL(c.baseURL()) + "/v1/jobs/" + jobID + "/results/stream"
		return stream.NewConnection(url, header, jobID, terminal, c.streamConfig), nil
	}
}

func (c *Client) authHeader() (http.Header, error) {
	if c.transport == nil {
		return http.Header{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.transport.AuthHeader(ctx)
}

func (c *Client) baseURL() string {
	if c.transport == nil {
		return ""
	}
	return c.transport.BaseURL()
}

// websocketURL rewrites an http(s) API root into its ws(s) counterpart.
func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

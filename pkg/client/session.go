package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fermionq/fermion/pkg/client/transport"
)

// GroupMode distinguishes the two flavours of job grouping the service
// offers. They share the grouping protocol; they differ in server-side
// scheduling.
type GroupMode string

const (
	ModeDedicated GroupMode = "dedicated"
	ModeBatch     GroupMode = "batch"
)

// SessionGroup groups job submissions so they share scheduling priority and
// a time budget. The server-side group is created lazily: the first
// submission is the "starter" and its ID becomes the group ID. The group
// mutex serializes only the election of the starter; follow-on submissions
// perform their network I/O without holding it.
type SessionGroup struct {
	client      *Client
	backendName string
	mode        GroupMode
	maxDuration time.Duration

	mu      sync.Mutex
	groupID string
	active  bool
	jobIDs  []string
}

// GroupOption configures a new session group.
type GroupOption func(*SessionGroup)

// WithMaxDuration caps the group's server-side time budget.
func WithMaxDuration(d time.Duration) GroupOption {
	return func(g *SessionGroup) {
		g.maxDuration = d
	}
}

// NewSession creates a dedicated session over backendName. No server-side
// state exists until the first job is submitted.
func (c *Client) NewSession(backendName string, opts ...GroupOption) *SessionGroup {
	return c.newGroup(backendName, ModeDedicated, opts...)
}

// NewBatch creates a batch group over backendName. The server-side group is
// created eagerly by the first submission, before its job is sent.
func (c *Client) NewBatch(backendName string, opts ...GroupOption) *SessionGroup {
	return c.newGroup(backendName, ModeBatch, opts...)
}

func (c *Client) newGroup(backendName string, mode GroupMode, opts ...GroupOption) *SessionGroup {
	g := &SessionGroup{
		client:      c,
		backendName: backendName,
		mode:        mode,
		active:      true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ID returns the group ID, or the empty string if no job has been submitted
// yet.
func (g *SessionGroup) ID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupID
}

// Active reports whether the group still accepts submissions.
func (g *SessionGroup) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *SessionGroup) BackendName() string { return g.backendName }

func (g *SessionGroup) Mode() GroupMode { return g.mode }

// Run submits one job into the group. Exactly one submission ever starts the
// group, no matter how many goroutines race on first use: the check-and-act
// on groupID happens under the group mutex. The starter holds the mutex
// across its network call; everyone else submits lock-free against the
// already-known group ID.
func (g *SessionGroup) Run(ctx context.Context, req JobRequest) (*Job, error) {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return nil, errors.Errorf("session group %s is closed", g.groupID)
	}

	if g.groupID == "" {
		defer g.mu.Unlock()
		job, err := g.start(ctx, req)
		if err != nil {
			return nil, err
		}
		g.jobIDs = append(g.jobIDs, job.ID())
		return job, nil
	}

	groupID := g.groupID
	g.mu.Unlock()

	job, err := g.client.submit(ctx, req, g.backendName, groupID, false)
	if err != nil {
		return nil, err
	}
	if job.sessionID == "" {
		job.sessionID = groupID
	}

	g.mu.Lock()
	g.jobIDs = append(g.jobIDs, job.ID())
	g.mu.Unlock()
	return job, nil
}

// start creates the server-side group. Called with the group mutex held.
// Dedicated sessions start implicitly through the start-group submission
// flag; batches create the group first so the budget applies from job one.
func (g *SessionGroup) start(ctx context.Context, req JobRequest) (*Job, error) {
	if g.mode == ModeBatch {
		groupID, err := g.createGroup(ctx)
		if err != nil {
			return nil, err
		}
		g.groupID = groupID
		job, err := g.client.submit(ctx, req, g.backendName, groupID, false)
		if err != nil {
			return nil, err
		}
		if job.sessionID == "" {
			job.sessionID = groupID
		}
		return job, nil
	}

	job, err := g.client.submit(ctx, req, g.backendName, "", true)
	if err != nil {
		return nil, err
	}
	g.groupID = job.ID()
	if job.sessionID == "" {
		job.sessionID = job.ID()
	}
	return job, nil
}

func (g *SessionGroup) createGroup(ctx context.Context) (string, error) {
	body, err := g.client.api.Do(ctx, http.MethodPost, "/v1/sessions", createSessionRequest{
		BackendName: g.backendName,
		Mode:        string(g.mode),
		MaxDuration: int64(g.maxDuration / time.Second),
	})
	if err != nil {
		return "", errors.Wrap(err, "error creating session group")
	}
	var resp createSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Wrap(err, "error parsing session group response")
	}
	if resp.ID == "" {
		return "", errors.New("session group response contained no id")
	}
	return resp.ID, nil
}

// Close stops the group from accepting further jobs. Jobs already submitted
// keep running. Closing an already closed group is a silent no-op.
func (g *SessionGroup) Close(ctx context.Context) error {
	groupID, wasActive := g.deactivate()
	if !wasActive || groupID == "" {
		return nil
	}
	_, err := g.client.api.Do(ctx, http.MethodPatch, "/v1/sessions/"+groupID, closeSessionRequest{AcceptingJobs: false})
	return errors.Wrapf(err, "error closing session group %s", groupID)
}

// Cancel closes the group and best-effort cancels its jobs server-side.
// Failures to cancel are logged, not raised: the group's local state has
// already transitioned, and a second Cancel is a silent no-op.
func (g *SessionGroup) Cancel(ctx context.Context) error {
	groupID, wasActive := g.deactivate()
	if !wasActive || groupID == "" {
		return nil
	}

	if _, err := g.client.api.Do(ctx, http.MethodDelete, "/v1/sessions/"+groupID+"/close", nil); err != nil {
		log.WithField("groupId", groupID).Warnf("error cancelling session group server-side: %v", err)
	}

	g.mu.Lock()
	jobIDs := append([]string{}, g.jobIDs...)
	g.mu.Unlock()

	var (
		resultMu sync.Mutex
		result   *multierror.Error
	)
	var grp errgroup.Group
	for _, jobID := range jobIDs {
		jobID := jobID
		grp.Go(func() error {
			err := g.client.CancelJob(ctx, jobID)
			var apiErr *transport.APIError
			if err != nil && !(errors.As(err, &apiErr) && apiErr.IsConflict()) {
				resultMu.Lock()
				result = multierror.Append(result, err)
				resultMu.Unlock()
			}
			return nil
		})
	}
	_ = grp.Wait()

	if err := result.ErrorOrNil(); err != nil {
		log.WithField("groupId", groupID).Warnf("error cancelling some jobs in group: %v", err)
	}
	return nil
}

// deactivate flips active to false exactly once and reports whether this
// call was the one that did it.
func (g *SessionGroup) deactivate() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return g.groupID, false
	}
	g.active = false
	return g.groupID, true
}

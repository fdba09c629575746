package client

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fermionq/fermion/pkg/client/domain"
	"github.com/fermionq/fermion/pkg/client/stream"
	"github.com/fermionq/fermion/pkg/client/transport"
)

// Job is the caller-visible handle for one submitted unit of remote work.
// It is created by submission and remains valid for as long as the caller
// retains it; deleting the job server-side is a separate operation.
type Job struct {
	id          string
	programID   string
	backendName string
	sessionID   string
	createdAt   time.Time
	tags        []string

	client   *Client
	sm       *stateMachine
	streamer *stream.Streamer
}

func newJob(c *Client, resp jobResponse) *Job {
	sm := newStateMachine(resp.ID, c.api, resp.State)
	return &Job{
		id:          resp.ID,
		programID:   resp.ProgramID,
		backendName: resp.BackendName,
		sessionID:   resp.SessionID,
		createdAt:   resp.CreatedAt,
		tags:        resp.Tags,
		client:      c,
		sm:          sm,
		streamer:    stream.NewStreamer(resp.ID, c.streamConnectionFactory(resp.ID, sm.Terminal)),
	}
}

func (j *Job) ID() string { return j.id }

func (j *Job) ProgramID() string { return j.programID }

func (j *Job) BackendName() string { return j.backendName }

func (j *Job) CreationTime() time.Time { return j.createdAt }

func (j *Job) Tags() []string { return j.tags }

// SessionID returns the ID of the group-starting job if this job was
// submitted inside a session or batch, otherwise the empty string.
func (j *Job) SessionID() string { return j.sessionID }

// Backend resolves this job's compute target through the service handle.
func (j *Job) Backend(ctx context.Context) (*Backend, error) {
	return j.client.Backend(ctx, j.backendName)
}

// Status refreshes and returns the job's status. Once a terminal status has
// been observed the cached value is returned without a server round trip.
func (j *Job) Status(ctx context.Context) (domain.JobStatus, error) {
	return j.sm.Refresh(ctx)
}

// CachedStatus returns the most recently observed status without polling.
func (j *Job) CachedStatus() domain.JobStatus {
	return j.sm.Status()
}

// StreamResults starts streaming interim and final results to callback.
// Fails if a stream is already active for this job.
func (j *Job) StreamResults(callback stream.Callback) error {
	return j.streamer.Start(callback)
}

// IsStreaming reports whether a result stream is currently active.
func (j *Job) IsStreaming() bool {
	return j.streamer.IsStreaming()
}

// CancelResultStream tears down the active result stream, if any.
func (j *Job) CancelResultStream() {
	j.streamer.Cancel()
}

// WaitForFinalState blocks until the job reaches a terminal state or timeout
// elapses (timeout <= 0 waits indefinitely). The result stream delivers
// completion promptly when the network cooperates; a bounded polling loop is
// the fallback of last resort, keeping load on the service low.
func (j *Job) WaitForFinalState(ctx context.Context, timeout time.Duration) (domain.JobStatus, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, err := j.sm.Refresh(ctx)
	if err != nil {
		return status, err
	}
	if status.IsTerminal() {
		return status, nil
	}

	// Even with no user callback the stream is worth opening: it observes
	// completion faster than polling would.
	if !j.streamer.IsStreaming() {
		if err := j.streamer.Start(nil); err != nil {
			log.WithField("jobId", j.id).Debugf("could not open completion stream, will poll: %v", err)
		}
	}

	select {
	case <-j.streamer.Done():
	case <-ctx.Done():
	}

	for {
		status, err := j.sm.Refresh(ctx)
		if err != nil && ctx.Err() == nil {
			return status, err
		}
		if status.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return status, &domain.TimeoutError{JobID: j.id, Timeout: timeout}
			}
			return status, errors.WithStack(ctx.Err())
		case <-time.After(j.client.pollInterval):
		}
	}
}

// Result waits for the job to finish and returns the decoded result payload.
// A failed job surfaces a JobFailedError with the (possibly time-limit
// remapped) reason; a cancelled job has no result and surfaces an
// InvalidStateError.
func (j *Job) Result(ctx context.Context, timeout time.Duration) ([]byte, error) {
	status, err := j.WaitForFinalState(ctx, timeout)
	if err != nil {
		return nil, err
	}

	switch status {
	case domain.Error:
		reason, traceback := j.sm.Failure(ctx)
		return nil, &domain.JobFailedError{JobID: j.id, Reason: reason, Traceback: traceback}
	case domain.Cancelled:
		return nil, &domain.InvalidStateError{JobID: j.id, Op: "retrieve results of", Detail: "job was cancelled"}
	}

	body, err := j.client.api.Do(ctx, http.MethodGet, "/v1/jobs/"+j.id+"/results", nil)
	if err != nil {
		return nil, errors.Wrapf(err, "error fetching results of job %s", j.id)
	}
	return body, nil
}

// Cancel requests cancellation of the job. Cancelling an already cancelled
// job is a no-op; cancelling a job that finished with DONE or ERROR is an
// invalid-state error. The active result stream is invalidated before the
// cancel request is issued, so a late-arriving stream message cannot
// overwrite the cancelled status.
func (j *Job) Cancel(ctx context.Context) error {
	switch status := j.sm.Status(); {
	case status == domain.Cancelled:
		return nil
	case status.IsTerminal():
		return &domain.InvalidStateError{JobID: j.id, Op: "cancel", Detail: "job already finished with status " + string(status)}
	}

	j.streamer.Cancel()

	_, err := j.client.api.Do(ctx, http.MethodDelete, "/v1/jobs/"+j.id, nil)
	if err != nil {
		var apiErr *transport.APIError
		if errors.As(err, &apiErr) && apiErr.IsConflict() {
			// the server knows better than our cache; find out what state
			// the job is actually in
			if status, refreshErr := j.sm.Refresh(ctx); refreshErr == nil && status == domain.Cancelled {
				return nil
			}
			return &domain.InvalidStateError{JobID: j.id, Op: "cancel", Detail: apiErr.Message}
		}
		return errors.Wrapf(err, "error cancelling job %s", j.id)
	}

	j.sm.observeCancelled()
	return nil
}

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fermionq/fermion/pkg/client/domain"
)

// tracebackLimit bounds how much of a server-side traceback is retained.
const tracebackLimit = 2000

// apiCaller is the slice of the transport the client needs. Satisfied by
// *transport.RetryingTransport.
type apiCaller interface {
	Do(ctx context.Context, method string, path string, body interface{}) ([]byte, error)
}

// stateMachine reconciles the locally cached job status with server-reported
// status. Refresh only ever moves the status forward toward a terminal state,
// never backward, so it is safe to call concurrently from multiple
// goroutines; the failure reason fields are last-writer-wins.
type stateMachine struct {
	jobID string
	api   apiCaller

	mu        sync.Mutex
	status    domain.JobStatus
	reason    string
	traceback string
	// failureFetched records that the failure payload was already requested,
	// so a missing reason is not re-fetched on every call.
	failureFetched bool

	// fetchMu serializes failure payload fetches, so concurrent callers
	// collapse into a single request.
	fetchMu sync.Mutex
}

func newStateMachine(jobID string, api apiCaller, state jobState) *stateMachine {
	m := &stateMachine{
		jobID:  jobID,
		api:    api,
		status: domain.Initializing,
	}
	if _, err := m.observe(state); err != nil {
		log.WithField("jobId", jobID).Warnf("ignoring submit response state: %v", err)
	}
	return m
}

// Status returns the most recently observed status without touching the
// network.
func (m *stateMachine) Status() domain.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Terminal reports whether the cached status is terminal. Once true, the
// cached state is authoritative and no further polling happens.
func (m *stateMachine) Terminal() bool {
	return m.Status().IsTerminal()
}

// Refresh polls the server for the job's current state, unless the cached
// status is already terminal, in which case it is a no-op. On first observing
// ERROR without a structured reason it additionally fetches the failure
// payload; that payload is often large, which is why it is never fetched
// eagerly.
func (m *stateMachine) Refresh(ctx context.Context) (domain.JobStatus, error) {
	m.mu.Lock()
	if m.status.IsTerminal() {
		status := m.status
		m.mu.Unlock()
		return status, nil
	}
	m.mu.Unlock()

	body, err := m.api.Do(ctx, http.MethodGet, "/v1/jobs/"+m.jobID, nil)
	if err != nil {
		return m.Status(), errors.Wrapf(err, "error refreshing status of job %s", m.jobID)
	}
	var resp jobResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return m.Status(), errors.Wrapf(err, "error parsing status of job %s", m.jobID)
	}

	status, err := m.observe(resp.State)
	if err != nil {
		return m.Status(), err
	}
	if status == domain.Error {
		if err := m.fetchFailure(ctx); err != nil {
			log.WithField("jobId", m.jobID).Warnf("error fetching failure details: %v", err)
		}
	}
	return status, nil
}

// observe folds one server-reported state into the cache and returns the new
// cached status. An unknown raw status is ignored rather than trusted.
func (m *stateMachine) observe(state jobState) (domain.JobStatus, error) {
	status, err := domain.StatusFromAPI(state.Status, state.ReasonCode)
	if err != nil {
		return m.Status(), err
	}

	reason := state.Reason
	if status == domain.Error && state.ReasonCode == domain.ReasonCodeRanTooLong {
		reason = domain.RanTooLongMessage
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Before(status) && m.status != status {
		// stale report from a slow poll; keep the more advanced status
		return m.status, nil
	}
	m.status = status
	if reason != "" {
		m.reason = reason
	}
	return m.status, nil
}

// observeCancelled pins the cached status to CANCELLED. Called after a
// successful cancel request so that a late stream message or poll cannot
// overwrite it.
func (m *stateMachine) observeCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = domain.Cancelled
}

// Failure returns the failure reason and truncated traceback for a job in the
// ERROR state, fetching the raw failure payload if no structured reason was
// ever reported.
func (m *stateMachine) Failure(ctx context.Context) (string, string) {
	if err := m.fetchFailure(ctx); err != nil {
		log.WithField("jobId", m.jobID).Warnf("error fetching failure details: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reason := m.reason
	if reason == "" {
		reason = "job failed, but the server reported no reason"
	}
	return reason, m.traceback
}

func (m *stateMachine) fetchFailure(ctx context.Context) error {
	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	m.mu.Lock()
	needed := m.status == domain.Error && m.reason == "" && !m.failureFetched
	m.mu.Unlock()
	if !needed {
		return nil
	}

	body, err := m.api.Do(ctx, http.MethodGet, "/v1/jobs/"+m.jobID+"/results", nil)
	if err != nil {
		return errors.Wrapf(err, "error fetching failure payload of job %s", m.jobID)
	}
	reason, traceback := extractFailure(body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureFetched = true
	if m.reason == "" {
		m.reason = reason
	}
	if m.traceback == "" {
		m.traceback = traceback
	}
	return nil
}

// extractFailure pulls a human-readable reason and traceback out of a failure
// payload. The payload is either structured JSON or raw text; raw text is
// treated as a traceback dump.
func extractFailure(body []byte) (string, string) {
	var parsed struct {
		Error struct {
			Message   string `json:"message"`
			Traceback string `json:"traceback"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message, truncateTraceback(parsed.Error.Traceback)
	}
	return "", truncateTraceback(strings.TrimSpace(string(body)))
}

// truncateTraceback keeps the tail of a traceback, where the actual error is.
func truncateTraceback(traceback string) string {
	if len(traceback) <= tracebackLimit {
		return traceback
	}
	return "..." + traceback[len(traceback)-tracebackLimit:]
}

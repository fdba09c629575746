package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermionq/fermion/pkg/client/domain"
)

// fakeJobService serves one job whose status advances through a scripted
// sequence of states, one step per status poll.
type fakeJobService struct {
	mu     sync.Mutex
	jobID  string
	states []jobState
	step   int

	statusCalls  int32
	resultsCalls int32
	cancelCalls  int32

	resultBody   string
	cancelStatus int
	cancelBody   string
}

func newFakeJobService(jobID string, states ...jobState) *fakeJobService {
	return &fakeJobService{jobID: jobID, states: states, resultBody: `{"value":42}`}
}

func (f *fakeJobService) currentState() jobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.states[f.step]
	if f.step < len(f.states)-1 {
		f.step++
	}
	return state
}

func (f *fakeJobService) handler() http.HandlerFunc {
	jobPath := "/v1/jobs/" + f.jobID
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == jobPath+"/results":
			atomic.AddInt32(&f.resultsCalls, 1)
			fmt.Fprint(w, f.resultBody)
		case r.Method == http.MethodGet && r.URL.Path == jobPath:
			atomic.AddInt32(&f.statusCalls, 1)
			writeJob(w, jobResponse{ID: f.jobID, State: f.currentState()})
		case r.Method == http.MethodDelete && r.URL.Path == jobPath:
			atomic.AddInt32(&f.cancelCalls, 1)
			if f.cancelStatus != 0 {
				w.WriteHeader(f.cancelStatus)
				fmt.Fprint(w, f.cancelBody)
			}
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestJob(c *Client, id string, initial jobState) *Job {
	return newJob(c, jobResponse{ID: id, ProgramID: "prog", BackendName: "backend-a", State: initial})
}

func TestJob_RefreshIsNetworkSilentOnceTerminal(t *testing.T) {
	service := newFakeJobService("job-1",
		jobState{Status: "Running"},
		jobState{Status: "Completed"},
	)
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Queued"})

	status, err := job.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Running, status)

	status, err = job.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Done, status)

	for i := 0; i < 3; i++ {
		status, err = job.Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, domain.Done, status)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&service.statusCalls))
}

func TestJob_TimeLimitKillSurfacesAsError(t *testing.T) {
	service := newFakeJobService("job-1",
		jobState{Status: "Cancelled", ReasonCode: domain.ReasonCodeRanTooLong},
	)
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Running"})

	status, err := job.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Error, status)

	_, err = job.Result(context.Background(), time.Second)
	var failed *domain.JobFailedError
	require.True(t, errors.As(err, &failed))
	assert.Contains(t, failed.Reason, "ran too long")
	// the remapped reason is structured; no failure payload fetch is needed
	assert.Equal(t, int32(0), atomic.LoadInt32(&service.resultsCalls))
}

func TestJob_WaitForFinalStateReportsTimeLimitKillAsError(t *testing.T) {
	service := newFakeJobService("job-1",
		jobState{Status: "Running"},
		jobState{Status: "Cancelled", ReasonCode: domain.ReasonCodeRanTooLong},
	)
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Queued"})

	status, err := job.WaitForFinalState(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.Error, status)
}

func TestJob_ResultFailureWithCachedReasonSkipsResultsFetch(t *testing.T) {
	service := newFakeJobService("job-1",
		jobState{Status: "Failed", Reason: "backend rejected the program"},
	)
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Running"})

	_, err := job.Result(context.Background(), time.Second)
	var failed *domain.JobFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "backend rejected the program", failed.Reason)
	assert.Equal(t, int32(0), atomic.LoadInt32(&service.resultsCalls))
}

func TestJob_ResultFailureWithoutReasonFetchesFailurePayload(t *testing.T) {
	service := newFakeJobService("job-1", jobState{Status: "Failed"})
	service.resultBody = `{"error":{"message":"division by zero","traceback":"line 1\nline 2"}}`
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Running"})

	_, err := job.Result(context.Background(), time.Second)
	var failed *domain.JobFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "division by zero", failed.Reason)
	assert.Contains(t, failed.Traceback, "line 2")
	assert.Equal(t, int32(1), atomic.LoadInt32(&service.resultsCalls))
}

func TestJob_ConcurrentFailureLookupsFetchPayloadOnce(t *testing.T) {
	service := newFakeJobService("job-1", jobState{Status: "Failed"})
	service.resultBody = `{"error":{"message":"division by zero","traceback":"line 1"}}`
	slow := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/jobs/job-1/results" {
			time.Sleep(50 * time.Millisecond)
		}
		service.handler()(w, r)
	}
	c := newTestClient(t, http.HandlerFunc(slow))
	job := newTestJob(c, "job-1", jobState{Status: "Failed"})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reason, _ := job.sm.Failure(context.Background())
			assert.Equal(t, "division by zero", reason)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&service.resultsCalls))
}

func TestJob_ResultOfCancelledJobIsInvalidState(t *testing.T) {
	service := newFakeJobService("job-1", jobState{Status: "Cancelled"})
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Cancelled"})

	_, err := job.Result(context.Background(), time.Second)
	var invalid *domain.InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, int32(0), atomic.LoadInt32(&service.resultsCalls))
}

func TestJob_DoubleCancelIsNoOp(t *testing.T) {
	service := newFakeJobService("job-1", jobState{Status: "Running"})
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Running"})

	require.NoError(t, job.Cancel(context.Background()))
	assert.Equal(t, domain.Cancelled, job.CachedStatus())
	require.NoError(t, job.Cancel(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&service.cancelCalls))
}

func TestJob_CancelAfterFinishedIsInvalidState(t *testing.T) {
	service := newFakeJobService("job-1", jobState{Status: "Completed"})
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Completed"})

	err := job.Cancel(context.Background())
	var invalid *domain.InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, int32(0), atomic.LoadInt32(&service.cancelCalls))
}

func TestJob_CancelConflictSurfacesInvalidState(t *testing.T) {
	service := newFakeJobService("job-1", jobState{Status: "Failed", Reason: "boom"})
	service.cancelStatus = http.StatusConflict
	service.cancelBody = `{"code":"jobs.not_cancellable","message":"job already finished"}`
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Running"})

	err := job.Cancel(context.Background())
	var invalid *domain.InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Detail, "already finished")
}

func TestJob_WaitForFinalStateFallsBackToPolling(t *testing.T) {
	service := newFakeJobService("job-1",
		jobState{Status: "Queued"},
		jobState{Status: "Running"},
		jobState{Status: "Completed"},
	)
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Initializing"})

	status, err := job.WaitForFinalState(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.Done, status)
}

func TestJob_WaitForFinalStateTimesOut(t *testing.T) {
	service := newFakeJobService("job-1", jobState{Status: "Running"})
	c := newTestClient(t, service.handler())
	job := newTestJob(c, "job-1", jobState{Status: "Running"})

	_, err := job.WaitForFinalState(context.Background(), 100*time.Millisecond)
	var timeout *domain.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "job-1", timeout.JobID)
}

func TestJob_EndToEndStreamedCompletion(t *testing.T) {
	service := newFakeJobService("job-1",
		jobState{Status: "Queued"},
		jobState{Status: "Running"},
		jobState{Status: "Completed"},
	)
	upgrader := websocket.Upgrader{}
	var streamed []string
	var streamedMu sync.Mutex

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/jobs/job-1/results/stream" {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer ws.Close()
			for _, frame := range []string{
				`{"seq":1,"payload":{"partial":1}}`,
				`{"seq":2,"payload":{"partial":2}}`,
				`{"seq":3,"final":true,"payload":{"value":42}}`,
			} {
				if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return
				}
			}
			deadline := time.Now().Add(time.Second)
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
		service.handler()(w, r)
	})

	job := newTestJob(c, "job-1", jobState{Status: "Queued"})
	require.NoError(t, job.StreamResults(func(jobID string, msg *domain.StreamMessage) {
		streamedMu.Lock()
		defer streamedMu.Unlock()
		streamed = append(streamed, string(msg.Payload))
	}))

	status, err := job.WaitForFinalState(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.Done, status)

	payload, err := job.Result(context.Background(), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":42}`, string(payload))
	assert.Equal(t, int32(1), atomic.LoadInt32(&service.resultsCalls))

	streamedMu.Lock()
	defer streamedMu.Unlock()
	require.Len(t, streamed, 3)
	assert.JSONEq(t, `{"value":42}`, streamed[2])
}

func TestClient_RunSubmitsStandaloneJob(t *testing.T) {
	service := &fakeSubmitService{}
	c := newTestClient(t, service.handler())

	job, err := c.Run(context.Background(), JobRequest{ProgramID: "prog", Tags: []string{"exp-7"}}, BackendTarget{Name: "backend-a"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID())
	assert.Equal(t, "backend-a", job.BackendName())
	assert.Equal(t, "", job.SessionID())
	assert.Equal(t, []string{"exp-7"}, job.Tags())
	assert.Equal(t, domain.Queued, job.CachedStatus())

	recorded := service.recorded()
	require.Len(t, recorded, 1)
	assert.False(t, recorded[0].StartSession)
}

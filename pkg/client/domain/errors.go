package domain

import (
	"fmt"
	"time"
)

// JobFailedError is returned when a job reaches the ERROR state. It carries
// the failure reason reported by the service and, when available, a truncated
// excerpt of the server-side traceback.
type JobFailedError struct {
	JobID     string
	Reason    string
	Traceback string
}

func (e *JobFailedError) Error() string {
	if e.Traceback != "" {
		return fmt.Sprintf("job %s failed: %s\n%s", e.JobID, e.Reason, e.Traceback)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// InvalidStateError is returned when an operation is attempted in a job or
// group state that forbids it, e.g. requesting the result of a cancelled job
// or cancelling a job that already finished.
type InvalidStateError struct {
	JobID  string
	Op     string
	Detail string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s: %s", e.Op, e.JobID, e.Detail)
}

// TimeoutError signals that a wait elapsed before the job reached a terminal
// state. It does not mean the job failed; the caller may wait again.
type TimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for job %s to reach a final state", e.Timeout, e.JobID)
}

package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// JobStatus is the canonical, caller-visible lifecycle state of a job.
type JobStatus string

const (
	Initializing JobStatus = "INITIALIZING"
	Queued       JobStatus = "QUEUED"
	Running      JobStatus = "RUNNING"
	Done         JobStatus = "DONE"
	Error        JobStatus = "ERROR"
	Cancelled    JobStatus = "CANCELLED"
)

// ReasonCodeRanTooLong is attached by the server when it kills a job for
// exceeding its time budget. Such jobs are reported by the API as cancelled,
// but callers must see them as failed.
const ReasonCodeRanTooLong = 1305

// RanTooLongMessage is the reason surfaced for time-limit kills.
const RanTooLongMessage = "job ran too long and was terminated by the service"

// apiStatuses maps raw status strings reported by the API to canonical values.
var apiStatuses = map[string]JobStatus{
	"INITIALIZING": Initializing,
	"VALIDATING":   Initializing,
	"QUEUED":       Queued,
	"RUNNING":      Running,
	"COMPLETED":    Done,
	"FAILED":       Error,
	"CANCELLED":    Cancelled,
}

// statusRank orders statuses along the lifecycle so that concurrent refreshes
// can only ever move a job forward, never backward.
var statusRank = map[JobStatus]int{
	Initializing: 0,
	Queued:       1,
	Running:      2,
	Done:         3,
	Error:        3,
	Cancelled:    3,
}

// StatusFromAPI converts a raw server status string into a canonical
// JobStatus. A cancellation carrying the time-limit reason code is remapped
// to Error, everywhere: the caller-facing contract treats a time-limit kill
// as a failure, not a voluntary cancellation.
func StatusFromAPI(raw string, reasonCode int) (JobStatus, error) {
	status, ok := apiStatuses[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return "", errors.Errorf("unknown job status %q reported by server", raw)
	}
	if status == Cancelled && reasonCode == ReasonCodeRanTooLong {
		return Error, nil
	}
	return status, nil
}

// IsTerminal reports whether no further transition can occur from status.
func (s JobStatus) IsTerminal() bool {
	return s == Done || s == Error || s == Cancelled
}

// Before reports whether s precedes other in the lifecycle ordering.
// Terminal states compare equal to each other.
func (s JobStatus) Before(other JobStatus) bool {
	return statusRank[s] < statusRank[other]
}

package client

import (
	"encoding/json"
	"time"
)

// Wire shapes for the job endpoints. The payload formats themselves are owned
// by the service; only the fields the runtime orchestrates are modelled here.

type jobState struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	ReasonCode int    `json:"reasonCode,omitempty"`
}

type jobResponse struct {
	ID          string    `json:"id"`
	ProgramID   string    `json:"programId"`
	BackendName string    `json:"backendName"`
	State       jobState  `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	SessionID   string    `json:"sessionId,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

type submitRequest struct {
	ProgramID    string          `json:"programId"`
	BackendName  string          `json:"backendName"`
	Params       json.RawMessage `json:"params,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	StartSession bool            `json:"startSession,omitempty"`
}

type createSessionRequest struct {
	BackendName string `json:"backendName"`
	Mode        string `json:"mode"`
	MaxDuration int64  `json:"maxDurationSeconds,omitempty"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

type closeSessionRequest struct {
	AcceptingJobs bool `json:"acceptingJobs"`
}

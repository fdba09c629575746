package domain

import "encoding/json"

// StreamMessage is one frame received on a job's result stream. Seq is a
// non-decreasing sequence indicator used only for duplicate suppression;
// the only ordering guarantee is that interim messages precede the final one.
type StreamMessage struct {
	JobID   string          `json:"jobId"`
	Seq     int64           `json:"seq"`
	Final   bool            `json:"final"`
	Payload json.RawMessage `json:"payload"`
}

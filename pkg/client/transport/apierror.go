package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is returned for a terminal non-2xx response, after any retries
// have been exhausted. It carries the HTTP status and the server message.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// IsConflict reports whether the server rejected the request because the
// resource is in a state that forbids it.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// errorBody is the shape the service uses for error responses.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func apiErrorFromResponse(statusCode int, body []byte) *APIError {
	e := &APIError{StatusCode: statusCode}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		e.Code = parsed.Code
		e.Message = parsed.Message
	} else if len(body) > 0 {
		e.Message = string(body)
	}
	return e
}

package wsclient

import (
	"fmt"
	"time"

	"github.com/adred-codev/wsrouter/schema"
	"github.com/adred-codev/wsrouter/wsrouter"
)

// ValidationError reports a reply that failed response-schema validation or
// arrived with an unexpected type.
type ValidationError struct {
	Message string
	Issues  []schema.Issue
}

func (e *ValidationError) Error() string { return "validation: " + e.Message }

// TimeoutError reports a request that received no terminal reply in time.
type TimeoutError struct {
	CorrelationID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out", e.CorrelationID)
}

// ConnectionClosedError reports a request that was in flight when the
// connection dropped. The server has no memory of it, so it cannot be
// transparently retried.
type ConnectionClosedError struct {
	Message string
}

func (e *ConnectionClosedError) Error() string { return "connection closed: " + e.Message }

// StateError reports an operation refused by the client's current state:
// aborted requests, the pending limit, or sending while disconnected with
// the queue off.
type StateError struct {
	Message string
}

func (e *StateError) Error() string { return "state: " + e.Message }

// ServerError is reconstructed from an "ERROR" frame. It retains the
// server's code, retry guidance and structured context.
type ServerError struct {
	Code       wsrouter.Code
	Message    string
	Context    map[string]any
	Retryable  bool
	RetryAfter *time.Duration
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

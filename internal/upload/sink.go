package upload

import (
	"context"
	"net/http"
	"time"
)

// Job is one upload of a single reading. It lives for one round trip and
// is never queued or retried.
type Job struct {
	Value       int
	SubmittedAt time.Time
}

// Sink delivers a job to the remote endpoint.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Send performs one delivery attempt. The returned Result carries
	// whatever the transport reported, even when err is non-nil.
	Send(ctx context.Context, job Job) (Result, error)
	// Close releases transport resources.
	Close() error
}

// Result is the transport's answer to one Send.
type Result struct {
	Status  int    // HTTP status code, 0 when not applicable
	Message string // response excerpt or transport detail
}

// HTTPClient abstracts HTTP request execution.
// The standard *http.Client satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

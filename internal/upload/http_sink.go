package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultUser is the form user sent when none is configured.
	DefaultUser = "proba2"

	formContentType = "application/x-www-form-urlencoded"
	maxErrorBody    = 512
)

// HTTPSink posts each job as a url-encoded form: user=<id>&value1=<value>.
type HTTPSink struct {
	client HTTPClient
	url    string
	user   string
}

// NewHTTPSink creates a form-posting sink. A nil client uses a client with
// the given timeout.
func NewHTTPSink(client HTTPClient, endpoint, user string, timeout time.Duration) *HTTPSink {
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if user == "" {
		user = DefaultUser
	}
	return &HTTPSink{client: client, url: endpoint, user: user}
}

func (s *HTTPSink) Name() string { return "http" }

// Body returns the form body for job.
func (s *HTTPSink) Body(job Job) string {
	// url.Values.Encode sorts keys, which yields user before value1.
	return url.Values{
		"user":   {s.user},
		"value1": {strconv.Itoa(job.Value)},
	}.Encode()
}

// Send posts job. A non-2xx status is returned as an error carrying the
// status and the start of the response body.
func (s *HTTPSink) Send(ctx context.Context, job Job) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(s.Body(job)))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("X-Submitted-At", job.SubmittedAt.UTC().Format(time.RFC3339Nano))

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	res := Result{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}

	if resp.StatusCode/100 != 2 {
		return res, fmt.Errorf("server returned %d: %s", resp.StatusCode, res.Message)
	}
	return res, nil
}

func (s *HTTPSink) Close() error {
	if c, ok := s.client.(*http.Client); ok {
		c.CloseIdleConnections()
	}
	return nil
}

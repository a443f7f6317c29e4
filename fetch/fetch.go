// Package fetch executes HTTP requests against upstream services with a bounded
// number of attempts, a per attempt timeout and a backoff between attempts.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrRetriesExhausted is returned once every attempt failed with a retryable error.
var ErrRetriesExhausted = errors.New("retries exhausted")

var errInvalidRequest = errors.New("invalid request")

// StatusError is returned for non 2xx answers.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.URL, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.URL, e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsNotFound reports whether err carries a 404 answer.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Backoff returns the pause before attempt n+1 given that attempt n (starting at 0) failed.
type Backoff func(attempt int) time.Duration

// Exponential doubles the base pause on each attempt, capped at max.
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return min(d, max)
	}
}

// Linear waits step*(attempt+1), that is step after the first failure, 2*step after the second...
func Linear(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt+1)
	}
}

// Policy describes how a request is retried.
type Policy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  Backoff
}

// DefaultScanPolicy is used for content server batches: 3 attempts, 30s each,
// backoff min(1s*2^attempt, 10s).
var DefaultScanPolicy = Policy{
	Attempts: 3,
	Timeout:  30 * time.Second,
	Backoff:  Exponential(time.Second, 10*time.Second),
}

// DefaultReportPolicy is used for optimization reports: 2 attempts, 10s each,
// linear 1s backoff.
var DefaultReportPolicy = Policy{
	Attempts: 2,
	Timeout:  10 * time.Second,
	Backoff:  Linear(time.Second),
}

// Batcher runs requests according to a Policy.
type Batcher struct {
	Client *http.Client
	Policy Policy
	// Sleep waits between attempts; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Label prefixes log lines.
	Label string
}

// NewBatcher returns a Batcher sharing client (http.DefaultClient when nil).
func NewBatcher(client *http.Client, policy Policy, label string) *Batcher {
	if client == nil {
		client = http.DefaultClient
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Batcher{Client: client, Policy: policy, Sleep: SleepContext, Label: label}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Request describes one call; Body is re-sent on every attempt.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Do performs req and returns the body of the first 2xx answer.
// Timeouts, transport errors and 5xx/429 answers are retried; other statuses
// return a *StatusError immediately. Once the attempts are spent the returned
// error wraps both ErrRetriesExhausted and the last cause.
func (b *Batcher) Do(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < b.Policy.Attempts; attempt++ {
		if attempt > 0 {
			wait := b.Policy.Backoff(attempt - 1)
			if err := b.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		body, err := b.once(ctx, req)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt+1 < b.Policy.Attempts {
			log.Printf("%s attempt %d/%d for %s failed: %v", b.prefix(), attempt+1, b.Policy.Attempts, req.URL, err)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, b.Policy.Attempts, lastErr)
}

// PostJSON marshals payload, posts it and decodes the answer into out (when not nil).
func (b *Batcher) PostJSON(ctx context.Context, url string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	body, err := b.Do(ctx, Request{Method: http.MethodPost, URL: url, Body: data, Header: h})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// GetJSON fetches url and decodes the answer into out.
func (b *Batcher) GetJSON(ctx context.Context, url string, out any) error {
	body, err := b.Do(ctx, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (b *Batcher) once(ctx context.Context, req Request) ([]byte, error) {
	actx := ctx
	if b.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, b.Policy.Timeout)
		defer cancel()
	}
	var rd io.Reader
	if req.Body != nil {
		rd = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(actx, method, req.URL, rd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	resp, err := b.Client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Code: resp.StatusCode, URL: req.URL, Body: snippet}
	}
	return body, nil
}

func (b *Batcher) prefix() string {
	if b.Label == "" {
		return "[fetch]"
	}
	return "[" + b.Label + "]"
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// timeouts and transport errors (connection reset, EOF...)
	return !errors.Is(err, errInvalidRequest)
}

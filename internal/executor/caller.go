// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package executor issues the outbound HTTP calls to target APIs with
// bounded timeouts, auth injection, client-side rate limiting, and typed
// error classification.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/relaymesh/pkg/errors"
	"github.com/tombee/relaymesh/pkg/httpclient"
	"github.com/tombee/relaymesh/pkg/integration"
)

const (
	// DefaultTimeout bounds one outbound call.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 10 * 1024 * 1024

	// statusBodySnippet is how much body is kept on a StatusError.
	statusBodySnippet = 2048
)

// sensitiveHeaders are headers that must not be overridden by action or
// payload configuration.
var sensitiveHeaders = map[string]bool{
	"content-length":    true,
	"content-encoding":  true,
	"transfer-encoding": true,
	"host":              true,
}

// sanitizeHeaderValue checks for header injection attempts.
func sanitizeHeaderValue(name, value string) error {
	for i, c := range value {
		if c == '\r' || c == '\n' || c == '\x00' {
			return fmt.Errorf("header %q contains invalid character at position %d", name, i)
		}
	}
	return nil
}

func isSensitiveHeader(name string) bool {
	return sensitiveHeaders[strings.ToLower(name)]
}

// Policy controls how a call is bounded and which statuses count as
// failures against the circuit breaker.
type Policy struct {
	// Timeout bounds the whole call including rate limiter wait.
	Timeout time.Duration

	// FailOnStatus decides whether a non-2xx status is a breaker failure.
	// Nil uses DefaultFailOnStatus.
	FailOnStatus func(statusCode int) bool
}

// DefaultFailOnStatus treats server errors and rate limiting as breaker
// failures. Other 4xx indicate caller error, not target unhealthiness.
func DefaultFailOnStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// Request is one outbound call to a target API.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string

	// Body is the JSON request payload; nil sends no body.
	Body map[string]any

	// Auth describes how to authenticate; BearerToken carries the resolved
	// OAuth access token when Auth.Type is oauth2.
	Auth        integration.AuthConfig
	BearerToken string

	// ConnectionID scopes the client-side rate limiter.
	ConnectionID string

	// RequestID is sent as X-Request-ID for correlation.
	RequestID string
}

// Response is the parsed result of a successful call.
type Response struct {
	StatusCode int
	Headers    http.Header

	// Body is the parsed JSON response, or nil when the body was empty or
	// not JSON.
	Body map[string]any

	// RawBody is the unparsed response body.
	RawBody []byte
}

// Caller performs outbound calls. It holds one rate limiter per
// connection id; breaker bookkeeping stays with the caller of Do.
type Caller struct {
	client *http.Client
	policy Policy

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCaller creates a Caller with the given policy.
func NewCaller(policy Policy) *Caller {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultTimeout
	}
	if policy.FailOnStatus == nil {
		policy.FailOnStatus = DefaultFailOnStatus
	}

	clientCfg := httpclient.DefaultConfig()
	// Retries stay off here: action calls are mostly non-idempotent and
	// the breaker owns failure handling. Timeout is enforced per call via
	// context so cancellation and deadline classify identically.
	clientCfg.RetryAttempts = 0
	clientCfg.Timeout = policy.Timeout
	client, err := httpclient.New(clientCfg)
	if err != nil {
		client = &http.Client{}
	}

	return &Caller{
		client:   client,
		policy:   policy,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the rate limiter for a connection, creating it on first
// use. A zero limit means unlimited.
func (c *Caller) limiter(connectionID string, perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[connectionID]
	if !ok {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(perSecond), burst)
		c.limiters[connectionID] = l
	}
	return l
}

// Do issues one bounded outbound call. Timeouts, transport errors, and
// policy-rejected statuses come back as typed errors the breaker records;
// any other response is a success from the breaker's point of view.
func (c *Caller) Do(ctx context.Context, req *Request, rateLimit float64) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	if l := c.limiter(req.ConnectionID, rateLimit); l != nil {
		if err := l.Wait(ctx); err != nil {
			// Cancelled before anything was sent; not a call failure.
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, c.classify(req, err)
		}
	}

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.classify(req, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classify(req, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if c.policy.FailOnStatus(resp.StatusCode) {
			return nil, &errors.StatusError{
				URL:        req.URL,
				StatusCode: resp.StatusCode,
				Body:       snippet(rawBody),
			}
		}
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		RawBody:    rawBody,
	}
	if len(rawBody) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(rawBody, &parsed); err == nil {
			response.Body = parsed
		}
	}
	return response, nil
}

// build assembles the HTTP request: body, headers, auth.
func (c *Caller) build(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for name, value := range req.Headers {
		if isSensitiveHeader(name) {
			continue
		}
		if err := sanitizeHeaderValue(name, value); err != nil {
			return nil, err
		}
		httpReq.Header.Set(name, value)
	}

	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	if err := applyAuth(httpReq, req.Auth, req.BearerToken); err != nil {
		return nil, err
	}
	return httpReq, nil
}

// classify maps transport failures to the typed taxonomy. Deadline
// expiry is a TimeoutError; everything else reaching the network is a
// NetworkError.
func (c *Caller) classify(req *Request, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) ||
		strings.Contains(err.Error(), "context deadline exceeded") {
		return &errors.TimeoutError{
			Operation: req.Method + " " + req.URL,
			Duration:  c.policy.Timeout,
		}
	}
	return &errors.NetworkError{URL: req.URL, Cause: err}
}

func snippet(body []byte) string {
	if len(body) > statusBodySnippet {
		body = body[:statusBodySnippet]
	}
	return string(body)
}

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

package errors

import (
	"fmt"
	"time"
)

// CircuitOpenError indicates the circuit breaker rejected an execution
// before any network call was made. Callers should back off and retry
// after RetryAfter.
type CircuitOpenError struct {
	// CircuitID identifies the rejected circuit
	CircuitID string

	// RetryAfter is how long until the circuit will allow a probe
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %s is open, retry after %s", e.CircuitID, e.RetryAfter)
	}
	return fmt.Sprintf("circuit %s is open", e.CircuitID)
}

// OAuthErrorKind classifies OAuth failures by the operation that failed.
type OAuthErrorKind string

const (
	// TokenExchangeFailed indicates the authorization-code exchange failed.
	TokenExchangeFailed OAuthErrorKind = "TOKEN_EXCHANGE_FAILED"
	// RefreshFailed indicates an access-token refresh failed.
	RefreshFailed OAuthErrorKind = "REFRESH_FAILED"
	// TokenRevocationFailed indicates a revocation request genuinely failed
	// (transport error or non-200 from the revocation endpoint).
	TokenRevocationFailed OAuthErrorKind = "TOKEN_REVOCATION_FAILED"
)

// OAuthError represents a failure talking to an OAuth2 provider endpoint.
// These errors never feed the circuit breaker: they describe the auth
// handshake, not the health of the target API.
type OAuthError struct {
	// Kind classifies which OAuth operation failed
	Kind OAuthErrorKind

	// Provider names the provider configuration, when known
	Provider string

	// StatusCode is the HTTP status from the provider endpoint (if any)
	StatusCode int

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	msg := fmt.Sprintf("oauth %s", e.Kind)
	if e.Provider != "" {
		msg = fmt.Sprintf("%s (provider %s)", msg, e.Provider)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *OAuthError) Unwrap() error {
	return e.Cause
}

// MappingValidationError indicates a field mapping or preamble template
// failed validation. Exactly one of Path or Variable is set.
type MappingValidationError struct {
	// Path is the offending source path of a field mapping
	Path string

	// Variable is the offending placeholder of a preamble template
	Variable string

	// Message explains what is wrong
	Message string
}

// Error implements the error interface.
func (e *MappingValidationError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("mapping validation failed at %s: %s", e.Path, e.Message)
	case e.Variable != "":
		return fmt.Sprintf("template validation failed for {%s}: %s", e.Variable, e.Message)
	default:
		return fmt.Sprintf("mapping validation failed: %s", e.Message)
	}
}

// TimeoutError indicates an outbound call exceeded its bounded timeout.
// Timeouts always count as circuit breaker failures.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "action crm.create_contact")
	Operation string

	// Duration is the timeout that was exceeded
	Duration time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Duration)
}

// NetworkError represents a transport-level failure reaching the target
// API. It preserves the underlying error for inspection.
type NetworkError struct {
	// URL is the request URL that failed
	URL string

	// Cause is the underlying transport error
	Cause error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s: %v", e.URL, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// StatusError represents a non-2xx response from the target API that the
// execution policy classifies as a failure.
type StatusError struct {
	// URL is the request URL
	URL string

	// StatusCode is the HTTP status code returned
	StatusCode int

	// Body holds a truncated copy of the response body for diagnostics
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
}

// NotFoundError represents a missing resource (action, connection,
// credential, provider configuration).
type NotFoundError struct {
	// Resource is the type of resource (e.g. "action", "credential")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents a configuration loading or validation failure.
type ConfigError struct {
	// Key is the configuration key that caused the error
	Key string

	// Reason describes what is wrong
	Reason string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config error for %s: %s: %v", e.Key, e.Reason, e.Cause)
	}
	return fmt.Sprintf("config error for %s: %s", e.Key, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

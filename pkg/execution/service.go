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

// Package execution wires the execution pipeline together: circuit
// breaker check, credential resolution, input mapping, the bounded
// outbound call, output mapping with preamble, and breaker bookkeeping.
package execution

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/relaymesh/internal/credential"
	"github.com/tombee/relaymesh/internal/executor"
	"github.com/tombee/relaymesh/internal/log"
	"github.com/tombee/relaymesh/internal/mapping"
	"github.com/tombee/relaymesh/internal/metrics"
	"github.com/tombee/relaymesh/pkg/breaker"
	"github.com/tombee/relaymesh/pkg/errors"
	"github.com/tombee/relaymesh/pkg/integration"
)

// Service executes catalog actions against third-party APIs. It owns the
// circuit breaker registry so breaker transitions flow into metrics and
// logs; everything else is injected.
type Service struct {
	catalog  integration.Catalog
	creds    *credential.Manager
	mappings *mapping.Engine
	caller   *executor.Caller
	breakers *breaker.Registry

	clock    integration.Clock
	logger   *slog.Logger
	recorder metrics.Recorder
	tracer   trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source (tests).
func WithClock(clock integration.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(s *Service) { s.recorder = rec }
}

// NewService builds the execution service. The breaker registry is
// created here from breakerCfg so state transitions can be recorded.
func NewService(catalog integration.Catalog, creds *credential.Manager, mappings *mapping.Engine, caller *executor.Caller, breakerCfg breaker.Config, opts ...Option) *Service {
	s := &Service{
		catalog:  catalog,
		creds:    creds,
		mappings: mappings,
		caller:   caller,
		clock:    integration.SystemClock(),
		logger:   slog.Default(),
		recorder: metrics.Nop{},
		tracer:   otel.Tracer("relaymesh/execution"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.breakers = breaker.NewRegistry(breakerCfg,
		breaker.WithClock(s.clock),
		breaker.WithStateChangeFunc(func(circuitID string, from, to breaker.State) {
			s.logger.Info("circuit state changed",
				log.CircuitIDKey, circuitID,
				"from", string(from),
				"to", string(to))
			s.recorder.RecordBreakerTransition(circuitID, string(from), string(to))
		}),
	)
	return s
}

// ExecuteRequest identifies one action invocation.
type ExecuteRequest struct {
	TenantID     string
	ActionID     string
	ConnectionID string

	// Payload is the caller-supplied input before input mappings apply.
	Payload map[string]any
}

// ExecuteResult is the shaped outcome of a successful invocation.
type ExecuteResult struct {
	RequestID  string
	StatusCode int

	// Output is the response payload after output mappings.
	Output map[string]any

	// Preamble is the interpolated descriptive line, empty when the
	// action defines no template.
	Preamble string
}

// CircuitID derives the breaker key for an integration/connection pair.
// Every (integration, connection) pair trips independently.
func CircuitID(integrationID, connectionID string) string {
	return integrationID + ":" + connectionID
}

// ExecuteAction runs one action end to end. Failures that never reached
// the target API (unknown records, credential problems, mapping errors)
// do not touch the breaker; timeouts, transport errors and
// policy-rejected statuses do.
func (s *Service) ExecuteAction(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	requestID := uuid.NewString()

	ctx, span := s.tracer.Start(ctx, "execution.ExecuteAction",
		trace.WithAttributes(
			attribute.String("action.id", req.ActionID),
			attribute.String("connection.id", req.ConnectionID),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	logger := log.WithRequestID(
		log.WithExecutionContext(s.logger, req.TenantID, req.ActionID, req.ConnectionID),
		requestID)

	action, err := s.catalog.Action(ctx, req.ActionID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving action %q", req.ActionID)
	}
	conn, err := s.catalog.Connection(ctx, req.ConnectionID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving connection %q", req.ConnectionID)
	}
	if conn.TenantID != req.TenantID {
		return nil, &errors.NotFoundError{Resource: "connection", ID: req.ConnectionID}
	}

	circuitID := CircuitID(action.IntegrationID, conn.ID)
	started := s.clock.Now()

	if !s.breakers.CanExecute(circuitID) {
		status := s.breakers.Status(circuitID)
		open := &errors.CircuitOpenError{CircuitID: circuitID}
		if status.TimeUntilReset != nil {
			open.RetryAfter = *status.TimeUntilReset
		}
		logger.Warn("execution rejected, circuit open",
			log.CircuitIDKey, circuitID,
			"retry_after", open.RetryAfter.String())
		s.recorder.RecordExecution(action.IntegrationID, action.ID, metrics.OutcomeCircuitOpen, 0)
		return nil, open
	}

	var bearer string
	if conn.Auth.Type == integration.AuthOAuth2 {
		cred, err := s.creds.Valid(ctx, req.TenantID, action.IntegrationID)
		if err != nil {
			logger.Error("credential unavailable", "error", err)
			s.recorder.RecordExecution(action.IntegrationID, action.ID, metrics.OutcomeFailure, s.clock.Now().Sub(started))
			return nil, errors.Wrap(err, "resolving credential")
		}
		bearer = cred.AccessToken
	}

	resolved, err := s.mappings.Resolve(ctx, action.ID, conn.ID)
	if err != nil {
		return nil, errors.Wrap(err, "resolving mappings")
	}

	input, err := mapping.Apply(resolved, req.Payload, integration.DirectionInput)
	if err != nil {
		s.recorder.RecordExecution(action.IntegrationID, action.ID, metrics.OutcomeFailure, s.clock.Now().Sub(started))
		return nil, errors.Wrap(err, "applying input mappings")
	}

	resp, err := s.caller.Do(ctx, &executor.Request{
		Method:       action.Method,
		URL:          joinURL(conn.BaseURL, action.URL),
		Headers:      action.Headers,
		Body:         input,
		Auth:         conn.Auth,
		BearerToken:  bearer,
		ConnectionID: conn.ID,
		RequestID:    requestID,
	}, conn.RateLimitPerSecond)
	duration := s.clock.Now().Sub(started)

	if err != nil {
		outcome := metrics.OutcomeFailure
		if errors.IsCallFailure(err) {
			s.breakers.RecordFailure(circuitID)
			if errors.IsTimeout(err) {
				outcome = metrics.OutcomeTimeout
			}
		}
		logger.Error("action call failed",
			log.CircuitIDKey, circuitID,
			log.DurationKey, duration.String(),
			"error", err)
		s.recorder.RecordExecution(action.IntegrationID, action.ID, outcome, duration)
		return nil, err
	}

	s.breakers.RecordSuccess(circuitID)

	output, err := mapping.Apply(resolved, resp.Body, integration.DirectionOutput)
	if err != nil {
		s.recorder.RecordExecution(action.IntegrationID, action.ID, metrics.OutcomeFailure, duration)
		return nil, errors.Wrap(err, "applying output mappings")
	}

	result := &ExecuteResult{
		RequestID:  requestID,
		StatusCode: resp.StatusCode,
		Output:     output,
	}
	if action.Preamble != nil {
		result.Preamble = mapping.InterpolatePreamble(action.Preamble.Template, map[string]any{
			"actionName":      action.Name,
			"integrationName": action.IntegrationID,
			"connectionName":  conn.Name,
			"executedAt":      started.UTC().Format(time.RFC3339),
			"recordCount":     recordCount(output),
			"status":          resp.StatusCode,
		})
	}

	logger.Info("action executed",
		log.CircuitIDKey, circuitID,
		log.DurationKey, duration.String(),
		"status", resp.StatusCode)
	s.recorder.RecordExecution(action.IntegrationID, action.ID, metrics.OutcomeSuccess, duration)
	return result, nil
}

// PreviewMapping applies the resolved (or supplied) mappings to a sample
// payload without persisting anything or making any outbound call.
func (s *Service) PreviewMapping(ctx context.Context, actionID, connectionID string, sample map[string]any, direction integration.Direction, overrides []integration.FieldMapping) (*mapping.PreviewResult, error) {
	return s.mappings.Preview(ctx, actionID, connectionID, sample, direction, overrides)
}

// ValidatePreamble reports the disallowed variable names referenced by a
// template. An empty slice means the template is valid.
func (s *Service) ValidatePreamble(template string) []string {
	return mapping.ValidateTemplate(template)
}

// CircuitStatus reports breaker state for one integration/connection pair.
func (s *Service) CircuitStatus(integrationID, connectionID string) breaker.Status {
	return s.breakers.Status(CircuitID(integrationID, connectionID))
}

// ResetCircuit force-closes the breaker for one pair.
func (s *Service) ResetCircuit(integrationID, connectionID string) {
	s.breakers.Reset(CircuitID(integrationID, connectionID))
}

// Disconnect revokes the stored credential for a tenant/integration pair.
// Provider-side revocation is best effort; the local record is always
// marked revoked.
func (s *Service) Disconnect(ctx context.Context, tenantID, integrationID string) error {
	return s.creds.Revoke(ctx, tenantID, integrationID)
}

// joinURL resolves an action URL against the connection base URL.
// Absolute action URLs win.
func joinURL(base, path string) string {
	if strings.Contains(path, "://") || base == "" {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// recordCount derives the record count for preamble interpolation: the
// length of a top-level "records" array when present, otherwise 1 for a
// non-empty output.
func recordCount(output map[string]any) int {
	if records, ok := output["records"].([]any); ok {
		return len(records)
	}
	if len(output) == 0 {
		return 0
	}
	return 1
}

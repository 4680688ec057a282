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

// Package breaker implements a per-circuit sliding-window circuit breaker.
//
// Each logical target (integration + connection) gets an independent
// circuit identified by an opaque string. Failures are counted over a
// sliding time window; when the count reaches the threshold the circuit
// opens and executions fail fast without touching the network. After a
// reset timeout the circuit moves to half-open on the next read and a
// configurable number of consecutive successes closes it again.
package breaker

import (
	"sync"
	"time"

	"github.com/tombee/relaymesh/pkg/errors"
	"github.com/tombee/relaymesh/pkg/integration"
)

// State represents a circuit's state.
type State string

const (
	// StateClosed indicates normal operation: calls flow through.
	StateClosed State = "closed"
	// StateOpen indicates the breaker is rejecting calls.
	StateOpen State = "open"
	// StateHalfOpen indicates trial calls are permitted to probe recovery.
	StateHalfOpen State = "half-open"
)

// Config holds the thresholds shared by all circuits in a registry.
// State is still tracked independently per circuit id.
type Config struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// opens the circuit. Must be >= 1.
	FailureThreshold int

	// FailureWindow is the sliding window over which failures are counted.
	FailureWindow time.Duration

	// ResetTimeout is how long an open circuit waits before allowing a
	// half-open probe.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit.
	SuccessThreshold int
}

// DefaultConfig provides balanced settings for external HTTP APIs.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// AggressiveConfig opens faster and probes sooner, for targets where
// failing fast matters more than tolerance.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    30 * time.Second,
		ResetTimeout:     10 * time.Second,
		SuccessThreshold: 1,
	}
}

// Status is a diagnostic snapshot of one circuit.
type Status struct {
	CircuitID    string `json:"circuit_id"`
	State        State  `json:"state"`
	FailureCount int    `json:"failure_count"`

	// TimeUntilReset is set only while the circuit is open.
	TimeUntilReset *time.Duration `json:"time_until_reset,omitempty"`
}

// StateChangeFunc is notified after a circuit transitions. Calls are made
// outside the circuit's critical section.
type StateChangeFunc func(circuitID string, from, to State)

// circuit is the per-id state. All fields are guarded by mu; the state is
// always derivable from failures, openedAt, halfOpenSuccesses and the
// current instant.
type circuit struct {
	mu                sync.Mutex
	state             State
	failures          []time.Time
	openedAt          time.Time
	halfOpenSuccesses int
}

// Registry tracks circuits by id. Construct one at process start and pass
// it to all callers; there is no package-level instance.
type Registry struct {
	config   Config
	clock    integration.Clock
	onChange StateChangeFunc

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the time source, for deterministic tests.
func WithClock(clock integration.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithStateChangeFunc registers a transition listener.
func WithStateChangeFunc(fn StateChangeFunc) Option {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates a circuit breaker registry with the given config.
func NewRegistry(config Config, opts ...Option) *Registry {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}

	r := &Registry{
		config:   config,
		clock:    integration.SystemClock(),
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// get returns the circuit for id, creating it closed when create is set.
func (r *Registry) get(id string, create bool) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[id]
	r.mu.RUnlock()
	if ok || !create {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[id]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	r.circuits[id] = c
	return c
}

// applyPending performs the read-triggered open -> half-open transition.
// Must be called with c.mu held. Returns the prior state when a
// transition happened, or "" otherwise.
func (r *Registry) applyPending(c *circuit, now time.Time) State {
	if c.state == StateOpen && now.Sub(c.openedAt) >= r.config.ResetTimeout {
		c.state = StateHalfOpen
		c.halfOpenSuccesses = 0
		return StateOpen
	}
	return ""
}

// prune drops failure timestamps older than the sliding window.
// Must be called with c.mu held.
func (r *Registry) prune(c *circuit, now time.Time) {
	cutoff := now.Add(-r.config.FailureWindow)
	i := 0
	for i < len(c.failures) && !c.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.failures = append(c.failures[:0], c.failures[i:]...)
	}
}

// CanExecute reports whether a call for id may proceed. Pending
// transitions are applied first, so an open circuit whose reset timeout
// has elapsed answers true (half-open probe).
func (r *Registry) CanExecute(id string) bool {
	return r.State(id) != StateOpen
}

// State returns the circuit's state after applying any pending
// transition. Unknown ids report closed without allocating state.
func (r *Registry) State(id string) State {
	c := r.get(id, false)
	if c == nil {
		return StateClosed
	}

	c.mu.Lock()
	from := r.applyPending(c, r.clock.Now())
	state := c.state
	c.mu.Unlock()

	if from != "" {
		r.notify(id, from, state)
	}
	return state
}

// RecordFailure records a failed call against the circuit. A failure in
// half-open immediately reopens; in closed, reaching FailureThreshold
// within the window opens the circuit.
func (r *Registry) RecordFailure(id string) {
	c := r.get(id, true)
	now := r.clock.Now()

	c.mu.Lock()
	pendingFrom := r.applyPending(c, now)
	pendingTo := c.state

	var from State
	switch c.state {
	case StateHalfOpen:
		from = c.state
		c.state = StateOpen
		c.openedAt = now
		c.failures = append(c.failures, now)
	default:
		c.failures = append(c.failures, now)
		r.prune(c, now)
		if c.state == StateClosed && len(c.failures) >= r.config.FailureThreshold {
			from = c.state
			c.state = StateOpen
			c.openedAt = now
		}
	}
	to := c.state
	c.mu.Unlock()

	if pendingFrom != "" {
		r.notify(id, pendingFrom, pendingTo)
	}
	if from != "" {
		r.notify(id, from, to)
	}
}

// RecordSuccess records a successful call. In closed state it only ages
// out old failures; in half-open it counts toward SuccessThreshold and
// closes the circuit once reached, clearing all failure history.
func (r *Registry) RecordSuccess(id string) {
	c := r.get(id, true)
	now := r.clock.Now()

	c.mu.Lock()
	pendingFrom := r.applyPending(c, now)
	pendingTo := c.state

	var from State
	switch c.state {
	case StateClosed:
		r.prune(c, now)
	case StateHalfOpen:
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= r.config.SuccessThreshold {
			from = c.state
			c.state = StateClosed
			c.failures = nil
			c.openedAt = time.Time{}
			c.halfOpenSuccesses = 0
		}
	}
	to := c.state
	c.mu.Unlock()

	if pendingFrom != "" {
		r.notify(id, pendingFrom, pendingTo)
	}
	if from != "" {
		r.notify(id, from, to)
	}
}

// Execute runs fn through the circuit. When the circuit is open the call
// fails fast with a CircuitOpenError and fn is never invoked; otherwise
// the outcome is recorded and the original result or error propagated.
func (r *Registry) Execute(id string, fn func() (any, error)) (any, error) {
	if !r.CanExecute(id) {
		return nil, &errors.CircuitOpenError{
			CircuitID:  id,
			RetryAfter: r.timeUntilReset(id),
		}
	}

	result, err := fn()
	if err != nil {
		r.RecordFailure(id)
		return nil, err
	}
	r.RecordSuccess(id)
	return result, nil
}

// Status returns a diagnostic snapshot for one circuit.
func (r *Registry) Status(id string) Status {
	c := r.get(id, false)
	if c == nil {
		return Status{CircuitID: id, State: StateClosed}
	}

	now := r.clock.Now()

	c.mu.Lock()
	from := r.applyPending(c, now)
	r.prune(c, now)
	status := Status{
		CircuitID:    id,
		State:        c.state,
		FailureCount: len(c.failures),
	}
	if c.state == StateOpen {
		remaining := r.config.ResetTimeout - now.Sub(c.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		status.TimeUntilReset = &remaining
	}
	to := c.state
	c.mu.Unlock()

	if from != "" {
		r.notify(id, from, to)
	}
	return status
}

// timeUntilReset returns the remaining open time, or zero.
func (r *Registry) timeUntilReset(id string) time.Duration {
	c := r.get(id, false)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return 0
	}
	remaining := r.config.ResetTimeout - r.clock.Now().Sub(c.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset force-clears one circuit to closed with empty history.
func (r *Registry) Reset(id string) {
	c := r.get(id, false)
	if c == nil {
		return
	}

	c.mu.Lock()
	from := c.state
	c.state = StateClosed
	c.failures = nil
	c.openedAt = time.Time{}
	c.halfOpenSuccesses = 0
	c.mu.Unlock()

	if from != StateClosed {
		r.notify(id, from, StateClosed)
	}
}

// ClearAll forgets every tracked circuit.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits = make(map[string]*circuit)
}

// CircuitIDs returns the ids of all tracked circuits.
func (r *Registry) CircuitIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.circuits))
	for id := range r.circuits {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) notify(id string, from, to State) {
	if r.onChange != nil && from != to {
		r.onChange(id, from, to)
	}
}

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

// Package metrics exposes prometheus collectors for action executions and
// circuit breaker transitions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Execution outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeTimeout     = "timeout"
	OutcomeCircuitOpen = "circuit_open"
)

// Recorder is the narrow interface the execution path records through.
type Recorder interface {
	// RecordExecution records one action invocation and its duration.
	RecordExecution(integrationID, actionID, outcome string, duration time.Duration)

	// RecordBreakerTransition records a circuit state change.
	RecordBreakerTransition(circuitID, from, to string)
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) RecordExecution(string, string, string, time.Duration) {}
func (Nop) RecordBreakerTransition(string, string, string)        {}

// Collector implements Recorder with prometheus metrics.
type Collector struct {
	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymesh",
			Name:      "executions_total",
			Help:      "Action executions by integration, action and outcome.",
		}, []string{"integration", "action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaymesh",
			Name:      "execution_duration_seconds",
			Help:      "Action execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"integration", "action"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymesh",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by circuit, source and target state.",
		}, []string{"circuit", "from", "to"}),
	}
	reg.MustRegister(c.executions, c.duration, c.transitions)
	return c
}

// RecordExecution implements Recorder.
func (c *Collector) RecordExecution(integrationID, actionID, outcome string, duration time.Duration) {
	c.executions.WithLabelValues(integrationID, actionID, outcome).Inc()
	c.duration.WithLabelValues(integrationID, actionID).Observe(duration.Seconds())
}

// RecordBreakerTransition implements Recorder.
func (c *Collector) RecordBreakerTransition(circuitID, from, to string) {
	c.transitions.WithLabelValues(circuitID, from, to).Inc()
}

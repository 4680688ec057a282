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

// Package jq evaluates jq expressions with time and input-size limits.
// Mapping transforms run caller-authored expressions, so evaluation is
// always bounded.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds one expression evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize caps the JSON-encoded size of the input value.
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Evaluator runs jq expressions with timeout and size protection.
type Evaluator struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewEvaluator creates an evaluator. Zero values select the defaults.
func NewEvaluator(timeout time.Duration, maxInputSize int64) *Evaluator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Evaluator{timeout: timeout, maxInputSize: maxInputSize}
}

// First evaluates the expression against value and returns the first
// result, or nil when the expression yields nothing.
func (e *Evaluator) First(ctx context.Context, expression string, value any) (any, error) {
	if expression == "" {
		return value, nil
	}

	if err := e.checkInputSize(value); err != nil {
		return nil, err
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("jq parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compile error: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	iter := code.RunWithContext(evalCtx, value)
	result, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := result.(error); isErr {
		if evalCtx.Err() != nil {
			return nil, fmt.Errorf("jq evaluation timed out after %s", e.timeout)
		}
		return nil, fmt.Errorf("jq evaluation error: %w", err)
	}
	return result, nil
}

// checkInputSize rejects inputs whose JSON encoding exceeds the limit.
func (e *Evaluator) checkInputSize(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("jq input not JSON-encodable: %w", err)
	}
	if int64(len(data)) > e.maxInputSize {
		return fmt.Errorf("jq input size %d exceeds limit %d", len(data), e.maxInputSize)
	}
	return nil
}

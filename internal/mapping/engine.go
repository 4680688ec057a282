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

// Package mapping resolves and applies field mappings: action-level
// defaults merged with connection-level overrides, applied as a pure
// function over request and response payloads, plus preamble template
// validation and interpolation.
package mapping

import (
	"context"

	"github.com/expr-lang/expr"

	"github.com/tombee/relaymesh/pkg/errors"
	"github.com/tombee/relaymesh/pkg/integration"
)

// Engine resolves effective mapping sets and applies them.
type Engine struct {
	store integration.MappingStore
}

// NewEngine creates a mapping engine over the given store.
func NewEngine(store integration.MappingStore) *Engine {
	return &Engine{store: store}
}

// Resolve merges action defaults with connection overrides. An override
// replaces the default sharing its (SourcePath, Direction) key in place;
// an override with an empty TargetPath deletes that default; overrides
// with no matching default are appended in their persisted order.
func (e *Engine) Resolve(ctx context.Context, actionID, connectionID string) ([]integration.FieldMapping, error) {
	defaults, err := e.store.ActionDefaults(ctx, actionID)
	if err != nil {
		return nil, errors.Wrap(err, "loading action mappings")
	}

	var overrides []integration.FieldMapping
	if connectionID != "" {
		overrides, err = e.store.ConnectionOverrides(ctx, actionID, connectionID)
		if err != nil {
			return nil, errors.Wrap(err, "loading connection overrides")
		}
	}

	return Merge(defaults, overrides), nil
}

// Merge applies overrides to defaults without touching either input.
func Merge(defaults, overrides []integration.FieldMapping) []integration.FieldMapping {
	byKey := make(map[string]integration.FieldMapping, len(overrides))
	for _, o := range overrides {
		byKey[o.OverrideKey()] = o
	}

	merged := make([]integration.FieldMapping, 0, len(defaults)+len(overrides))
	matched := make(map[string]bool)
	for _, d := range defaults {
		key := d.OverrideKey()
		if o, ok := byKey[key]; ok {
			matched[key] = true
			if o.TargetPath == "" {
				continue // override deletes the default
			}
			merged = append(merged, o)
			continue
		}
		merged = append(merged, d)
	}

	for _, o := range overrides {
		if !matched[o.OverrideKey()] && o.TargetPath != "" {
			merged = append(merged, o)
		}
	}
	return merged
}

// Apply runs all mappings for the given direction over the payload and
// returns the reshaped copy. The input payload is never mutated. Unknown
// source paths are skipped; type-incompatible transforms fail with a
// MappingValidationError naming the offending path.
func (e *Engine) Apply(mappings []integration.FieldMapping, payload map[string]any, direction integration.Direction) (map[string]any, error) {
	return Apply(mappings, payload, direction)
}

// Apply is the package-level form of Engine.Apply; it is a pure function
// of (mappings, payload).
func Apply(mappings []integration.FieldMapping, payload map[string]any, direction integration.Direction) (map[string]any, error) {
	out, err := deepCopy(payload)
	if err != nil {
		return nil, &errors.MappingValidationError{Message: "payload is not JSON-shaped: " + err.Error()}
	}

	for _, m := range mappings {
		if m.Direction != direction {
			continue
		}

		if m.When != "" {
			keep, err := evalCondition(m.When, out)
			if err != nil {
				return nil, &errors.MappingValidationError{
					Path:    m.SourcePath,
					Message: "condition error: " + err.Error(),
				}
			}
			if !keep {
				continue
			}
		}

		value, ok := getPath(out, m.SourcePath)
		if !ok {
			continue
		}

		transformed, err := applyTransform(m.Transform.Name, value, m.Transform.Params)
		if err != nil {
			return nil, &errors.MappingValidationError{
				Path:    m.SourcePath,
				Message: err.Error(),
			}
		}

		deletePath(out, m.SourcePath)
		setPath(out, m.TargetPath, transformed)
	}
	return out, nil
}

// evalCondition evaluates an expr condition against the payload. Only a
// boolean true keeps the mapping.
func evalCondition(condition string, payload map[string]any) (bool, error) {
	program, err := expr.Compile(condition, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, payload)
	if err != nil {
		return false, err
	}
	keep, ok := out.(bool)
	if !ok {
		return false, errors.New("condition did not evaluate to a boolean")
	}
	return keep, nil
}

// PreviewResult pairs a sample payload with its transformed shape.
type PreviewResult struct {
	Original    map[string]any `json:"original"`
	Transformed map[string]any `json:"transformed"`
}

// Preview applies the effective mapping set to sample data without any
// network call. When overrideMappings is non-nil it is used in place of
// the persisted connection overrides, letting callers test unsaved edits.
func (e *Engine) Preview(ctx context.Context, actionID, connectionID string, sample map[string]any, direction integration.Direction, overrideMappings []integration.FieldMapping) (*PreviewResult, error) {
	var mappings []integration.FieldMapping
	var err error

	if overrideMappings != nil {
		defaults, derr := e.store.ActionDefaults(ctx, actionID)
		if derr != nil {
			return nil, errors.Wrap(derr, "loading action mappings")
		}
		mappings = Merge(defaults, overrideMappings)
	} else {
		mappings, err = e.Resolve(ctx, actionID, connectionID)
		if err != nil {
			return nil, err
		}
	}

	original, err := deepCopy(sample)
	if err != nil {
		return nil, &errors.MappingValidationError{Message: "sample is not JSON-shaped: " + err.Error()}
	}

	transformed, err := Apply(mappings, sample, direction)
	if err != nil {
		return nil, err
	}

	return &PreviewResult{Original: original, Transformed: transformed}, nil
}

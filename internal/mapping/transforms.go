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

package mapping

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tombee/relaymesh/internal/jq"
)

// transformFunc is a pure function applied to a mapped value.
type transformFunc func(value any, params map[string]any) (any, error)

// transforms is the registry of named transforms. All transforms are
// deterministic and side-effect free.
var transforms = map[string]transformFunc{
	"identity":  transformIdentity,
	"const":     transformConst,
	"lowercase": transformLowercase,
	"uppercase": transformUppercase,
	"trim":      transformTrim,
	"number":    transformNumber,
	"string":    transformString,
	"bool":      transformBool,
	"template":  transformTemplate,
	"jq":        transformJQ,
}

// applyTransform runs the named transform. An empty name is identity.
func applyTransform(name string, value any, params map[string]any) (any, error) {
	if name == "" {
		return value, nil
	}
	fn, ok := transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return fn(value, params)
}

func transformIdentity(value any, _ map[string]any) (any, error) {
	return value, nil
}

func transformConst(_ any, params map[string]any) (any, error) {
	v, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("const transform requires a value param")
	}
	return v, nil
}

func asString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func transformLowercase(value any, _ map[string]any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func transformUppercase(value any, _ map[string]any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func transformTrim(value any, _ map[string]any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func transformNumber(value any, _ map[string]any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to number", v)
		}
		return n, nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to number", value)
	}
}

func transformString(value any, _ map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func transformBool(value any, _ map[string]any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to bool", v)
		}
		return b, nil
	case float64:
		return v != 0, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to bool", value)
	}
}

// transformTemplate substitutes {placeholder} names from the mapped value
// into a template string from params. The value must be an object; fields
// absent from it stay literal. Plain substitution, never code execution.
func transformTemplate(value any, params map[string]any) (any, error) {
	template, _ := params["template"].(string)
	if template == "" {
		return nil, fmt.Errorf("template transform requires a template param")
	}
	fields, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("template transform expects an object, got %T", value)
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		v, ok := fields[name]
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", v)
	}), nil
}

// jqEvaluator runs caller-authored jq expressions with the default time
// and input-size bounds.
var jqEvaluator = jq.NewEvaluator(0, 0)

// transformJQ evaluates a jq expression from params against the value and
// returns the first result.
func transformJQ(value any, params map[string]any) (any, error) {
	expression, _ := params["expression"].(string)
	if expression == "" {
		return nil, fmt.Errorf("jq transform requires an expression param")
	}
	return jqEvaluator.First(context.Background(), expression, value)
}

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
	"fmt"
	"regexp"
	"sort"
)

// AllowedTemplateVariables is the fixed set of variables a preamble
// template may reference. Templates referencing anything else are
// rejected before persistence.
var AllowedTemplateVariables = map[string]bool{
	"actionName":      true,
	"integrationName": true,
	"connectionName":  true,
	"executedAt":      true,
	"recordCount":     true,
	"status":          true,
}

// placeholderPattern matches {variable} placeholders.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// ValidateTemplate scans a preamble template for placeholders and returns
// the names not in the allowed set, sorted and deduplicated. An empty
// result means the template is valid.
func ValidateTemplate(template string) []string {
	seen := make(map[string]bool)
	var invalid []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		name := match[1]
		if !AllowedTemplateVariables[name] && !seen[name] {
			seen[name] = true
			invalid = append(invalid, name)
		}
	}
	sort.Strings(invalid)
	return invalid
}

// InterpolatePreamble substitutes allowed variables from context into the
// template. Placeholders outside the allowed set, or absent from the
// context, are left literal. This is plain string substitution; templates
// never execute code.
func InterpolatePreamble(template string, context map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if !AllowedTemplateVariables[name] {
			return match
		}
		value, ok := context[name]
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", value)
	})
}

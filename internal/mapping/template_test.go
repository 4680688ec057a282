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
	"reflect"
	"testing"
)

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     []string
	}{
		{
			name:     "all allowed",
			template: "{actionName} against {integrationName} at {executedAt}",
			want:     nil,
		},
		{
			name:     "empty template",
			template: "",
			want:     nil,
		},
		{
			name:     "no placeholders",
			template: "plain text preamble",
			want:     nil,
		},
		{
			name:     "one invalid",
			template: "{actionName} by {userName}",
			want:     []string{"userName"},
		},
		{
			name:     "deduplicated and sorted",
			template: "{zzz} {aaa} {zzz} {status}",
			want:     []string{"aaa", "zzz"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateTemplate(tt.template)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ValidateTemplate(%q) = %v, want %v", tt.template, got, tt.want)
			}
		})
	}
}

func TestInterpolatePreamble(t *testing.T) {
	context := map[string]any{
		"actionName":  "create_contact",
		"recordCount": 3,
		"status":      "ok",
	}

	got := InterpolatePreamble("{actionName}: {recordCount} records, status {status}", context)
	want := "create_contact: 3 records, status ok"
	if got != want {
		t.Errorf("InterpolatePreamble() = %q, want %q", got, want)
	}
}

func TestInterpolatePreamble_LeavesUnknownsLiteral(t *testing.T) {
	context := map[string]any{"actionName": "sync"}

	// Disallowed variables stay literal even when present in context.
	withSecret := map[string]any{"actionName": "sync", "secret": "x"}
	got := InterpolatePreamble("{actionName} {secret} {connectionName}", withSecret)
	want := "sync {secret} {connectionName}"
	if got != want {
		t.Errorf("InterpolatePreamble() = %q, want %q", got, want)
	}

	// Allowed but missing from context stays literal too.
	got = InterpolatePreamble("{actionName} {status}", context)
	if got != "sync {status}" {
		t.Errorf("InterpolatePreamble() = %q, want %q", got, "sync {status}")
	}
}

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

package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPreviewCommand(t *testing.T) {
	dir := t.TempDir()

	mappingsPath := filepath.Join(dir, "mappings.yaml")
	if err := os.WriteFile(mappingsPath, []byte(`
defaults:
  - source_path: name
    target_path: contact.full_name
    direction: input
overrides:
  - source_path: name
    target_path: contact.display_name
    direction: input
`), 0o600); err != nil {
		t.Fatal(err)
	}

	samplePath := filepath.Join(dir, "sample.json")
	if err := os.WriteFile(samplePath, []byte(`{"name": "Ada"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "preview", "--mappings", mappingsPath, "--sample", samplePath)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}

	var result struct {
		Original    map[string]any `json:"original"`
		Transformed map[string]any `json:"transformed"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parsing output: %v\n%s", err, out)
	}
	contact, _ := result.Transformed["contact"].(map[string]any)
	if contact == nil || contact["display_name"] != "Ada" {
		t.Errorf("transformed = %v, want override applied", result.Transformed)
	}
	if result.Original["name"] != "Ada" {
		t.Errorf("original = %v, want untouched sample", result.Original)
	}
}

func TestPreviewCommand_BadDirection(t *testing.T) {
	_, err := runCommand(t, "preview", "--mappings", "x.yaml", "--sample", "y.json", "--direction", "sideways")
	if err == nil {
		t.Fatal("expected error for invalid direction")
	}
}

func TestValidateTemplateCommand(t *testing.T) {
	out, err := runCommand(t, "validate-template", "Done {actionName} with {recordCount} records")
	if err != nil {
		t.Fatalf("validate-template: %v", err)
	}
	if !strings.Contains(out, "Template is valid") {
		t.Errorf("output = %q, want valid confirmation", out)
	}

	_, err = runCommand(t, "validate-template", "Hello {hackerName}")
	if err == nil {
		t.Fatal("expected error for disallowed variable")
	}
	if !strings.Contains(err.Error(), "hackerName") {
		t.Errorf("error = %v, want variable named", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "relaymesh") {
		t.Errorf("output = %q", out)
	}
}

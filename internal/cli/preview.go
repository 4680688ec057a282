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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/relaymesh/internal/mapping"
	"github.com/tombee/relaymesh/pkg/integration"
)

// mappingFile is the on-disk shape consumed by preview: action defaults
// plus optional connection overrides.
type mappingFile struct {
	Defaults  []integration.FieldMapping `yaml:"defaults"`
	Overrides []integration.FieldMapping `yaml:"overrides,omitempty"`
}

func newPreviewCommand() *cobra.Command {
	var (
		mappingsPath string
		samplePath   string
		direction    string
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Apply field mappings to a sample payload",
		Long: `Preview resolves action defaults and connection overrides from a
mappings file, applies them to a sample JSON payload, and prints the
original and transformed payloads side by side. Nothing is persisted
and no outbound call is made.`,
		Example: `  # Preview input mappings
  relaymesh preview --mappings mappings.yaml --sample payload.json

  # Preview the response direction
  relaymesh preview --mappings mappings.yaml --sample response.json --direction output`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := integration.Direction(direction)
			if dir != integration.DirectionInput && dir != integration.DirectionOutput {
				return fmt.Errorf("invalid direction %q, must be input or output", direction)
			}

			data, err := os.ReadFile(mappingsPath)
			if err != nil {
				return fmt.Errorf("reading mappings file: %w", err)
			}
			var file mappingFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parsing mappings file: %w", err)
			}

			sampleData, err := os.ReadFile(samplePath)
			if err != nil {
				return fmt.Errorf("reading sample payload: %w", err)
			}
			var sample map[string]any
			if err := json.Unmarshal(sampleData, &sample); err != nil {
				return fmt.Errorf("parsing sample payload: %w", err)
			}

			resolved := mapping.Merge(file.Defaults, file.Overrides)
			transformed, err := mapping.Apply(resolved, sample, dir)
			if err != nil {
				return err
			}

			out := map[string]any{
				"original":    sample,
				"transformed": transformed,
			}
			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}

	cmd.Flags().StringVar(&mappingsPath, "mappings", "", "Path to mappings YAML file (required)")
	cmd.Flags().StringVar(&samplePath, "sample", "", "Path to sample JSON payload (required)")
	cmd.Flags().StringVar(&direction, "direction", "input", "Mapping direction: input or output")
	cmd.MarkFlagRequired("mappings")
	cmd.MarkFlagRequired("sample")

	return cmd
}

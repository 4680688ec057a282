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

// Package cli assembles the relaymesh command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// NewRootCommand creates the root Cobra command for relaymesh.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relaymesh",
		Short: "relaymesh - integration action execution",
		Long: `Relaymesh executes predefined actions against third-party APIs with
per-target circuit breaking, OAuth2 credential management and
configurable field mappings.

Run 'relaymesh preview' to try mappings against a sample payload.
Run 'relaymesh validate-template' to check a preamble template.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: ~/.config/relaymesh/config.yaml)")

	cmd.AddCommand(newPreviewCommand())
	cmd.AddCommand(newValidateTemplateCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "relaymesh %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

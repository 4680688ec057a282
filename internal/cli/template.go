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
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/relaymesh/internal/mapping"
)

func newValidateTemplateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-template <template>",
		Short: "Check a preamble template against the allowed variable set",
		Long: `Validate-template scans a preamble template for {variable}
placeholders and reports any that are outside the allowed set.
An exit code of 0 means the template is safe to persist.`,
		Example: `  relaymesh validate-template "Executed {actionName} at {executedAt}"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := mapping.ValidateTemplate(args[0])
			if len(invalid) > 0 {
				return fmt.Errorf("template references disallowed variables: %s", strings.Join(invalid, ", "))
			}

			allowed := make([]string, 0, len(mapping.AllowedTemplateVariables))
			for name := range mapping.AllowedTemplateVariables {
				allowed = append(allowed, name)
			}
			sort.Strings(allowed)

			fmt.Fprintf(cmd.OutOrStdout(), "Template is valid. Allowed variables: %s\n", strings.Join(allowed, ", "))
			return nil
		},
	}
	return cmd
}

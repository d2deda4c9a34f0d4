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

package tools

import (
	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/client"
	"github.com/tombee/warden/internal/commands/shared"
)

var toolsJQ string

// NewCommand creates the tools command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the backing server's tool catalog",
		Long: `List the tools the backing server exposes, starting it first
if needed.

Examples:
  warden tools
  warden tools --json
  warden tools --jq '.[].name'`,
		Args: cobra.NoArgs,
		RunE: runTools,
	}

	cmd.Flags().StringVar(&toolsJQ, "jq", "", "jq expression applied to the catalog")

	return cmd
}

func runTools(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := shared.ValidateJQ(toolsJQ); err != nil {
		return err
	}

	rt, err := shared.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	descriptors, err := rt.Forwarder.ListTools(ctx)
	if err != nil {
		return err
	}

	if toolsJQ != "" {
		out, err := shared.TransformJQValue(ctx, toolsJQ, descriptors)
		if err != nil {
			return err
		}
		cmd.Println(out)
		return nil
	}

	if shared.GetJSON() {
		return shared.EmitJSON(descriptors)
	}

	if len(descriptors) == 0 {
		cmd.Println("No tools available")
		return nil
	}

	cmd.Println(shared.Header.Render("TOOLS"))
	for _, desc := range descriptors {
		cmd.Printf("  %s %s\n", shared.Bold.Render(desc.Name), describe(desc))
	}
	cmd.Printf("\n%d tool(s)\n", len(descriptors))

	return nil
}

func describe(desc client.ToolDescriptor) string {
	if desc.Description == "" {
		return shared.Muted.Render("(no description)")
	}
	return shared.Muted.Render(desc.Description)
}

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

package provision

import (
	"fmt"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/toolserver"
)

var (
	provisionForce bool
	provisionYes   bool
)

// NewCommand creates the provision command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Fetch and build the backing server",
		Long: `Fetch the backing server source (git clone or fetch) and run its
build command. Provisioning is idempotent: when the artifact lockfile
already matches the configured source and revision, nothing happens.

Use --force to discard the recorded artifact and rebuild from scratch.

Examples:
  warden provision
  warden provision --force
  warden provision --force --yes`,
		Args: cobra.NoArgs,
		RunE: runProvision,
	}

	cmd.Flags().BoolVar(&provisionForce, "force", false, "Discard the recorded artifact and rebuild")
	cmd.Flags().BoolVarP(&provisionYes, "yes", "y", false, "Skip the --force confirmation prompt")

	return cmd
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := shared.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if provisionForce && !provisionYes && !shared.IsNonInteractive() {
		confirmed := false
		prompt := &survey.Confirm{
			Message: "Discard the recorded build artifact and rebuild from scratch?",
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			cmd.Println("Provision canceled")
			return nil
		}
	}

	spinner := shared.NewSpinner()
	if !shared.GetQuiet() {
		spinner.Start("Provisioning server...")
	}

	var artifact *toolserver.BuildArtifact
	if provisionForce {
		artifact, err = rt.Provisioner.Rebuild(ctx)
	} else {
		artifact, err = rt.Provisioner.EnsureBuilt(ctx)
	}
	elapsed := spinner.Stop()

	if err != nil {
		return shared.NewNotReadyError("provisioning failed", err)
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("Built %s in %s", artifact.Fingerprint, elapsed.Round(10*time.Millisecond))))
	cmd.Printf("  %s %s\n", shared.RenderLabel("binary:"), artifact.BinaryPath)

	return nil
}

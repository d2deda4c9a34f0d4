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

package status

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/lifecycle"
	"github.com/tombee/warden/internal/toolserver"
)

// Report is the JSON shape of warden status output.
type Report struct {
	Endpoint    string `json:"endpoint"`
	State       string `json:"state"`
	PID         int    `json:"pid,omitempty"`
	LastProbe   string `json:"last_probe,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	BuiltAt     string `json:"built_at,omitempty"`
}

// NewCommand creates the status command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backing server's state",
		Long: `Probe the backing server and report its endpoint, state, PID
(when the supervisor spawned it), and the build artifact on disk.

The report always reflects a live probe; nothing is read from a cache.

Examples:
  warden status
  warden status --json`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := shared.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec := rt.Supervisor.Probe(ctx)

	report := Report{
		Endpoint:  rec.Endpoint(),
		State:     rec.State.String(),
		PID:       rec.PID,
		LastError: rec.LastError,
	}
	if !rec.LastHealthCheckAt.IsZero() {
		report.LastProbe = rec.LastHealthCheckAt.Format(time.RFC3339)
	}

	// The probe only knows about children it spawned; fall back to the
	// pidfile for a server started by an earlier run.
	if report.PID == 0 {
		if pid, err := lifecycle.NewPIDFileManager(rt.Config.PIDFilePath()).Read(); err == nil {
			if lifecycle.IsProcessRunning(pid) {
				report.PID = pid
			}
		}
	}

	if lock, err := toolserver.LoadArtifactLock(rt.Config.ArtifactLockPath()); err == nil && lock.Artifact != nil {
		report.Fingerprint = lock.Artifact.Fingerprint
		report.BuiltAt = lock.Artifact.BuiltAt.Format(time.RFC3339)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(report)
	}

	cmd.Println(shared.Header.Render("SERVER"))
	cmd.Printf("  %s %s\n", shared.RenderLabel("endpoint:"), report.Endpoint)
	cmd.Printf("  %s %s\n", shared.RenderLabel("state:   "), shared.RenderState(rec.State))
	if report.PID != 0 {
		cmd.Printf("  %s %d\n", shared.RenderLabel("pid:     "), report.PID)
	}
	if report.LastProbe != "" {
		cmd.Printf("  %s %s\n", shared.RenderLabel("probed:  "), report.LastProbe)
	}
	if report.LastError != "" {
		cmd.Printf("  %s %s\n", shared.RenderLabel("error:   "), shared.StatusError.Render(report.LastError))
	}

	if report.Fingerprint != "" {
		cmd.Println()
		cmd.Println(shared.Header.Render("ARTIFACT"))
		cmd.Printf("  %s %s\n", shared.RenderLabel("fingerprint:"), report.Fingerprint)
		cmd.Printf("  %s %s\n", shared.RenderLabel("built at:   "), report.BuiltAt)
	}

	return nil
}

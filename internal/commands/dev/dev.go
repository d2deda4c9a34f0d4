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

package dev

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/toolserver"
)

var (
	devInclude  []string
	devExclude  []string
	devDebounce time.Duration
)

// NewCommand creates the dev command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch the server source and rebuild on change",
		Long: `Run the backing server in the foreground and watch its checkout.
When a source file changes, the server is rebuilt and restarted.

Include and exclude patterns use doublestar globs relative to the
checkout (e.g. "**/*.py"). Build products, VCS metadata, and editor
droppings are always excluded.

Press Ctrl-C to stop watching; the server itself keeps running.

Examples:
  warden dev
  warden dev --include '**/*.py' --exclude 'tests/**'`,
		Args: cobra.NoArgs,
		RunE: runDev,
	}

	cmd.Flags().StringSliceVar(&devInclude, "include", nil, "Glob patterns that trigger a rebuild (default: all files)")
	cmd.Flags().StringSliceVar(&devExclude, "exclude", nil, "Glob patterns that never trigger a rebuild")
	cmd.Flags().DurationVar(&devDebounce, "debounce", 0, "Delay before rebuilding after a change (default 500ms)")

	return cmd
}

func runDev(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := shared.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.Supervisor.EnsureRunning(ctx)
	if err != nil {
		return shared.NewNotReadyError("server failed to start", err)
	}
	cmd.Println(shared.RenderOK("Server running at " + rec.Endpoint()))

	// Rebuilds queue through a single worker so overlapping change
	// bursts collapse into one cycle.
	changes := make(chan []string, 1)

	watcher, err := toolserver.NewWatcher(toolserver.WatcherConfig{
		Root:          rt.Provisioner.CheckoutDir(),
		Includes:      devInclude,
		Excludes:      devExclude,
		DebounceDelay: devDebounce,
		Logger:        rt.Logger,
		OnChange: func(paths []string) {
			select {
			case changes <- paths:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	cmd.Println(shared.RenderLabel("watching ") + rt.Provisioner.CheckoutDir())

	for {
		select {
		case <-ctx.Done():
			cmd.Println()
			cmd.Println(shared.RenderLabel("stopped watching; server left running"))
			return nil
		case paths := <-changes:
			cmd.Println(shared.RenderWarn(describeChange(paths)))
			if err := rebuildAndRestart(ctx, cmd, rt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Keep watching; the next change may fix the build.
				cmd.Println(shared.RenderError("rebuild failed: " + err.Error()))
			}
		}
	}
}

func rebuildAndRestart(ctx context.Context, cmd *cobra.Command, rt *shared.Runtime) error {
	if _, err := rt.Provisioner.Rebuild(ctx); err != nil {
		return err
	}

	if err := rt.Supervisor.Stop(ctx); err != nil && !isNotRunning(err) {
		return err
	}

	rec, err := rt.Supervisor.EnsureRunning(ctx)
	if err != nil {
		return err
	}

	cmd.Println(shared.RenderOK("Server restarted at " + rec.Endpoint()))
	return nil
}

func isNotRunning(err error) bool {
	serverErr := toolserver.GetServerError(err)
	return serverErr != nil && serverErr.Code == toolserver.ErrorCodeNotRunning
}

func describeChange(paths []string) string {
	if len(paths) == 1 {
		return "changed: " + paths[0]
	}
	return fmt.Sprintf("changed: %s (+%d more)", paths[0], len(paths)-1)
}

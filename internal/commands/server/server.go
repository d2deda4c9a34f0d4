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

// Package server holds the explicit lifecycle commands: up, down, restart.
package server

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/toolserver"
)

// NewUpCommand creates the up command
func NewUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the backing server",
		Long: `Ensure the backing server is running: probe it, and provision,
build, spawn, and health-poll as needed. A server that is already
answering is adopted as-is.

The spawned server is detached; it keeps running after warden exits.`,
		Args: cobra.NoArgs,
		RunE: runUp,
	}
}

// NewDownCommand creates the down command
func NewDownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the backing server",
		Long: `Stop a backing server that warden spawned: SIGTERM, wait, then
SIGKILL. A server warden merely adopted (no pidfile) is left alone.`,
		Args: cobra.NoArgs,
		RunE: runDown,
	}
}

// NewRestartCommand creates the restart command
func NewRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the backing server",
		Args:  cobra.NoArgs,
		RunE:  runRestart,
	}
}

func runUp(cmd *cobra.Command, args []string) error {
	rt, err := shared.NewRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	return up(cmd, rt)
}

func runDown(cmd *cobra.Command, args []string) error {
	rt, err := shared.NewRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	return down(cmd, rt)
}

func runRestart(cmd *cobra.Command, args []string) error {
	rt, err := shared.NewRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := down(cmd, rt); err != nil {
		return err
	}
	return up(cmd, rt)
}

func up(cmd *cobra.Command, rt *shared.Runtime) error {
	spinner := shared.NewSpinner()
	if !shared.GetQuiet() {
		spinner.Start("Starting server...")
	}

	rec, err := rt.Supervisor.EnsureRunning(cmd.Context())
	spinner.Stop()

	if err != nil {
		return shared.NewNotReadyError("server failed to start", err)
	}

	msg := fmt.Sprintf("Server running at %s", rec.Endpoint())
	if rec.PID != 0 {
		msg += fmt.Sprintf(" (pid %d)", rec.PID)
	}
	cmd.Println(shared.RenderOK(msg))
	return nil
}

func down(cmd *cobra.Command, rt *shared.Runtime) error {
	err := rt.Supervisor.Stop(cmd.Context())
	if err != nil {
		var serverErr *toolserver.ServerError
		if errors.As(err, &serverErr) && serverErr.Code == toolserver.ErrorCodeNotRunning {
			cmd.Println(shared.RenderWarn("Server is not running (or was not started by warden)"))
			return nil
		}
		return err
	}

	cmd.Println(shared.RenderOK("Server stopped"))
	return nil
}

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

package main

import (
	"github.com/tombee/warden/internal/cli"
	"github.com/tombee/warden/internal/commands/call"
	devcmd "github.com/tombee/warden/internal/commands/dev"
	historycmd "github.com/tombee/warden/internal/commands/history"
	"github.com/tombee/warden/internal/commands/initcmd"
	"github.com/tombee/warden/internal/commands/provision"
	"github.com/tombee/warden/internal/commands/secret"
	"github.com/tombee/warden/internal/commands/serve"
	servercmd "github.com/tombee/warden/internal/commands/server"
	"github.com/tombee/warden/internal/commands/status"
	"github.com/tombee/warden/internal/commands/tools"
	versioncmd "github.com/tombee/warden/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	// Create root command and add subcommands
	rootCmd := cli.NewRootCommand()

	// Invocation commands
	rootCmd.AddCommand(call.NewCommand())
	rootCmd.AddCommand(tools.NewCommand())
	rootCmd.AddCommand(serve.NewCommand())

	// Lifecycle commands
	rootCmd.AddCommand(servercmd.NewUpCommand())
	rootCmd.AddCommand(servercmd.NewDownCommand())
	rootCmd.AddCommand(servercmd.NewRestartCommand())
	rootCmd.AddCommand(status.NewCommand())
	rootCmd.AddCommand(provision.NewCommand())
	rootCmd.AddCommand(devcmd.NewCommand())

	// Management commands
	rootCmd.AddCommand(historycmd.NewCommand())
	rootCmd.AddCommand(secret.NewCommand())
	rootCmd.AddCommand(initcmd.NewCommand())

	// Version command
	rootCmd.AddCommand(versioncmd.NewCommand())

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}

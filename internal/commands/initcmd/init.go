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

// Package initcmd implements warden init, the interactive config wizard.
package initcmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/secrets"
)

// NewCommand creates the init command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		Long: `Walk through the settings warden needs: where the backing server's
source lives, how to build it, and where it listens. Writes the
result to ~/.config/warden/config.yaml (or the --config path).

An API key entered here is stored through the secret backends and
referenced from the config as secret://server-api-key; the config
file never holds it in plaintext.`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}
}

// answers collects the wizard's results before they are mapped onto a
// config.
type answers struct {
	Source       string
	Revision     string
	BuildCommand string
	Binary       string
	Host         string
	Port         string
	APIKey       string
}

func runInit(cmd *cobra.Command, args []string) error {
	if shared.IsNonInteractive() {
		return shared.NewUsageError("init needs an interactive terminal; write the config file directly instead", nil)
	}

	path := shared.GetConfigPath()
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}

	if _, err := os.Stat(path); err == nil {
		overwrite := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Config %s already exists. Overwrite?", path),
			Default: false,
		}
		if err := survey.AskOne(prompt, &overwrite); err != nil {
			return err
		}
		if !overwrite {
			cmd.Println("Init canceled")
			return nil
		}
	}

	a := answers{
		BuildCommand: "make build",
		Binary:       "bin/server",
		Host:         "localhost",
		Port:         "8000",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Warden setup").
				Description("Warden provisions, starts, and supervises a backing tool server."),
			huh.NewInput().
				Title("Server source").
				Description("Git URL or local path of the server repository").
				Placeholder("https://github.com/example/tool-server.git").
				Value(&a.Source).
				Validate(required("source")),
			huh.NewInput().
				Title("Revision").
				Description("Branch, tag, or commit to pin (empty tracks the default branch)").
				Value(&a.Revision),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Build command").
				Description("Run inside the checkout; must produce the binary").
				Value(&a.BuildCommand).
				Validate(required("build command")),
			huh.NewInput().
				Title("Binary path").
				Description("Relative to the checkout").
				Value(&a.Binary).
				Validate(required("binary path")),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Host").
				Value(&a.Host).
				Validate(required("host")),
			huh.NewInput().
				Title("Port").
				Value(&a.Port).
				Validate(validatePort),
			huh.NewInput().
				Title("API key").
				Description("Sent as a bearer token; leave empty if the server is open").
				EchoMode(huh.EchoModePassword).
				Value(&a.APIKey),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Server.Source = strings.TrimSpace(a.Source)
	cfg.Server.Revision = strings.TrimSpace(a.Revision)
	cfg.Server.BuildCommand = strings.TrimSpace(a.BuildCommand)
	cfg.Server.Binary = strings.TrimSpace(a.Binary)
	cfg.Server.Host = strings.TrimSpace(a.Host)
	cfg.Server.Port, _ = strconv.Atoi(strings.TrimSpace(a.Port))

	if a.APIKey != "" {
		resolver, err := secrets.NewDefaultResolver("", "")
		if err != nil {
			return err
		}
		const key = "server-api-key"
		if err := resolver.Set(cmd.Context(), key, a.APIKey, ""); err != nil {
			return fmt.Errorf("failed to store API key: %w", err)
		}
		cfg.Server.APIKey = config.SecretRefPrefix + key
		cmd.Println(shared.RenderOK("API key stored as secret://" + key))
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}

	cmd.Println(shared.RenderOK("Config written to " + path))
	cmd.Println()
	cmd.Println("Next steps:")
	cmd.Println("  warden up        start the server")
	cmd.Println("  warden tools     list its tools")
	cmd.Println("  warden serve     expose them over MCP")

	return nil
}

func required(name string) func(string) error {
	return func(value string) error {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validatePort(value string) error {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

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

package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/secrets"
)

var (
	secretBackend string
	secretUnmask  bool
	secretForce   bool
)

// NewCommand creates the secret command for credential management.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage backing-server credentials",
		Long: `Manage secrets used to authenticate against the backing server.

Secrets are stored in a tiered backend system with automatic fallback:
  1. System keychain (macOS Keychain, Linux Secret Service, Windows Credential Manager)
  2. Environment variables (WARDEN_SECRET_*, read-only)
  3. Encrypted file (fallback for headless servers, needs WARDEN_MASTER_KEY)

Keys are flat and hyphen-separated. Config references them as
secret://<key>, e.g.:

  server:
    api_key: secret://server-api-key

Commands:
  set       Store a secret securely
  get       Retrieve a secret value
  list      List all secret keys
  delete    Remove a secret

Examples:
  warden secret set server-api-key
  warden secret get server-api-key
  warden secret delete server-api-key`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret securely",
		Long: `Store a secret in the specified backend.

The secret value can be provided via:
  - Interactive prompt (hidden input, default)
  - Standard input: echo "value" | warden secret set <key>

Examples:
  warden secret set server-api-key
  warden secret set server-api-key --backend file
  echo "sk-..." | warden secret set server-api-key`,
		Args: cobra.ExactArgs(1),
		RunE: runSet,
	}

	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (keychain, env, file)")

	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a secret value",
		Long: `Retrieve a secret value from the highest-priority backend that
holds it. The value is masked unless --unmask is given.`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}

	cmd.Flags().BoolVar(&secretUnmask, "unmask", false, "Show full value (not masked)")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all secret keys",
		Long:  `List all secret keys across all backends. Values are never shown.`,
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	cmd.Flags().StringVar(&secretBackend, "backend", "", "Target backend (keychain, env, file)")
	cmd.Flags().BoolVar(&secretForce, "force", false, "Skip confirmation prompt")

	return cmd
}

func runSet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if err := validateKey(key); err != nil {
		return err
	}

	value, err := readValue()
	if err != nil {
		return fmt.Errorf("failed to read secret value: %w", err)
	}
	if value == "" {
		return shared.NewUsageError("secret value cannot be empty", nil)
	}

	resolver, err := secrets.NewDefaultResolver("", "")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := resolver.Set(ctx, key, value, secretBackend); err != nil {
		if errors.Is(err, secrets.ErrBackendUnavailable) {
			return fmt.Errorf("backend unavailable: %w\n\nTry:\n  1. Use --backend to pick a different backend\n  2. Set environment variable: export WARDEN_SECRET_%s=<value>\n  3. Check keychain accessibility", err, envKey(key))
		}
		return fmt.Errorf("failed to set secret: %w", err)
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("Secret %q stored", key)))
	cmd.Printf("Reference it from config as secret://%s\n", key)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	resolver, err := secrets.NewDefaultResolver("", "")
	if err != nil {
		return err
	}

	value, err := resolver.Get(cmd.Context(), key)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return fmt.Errorf("secret not found: %q\n\nSet it with: warden secret set %s", key, key)
		}
		return fmt.Errorf("failed to get secret: %w", err)
	}

	if secretUnmask {
		cmd.Println(value)
		return nil
	}
	cmd.Printf("%s (use --unmask to show full value)\n", mask(value))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	resolver, err := secrets.NewDefaultResolver("", "")
	if err != nil {
		return err
	}

	metadata, err := resolver.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(metadata)
	}

	if len(metadata) == 0 {
		cmd.Println("No secrets found")
		return nil
	}

	cmd.Printf("%-40s %-12s %s\n", "KEY", "BACKEND", "READ-ONLY")
	for _, meta := range metadata {
		readOnly := "no"
		if meta.ReadOnly {
			readOnly = "yes"
		}
		cmd.Printf("%-40s %-12s %s\n", meta.Key, meta.Backend, readOnly)
	}
	cmd.Printf("\n%d secret(s)\n", len(metadata))
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	key := args[0]

	if !secretForce && !shared.IsNonInteractive() {
		confirmed := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Delete secret %q?", key),
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			cmd.Println("Deletion canceled")
			return nil
		}
	}

	resolver, err := secrets.NewDefaultResolver("", "")
	if err != nil {
		return err
	}

	if err := resolver.Delete(cmd.Context(), key, secretBackend); err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return fmt.Errorf("secret not found: %q", key)
		}
		if errors.Is(err, secrets.ErrReadOnlyBackend) {
			return errors.New("cannot delete from a read-only backend (environment variables)")
		}
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("Secret %q deleted", key)))
	return nil
}

// readValue reads a secret value from piped stdin or a hidden prompt.
func readValue() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	fmt.Print("Enter secret value (hidden): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func mask(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

func validateKey(key string) error {
	switch {
	case key == "":
		return shared.NewUsageError("secret key cannot be empty", nil)
	case strings.ContainsAny(key, " \t"):
		return shared.NewUsageError("secret key cannot contain whitespace", nil)
	case strings.ToLower(key) != key:
		return shared.NewUsageError("secret keys are lowercase, hyphen-separated (e.g. server-api-key)", nil)
	}
	return nil
}

func envKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", "/", "_").Replace(key))
}

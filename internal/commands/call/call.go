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

package call

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
)

var (
	callInput string
	callJQ    string
)

// NewCommand creates the call command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a tool on the backing server",
		Long: `Invoke a named tool, starting the backing server first if needed.

The payload is opaque JSON passed through unmodified:
  --input '{"query": "golang"}'   inline JSON
  --input @request.json           from a file
  --input -                       from stdin (also used when piped)

The response body is printed verbatim, or transformed with --jq.

Exit codes distinguish failure classes: 2 usage, 3 server not ready,
4 tool rejected the call, 5 server unreachable or timed out.

Examples:
  warden call search --input '{"query": "golang"}'
  cat request.json | warden call search
  warden call search --input @req.json --jq '.results[0].title'`,
		Args: cobra.ExactArgs(1),
		RunE: runCall,
	}

	cmd.Flags().StringVarP(&callInput, "input", "i", "", "Payload: inline JSON, @file, or - for stdin")
	cmd.Flags().StringVar(&callJQ, "jq", "", "jq expression applied to the response body")

	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	tool := args[0]
	ctx := cmd.Context()

	if err := shared.ValidateJQ(callJQ); err != nil {
		return err
	}

	payload, err := readPayload(callInput, cmd.InOrStdin())
	if err != nil {
		return err
	}

	rt, err := shared.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	resp, err := rt.Forwarder.Invoke(ctx, tool, payload)
	if err != nil {
		return err
	}

	if callJQ != "" {
		out, err := shared.TransformJQ(ctx, callJQ, resp.Body)
		if err != nil {
			return err
		}
		cmd.Println(out)
		return nil
	}

	// Body passthrough, verbatim.
	out := cmd.OutOrStdout()
	out.Write(resp.Body)
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Fprintln(out)
	}

	return nil
}

// readPayload resolves the --input flag: inline JSON, @file, or stdin.
// Piped stdin is used automatically when no flag is given.
func readPayload(input string, stdin io.Reader) (json.RawMessage, error) {
	var raw []byte

	switch {
	case input == "":
		if !stdinIsPipe() {
			return nil, nil
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = data
	case input == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		raw = data
	case strings.HasPrefix(input, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(input, "@"))
		if err != nil {
			return nil, shared.NewUsageError("failed to read payload file", err)
		}
		raw = data
	default:
		raw = []byte(input)
	}

	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, nil
	}

	if !json.Valid(raw) {
		return nil, shared.NewUsageError("payload is not valid JSON", nil)
	}

	return json.RawMessage(raw), nil
}

// stdinIsPipe reports whether stdin carries piped data.
func stdinIsPipe() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

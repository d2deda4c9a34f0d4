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

package history

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/history"
)

var (
	historyLimit int
	historyJQ    string
)

// NewCommand creates the history command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded tool invocations",
		Long: `Inspect the invocation history recorded by warden call and
warden serve.

Commands:
  list    Recent invocations, newest first
  show    One invocation by request id (unique prefixes work)

Examples:
  warden history list
  warden history list --limit 5 --json
  warden history show 4fc2`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent invocations",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of invocations to show")
	cmd.Flags().StringVar(&historyJQ, "jq", "", "jq expression applied to the listing")

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one invocation",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
}

// jsonInvocation is the JSON shape of a history entry.
type jsonInvocation struct {
	RequestID string `json:"request_id"`
	Tool      string `json:"tool"`
	Status    int    `json:"status"`
	Duration  string `json:"duration"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toJSON(inv history.Invocation) jsonInvocation {
	return jsonInvocation{
		RequestID: inv.RequestID,
		Tool:      inv.Tool,
		Status:    inv.Status,
		Duration:  inv.Duration.String(),
		Error:     inv.Error,
		CreatedAt: inv.CreatedAt.Format(time.RFC3339),
	}
}

func openStore() (*history.Store, error) {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return nil, err
	}
	if !cfg.HistoryEnabled() {
		return nil, shared.NewUsageError("invocation history is disabled in config", nil)
	}
	return history.NewStore(history.Config{
		Path:       cfg.HistoryPath(),
		MaxEntries: cfg.History.MaxEntries,
	})
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := shared.ValidateJQ(historyJQ); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	invocations, err := store.List(ctx, historyLimit)
	if err != nil {
		return err
	}

	entries := make([]jsonInvocation, 0, len(invocations))
	for _, inv := range invocations {
		entries = append(entries, toJSON(inv))
	}

	if historyJQ != "" {
		out, err := shared.TransformJQValue(ctx, historyJQ, entries)
		if err != nil {
			return err
		}
		cmd.Println(out)
		return nil
	}

	if shared.GetJSON() {
		return shared.EmitJSON(entries)
	}

	if len(invocations) == 0 {
		cmd.Println("No invocations recorded")
		return nil
	}

	cmd.Printf("%-10s  %-20s  %-7s  %-10s  %s\n", "ID", "TOOL", "STATUS", "DURATION", "WHEN")
	for _, inv := range invocations {
		status := shared.StatusError.Render(fmt.Sprintf("%d", inv.Status))
		if inv.Succeeded() {
			status = shared.StatusOK.Render(fmt.Sprintf("%d", inv.Status))
		}
		cmd.Printf("%-10s  %-20s  %-7s  %-10s  %s\n",
			shortID(inv.RequestID),
			inv.Tool,
			status,
			inv.Duration.Round(time.Millisecond),
			inv.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}

	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	inv, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(toJSON(inv))
	}

	cmd.Printf("%s %s\n", shared.RenderLabel("request id:"), inv.RequestID)
	cmd.Printf("%s %s\n", shared.RenderLabel("tool:      "), inv.Tool)
	cmd.Printf("%s %d\n", shared.RenderLabel("status:    "), inv.Status)
	cmd.Printf("%s %s\n", shared.RenderLabel("duration:  "), inv.Duration.Round(time.Millisecond))
	cmd.Printf("%s %s\n", shared.RenderLabel("when:      "), inv.CreatedAt.Local().Format(time.RFC3339))
	if inv.Error != "" {
		cmd.Printf("%s %s\n", shared.RenderLabel("error:     "), shared.StatusError.Render(inv.Error))
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

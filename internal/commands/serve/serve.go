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

package serve

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/warden/internal/bridge"
	"github.com/tombee/warden/internal/commands/shared"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/tracing"
)

var serveMetricsAddr string

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tool catalog over MCP stdio",
		Long: `Expose the backing server's tools to an MCP client over stdio.
The backing server is started on demand and every call goes through
the forwarding path (readiness check, one transport retry, history).

Logs go to stderr; stdout carries the MCP protocol.

Examples:
  warden serve
  warden serve --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return err
	}

	version, _, _ := shared.GetVersion()

	var provider *tracing.Provider
	var runtimeOpts []shared.RuntimeOption
	if cfg.Tracing.Enabled {
		provider, err = tracing.NewProvider(ctx, tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Exporter:       cfg.Tracing.Exporter,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return err
		}
		defer provider.Shutdown(ctx)

		runtimeOpts = append(runtimeOpts,
			shared.WithTracer(provider.Tracer("warden/forwarder")),
			shared.WithMetrics(provider.Metrics()),
		)
	}

	rt, err := shared.NewRuntimeFromConfig(ctx, cfg, runtimeOpts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	bridgeCfg := bridge.Config{
		Name:      "warden",
		Version:   version,
		Forwarder: rt.Forwarder,
		RateLimit: cfg.Bridge.RateLimit,
		RateBurst: cfg.Bridge.RateBurst,
		Logger:    rt.Logger,
	}

	metricsAddr := cfg.Bridge.MetricsAddr
	if serveMetricsAddr != "" {
		metricsAddr = serveMetricsAddr
	}

	if provider != nil {
		bridgeCfg.Metrics = provider.Metrics()
		if metricsAddr != "" {
			bridgeCfg.MetricsAddr = metricsAddr
			bridgeCfg.MetricsHandler = provider.MetricsHandler()
		}
	}

	srv, err := bridge.NewServer(ctx, bridgeCfg)
	if err != nil {
		return shared.NewNotReadyError("failed to start MCP bridge", err)
	}

	return srv.Run(ctx)
}

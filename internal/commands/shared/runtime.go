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

package shared

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/warden/internal/client"
	"github.com/tombee/warden/internal/config"
	"github.com/tombee/warden/internal/history"
	"github.com/tombee/warden/internal/log"
	"github.com/tombee/warden/internal/secrets"
	"github.com/tombee/warden/internal/toolserver"
	"github.com/tombee/warden/internal/tracing"
)

// Runtime wires the supervision stack for one command invocation:
// config, logger, provisioner, supervisor, history store, forwarder.
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Provisioner *toolserver.Provisioner
	Supervisor  *toolserver.Supervisor
	History     *history.Store
	Forwarder   *client.Forwarder
}

// RuntimeOption customizes runtime assembly.
type RuntimeOption func(*runtimeSettings)

type runtimeSettings struct {
	tracer  trace.Tracer
	metrics *tracing.Metrics
}

// WithTracer wraps forwarded invocations in spans.
func WithTracer(tracer trace.Tracer) RuntimeOption {
	return func(s *runtimeSettings) {
		s.tracer = tracer
	}
}

// WithMetrics counts supervisor ensure cycles and state transitions.
func WithMetrics(metrics *tracing.Metrics) RuntimeOption {
	return func(s *runtimeSettings) {
		s.metrics = metrics
	}
}

// NewRuntime loads configuration (honoring the global --config flag),
// resolves secret references, and assembles the supervision stack.
func NewRuntime(ctx context.Context, opts ...RuntimeOption) (*Runtime, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, err
	}
	return NewRuntimeFromConfig(ctx, cfg, opts...)
}

// NewRuntimeFromConfig assembles the stack around an already-loaded config.
func NewRuntimeFromConfig(ctx context.Context, cfg *config.Config, opts ...RuntimeOption) (*Runtime, error) {
	var settings runtimeSettings
	for _, opt := range opts {
		opt(&settings)
	}
	logger := newLogger(cfg)

	resolver, err := secrets.NewDefaultResolver("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret backends: %w", err)
	}

	warnings, err := config.ResolveSecrets(ctx, cfg, resolver)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	var readiness *toolserver.ReadinessCheck
	if cfg.Server.Readiness != "" {
		readiness, err = toolserver.CompileReadiness(cfg.Server.Readiness)
		if err != nil {
			return nil, NewUsageError("invalid readiness expression", err)
		}
	}

	provisioner := toolserver.NewProvisioner(toolserver.ProvisionerOptions{
		Source:        cfg.Server.Source,
		Revision:      cfg.Server.Revision,
		CheckoutDir:   cfg.ResolvedCheckoutDir(),
		BuildCommand:  cfg.Server.BuildCommand,
		BinaryPath:    cfg.ResolvedBinaryPath(),
		LockfilePath:  cfg.ArtifactLockPath(),
		BuildLockPath: cfg.ResolvedBuildLockPath(),
		Logger:        logger,
	})

	supervisor := toolserver.NewSupervisor(toolserver.SupervisorOptions{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		HealthPath:     cfg.Server.HealthPath,
		StartupTimeout: cfg.Server.StartupTimeout,
		HealthCheckTTL: cfg.Server.HealthCheckTTL,
		ServerArgs:     cfg.Server.Args,
		ServerEnv:      cfg.Server.Env,
		LogPath:        cfg.ServerLogPath(),
		EventLogPath:   cfg.EventLogPath(),
		PIDFilePath:    cfg.PIDFilePath(),
		Readiness:      readiness,
		Metrics:        settings.metrics,
		Logger:         logger,
	}, provisioner)

	var store *history.Store
	if cfg.HistoryEnabled() {
		store, err = history.NewStore(history.Config{
			Path:       cfg.HistoryPath(),
			MaxEntries: cfg.History.MaxEntries,
		})
		if err != nil {
			// History is best-effort; a broken store must not block calls.
			logger.Warn("invocation history disabled", "error", err)
			store = nil
		}
	}

	var clientOpts []client.Option
	if cfg.Server.APIKey != "" {
		if cfg.Server.AuthHeader != "" {
			clientOpts = append(clientOpts, client.WithAuthHeader(cfg.Server.AuthHeader, cfg.Server.APIKey))
		} else {
			clientOpts = append(clientOpts, client.WithAPIKey(cfg.Server.APIKey))
		}
	}

	fwdOpts := client.ForwarderOptions{
		RequestTimeout: cfg.Server.RequestTimeout,
		ClientOptions:  clientOpts,
		Tracer:         settings.tracer,
		Logger:         logger,
	}
	if store != nil {
		fwdOpts.Recorder = store
	}

	forwarder := client.NewForwarder(supervisor, fwdOpts)

	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		Provisioner: provisioner,
		Supervisor:  supervisor,
		History:     store,
		Forwarder:   forwarder,
	}, nil
}

// Close releases runtime resources.
func (r *Runtime) Close() {
	if r.History != nil {
		r.History.Close()
	}
}

// newLogger builds the command logger from config and global flags.
// Commands log to stderr; stdout is reserved for command output.
func newLogger(cfg *config.Config) *slog.Logger {
	logCfg := log.FromEnv()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = log.Format(cfg.Log.Format)
	logCfg.AddSource = cfg.Log.AddSource

	switch {
	case GetVerbose():
		logCfg.Level = "debug"
	case GetQuiet():
		logCfg.Level = "error"
	}

	return log.New(logCfg)
}

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

package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/warden/internal/lifecycle"
	"github.com/tombee/warden/internal/tracing"
)

const (
	// DefaultStartupTimeout bounds spawn plus health polling.
	DefaultStartupTimeout = 30 * time.Second

	// DefaultHealthCheckTTL is how long a successful probe stays fresh.
	DefaultHealthCheckTTL = 5 * time.Second

	// DefaultHealthPath is probed on the backing server.
	DefaultHealthPath = "/"

	// defaultProbeTimeout bounds a single inline health probe. Port
	// conflict detection must fail fast, so this is deliberately short.
	defaultProbeTimeout = 2 * time.Second

	// shutdownTimeout is how long a child gets to exit after SIGTERM.
	shutdownTimeout = 10 * time.Second
)

// Builder produces a usable build artifact. Satisfied by *Provisioner.
type Builder interface {
	EnsureBuilt(ctx context.Context) (*BuildArtifact, error)
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	// Host and Port identify the backing server endpoint.
	Host string
	Port int

	// HealthPath is the path probed for liveness. Defaults to "/".
	HealthPath string

	// StartupTimeout bounds one provision-spawn-poll cycle.
	StartupTimeout time.Duration

	// HealthCheckTTL is how long a successful probe stays fresh before a
	// forward re-validates the endpoint.
	HealthCheckTTL time.Duration

	// ServerArgs and ServerEnv are passed to the spawned binary.
	ServerArgs []string
	ServerEnv  []string

	// LogPath receives the child's stdout and stderr.
	LogPath string

	// EventLogPath receives lifecycle audit events (JSON lines).
	EventLogPath string

	// PIDFilePath records the spawned child's PID for status and down.
	PIDFilePath string

	// Readiness optionally gates 2xx probes on a body expression.
	Readiness *ReadinessCheck

	// Metrics optionally counts ensure cycles and state transitions.
	// A nil collector no-ops.
	Metrics *tracing.Metrics

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Supervisor owns the backing server's lifecycle: it probes, provisions,
// spawns, and health-polls so that callers only ever ask for a running
// endpoint. There is no background poller; all work happens inline on
// EnsureRunning.
type Supervisor struct {
	opts     SupervisorOptions
	registry *Registry
	builder  Builder
	checker  *lifecycle.HealthChecker
	spawner  *lifecycle.Spawner
	pidfile  *lifecycle.PIDFileManager
	events   *lifecycle.LifecycleLogger
	logger   *slog.Logger

	// group coalesces concurrent EnsureRunning calls so at most one
	// provision/spawn cycle is in flight.
	group singleflight.Group
}

// NewSupervisor creates a supervisor around the given builder.
func NewSupervisor(opts SupervisorOptions, builder Builder) *Supervisor {
	if opts.HealthPath == "" {
		opts.HealthPath = DefaultHealthPath
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.HealthCheckTTL == 0 {
		opts.HealthCheckTTL = DefaultHealthCheckTTL
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(opts.Host, opts.Port)

	checker := lifecycle.NewHealthChecker(registry.Snapshot().Endpoint() + opts.HealthPath)
	if opts.Readiness != nil {
		checker = checker.WithValidator(opts.Readiness.Validator())
	}

	spawner := lifecycle.NewSpawner()
	if len(opts.ServerEnv) > 0 {
		spawner = spawner.WithEnv(append(os.Environ(), opts.ServerEnv...))
	}

	return &Supervisor{
		opts:     opts,
		registry: registry,
		builder:  builder,
		checker:  checker,
		spawner:  spawner,
		pidfile:  lifecycle.NewPIDFileManager(opts.PIDFilePath),
		events:   lifecycle.NewLifecycleLogger(opts.EventLogPath),
		logger:   logger.With("component", "supervisor"),
	}
}

// Registry exposes the endpoint registry for read-only inspection.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// EnsureRunning returns a running endpoint, performing whatever subset of
// provision, spawn, and health-poll is needed. Concurrent calls coalesce
// into one in-flight transition; a caller that cancels abandons only its
// wait — the transition itself runs on a detached context bounded by the
// startup timeout.
func (s *Supervisor) EnsureRunning(ctx context.Context) (EndpointRecord, error) {
	rec := s.registry.Snapshot()
	if rec.State == StateRunning && rec.Fresh(s.opts.HealthCheckTTL, time.Now()) {
		return rec, nil
	}

	ch := s.group.DoChan("ensure", func() (interface{}, error) {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StartupTimeout)
		defer cancel()
		return s.ensure(tctx)
	})

	select {
	case res := <-ch:
		rec, ok := res.Val.(EndpointRecord)
		if !ok {
			rec = s.registry.Snapshot()
		}
		if res.Err != nil {
			s.opts.Metrics.RecordEnsure(ctx, "failure")
		} else {
			s.opts.Metrics.RecordEnsure(ctx, "success")
		}
		return rec, res.Err
	case <-ctx.Done():
		s.opts.Metrics.RecordEnsure(context.WithoutCancel(ctx), "abandoned")
		return s.registry.Snapshot(), ctx.Err()
	}
}

// ensure drives the state machine for one transition cycle.
func (s *Supervisor) ensure(ctx context.Context) (EndpointRecord, error) {
	rec := s.registry.Snapshot()

	// Re-check freshness: a coalesced predecessor may have finished while
	// this call queued.
	if rec.State == StateRunning && rec.Fresh(s.opts.HealthCheckTTL, time.Now()) {
		return rec, nil
	}

	result := s.probe(ctx)
	if result.Success {
		if rec.State != StateRunning {
			s.events.LogAdopted(rec.Endpoint())
			s.logger.Debug("adopted healthy server", "endpoint", rec.Endpoint())
		}
		return s.markRunning(rec), nil
	}

	refused := isConnectionRefused(result.Error)
	ownChild := rec.PID > 0 && lifecycle.IsProcessRunning(rec.PID)

	if !refused && !ownChild {
		// Something else holds the port and does not answer our probes.
		// Fail fast: this is never retried.
		serr := ErrPortConflict(rec.Endpoint())
		return s.markFailed(rec, serr), serr
	}

	if ownChild {
		// Our child is alive but unhealthy: one restart cycle.
		rec = s.markDegraded(rec, result)
		if err := s.stopChild(rec.PID, true); err != nil {
			s.logger.Warn("failed to stop degraded server", "pid", rec.PID, "error", err)
		}
		rec.PID = 0
		s.registry.Replace(rec)
	}

	return s.start(ctx, rec)
}

// start provisions if needed, spawns the binary, and polls until healthy.
func (s *Supervisor) start(ctx context.Context, rec EndpointRecord) (EndpointRecord, error) {
	if rec.State.NeedsProvisioning() {
		rec = s.setState(rec, StateProvisioning)
	}

	artifact, err := s.builder.EnsureBuilt(ctx)
	if err != nil {
		return s.markFailed(rec, err), err
	}

	rec = s.setState(rec, StateBuilt)

	pid, err := s.spawner.SpawnDetached(artifact.BinaryPath, s.opts.ServerArgs, s.opts.LogPath)
	if err != nil {
		serr := ErrStartFailed(artifact.BinaryPath, err)
		s.events.LogStartFailure(serr)
		return s.markFailed(rec, serr), serr
	}

	s.events.LogSpawn(pid, artifact.BinaryPath)
	s.writePIDFile(pid, artifact.BinaryPath)

	rec.PID = pid
	rec = s.setState(rec, StateStarting)

	started := time.Now()
	attempts := 0
	err = s.checker.WaitUntilHealthyWithCallback(ctx, func(result *lifecycle.HealthCheckResult, attempt int) {
		attempts = attempt
		if !result.Success {
			s.logger.Debug("waiting for server",
				"attempt", attempt,
				"error", result.Error,
			)
		}
	})
	if err != nil {
		// No orphans: the child we spawned dies with the failed startup.
		if stopErr := s.stopChild(pid, true); stopErr != nil {
			s.logger.Warn("failed to terminate unhealthy server", "pid", pid, "error", stopErr)
		}
		s.removePIDFile()

		serr := ErrStartTimeout(rec.Endpoint(), s.opts.StartupTimeout).WithCause(err)
		s.events.LogStartFailure(serr)
		rec.PID = 0
		return s.markFailed(rec, serr), serr
	}

	s.events.LogStartSuccess(pid, attempts, time.Since(started))
	s.logger.Info("server started",
		"pid", pid,
		"endpoint", rec.Endpoint(),
		"duration", time.Since(started).String(),
	)

	return s.markRunning(rec), nil
}

// Probe performs a single health probe and updates the record without
// provisioning or spawning anything. Used by status reporting.
func (s *Supervisor) Probe(ctx context.Context) EndpointRecord {
	rec := s.registry.Snapshot()

	result := s.probe(ctx)
	if result.Success {
		return s.markRunning(rec)
	}

	if rec.State == StateRunning || rec.State == StateDegraded {
		rec = s.markDegraded(rec, result)
	}
	return rec
}

// Stop gracefully stops a child the supervisor spawned: SIGTERM, wait,
// then SIGKILL. Returns ErrServerNotRunning when there is nothing to stop.
func (s *Supervisor) Stop(ctx context.Context) error {
	rec := s.registry.Snapshot()

	pid := rec.PID
	if pid == 0 {
		// A previous run may have left a pidfile behind.
		if p, err := s.pidfile.Read(); err == nil {
			pid = p
		}
	}

	if pid == 0 || !lifecycle.IsProcessRunning(pid) {
		s.removePIDFile()
		return ErrServerNotRunning()
	}

	s.events.LogStop(pid, false)
	start := time.Now()

	if err := s.stopChild(pid, true); err != nil {
		s.events.LogStopFailure(pid, err)
		return WrapServerError(err, ErrorCodeNotRunning, "Failed to stop server")
	}

	s.events.LogStopSuccess(pid, time.Since(start))
	s.removePIDFile()

	rec.PID = 0
	rec.LastError = ""
	rec = s.setState(rec, StateStopped)

	s.logger.Info("server stopped", "pid", pid)
	return nil
}

// probe runs one short health check.
func (s *Supervisor) probe(ctx context.Context) *lifecycle.HealthCheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()
	return s.checker.Check(probeCtx)
}

// setState replaces the record with the new state and counts the
// transition. Refreshes to the same state are not transitions.
func (s *Supervisor) setState(rec EndpointRecord, state ServerState) EndpointRecord {
	prev := rec.State
	rec.State = state
	s.registry.Replace(rec)
	if prev != state {
		s.opts.Metrics.RecordStateTransition(context.Background(), string(state))
	}
	return rec
}

func (s *Supervisor) markRunning(rec EndpointRecord) EndpointRecord {
	rec.LastHealthCheckAt = time.Now()
	rec.LastError = ""
	return s.setState(rec, StateRunning)
}

func (s *Supervisor) markDegraded(rec EndpointRecord, result *lifecycle.HealthCheckResult) EndpointRecord {
	if result.Error != nil {
		rec.LastError = result.Error.Error()
	} else {
		rec.LastError = fmt.Sprintf("health probe returned status %d", result.StatusCode)
	}
	rec = s.setState(rec, StateDegraded)
	s.events.LogHealthCheckFailed(rec.Endpoint(), 1, result.ResponseTime, result.Error)
	return rec
}

func (s *Supervisor) markFailed(rec EndpointRecord, err error) EndpointRecord {
	if serr := GetServerError(err); serr != nil {
		rec.LastError = serr.UserMessage()
	} else {
		rec.LastError = err.Error()
	}
	return s.setState(rec, StateFailed)
}

// stopChild terminates a spawned child process.
func (s *Supervisor) stopChild(pid int, force bool) error {
	err := lifecycle.GracefulShutdown(pid, shutdownTimeout, force)
	if err != nil && errors.Is(err, lifecycle.ErrProcessNotRunning) {
		return nil
	}
	return err
}

// writePIDFile records the spawned child's PID, clearing any stale file first.
func (s *Supervisor) writePIDFile(pid int, binary string) {
	if s.pidfile.Exists() {
		if old, err := s.pidfile.Read(); err == nil && !lifecycle.MatchesCommand(old, filepath.Base(binary)) {
			s.events.LogStalePID(old, "process no longer matches server binary")
		}
		s.pidfile.Remove()
	}

	if err := s.pidfile.Create(pid); err != nil {
		s.logger.Warn("failed to write pidfile", "pid", pid, "error", err)
	}
}

func (s *Supervisor) removePIDFile() {
	if err := s.pidfile.Remove(); err != nil {
		s.logger.Warn("failed to remove pidfile", "error", err)
	}
}

// isConnectionRefused reports whether a probe error means nothing is
// listening on the port, as opposed to a listener that will not answer.
func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

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
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tombee/warden/internal/lifecycle"
	"github.com/tombee/warden/internal/tracing"
)

// failingBuilder fails the test if the supervisor tries to provision.
type failingBuilder struct {
	t *testing.T
}

func (b *failingBuilder) EnsureBuilt(ctx context.Context) (*BuildArtifact, error) {
	b.t.Error("EnsureBuilt called unexpectedly")
	return nil, fmt.Errorf("unexpected build")
}

// stubBuilder returns a fixed artifact or error.
type stubBuilder struct {
	artifact *BuildArtifact
	err      error
	calls    atomic.Int32
}

func (b *stubBuilder) EnsureBuilt(ctx context.Context) (*BuildArtifact, error) {
	b.calls.Add(1)
	return b.artifact, b.err
}

// hostPort splits an httptest server URL into host and port.
func hostPort(t *testing.T, url string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(url, "http://"))
	if err != nil {
		t.Fatalf("failed to parse URL %s: %v", url, err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// freePort reserves and releases a port for a server started later.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func testOptions(t *testing.T, host string, port int) SupervisorOptions {
	t.Helper()
	tmpDir := t.TempDir()
	return SupervisorOptions{
		Host:           host,
		Port:           port,
		StartupTimeout: 5 * time.Second,
		LogPath:        filepath.Join(tmpDir, "server.log"),
		EventLogPath:   filepath.Join(tmpDir, "events.log"),
		PIDFilePath:    filepath.Join(tmpDir, "server.pid"),
	}
}

// writeServerScript writes a fake server binary.
func writeServerScript(t *testing.T, content string) *BuildArtifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server")
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return &BuildArtifact{
		Fingerprint: "test",
		Source:      "https://example.com/server.git",
		BinaryPath:  path,
	}
}

func TestSupervisor_EnsureRunning_AdoptsHealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	host, port := hostPort(t, ts.URL)
	s := NewSupervisor(testOptions(t, host, port), &failingBuilder{t: t})

	rec, err := s.EnsureRunning(context.Background())
	if err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	if rec.State != StateRunning {
		t.Errorf("State = %s, want %s", rec.State, StateRunning)
	}
	if rec.PID != 0 {
		t.Errorf("PID = %d, want 0 for adopted server", rec.PID)
	}
	if rec.LastHealthCheckAt.IsZero() {
		t.Error("LastHealthCheckAt not set")
	}
}

func TestSupervisor_EnsureRunning_FreshnessTTL(t *testing.T) {
	var probes atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	host, port := hostPort(t, ts.URL)

	t.Run("fresh record skips probe", func(t *testing.T) {
		opts := testOptions(t, host, port)
		opts.HealthCheckTTL = time.Minute
		s := NewSupervisor(opts, &failingBuilder{t: t})

		if _, err := s.EnsureRunning(context.Background()); err != nil {
			t.Fatalf("first EnsureRunning() error = %v", err)
		}
		count := probes.Load()

		if _, err := s.EnsureRunning(context.Background()); err != nil {
			t.Fatalf("second EnsureRunning() error = %v", err)
		}
		if probes.Load() != count {
			t.Errorf("fresh record re-probed: %d -> %d", count, probes.Load())
		}
	})

	t.Run("stale record re-probes", func(t *testing.T) {
		opts := testOptions(t, host, port)
		opts.HealthCheckTTL = 10 * time.Millisecond
		s := NewSupervisor(opts, &failingBuilder{t: t})

		if _, err := s.EnsureRunning(context.Background()); err != nil {
			t.Fatalf("first EnsureRunning() error = %v", err)
		}
		count := probes.Load()

		time.Sleep(20 * time.Millisecond)

		if _, err := s.EnsureRunning(context.Background()); err != nil {
			t.Fatalf("second EnsureRunning() error = %v", err)
		}
		if probes.Load() == count {
			t.Error("stale record was not re-probed")
		}
	})
}

func TestSupervisor_EnsureRunning_PortConflict(t *testing.T) {
	// A listener that answers but never healthily is a foreign occupant.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	host, port := hostPort(t, ts.URL)
	builder := &stubBuilder{}
	s := NewSupervisor(testOptions(t, host, port), builder)

	rec, err := s.EnsureRunning(context.Background())
	if err == nil {
		t.Fatal("EnsureRunning() succeeded, want port conflict")
	}

	serr := GetServerError(err)
	if serr == nil || serr.Code != ErrorCodePortConflict {
		t.Errorf("error = %v, want PORT_CONFLICT ServerError", err)
	}
	if rec.State != StateFailed {
		t.Errorf("State = %s, want %s", rec.State, StateFailed)
	}
	if rec.LastError == "" {
		t.Error("LastError is empty after failure")
	}
	if builder.calls.Load() != 0 {
		t.Error("builder was called for a port conflict")
	}
}

func TestSupervisor_EnsureRunning_ReadinessExpression(t *testing.T) {
	status := atomic.Value{}
	status.Store("starting")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":%q}`, status.Load())
	}))
	defer ts.Close()

	host, port := hostPort(t, ts.URL)

	check, err := CompileReadiness(`status == "ok"`)
	if err != nil {
		t.Fatalf("CompileReadiness() error = %v", err)
	}

	opts := testOptions(t, host, port)
	opts.Readiness = check

	t.Run("rejecting body is not ready", func(t *testing.T) {
		s := NewSupervisor(opts, &stubBuilder{})
		if _, err := s.EnsureRunning(context.Background()); err == nil {
			t.Error("EnsureRunning() succeeded with rejecting readiness body")
		}
	})

	t.Run("accepting body is ready", func(t *testing.T) {
		status.Store("ok")
		s := NewSupervisor(opts, &failingBuilder{t: t})
		rec, err := s.EnsureRunning(context.Background())
		if err != nil {
			t.Fatalf("EnsureRunning() error = %v", err)
		}
		if rec.State != StateRunning {
			t.Errorf("State = %s, want %s", rec.State, StateRunning)
		}
	})
}

func TestSupervisor_EnsureRunning_ProvisionFailure(t *testing.T) {
	port := freePort(t)
	builder := &stubBuilder{err: ErrBuildFailed("make build", fmt.Errorf("compile error"))}
	s := NewSupervisor(testOptions(t, "127.0.0.1", port), builder)

	rec, err := s.EnsureRunning(context.Background())
	if err == nil {
		t.Fatal("EnsureRunning() succeeded, want provision failure")
	}

	serr := GetServerError(err)
	if serr == nil || serr.Code != ErrorCodeProvisionBuild {
		t.Errorf("error = %v, want PROVISION_BUILD ServerError", err)
	}
	if rec.State != StateFailed {
		t.Errorf("State = %s, want %s", rec.State, StateFailed)
	}
	if rec.LastError == "" {
		t.Error("LastError is empty after provisioning failure")
	}
	if builder.calls.Load() != 1 {
		t.Errorf("builder calls = %d, want 1", builder.calls.Load())
	}
}

func TestSupervisor_EnsureRunning_SpawnsAndPolls(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("Skipping spawn tests (SKIP_SPAWN_TESTS is set)")
	}

	port := freePort(t)
	artifact := writeServerScript(t, "#!/bin/sh\nsleep 30\n")
	builder := &stubBuilder{artifact: artifact}

	opts := testOptions(t, "127.0.0.1", port)
	s := NewSupervisor(opts, builder)

	// The fake binary never listens; a test server takes over the port
	// shortly after spawn, standing in for the server finishing startup.
	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port)}
	defer srv.Close()
	go func() {
		time.Sleep(300 * time.Millisecond)
		srv.ListenAndServe()
	}()

	rec, err := s.EnsureRunning(context.Background())
	if err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	if rec.State != StateRunning {
		t.Errorf("State = %s, want %s", rec.State, StateRunning)
	}
	if rec.PID == 0 {
		t.Error("PID = 0, want spawned child PID")
	}
	if !lifecycle.IsProcessRunning(rec.PID) {
		t.Error("spawned child is not running")
	}

	// Pidfile recorded for status/down.
	mgr := lifecycle.NewPIDFileManager(opts.PIDFilePath)
	if pid, err := mgr.Read(); err != nil || pid != rec.PID {
		t.Errorf("pidfile pid = %d (err %v), want %d", pid, err, rec.PID)
	}

	// Stop terminates the child and clears the record.
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if lifecycle.IsProcessRunning(rec.PID) {
		t.Error("child still running after Stop()")
	}
	if got := s.Registry().Snapshot(); got.State != StateStopped || got.PID != 0 {
		t.Errorf("after Stop(): %+v", got)
	}
	if mgr.Exists() {
		t.Error("pidfile still exists after Stop()")
	}
}

func TestSupervisor_EnsureRunning_StartTimeout(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("Skipping spawn tests (SKIP_SPAWN_TESTS is set)")
	}

	port := freePort(t)
	artifact := writeServerScript(t, "#!/bin/sh\nsleep 30\n")
	builder := &stubBuilder{artifact: artifact}

	opts := testOptions(t, "127.0.0.1", port)
	opts.StartupTimeout = 700 * time.Millisecond
	s := NewSupervisor(opts, builder)

	rec, err := s.EnsureRunning(context.Background())
	if err == nil {
		t.Fatal("EnsureRunning() succeeded, want start timeout")
	}

	serr := GetServerError(err)
	if serr == nil || serr.Code != ErrorCodeStartTimeout {
		t.Errorf("error = %v, want START_TIMEOUT ServerError", err)
	}
	if rec.State != StateFailed {
		t.Errorf("State = %s, want %s", rec.State, StateFailed)
	}

	// No orphans: the spawned child must be gone.
	if rec.PID != 0 {
		t.Errorf("PID = %d, want 0 after timeout cleanup", rec.PID)
	}
}

func TestSupervisor_Stop_NotRunning(t *testing.T) {
	port := freePort(t)
	s := NewSupervisor(testOptions(t, "127.0.0.1", port), &stubBuilder{})

	err := s.Stop(context.Background())
	serr := GetServerError(err)
	if serr == nil || serr.Code != ErrorCodeNotRunning {
		t.Errorf("Stop() error = %v, want NOT_RUNNING ServerError", err)
	}
}

func TestSupervisor_Probe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	host, port := hostPort(t, ts.URL)
	s := NewSupervisor(testOptions(t, host, port), &failingBuilder{t: t})

	rec := s.Probe(context.Background())
	if rec.State != StateRunning {
		t.Errorf("State = %s, want %s", rec.State, StateRunning)
	}

	// Server goes away: a probe from running degrades the record but
	// does not restart anything.
	ts.Close()
	rec = s.Probe(context.Background())
	if rec.State != StateDegraded {
		t.Errorf("State = %s, want %s", rec.State, StateDegraded)
	}
	if rec.LastError == "" {
		t.Error("LastError is empty after failed probe")
	}
}

func TestSupervisor_EnsureRunning_Coalesces(t *testing.T) {
	var probes atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	host, port := hostPort(t, ts.URL)
	opts := testOptions(t, host, port)
	opts.HealthCheckTTL = time.Minute
	s := NewSupervisor(opts, &failingBuilder{t: t})

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := s.EnsureRunning(context.Background())
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("EnsureRunning() error = %v", err)
		}
	}

	// All four callers coalesce onto at most a couple of probes (one
	// in-flight transition, possibly one from a late arrival).
	if probes.Load() > 2 {
		t.Errorf("probes = %d, want coalesced (<= 2)", probes.Load())
	}
}

func TestSupervisor_RecordsMetrics(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	reader := sdkmetric.NewManualReader()
	metrics, err := tracing.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	host, port := hostPort(t, ts.URL)
	opts := testOptions(t, host, port)
	opts.Metrics = metrics
	s := NewSupervisor(opts, &failingBuilder{t: t})

	if _, err := s.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}

	if !names["warden_ensure_running_total"] {
		t.Error("ensure cycle was not counted")
	}
	if !names["warden_server_state_transitions_total"] {
		t.Error("transition to running was not counted")
	}
}

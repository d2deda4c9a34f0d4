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
	"fmt"
	"sync"
	"time"
)

// ServerState represents the lifecycle state of the backing server.
type ServerState string

const (
	// StateUnprovisioned means no build artifact exists yet.
	StateUnprovisioned ServerState = "unprovisioned"
	// StateProvisioning means a fetch+build is in progress.
	StateProvisioning ServerState = "provisioning"
	// StateBuilt means a build artifact exists but no process has been started.
	StateBuilt ServerState = "built"
	// StateStarting means the server process was spawned and is being health-polled.
	StateStarting ServerState = "starting"
	// StateRunning means the server answered a health probe within the freshness TTL.
	StateRunning ServerState = "running"
	// StateDegraded means a previously running server failed a probe and is
	// eligible for one restart cycle.
	StateDegraded ServerState = "degraded"
	// StateFailed means provisioning or startup failed; LastError carries the cause.
	StateFailed ServerState = "failed"
	// StateStopped means the server was stopped deliberately.
	StateStopped ServerState = "stopped"
)

// String returns the state name.
func (s ServerState) String() string {
	return string(s)
}

// NeedsProvisioning reports whether reaching Running from this state requires
// a fetch+build first.
func (s ServerState) NeedsProvisioning() bool {
	return s == StateUnprovisioned || s == StateFailed
}

// EndpointRecord describes the backing server endpoint as last observed.
// It is never persisted: every process re-derives it by probing.
type EndpointRecord struct {
	// State is the current lifecycle state.
	State ServerState

	// Host and Port identify the endpoint.
	Host string
	Port int

	// PID is the spawned child's process ID, or 0 when the server was
	// started externally and merely adopted.
	PID int

	// LastHealthCheckAt is the time of the last successful health probe.
	LastHealthCheckAt time.Time

	// LastError is the most recent failure cause. Non-empty whenever
	// State is failed.
	LastError string
}

// Endpoint returns the base URL of the backing server.
func (r EndpointRecord) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// Fresh reports whether the last successful health probe is within the TTL.
func (r EndpointRecord) Fresh(ttl time.Duration, now time.Time) bool {
	if r.LastHealthCheckAt.IsZero() {
		return false
	}
	return now.Sub(r.LastHealthCheckAt) < ttl
}

// Registry holds the single endpoint record behind a read-write lock.
// The record is replaced wholesale so readers never observe a partial
// mutation.
type Registry struct {
	mu  sync.RWMutex
	rec EndpointRecord
}

// NewRegistry creates a registry seeded with an unprovisioned record for
// the given endpoint.
func NewRegistry(host string, port int) *Registry {
	return &Registry{
		rec: EndpointRecord{
			State: StateUnprovisioned,
			Host:  host,
			Port:  port,
		},
	}
}

// Snapshot returns a copy of the current record.
func (r *Registry) Snapshot() EndpointRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec
}

// Replace swaps the whole record atomically.
func (r *Registry) Replace(rec EndpointRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec = rec
}

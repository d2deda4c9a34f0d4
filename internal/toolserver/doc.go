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

// Package toolserver supervises the backing HTTP tool server: fetching and
// building its source, spawning the binary detached, and health-polling it
// until it answers.
//
// The Supervisor owns a single EndpointRecord tracking the server's
// lifecycle state (unprovisioned through running, degraded, failed, or
// stopped). Nothing is persisted: each process re-derives state by probing
// the endpoint, adopting an already-healthy server without touching it.
// Callers only ever invoke EnsureRunning; the supervisor decides which
// subset of provision, spawn, and poll is needed. Concurrent calls coalesce
// through singleflight so at most one transition runs at a time, and a
// caller that cancels abandons only its own wait.
//
// The Provisioner clones (or fetches) the configured git source, runs the
// build command, verifies the binary, and records the result in a yaml
// artifact lockfile keyed by fingerprint so later runs skip the build.
// Fetch+build is serialized across processes with an on-disk flock.
//
// The Watcher drives dev mode: it registers the checkout with fsnotify,
// filters events through doublestar include/exclude patterns, and invokes a
// debounced rebuild callback.
package toolserver

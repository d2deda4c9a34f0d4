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

/*
Package lifecycle manages backing-server process lifecycle operations.

This package provides secure PID file management, cross-process file locking,
process spawning/validation, health checking, and lifecycle event logging for
the tool server that warden supervises.

# PID File Management

PID files are security-sensitive as they control which process receives shutdown
signals. The package uses exclusive file locking (flock) and atomic creation
(O_EXCL) to prevent race conditions and symlink attacks:

	manager := lifecycle.NewPIDFileManager("/path/to/server.pid")
	if err := manager.Create(1234); err != nil {
	    // Handle error
	}
	defer manager.Remove()

# Process Operations

Process validation ensures signals are sent only to the server binary we
spawned, preventing accidental kills of unrelated processes:

	pid, err := manager.Read()
	if err != nil {
	    // Handle error
	}

	if !lifecycle.MatchesCommand(pid, "mcp-server") {
	    // PID file is stale or the PID was recycled
	}

	if err := lifecycle.SendSignal(pid, syscall.SIGTERM); err != nil {
	    // Handle error
	}

# Health Checking

Health polling uses exponential backoff to wait for server startup:

	checker := lifecycle.NewHealthChecker("http://localhost:8000/")
	if err := checker.WaitUntilHealthy(ctx); err != nil {
	    // Server failed to start
	}

# Process Spawning

Detached process spawning runs the server in the background so it survives
the CLI process:

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached("/path/to/mcp-server", args, logPath)
	if err != nil {
	    // Handle error
	}

# Build Locking

A flock-based file lock serializes fetch+build across concurrent warden
processes:

	lock := lifecycle.NewFileLock(buildLockPath)
	if err := lock.Acquire(ctx); err != nil {
	    // Handle error
	}
	defer lock.Release()
*/
package lifecycle

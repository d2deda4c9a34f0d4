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
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BuildArtifact records a completed build of the backing server.
type BuildArtifact struct {
	// Fingerprint identifies the built source (git revision, or a
	// checksum of the binary for non-git checkouts).
	Fingerprint string `yaml:"fingerprint"`

	// Source is where the server source was fetched from.
	Source string `yaml:"source"`

	// Revision is the checked-out ref, if one was pinned.
	Revision string `yaml:"revision,omitempty"`

	// BinaryPath is the absolute path of the built binary.
	BinaryPath string `yaml:"binary_path"`

	// BuildCommand is the command that produced the binary.
	BuildCommand string `yaml:"build_command"`

	// BuiltAt is when the build completed.
	BuiltAt time.Time `yaml:"built_at"`
}

// ArtifactLock represents the build artifact lockfile.
// Stored at <data dir>/artifact-lock.yaml so completed builds are reusable
// across runs without refetching or rebuilding.
type ArtifactLock struct {
	// Version is the lockfile format version.
	Version int `yaml:"version"`

	// GeneratedAt is when the lockfile was last updated.
	GeneratedAt time.Time `yaml:"generated_at"`

	// Artifact is the most recent completed build, if any.
	Artifact *BuildArtifact `yaml:"artifact,omitempty"`
}

const (
	// ArtifactLockVersion is the current lockfile format version.
	ArtifactLockVersion = 1

	// ArtifactLockName is the default lockfile name.
	ArtifactLockName = "artifact-lock.yaml"
)

// LoadArtifactLock loads an artifact lockfile from the given path.
// A missing file yields an empty lockfile, not an error.
func LoadArtifactLock(path string) (*ArtifactLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ArtifactLock{Version: ArtifactLockVersion}, nil
		}
		return nil, fmt.Errorf("failed to read artifact lockfile: %w", err)
	}

	var lock ArtifactLock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse artifact lockfile: %w", err)
	}

	return &lock, nil
}

// Save writes the artifact lockfile to the given path, stamping the format
// version and generation time.
func (l *ArtifactLock) Save(path string) error {
	l.Version = ArtifactLockVersion
	l.GeneratedAt = time.Now()

	data, err := yaml.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact lockfile: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact lockfile: %w", err)
	}

	return nil
}

// Matches reports whether the locked artifact can satisfy a request for the
// given source and pinned revision, and the binary still exists on disk.
// An empty revision matches any locked revision.
func (l *ArtifactLock) Matches(source, revision string) bool {
	if l.Artifact == nil {
		return false
	}
	if l.Artifact.Source != source {
		return false
	}
	if revision != "" && l.Artifact.Revision != revision {
		return false
	}
	info, err := os.Stat(l.Artifact.BinaryPath)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadArtifactLock_Missing(t *testing.T) {
	lock, err := LoadArtifactLock(filepath.Join(t.TempDir(), "artifact-lock.yaml"))
	if err != nil {
		t.Fatalf("LoadArtifactLock() error = %v", err)
	}
	if lock.Version != ArtifactLockVersion {
		t.Errorf("Version = %d, want %d", lock.Version, ArtifactLockVersion)
	}
	if lock.Artifact != nil {
		t.Errorf("Artifact = %+v, want nil", lock.Artifact)
	}
}

func TestArtifactLock_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "artifact-lock.yaml")

	lock := &ArtifactLock{
		Artifact: &BuildArtifact{
			Fingerprint:  "abc123",
			Source:       "https://example.com/server.git",
			Revision:     "v1.2.0",
			BinaryPath:   "/tmp/server",
			BuildCommand: "make build",
			BuiltAt:      time.Now(),
		},
	}

	if err := lock.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if lock.Version != ArtifactLockVersion {
		t.Errorf("Save() did not stamp version: %d", lock.Version)
	}
	if lock.GeneratedAt.IsZero() {
		t.Error("Save() did not stamp GeneratedAt")
	}

	loaded, err := LoadArtifactLock(path)
	if err != nil {
		t.Fatalf("LoadArtifactLock() error = %v", err)
	}
	if loaded.Artifact == nil {
		t.Fatal("loaded Artifact is nil")
	}
	if loaded.Artifact.Fingerprint != "abc123" {
		t.Errorf("Fingerprint = %q", loaded.Artifact.Fingerprint)
	}
	if loaded.Artifact.Source != "https://example.com/server.git" {
		t.Errorf("Source = %q", loaded.Artifact.Source)
	}
}

func TestLoadArtifactLock_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact-lock.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadArtifactLock(path); err == nil {
		t.Error("LoadArtifactLock() on corrupt file succeeded, want error")
	}
}

func TestArtifactLock_Matches(t *testing.T) {
	tmpDir := t.TempDir()
	binary := filepath.Join(tmpDir, "server")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	lock := &ArtifactLock{
		Artifact: &BuildArtifact{
			Source:     "https://example.com/server.git",
			Revision:   "v1.0.0",
			BinaryPath: binary,
		},
	}

	tests := []struct {
		name     string
		source   string
		revision string
		want     bool
	}{
		{"exact match", "https://example.com/server.git", "v1.0.0", true},
		{"unpinned revision matches", "https://example.com/server.git", "", true},
		{"different source", "https://example.com/other.git", "v1.0.0", false},
		{"different revision", "https://example.com/server.git", "v2.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lock.Matches(tt.source, tt.revision); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.source, tt.revision, got, tt.want)
			}
		})
	}

	t.Run("missing binary", func(t *testing.T) {
		os.Remove(binary)
		if lock.Matches("https://example.com/server.git", "v1.0.0") {
			t.Error("Matches() = true with missing binary")
		}
	})

	t.Run("empty lock", func(t *testing.T) {
		empty := &ArtifactLock{}
		if empty.Matches("https://example.com/server.git", "") {
			t.Error("Matches() = true on empty lock")
		}
	})
}

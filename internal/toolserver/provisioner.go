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
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tombee/warden/internal/lifecycle"
)

// DefaultBuildCommand is used when the configuration does not name one.
const DefaultBuildCommand = "make build"

// buildOutputTail caps how much command output is carried into error details.
const buildOutputTail = 20

// ProvisionerOptions configures a Provisioner.
type ProvisionerOptions struct {
	// Source is the git URL (or local repository path) of the server source.
	Source string

	// Revision is an optional ref to check out. Empty means the default branch.
	Revision string

	// CheckoutDir is where the source is cloned.
	CheckoutDir string

	// BuildCommand is run inside the checkout. Defaults to "make build".
	BuildCommand string

	// BinaryPath is the path of the built binary, relative to the checkout
	// unless absolute.
	BinaryPath string

	// LockfilePath is where the artifact lockfile is kept.
	LockfilePath string

	// BuildLockPath is the cross-process flock guarding fetch+build.
	BuildLockPath string

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// commandRunner executes a command in a directory and returns combined output.
// Replaceable in tests.
type commandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Provisioner fetches and builds the backing server source. Builds are
// idempotent: a locked artifact whose binary is still on disk short-circuits
// the whole fetch+build. At most one build runs at a time, guarded by an
// in-process mutex and an on-disk flock so concurrent processes serialize too.
type Provisioner struct {
	opts   ProvisionerOptions
	logger *slog.Logger

	mu  sync.Mutex
	run commandRunner
}

// NewProvisioner creates a provisioner for the given options.
func NewProvisioner(opts ProvisionerOptions) *Provisioner {
	if opts.BuildCommand == "" {
		opts.BuildCommand = DefaultBuildCommand
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provisioner{
		opts:   opts,
		logger: logger.With("component", "provisioner"),
		run:    runCommand,
	}
}

// EnsureBuilt returns a usable build artifact, fetching and building the
// source if no matching artifact exists. A second caller blocks on the build
// lock, re-checks the lockfile, and returns the first caller's artifact.
// No retries happen at this layer.
func (p *Provisioner) EnsureBuilt(ctx context.Context) (*BuildArtifact, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	// Fast path: a locked artifact with its binary still on disk.
	if artifact, ok := p.lockedArtifact(); ok {
		return artifact, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	buildLock := lifecycle.NewFileLock(p.opts.BuildLockPath)
	if err := buildLock.Acquire(ctx); err != nil {
		return nil, WrapServerError(err, ErrorCodeProvisionBuild, "Failed to acquire build lock")
	}
	defer buildLock.Release()

	// Another process may have completed the build while we waited.
	if artifact, ok := p.lockedArtifact(); ok {
		p.logger.Debug("reusing artifact built by concurrent process",
			"binary", artifact.BinaryPath,
			"fingerprint", artifact.Fingerprint,
		)
		return artifact, nil
	}

	return p.fetchAndBuild(ctx)
}

// Rebuild discards any locked artifact and runs a fresh fetch+build.
func (p *Provisioner) Rebuild(ctx context.Context) (*BuildArtifact, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	buildLock := lifecycle.NewFileLock(p.opts.BuildLockPath)
	if err := buildLock.Acquire(ctx); err != nil {
		return nil, WrapServerError(err, ErrorCodeProvisionBuild, "Failed to acquire build lock")
	}
	defer buildLock.Release()

	return p.fetchAndBuild(ctx)
}

// Artifact returns the locked artifact, or nil when none is usable.
func (p *Provisioner) Artifact() *BuildArtifact {
	artifact, ok := p.lockedArtifact()
	if !ok {
		return nil
	}
	return artifact
}

// CheckoutDir returns the configured checkout directory.
func (p *Provisioner) CheckoutDir() string {
	return p.opts.CheckoutDir
}

func (p *Provisioner) validate() error {
	switch {
	case p.opts.Source == "":
		return ErrInvalidServerConfig("server.source is required")
	case p.opts.CheckoutDir == "":
		return ErrInvalidServerConfig("server.checkout_dir is required")
	case p.opts.BinaryPath == "":
		return ErrInvalidServerConfig("server.binary is required")
	case p.opts.LockfilePath == "":
		return ErrInvalidServerConfig("artifact lockfile path is required")
	case p.opts.BuildLockPath == "":
		return ErrInvalidServerConfig("build lock path is required")
	}
	return nil
}

// lockedArtifact loads the lockfile and returns its artifact when it matches
// the configured source and revision and the binary is still executable.
func (p *Provisioner) lockedArtifact() (*BuildArtifact, bool) {
	lock, err := LoadArtifactLock(p.opts.LockfilePath)
	if err != nil {
		p.logger.Warn("failed to load artifact lockfile", "error", err)
		return nil, false
	}
	if !lock.Matches(p.opts.Source, p.opts.Revision) {
		return nil, false
	}
	return lock.Artifact, true
}

// fetchAndBuild runs the full fetch, build, verify, and lock sequence.
// Callers must hold both the in-process mutex and the build flock.
func (p *Provisioner) fetchAndBuild(ctx context.Context) (*BuildArtifact, error) {
	start := time.Now()

	if err := p.fetch(ctx); err != nil {
		return nil, err
	}

	if err := p.build(ctx); err != nil {
		return nil, err
	}

	binaryPath := p.binaryPath()
	if err := verifyExecutable(binaryPath); err != nil {
		return nil, WrapServerError(err, ErrorCodeProvisionBuild,
			fmt.Sprintf("Build command '%s' did not produce an executable", p.opts.BuildCommand))
	}

	artifact := &BuildArtifact{
		Fingerprint:  p.fingerprint(ctx, binaryPath),
		Source:       p.opts.Source,
		Revision:     p.opts.Revision,
		BinaryPath:   binaryPath,
		BuildCommand: p.opts.BuildCommand,
		BuiltAt:      time.Now(),
	}

	lock := &ArtifactLock{Artifact: artifact}
	if err := lock.Save(p.opts.LockfilePath); err != nil {
		return nil, WrapServerError(err, ErrorCodeProvisionBuild, "Failed to record build artifact")
	}

	p.logger.Info("server built",
		"binary", artifact.BinaryPath,
		"fingerprint", artifact.Fingerprint,
		"duration", time.Since(start).String(),
	)

	return artifact, nil
}

// fetch clones the source on first use, or fetches and checks out the
// configured revision in an existing checkout.
func (p *Provisioner) fetch(ctx context.Context) error {
	gitDir := filepath.Join(p.opts.CheckoutDir, ".git")

	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		p.logger.Info("cloning server source", "source", p.opts.Source, "dir", p.opts.CheckoutDir)

		parent := filepath.Dir(p.opts.CheckoutDir)
		if err := os.MkdirAll(parent, 0755); err != nil {
			return p.classifyFetchError(parent, err, nil)
		}

		out, err := p.run(ctx, parent, "git", "clone", p.opts.Source, p.opts.CheckoutDir)
		if err != nil {
			return p.classifyFetchError(p.opts.CheckoutDir, err, out)
		}
	} else {
		p.logger.Debug("fetching server source", "dir", p.opts.CheckoutDir)

		out, err := p.run(ctx, p.opts.CheckoutDir, "git", "fetch", "origin")
		if err != nil {
			return p.classifyFetchError(p.opts.CheckoutDir, err, out)
		}

		if p.opts.Revision == "" {
			if out, err := p.run(ctx, p.opts.CheckoutDir, "git", "pull", "--ff-only"); err != nil {
				return p.classifyFetchError(p.opts.CheckoutDir, err, out)
			}
		}
	}

	if p.opts.Revision != "" {
		out, err := p.run(ctx, p.opts.CheckoutDir, "git", "checkout", p.opts.Revision)
		if err != nil {
			return p.classifyFetchError(p.opts.CheckoutDir, err, out)
		}
	}

	return nil
}

// build runs the build command through the shell inside the checkout.
func (p *Provisioner) build(ctx context.Context) error {
	p.logger.Info("building server", "command", p.opts.BuildCommand)

	out, err := p.run(ctx, p.opts.CheckoutDir, "sh", "-c", p.opts.BuildCommand)
	if err != nil {
		cause := fmt.Errorf("%w\n%s", err, tailLines(out, buildOutputTail))
		return ErrBuildFailed(p.opts.BuildCommand, cause)
	}

	return nil
}

// binaryPath resolves the configured binary path against the checkout.
func (p *Provisioner) binaryPath() string {
	if filepath.IsAbs(p.opts.BinaryPath) {
		return p.opts.BinaryPath
	}
	return filepath.Join(p.opts.CheckoutDir, p.opts.BinaryPath)
}

// fingerprint returns the checkout's git revision, falling back to a
// checksum of the binary when the revision cannot be read.
func (p *Provisioner) fingerprint(ctx context.Context, binaryPath string) string {
	out, err := p.run(ctx, p.opts.CheckoutDir, "git", "rev-parse", "HEAD")
	if err == nil {
		if rev := strings.TrimSpace(string(out)); rev != "" {
			return rev
		}
	}

	f, err := os.Open(binaryPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}

// classifyFetchError distinguishes permission failures from fetch failures.
func (p *Provisioner) classifyFetchError(path string, err error, output []byte) *ServerError {
	cause := err
	if len(output) > 0 {
		cause = fmt.Errorf("%w\n%s", err, tailLines(output, buildOutputTail))
	}

	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(string(output)), "permission denied") {
		return ErrProvisionPermission(path, cause)
	}
	return ErrFetchFailed(p.opts.Source, cause)
}

// verifyExecutable checks that the path exists and has an execute bit set.
func verifyExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("binary not found at %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a binary", path)
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%s is not executable (mode %04o)", path, info.Mode().Perm())
	}
	return nil
}

// tailLines returns the last n lines of command output, trimmed.
func tailLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

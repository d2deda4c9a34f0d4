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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority is the priority for the environment variable backend.
	EnvBackendPriority = 50

	// envSecretPrefix is the prefix for warden secret environment variables.
	envSecretPrefix = "WARDEN_SECRET_"
)

// EnvBackend provides read-only access to secrets via environment
// variables. A key like "server-api-key" maps to WARDEN_SECRET_SERVER_API_KEY.
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a secret from a WARDEN_SECRET_* environment variable.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(envKeyFor(key)); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envKeyFor(key))
}

// Set returns ErrReadOnlyBackend as the environment backend is read-only.
func (e *EnvBackend) Set(ctx context.Context, key string, value string) error {
	return ErrReadOnlyBackend
}

// Delete returns ErrReadOnlyBackend as the environment backend is read-only.
func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnlyBackend
}

// List returns all WARDEN_SECRET_* environment variables as secret keys.
func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var keys []string
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, envSecretPrefix) {
			continue
		}
		name, value, ok := strings.Cut(env, "=")
		if !ok || value == "" {
			continue
		}
		keys = append(keys, keyForEnv(name))
	}
	return keys, nil
}

// Available returns true as environment variables are always available.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns the backend priority.
func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}

// ReadOnly returns true as the environment backend is read-only.
func (e *EnvBackend) ReadOnly() bool {
	return true
}

// envKeyFor converts a secret key to its environment variable name.
// Example: "server-api-key" -> "WARDEN_SECRET_SERVER_API_KEY"
func envKeyFor(key string) string {
	normalized := strings.ToUpper(strings.NewReplacer("-", "_", "/", "_").Replace(key))
	return envSecretPrefix + normalized
}

// keyForEnv converts an environment variable name back to a secret key.
// The conversion assumes hyphen-separated keys, so underscores map back
// to hyphens. Example: "WARDEN_SECRET_SERVER_API_KEY" -> "server-api-key"
func keyForEnv(envVar string) string {
	key := strings.TrimPrefix(envVar, envSecretPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "_", "-")
}

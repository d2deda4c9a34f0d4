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

package config

import (
	"context"
	"fmt"
	"strings"

	wardenerrors "github.com/tombee/warden/pkg/errors"
)

// SecretRefPrefix marks a config value to be resolved through the
// secrets backends, e.g. api_key: secret://server-api-key.
const SecretRefPrefix = "secret://"

// SecretGetter resolves a secret key to its value. Satisfied by
// *secrets.Resolver.
type SecretGetter interface {
	Get(ctx context.Context, key string) (string, error)
}

// IsSecretRef reports whether a config value is a secret reference.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, SecretRefPrefix)
}

// ResolveSecrets replaces secret:// references in the config with
// values from the secrets backends. It returns warnings for sensitive
// values stored in plaintext.
func ResolveSecrets(ctx context.Context, cfg *Config, getter SecretGetter) ([]string, error) {
	var warnings []string

	switch {
	case cfg.Server.APIKey == "":
	case IsSecretRef(cfg.Server.APIKey):
		key := strings.TrimPrefix(cfg.Server.APIKey, SecretRefPrefix)
		if key == "" {
			return nil, &wardenerrors.ConfigError{
				Key:    "server.api_key",
				Reason: "empty secret reference",
			}
		}
		value, err := getter.Get(ctx, key)
		if err != nil {
			return nil, &wardenerrors.ConfigError{
				Key:    "server.api_key",
				Reason: fmt.Sprintf("failed to resolve secret %q", key),
				Cause:  err,
			}
		}
		cfg.Server.APIKey = value
	default:
		warnings = append(warnings,
			"server.api_key is stored in plaintext; consider `warden secret set` and a secret:// reference")
	}

	return warnings, nil
}

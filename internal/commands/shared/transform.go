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

package shared

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/warden/internal/jq"
)

// ValidateJQ compiles a --jq expression during flag handling so syntax
// errors surface before any request is made.
func ValidateJQ(expression string) error {
	if expression == "" {
		return nil
	}
	if err := jq.NewExecutor(0, 0).Validate(expression); err != nil {
		return NewUsageError("invalid --jq expression", err)
	}
	return nil
}

// TransformJQ applies a jq expression to raw JSON bytes and renders the
// result: strings print bare, everything else as indented JSON.
func TransformJQ(ctx context.Context, expression string, raw []byte) (string, error) {
	result, err := jq.NewExecutor(0, 0).ExecuteRaw(ctx, expression, raw)
	if err != nil {
		return "", NewUsageError("jq transform failed", err)
	}

	if s, ok := result.(string); ok {
		return s, nil
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render jq result: %w", err)
	}
	return string(data), nil
}

// TransformJQValue applies a jq expression to an already-decoded value.
func TransformJQValue(ctx context.Context, expression string, value interface{}) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return TransformJQ(ctx, expression, data)
}

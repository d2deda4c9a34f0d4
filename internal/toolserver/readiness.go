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
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/warden/internal/lifecycle"
)

// ReadinessCheck evaluates an optional boolean expression against the JSON
// body of a 2xx health response. A server only counts as ready when both
// the status code and the expression accept the response.
//
// Example expressions:
//   - status == "ok"
//   - ready
//   - len(tools) > 0
type ReadinessCheck struct {
	expression string
	program    *vm.Program
}

// CompileReadiness compiles a readiness expression. An empty expression is
// invalid; callers should skip the check entirely instead.
func CompileReadiness(expression string) (*ReadinessCheck, error) {
	if expression == "" {
		return nil, fmt.Errorf("readiness expression is empty")
	}

	program, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid readiness expression: %w", err)
	}

	return &ReadinessCheck{
		expression: expression,
		program:    program,
	}, nil
}

// Expression returns the source expression.
func (r *ReadinessCheck) Expression() string {
	return r.expression
}

// Evaluate runs the expression against a health response body. The body must
// be a JSON object; its top-level keys become expression variables.
func (r *ReadinessCheck) Evaluate(body []byte) (bool, error) {
	var env map[string]interface{}
	if err := json.Unmarshal(body, &env); err != nil {
		return false, fmt.Errorf("health response is not a JSON object: %w", err)
	}

	result, err := expr.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("readiness evaluation failed: %w", err)
	}

	ready, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("readiness expression must return boolean, got %T", result)
	}

	return ready, nil
}

// Validator adapts the check to the health checker's validation hook.
// An unparseable body or a failing expression rejects the probe.
func (r *ReadinessCheck) Validator() func(*lifecycle.HealthCheckResult) bool {
	return func(result *lifecycle.HealthCheckResult) bool {
		ready, err := r.Evaluate(result.Body)
		if err != nil {
			return false
		}
		return ready
	}
}

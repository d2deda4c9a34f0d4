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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrHealthCheckTimeout is returned when health checks exceed the timeout.
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrHealthCheckFailed is returned when the health endpoint returns an error.
	ErrHealthCheckFailed = errors.New("health check failed")
)

// maxProbeBody caps how much of the health response body is retained
// for readiness validation.
const maxProbeBody = 64 * 1024

// HealthChecker polls a health endpoint with exponential backoff.
type HealthChecker struct {
	endpoint        string
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	validator       func(*HealthCheckResult) bool
}

// HealthCheckResult contains the result of a health check attempt.
type HealthCheckResult struct {
	Success      bool
	StatusCode   int
	ResponseTime time.Duration
	Body         []byte
	Error        error
}

// NewHealthChecker creates a new health checker for the given endpoint.
// Default backoff: 200ms initial, 2x multiplier, 2s max interval.
func NewHealthChecker(endpoint string) *HealthChecker {
	return &HealthChecker{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		initialInterval: 200 * time.Millisecond,
		maxInterval:     2 * time.Second,
		multiplier:      2.0,
	}
}

// WithBackoff configures custom backoff parameters.
func (h *HealthChecker) WithBackoff(initial, max time.Duration, multiplier float64) *HealthChecker {
	h.initialInterval = initial
	h.maxInterval = max
	h.multiplier = multiplier
	return h
}

// WithHTTPClient sets a custom HTTP client.
func (h *HealthChecker) WithHTTPClient(client *http.Client) *HealthChecker {
	h.client = client
	return h
}

// WithValidator sets an extra readiness predicate evaluated after a 2xx
// response. The server counts as healthy only when the validator accepts
// the result.
func (h *HealthChecker) WithValidator(fn func(*HealthCheckResult) bool) *HealthChecker {
	h.validator = fn
	return h
}

// Check performs a single health check.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return &HealthCheckResult{
			Success: false,
			Error:   fmt.Errorf("failed to create request: %w", err),
		}
	}

	resp, err := h.client.Do(req)
	responseTime := time.Since(start)

	if err != nil {
		return &HealthCheckResult{
			Success:      false,
			ResponseTime: responseTime,
			Error:        fmt.Errorf("request failed: %w", err),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))

	result := &HealthCheckResult{
		Success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:   resp.StatusCode,
		ResponseTime: responseTime,
		Body:         body,
	}

	if result.Success && h.validator != nil && !h.validator(result) {
		result.Success = false
		result.Error = fmt.Errorf("%w: readiness validation rejected response", ErrHealthCheckFailed)
	}

	return result
}

// WaitUntilHealthy polls the health endpoint until it returns success or the
// context is done. Backoff between attempts is exponential, starting at the
// configured initial interval and capped at the max interval.
func (h *HealthChecker) WaitUntilHealthy(ctx context.Context) error {
	return h.WaitUntilHealthyWithCallback(ctx, nil)
}

// WaitUntilHealthyWithCallback is like WaitUntilHealthy but calls a callback for each attempt.
// This is useful for logging progress during startup.
func (h *HealthChecker) WaitUntilHealthyWithCallback(ctx context.Context, callback func(*HealthCheckResult, int)) error {
	interval := h.initialInterval
	attempts := 0

	for {
		attempts++
		result := h.Check(ctx)

		if callback != nil {
			callback(result, attempts)
		}

		if result.Success {
			return nil
		}

		// Wait before next attempt with exponential backoff
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			if result.Error != nil {
				return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckTimeout, attempts, result.Error)
			}
			return fmt.Errorf("%w after %d attempts (last status %d)", ErrHealthCheckTimeout, attempts, result.StatusCode)
		}

		// Increase interval for next attempt
		interval = time.Duration(float64(interval) * h.multiplier)
		if interval > h.maxInterval {
			interval = h.maxInterval
		}
	}
}

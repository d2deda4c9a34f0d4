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

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// NotReadyError means the backing server could not be made ready; the
// invocation was never sent. Wraps the supervisor or provisioning failure.
type NotReadyError struct {
	Cause error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("server not ready: %v", e.Cause)
}

func (e *NotReadyError) Unwrap() error {
	return e.Cause
}

// UnreachableError means the transport failed before a response arrived.
type UnreachableError struct {
	Cause error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("server unreachable: %v", e.Cause)
}

func (e *UnreachableError) Unwrap() error {
	return e.Cause
}

// TimeoutError means the request-level timeout elapsed before a response.
type TimeoutError struct {
	Timeout time.Duration
	Cause   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s: %v", e.Timeout, e.Cause)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// UpstreamError means the server answered with a non-2xx status. The status
// and body are carried verbatim; the caller decides how to present them.
// Upstream errors are never retried.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Body)
}

// classifyTransportError maps a transport failure onto the forward error
// taxonomy. Deadline expiry is a timeout; everything else is unreachable.
func classifyTransportError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Timeout: timeout, Cause: err}
	}
	return &UnreachableError{Cause: err}
}

// isTransportError reports whether the forward error is a transport-level
// failure eligible for the single retry.
func isTransportError(err error) bool {
	var unreachable *UnreachableError
	var timeout *TimeoutError
	return errors.As(err, &unreachable) || errors.As(err, &timeout)
}

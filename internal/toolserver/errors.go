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
	"strings"
	"time"
)

// ErrorCode represents a category of tool-server error.
type ErrorCode string

const (
	// ErrorCodeProvisionFetch indicates the source checkout could not be fetched.
	ErrorCodeProvisionFetch ErrorCode = "PROVISION_FETCH"
	// ErrorCodeProvisionBuild indicates the build command failed.
	ErrorCodeProvisionBuild ErrorCode = "PROVISION_BUILD"
	// ErrorCodeProvisionPermission indicates a filesystem permission problem during provisioning.
	ErrorCodeProvisionPermission ErrorCode = "PROVISION_PERMISSION"
	// ErrorCodePortConflict indicates the configured port is occupied by something
	// that does not answer health probes.
	ErrorCodePortConflict ErrorCode = "PORT_CONFLICT"
	// ErrorCodeStartFailed indicates the server process failed to start.
	ErrorCodeStartFailed ErrorCode = "START_FAILED"
	// ErrorCodeStartTimeout indicates the server never became healthy within the startup timeout.
	ErrorCodeStartTimeout ErrorCode = "START_TIMEOUT"
	// ErrorCodeHealthCheck indicates a running server stopped answering health probes.
	ErrorCodeHealthCheck ErrorCode = "HEALTH_CHECK_FAILED"
	// ErrorCodeNotRunning indicates the server is not running.
	ErrorCodeNotRunning ErrorCode = "NOT_RUNNING"
	// ErrorCodeConfig indicates a configuration error.
	ErrorCodeConfig ErrorCode = "CONFIG"
)

// ServerError is an error type that includes suggestions for resolution.
type ServerError struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	var sb strings.Builder

	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	sb.WriteString("\n")

	if e.Detail != "" {
		sb.WriteString("  → ")
		sb.WriteString(e.Detail)
		sb.WriteString("\n")
	}

	if len(e.Suggestions) > 0 {
		sb.WriteString("\n  Suggestions:\n")
		for _, s := range e.Suggestions {
			sb.WriteString("  - ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Cause
}

// IsUserVisible implements pkg/errors.UserVisibleError.
// Tool-server errors are always user-visible.
func (e *ServerError) IsUserVisible() bool {
	return true
}

// UserMessage implements pkg/errors.UserVisibleError.
// Returns a user-friendly message without technical details.
func (e *ServerError) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Suggestion implements pkg/errors.UserVisibleError.
// Returns actionable guidance for resolving the error.
func (e *ServerError) Suggestion() string {
	if len(e.Suggestions) == 0 {
		return ""
	}
	// Return the first suggestion as a simple string
	// The full list is available in Error() output
	return e.Suggestions[0]
}

// NewServerError creates a new ServerError.
func NewServerError(code ErrorCode, message string) *ServerError {
	return &ServerError{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *ServerError) WithDetail(detail string) *ServerError {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *ServerError) WithSuggestions(suggestions ...string) *ServerError {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *ServerError) WithCause(cause error) *ServerError {
	e.Cause = cause
	return e
}

// ErrFetchFailed creates an error for when the source checkout cannot be fetched.
func ErrFetchFailed(source string, cause error) *ServerError {
	return NewServerError(ErrorCodeProvisionFetch, fmt.Sprintf("Failed to fetch server source from '%s'", source)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			"Verify network connectivity and repository access",
			"Check the source URL in config.yaml (server.source)",
			"Retry the fetch: warden provision",
		)
}

// ErrBuildFailed creates an error for when the build command fails.
func ErrBuildFailed(command string, cause error) *ServerError {
	return NewServerError(ErrorCodeProvisionBuild, fmt.Sprintf("Build command '%s' failed", command)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			"Inspect the build output above for compiler errors",
			"Verify build prerequisites are installed",
			"Rebuild from scratch: warden provision --force",
		)
}

// ErrProvisionPermission creates an error for a filesystem permission failure
// during provisioning.
func ErrProvisionPermission(path string, cause error) *ServerError {
	return NewServerError(ErrorCodeProvisionPermission, fmt.Sprintf("Permission denied writing to '%s'", path)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			fmt.Sprintf("Check ownership and permissions of %s", path),
			"Point the checkout at a writable directory (server.checkout_dir)",
		)
}

// ErrPortConflict creates an error for when the configured port is occupied
// by a process that does not answer health probes.
func ErrPortConflict(endpoint string) *ServerError {
	return NewServerError(ErrorCodePortConflict, fmt.Sprintf("Port conflict at %s", endpoint)).
		WithDetail("A listener accepted the connection but did not answer the health probe").
		WithSuggestions(
			"Check what is listening on the port: lsof -i",
			"Change the port in config.yaml (server.port) or WARDEN_PORT",
			"Stop the foreign process and retry: warden up",
		)
}

// ErrStartFailed creates an error for when the server process fails to start.
func ErrStartFailed(binary string, cause error) *ServerError {
	return NewServerError(ErrorCodeStartFailed, fmt.Sprintf("Failed to start server binary '%s'", binary)).
		WithDetail(cause.Error()).
		WithCause(cause).
		WithSuggestions(
			"Check the server log: warden status",
			"Verify the binary was built: warden provision",
			"Ensure required environment variables are set",
		)
}

// ErrStartTimeout creates an error for when the server never becomes healthy
// within the startup timeout.
func ErrStartTimeout(endpoint string, timeout time.Duration) *ServerError {
	return NewServerError(ErrorCodeStartTimeout, fmt.Sprintf("Server at %s did not become healthy within %s", endpoint, timeout)).
		WithSuggestions(
			"Check the server log for startup errors",
			"Increase the startup timeout in config.yaml (server.startup_timeout)",
			"Verify the server binds the configured host and port",
		)
}

// ErrHealthCheckFailed creates an error for when a previously running server
// stops answering health probes.
func ErrHealthCheckFailed(endpoint string, cause error) *ServerError {
	e := NewServerError(ErrorCodeHealthCheck, fmt.Sprintf("Server at %s failed its health check", endpoint)).
		WithSuggestions(
			"Check the server log for crash details",
			"Restart the server: warden restart",
			"Inspect current state: warden status",
		)
	if cause != nil {
		e = e.WithDetail(cause.Error()).WithCause(cause)
	}
	return e
}

// ErrServerNotRunning creates an error for when the server is not running.
func ErrServerNotRunning() *ServerError {
	return NewServerError(ErrorCodeNotRunning, "Server is not running").
		WithSuggestions(
			"Start the server: warden up",
			"Check current state: warden status",
		)
}

// ErrInvalidServerConfig creates an error for invalid server configuration.
func ErrInvalidServerConfig(detail string) *ServerError {
	return NewServerError(ErrorCodeConfig, "Invalid server configuration").
		WithDetail(detail).
		WithSuggestions(
			"Check the configuration syntax in config.yaml",
			"Regenerate the configuration: warden init",
		)
}

// WrapServerError wraps a standard error in a ServerError if it isn't one already.
func WrapServerError(err error, code ErrorCode, message string) *ServerError {
	if serverErr, ok := err.(*ServerError); ok {
		return serverErr
	}
	return NewServerError(code, message).WithDetail(err.Error()).WithCause(err)
}

// IsServerError checks if an error is a ServerError.
func IsServerError(err error) bool {
	_, ok := err.(*ServerError)
	return ok
}

// GetServerError extracts a ServerError from an error chain.
func GetServerError(err error) *ServerError {
	if serverErr, ok := err.(*ServerError); ok {
		return serverErr
	}
	return nil
}

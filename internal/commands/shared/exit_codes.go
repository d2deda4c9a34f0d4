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
	"errors"
	"fmt"
	"os"

	"github.com/tombee/warden/internal/client"
	"github.com/tombee/warden/internal/config"
	pkgerrors "github.com/tombee/warden/pkg/errors"
)

// Exit codes. Scripts can tell a server problem (not ready, unreachable)
// from a tool rejecting the call (upstream error).
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsage       = 2 // bad flags, bad payload, invalid config
	ExitNotReady    = 3 // provisioning or startup failed
	ExitUpstream    = 4 // server answered non-2xx
	ExitUnreachable = 5 // transport failure or request timeout
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewUsageError creates an error for invalid flags or inputs
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitUsage,
		Message: msg,
		Cause:   cause,
	}
}

// NewNotReadyError creates an error for provisioning or startup failures
func NewNotReadyError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitNotReady,
		Message: msg,
		Cause:   cause,
	}
}

// NewUnreachableError creates an error for transport failures
func NewUnreachableError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitUnreachable,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCodeFor maps an error to its exit code. Explicit ExitErrors win;
// otherwise the forward error taxonomy and config errors decide.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var notReady *client.NotReadyError
	var upstream *client.UpstreamError
	var unreachable *client.UnreachableError
	var timeout *client.TimeoutError
	var configErr *pkgerrors.ConfigError

	switch {
	case errors.As(err, &notReady):
		return ExitNotReady
	case errors.As(err, &upstream):
		return ExitUpstream
	case errors.As(err, &unreachable), errors.As(err, &timeout):
		return ExitUnreachable
	case errors.As(err, &configErr), errors.Is(err, config.ErrInvalidConfig):
		return ExitUsage
	default:
		return ExitFailure
	}
}

// HandleExitError prints the error and exits with its mapped code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	// Check if the error (or any in the chain) implements UserVisibleError
	printUserVisibleSuggestion(err)

	os.Exit(ExitCodeFor(err))
}

// printUserVisibleSuggestion checks if an error implements UserVisibleError
// and prints the suggestion if available.
func printUserVisibleSuggestion(err error) {
	// Walk the error chain to find a UserVisibleError
	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				suggestion := userErr.Suggestion()
				if suggestion != "" {
					fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}

		// Continue unwrapping
		err = errors.Unwrap(err)
	}
}

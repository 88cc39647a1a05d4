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

	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
)

// Exit codes for CLI commands
const (
	ExitSuccess     = 0
	ExitFailed      = 1
	ExitConfigError = 2
	ExitAuthError   = 3
	ExitToolError   = 4
	ExitUnavailable = 69 // EX_UNAVAILABLE from sysexits.h
)

// ExitError carries the exit code a command should terminate with.
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

// NewExecutionError wraps cause with ExitFailed.
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitFailed, Message: msg, Cause: cause}
}

// NewConfigError wraps cause with ExitConfigError.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewToolError wraps cause with ExitToolError.
func NewToolError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitToolError, Message: msg, Cause: cause}
}

// Classify wraps err in an ExitError whose code follows the error's
// category. Errors that are already ExitErrors pass through.
func Classify(msg string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return &ExitError{Code: ExitCodeFor(err), Message: msg, Cause: err}
}

// ExitCodeFor maps an error chain to an exit code.
func ExitCodeFor(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var cfgErr *pkgerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		classifier, ok := e.(pkgerrors.ErrorClassifier)
		if !ok {
			continue
		}
		switch classifier.ErrorType() {
		case "auth":
			return ExitAuthError
		case "tool":
			return ExitToolError
		case "network", "rate_limit", "server", "timeout", "transport_io", "transport_start",
			"mcp_max_retries", "mcp_failed", "mcp_handshake":
			return ExitUnavailable
		}
	}
	return ExitFailed
}

// HandleExitError prints err with any suggestion and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, FormatError(err))
	os.Exit(ExitCodeFor(err))
}

// FormatError renders err for the terminal. A command's own message wins
// over the cause's; any user-visible suggestion in the chain is appended.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return pkgerrors.Format(err)
	}
	msg := "Error: " + exitErr.Error()
	if s := SuggestionFor(err); s != "" {
		msg += "\n  Suggestion: " + s
	}
	return msg
}

// SuggestionFor returns the suggestion of the first user-visible error in
// the chain.
func SuggestionFor(err error) string {
	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				return userErr.Suggestion()
			}
			return ""
		}
		err = errors.Unwrap(err)
	}
	return ""
}

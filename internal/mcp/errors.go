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

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MCPErrorCode represents a category of MCP error.
type MCPErrorCode string

const (
	// ErrorCodeHandshake indicates the initialize exchange failed.
	ErrorCodeHandshake MCPErrorCode = "HANDSHAKE"
	// ErrorCodeNotConnected indicates a tool operation on a session that is
	// not connected.
	ErrorCodeNotConnected MCPErrorCode = "NOT_CONNECTED"
	// ErrorCodeMaxRetries indicates the reconnect budget was exhausted.
	ErrorCodeMaxRetries MCPErrorCode = "MAX_RETRIES"
	// ErrorCodeFailed indicates the facade is in its terminal failed state.
	ErrorCodeFailed MCPErrorCode = "FAILED"
	// ErrorCodeClosed indicates the facade was closed.
	ErrorCodeClosed MCPErrorCode = "CLOSED"
	// ErrorCodeNotFound indicates a server was not found.
	ErrorCodeNotFound MCPErrorCode = "NOT_FOUND"
	// ErrorCodeConfig indicates a configuration error.
	ErrorCodeConfig MCPErrorCode = "CONFIG"
)

// MCPError is an error type that includes suggestions for resolution.
type MCPError struct {
	// Code is the error category.
	Code MCPErrorCode
	// Server is the configured server name, if known.
	Server string
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
	// Attempts is the number of attempts made, for MAX_RETRIES.
	Attempts int
	// Cause is the underlying error, if any.
	Cause error

	retryable bool
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	var sb strings.Builder
	if e.Server != "" {
		sb.WriteString("mcp server ")
		sb.WriteString(e.Server)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *MCPError) Unwrap() error {
	return e.Cause
}

// Is matches another MCPError with the same code, so callers can test
// errors.Is(err, &MCPError{Code: ErrorCodeMaxRetries}).
func (e *MCPError) Is(target error) bool {
	t, ok := target.(*MCPError)
	return ok && t.Code == e.Code
}

// ErrorType implements errors.ErrorClassifier.
func (e *MCPError) ErrorType() string {
	return "mcp_" + strings.ToLower(string(e.Code))
}

// IsRetryable implements errors.ErrorClassifier. Only a handshake that
// timed out is worth retrying on a fresh connection.
func (e *MCPError) IsRetryable() bool {
	return e.retryable
}

// IsUserVisible implements pkg/errors.UserVisibleError.
func (e *MCPError) IsUserVisible() bool {
	return true
}

// UserMessage implements pkg/errors.UserVisibleError.
func (e *MCPError) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Suggestion implements pkg/errors.UserVisibleError.
func (e *MCPError) Suggestion() string {
	if len(e.Suggestions) == 0 {
		return ""
	}
	return e.Suggestions[0]
}

// NewMCPError creates a new MCPError.
func NewMCPError(code MCPErrorCode, message string) *MCPError {
	return &MCPError{Code: code, Message: message}
}

// WithServer sets the server name.
func (e *MCPError) WithServer(server string) *MCPError {
	e.Server = server
	return e
}

// WithDetail adds detail to the error.
func (e *MCPError) WithDetail(detail string) *MCPError {
	e.Detail = detail
	return e
}

// WithSuggestions adds suggestions to the error.
func (e *MCPError) WithSuggestions(suggestions ...string) *MCPError {
	e.Suggestions = suggestions
	return e
}

// WithCause adds an underlying cause to the error.
func (e *MCPError) WithCause(cause error) *MCPError {
	e.Cause = cause
	return e
}

// HasCode reports whether err's chain contains an MCPError with code.
func HasCode(err error, code MCPErrorCode) bool {
	return errors.Is(err, &MCPError{Code: code})
}

// ErrHandshakeTimeout creates the retryable error for a server that did not
// answer initialize in time.
func ErrHandshakeTimeout(server string, cause error) *MCPError {
	err := NewMCPError(ErrorCodeHandshake, "handshake timed out").
		WithServer(server).
		WithCause(cause).
		WithSuggestions(
			"Check that the server starts without prompting for input",
			"Raise handshake_timeout for slow servers",
		)
	err.retryable = true
	return err
}

// ErrIncompatibleVersion creates the error for a server that negotiated a
// protocol version we do not speak.
func ErrIncompatibleVersion(server, version string, cause error) *MCPError {
	return NewMCPError(ErrorCodeHandshake, "incompatible protocol version").
		WithServer(server).
		WithDetail(fmt.Sprintf("server answered %q", version)).
		WithCause(cause).
		WithSuggestions("Upgrade the server or toolbridge so both speak a common protocol version")
}

// ErrHandshakeRejected creates the error for a server that answered
// initialize with a JSON-RPC error.
func ErrHandshakeRejected(server string, cause error) *MCPError {
	return NewMCPError(ErrorCodeHandshake, "handshake rejected").
		WithServer(server).
		WithCause(cause)
}

// ErrNotConnected creates the error for a tool operation issued before
// Connect or after the session failed.
func ErrNotConnected(server string) *MCPError {
	return NewMCPError(ErrorCodeNotConnected, "session is not connected").WithServer(server)
}

// ErrMaxRetries creates the error returned after the reconnect budget is
// spent. It wraps the last failure.
func ErrMaxRetries(server string, attempts int, cause error) *MCPError {
	err := NewMCPError(ErrorCodeMaxRetries, "giving up after repeated transport failures").
		WithServer(server).
		WithDetail(fmt.Sprintf("%d attempts", attempts)).
		WithCause(cause).
		WithSuggestions(
			fmt.Sprintf("Check the server is healthy: toolbridge tools list %s", server),
		)
	err.Attempts = attempts
	return err
}

// ErrFacadeFailed creates the error returned by a facade in its terminal
// failed state.
func ErrFacadeFailed(server string, cause error) *MCPError {
	return NewMCPError(ErrorCodeFailed, "connection has failed permanently").
		WithServer(server).
		WithCause(cause).
		WithSuggestions("A new connection is created on the next request through the manager")
}

// ErrFacadeClosed creates the error returned after Close.
func ErrFacadeClosed(server string) *MCPError {
	return NewMCPError(ErrorCodeClosed, "connection is closed").WithServer(server)
}

// ErrServerNotFound creates an error for when a server is not configured.
func ErrServerNotFound(name string) *MCPError {
	return NewMCPError(ErrorCodeNotFound, fmt.Sprintf("MCP server '%s' not found", name)).
		WithSuggestions(
			"Check the server name: toolbridge tools list",
			"Add the server under 'servers' in the configuration file",
		)
}

// ToolError is a failure reported by the remote tool itself: a JSON-RPC
// error body or a result flagged isError. It never triggers a reconnect.
type ToolError struct {
	Server  string
	Tool    string
	Code    int
	Message string
	Data    any
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tool %s", e.Tool)
	if e.Server != "" {
		fmt.Fprintf(&sb, " on %s", e.Server)
	}
	sb.WriteString(" failed")
	if e.Code != 0 {
		fmt.Fprintf(&sb, " (code %d)", e.Code)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// ErrorType implements errors.ErrorClassifier.
func (e *ToolError) ErrorType() string { return "tool" }

// IsRetryable implements errors.ErrorClassifier.
func (e *ToolError) IsRetryable() bool { return false }

// DataJSON returns Data as JSON, or nil if there is none.
func (e *ToolError) DataJSON() json.RawMessage {
	if e.Data == nil {
		return nil
	}
	if raw, ok := e.Data.(json.RawMessage); ok {
		return raw
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil
	}
	return raw
}

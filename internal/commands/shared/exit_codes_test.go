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
	"testing"

	"github.com/tombee/toolbridge/internal/credentials"
	"github.com/tombee/toolbridge/internal/executor"
	"github.com/tombee/toolbridge/internal/mcp"
	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
)

func TestExitCodeFor(t *testing.T) {
	authErr := &credentials.AuthenticationError{
		Key:    credentials.Key{Principal: "alice", Service: "github"},
		Reason: "no refresh token",
	}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), ExitFailed},
		{"config", &pkgerrors.ConfigError{Key: "servers.files", Reason: "missing command"}, ExitConfigError},
		{"wrapped config", fmt.Errorf("load: %w", &pkgerrors.ConfigError{Reason: "bad"}), ExitConfigError},
		{"credential auth", authErr, ExitAuthError},
		{"executor auth", &executor.Error{Type: executor.ErrorTypeAuth, Service: "github", Cause: authErr}, ExitAuthError},
		{"executor rate limit", &executor.Error{Type: executor.ErrorTypeRateLimit, Service: "github"}, ExitUnavailable},
		{"executor bad request", &executor.Error{Type: executor.ErrorTypeRequest, Service: "github"}, ExitFailed},
		{"tool error", &mcp.ToolError{Server: "files", Tool: "read", Message: "no such file"}, ExitToolError},
		{"max retries", mcp.ErrMaxRetries("files", 3, errors.New("broken pipe")), ExitUnavailable},
		{"not found", &pkgerrors.NotFoundError{Resource: "api", ID: "nope"}, ExitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Errorf("ExitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if Classify("ignored", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}

	explicit := NewToolError("tool failed", errors.New("x"))
	if got := Classify("outer", explicit); got != explicit {
		t.Errorf("Classify should pass ExitErrors through, got %v", got)
	}

	cause := &pkgerrors.ConfigError{Key: "apis", Reason: "bad"}
	err := Classify("failed to load config", cause)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != ExitConfigError {
		t.Errorf("code = %d, want %d", exitErr.Code, ExitConfigError)
	}
	if !errors.Is(err, cause) {
		t.Error("Classify should keep the cause in the chain")
	}
}

func TestExitError_Message(t *testing.T) {
	err := NewExecutionError("call failed", errors.New("timeout"))
	if err.Error() != "call failed: timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
	if (&ExitError{Message: "bare"}).Error() != "bare" {
		t.Error("message without cause should be returned as is")
	}
}

func TestFormatError(t *testing.T) {
	notFound := mcp.ErrServerNotFound("files")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("unknown flag: --bogus"), "Error: unknown flag: --bogus"},
		{
			"user visible",
			notFound,
			"Error: " + notFound.UserMessage() + "\n  Suggestion: " + notFound.Suggestion(),
		},
		{
			"exit error keeps command message",
			NewToolError("tool call failed", notFound),
			"Error: tool call failed: " + notFound.Error() + "\n  Suggestion: " + notFound.Suggestion(),
		},
		{"exit error without cause", &ExitError{Code: ExitFailed, Message: "no access token given"}, "Error: no access token given"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatError(tt.err); got != tt.want {
				t.Errorf("FormatError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSuggestionFor(t *testing.T) {
	mcpErr := mcp.NewMCPError(mcp.ErrorCodeNotFound, "server not found").
		WithSuggestions("Check server names with 'toolbridge tools list'")

	if got := SuggestionFor(fmt.Errorf("wrapped: %w", mcpErr)); got == "" {
		t.Error("expected suggestion from wrapped MCPError")
	}
	if got := SuggestionFor(errors.New("plain")); got != "" {
		t.Errorf("expected no suggestion, got %q", got)
	}
}

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

package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies executor failures for callers and retry decisions.
type ErrorType string

const (
	// ErrorTypeRateLimit means the API kept answering 429 until the retry
	// budget ran out.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork means the API could not be reached: connection
	// failures, resets and timeouts.
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeAuth means no usable token could be obtained or the API
	// answered 401.
	ErrorTypeAuth ErrorType = "auth"

	// ErrorTypeRequest means the API rejected the request (4xx other than
	// 401 and 429) or the request could not be built. Never retried.
	ErrorTypeRequest ErrorType = "request"

	// ErrorTypeServer means the API kept failing with 5xx or 408.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeCancelled means the caller's context ended first.
	ErrorTypeCancelled ErrorType = "cancelled"
)

// maxErrorBody bounds the response body kept on an Error.
const maxErrorBody = 2048

// Error is returned by Execute for every failure.
type Error struct {
	// Type classifies the error
	Type ErrorType

	// Service is the configured API name
	Service string

	// Method and Path identify the request; Path never includes the query
	Method string
	Path   string

	// StatusCode is the last HTTP status seen, zero for non-HTTP failures
	StatusCode int

	// Message is safe to log and display
	Message string

	// Body is the start of the last error response body
	Body string

	// RetryAfter is the last wait the API asked for
	RetryAfter time.Duration

	// Attempts is how many requests were sent
	Attempts int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	if e.Service != "" {
		fmt.Fprintf(&sb, "%s: ", e.Service)
	}
	if e.Method != "" {
		fmt.Fprintf(&sb, "%s %s: ", e.Method, e.Path)
	}
	fmt.Fprintf(&sb, "%s error", e.Type)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&sb, " after %d attempts", e.Attempts)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same Type, so callers can write
// errors.Is(err, &executor.Error{Type: executor.ErrorTypeAuth}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// ErrorType implements pkg/errors.ErrorClassifier.
func (e *Error) ErrorType() string {
	return string(e.Type)
}

// IsRetryable reports whether a later call may succeed unchanged.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// IsUserVisible implements pkg/errors.UserVisibleError.
func (e *Error) IsUserVisible() bool { return true }

// UserMessage implements pkg/errors.UserVisibleError.
func (e *Error) UserMessage() string {
	return e.Error()
}

// Suggestion implements pkg/errors.UserVisibleError.
func (e *Error) Suggestion() string {
	switch e.Type {
	case ErrorTypeAuth:
		return fmt.Sprintf("Store a fresh token with: toolbridge token set %s", e.Service)
	case ErrorTypeRateLimit:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("The API asked to wait %s before retrying", e.RetryAfter.Round(time.Second))
		}
		return "Wait before retrying or lower requests_per_second"
	case ErrorTypeNetwork:
		return "Check network connectivity and the API base_url"
	default:
		return ""
	}
}

// IsType reports whether err's chain holds an *Error of type t.
func IsType(err error, t ErrorType) bool {
	return errors.Is(err, &Error{Type: t})
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

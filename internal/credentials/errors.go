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

package credentials

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenNotFound is returned when no record exists for a key.
	ErrTokenNotFound = errors.New("token not found")

	// ErrInvalidCiphertext is returned when a stored record cannot be
	// decrypted with the configured cipher and key.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidKey is returned for malformed keys and cipher keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrListUnsupported is returned by ListTokens on backends that cannot
	// enumerate their entries.
	ErrListUnsupported = errors.New("backend cannot list tokens")
)

// AuthenticationError reports that no usable token exists for a key: the
// stored token expired and could not be refreshed, or the refresh was
// rejected. A stale token is never returned alongside it.
type AuthenticationError struct {
	Key Key

	// Reason is a short description safe to show users
	Reason string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("authentication failed for %s: %s", e.Key, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// ErrorType implements pkg/errors.ErrorClassifier.
func (e *AuthenticationError) ErrorType() string { return "auth" }

// IsRetryable implements pkg/errors.ErrorClassifier.
func (e *AuthenticationError) IsRetryable() bool { return false }

// IsUserVisible implements pkg/errors.UserVisibleError.
func (e *AuthenticationError) IsUserVisible() bool { return true }

// UserMessage implements pkg/errors.UserVisibleError.
func (e *AuthenticationError) UserMessage() string {
	return fmt.Sprintf("no usable %s token for %s: %s", e.Key.Service, e.Key.Principal, e.Reason)
}

// Suggestion implements pkg/errors.UserVisibleError.
func (e *AuthenticationError) Suggestion() string {
	return fmt.Sprintf("Store a new token with: toolbridge token set %s --principal %s", e.Key.Service, e.Key.Principal)
}

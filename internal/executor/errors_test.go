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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
)

func TestError_Message(t *testing.T) {
	err := &Error{
		Type:       ErrorTypeServer,
		Service:    "github",
		Method:     "GET",
		Path:       "/user",
		StatusCode: 503,
		Message:    "Service Unavailable",
		Attempts:   3,
	}
	assert.Equal(t, "github: GET /user: server error (status 503): Service Unavailable after 3 attempts", err.Error())
}

func TestError_Classification(t *testing.T) {
	tests := []struct {
		typ       ErrorType
		retryable bool
	}{
		{ErrorTypeRateLimit, true},
		{ErrorTypeNetwork, true},
		{ErrorTypeServer, true},
		{ErrorTypeAuth, false},
		{ErrorTypeRequest, false},
		{ErrorTypeCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			err := &Error{Type: tt.typ}
			assert.Equal(t, tt.retryable, err.IsRetryable())
			assert.Equal(t, string(tt.typ), err.ErrorType())
		})
	}
}

func TestError_Chain(t *testing.T) {
	cause := context.Canceled
	err := fmt.Errorf("listing repos: %w", &Error{Type: ErrorTypeCancelled, Cause: cause})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsType(err, ErrorTypeCancelled))
	assert.False(t, IsType(err, ErrorTypeNetwork))
	assert.False(t, IsType(errors.New("plain"), ErrorTypeNetwork))

	var classifier pkgerrors.ErrorClassifier
	assert.True(t, errors.As(err, &classifier))
}

func TestError_Suggestion(t *testing.T) {
	auth := &Error{Type: ErrorTypeAuth, Service: "github"}
	assert.Contains(t, auth.Suggestion(), "toolbridge token set github")

	limited := &Error{Type: ErrorTypeRateLimit, RetryAfter: 2 * time.Second}
	assert.Contains(t, limited.Suggestion(), "2s")

	assert.Empty(t, (&Error{Type: ErrorTypeRequest}).Suggestion())
}

func TestTruncateBody(t *testing.T) {
	long := make([]byte, maxErrorBody+10)
	for i := range long {
		long[i] = 'x'
	}
	got := truncateBody(long)
	assert.Len(t, got, maxErrorBody+3)
	assert.Equal(t, "short", truncateBody([]byte("short")))
}

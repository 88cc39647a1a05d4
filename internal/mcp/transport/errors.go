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

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind classifies a transport failure.
type Kind string

const (
	// KindStart indicates the process could not be started.
	KindStart Kind = "start"

	// KindIO indicates an I/O failure: broken pipes, connection resets,
	// timeouts, 408/429/5xx responses or a terminated session.
	KindIO Kind = "io"

	// KindAuth indicates the remote rejected our credentials (HTTP 401).
	KindAuth Kind = "auth"

	// KindProtocol indicates the remote answered with something we cannot
	// use: a 4xx handshake response, an undecodable body or an unexpected
	// content type.
	KindProtocol Kind = "protocol"
)

// Error is returned by every transport for connection-level failures.
// JSON-RPC errors carried in a response body are never reported as Error.
type Error struct {
	// Kind classifies the failure
	Kind Kind

	// Server is the configured server name
	Server string

	// StatusCode is the HTTP status code, zero for non-HTTP failures
	StatusCode int

	// Message is safe to log and display; it never contains credentials
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("transport ")
	sb.WriteString(string(e.Kind))
	sb.WriteString(" error")
	if e.Server != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Server)
		sb.WriteString("]")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
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

// ErrorType implements errors.ErrorClassifier.
func (e *Error) ErrorType() string {
	return "transport_" + string(e.Kind)
}

// IsRetryable reports whether a fresh connection may succeed where this one
// failed. Credential and protocol failures will repeat on reconnect.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindIO || e.Kind == KindStart
}

// IsTransportError reports whether err's chain contains a transport Error.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// KindOf returns the Kind of the first transport Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

func newError(kind Kind, server, message string, cause error) *Error {
	return &Error{Kind: kind, Server: server, Message: message, Cause: cause}
}

// classifyIOError wraps a failure raised after the transport started.
// Caller cancellation is passed through untouched so it is never mistaken
// for a broken connection.
func classifyIOError(server, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutError(err) {
		return newError(KindIO, server, op+" timed out", err)
	}
	return newError(KindIO, server, op+" failed", err)
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	return false
}

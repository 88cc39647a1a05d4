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

package log

import (
	"log/slog"
	"net/http"
	"time"
)

// RoundTripper logs every outbound HTTP exchange at debug level.
// Request URLs are logged without their query string and headers are never
// logged, so bearer tokens cannot leak through this path.
type RoundTripper struct {
	next   http.RoundTripper
	logger *slog.Logger
}

// NewRoundTripper wraps next with request logging. A nil next uses
// http.DefaultTransport.
func NewRoundTripper(next http.RoundTripper, logger *slog.Logger) *RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RoundTripper{next: next, logger: OrDefault(logger)}
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.next.RoundTrip(req)

	attrs := []any{
		"event", "http_request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
		DurationKey, time.Since(start).Milliseconds(),
	}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		rt.logger.Debug("http request failed", attrs...)
		return resp, err
	}

	attrs = append(attrs, "status", resp.StatusCode)
	rt.logger.Debug("http request completed", attrs...)
	return resp, nil
}

// CloseIdleConnections forwards to the wrapped transport when supported.
func (rt *RoundTripper) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if c, ok := rt.next.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}

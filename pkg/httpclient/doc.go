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

// Package httpclient builds the HTTP clients toolbridge uses to reach remote
// APIs and HTTP tool servers, plus the backoff arithmetic shared by every
// retry loop in the module.
//
// Clients created by New carry:
//   - TLS 1.2 minimum (TLS 1.3 preferred) and pooled connections
//   - a User-Agent header unless the caller set one
//   - a fresh X-Request-ID on every request and the context's correlation ID
//   - debug logging of method, host, path, status and duration; query strings
//     and headers are never logged
//
// The client itself never retries. Callers that need retries (the request
// executor, the MCP facade) own their loop and use Backoff and
// ParseRetryAfter for timing:
//
//	b := httpclient.Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.25}
//	delay := b.Delay(attempt)
//	if d, ok := httpclient.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
//	    delay = d
//	}
package httpclient

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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"
)

// apiServer is an httptest server that counts requests and answers with
// handler.
type apiServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newAPIServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) *apiServer {
	t.Helper()
	s := &apiServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.hits.Add(1))
		handler(w, r, n)
	}))
	t.Cleanup(s.Close)
	return s
}

func okJSON(body string) func(http.ResponseWriter, *http.Request, int) {
	return func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func newTestExecutor(t *testing.T, baseURL string, mutate func(*Config)) *Executor {
	t.Helper()
	cfg := Config{
		Service:        "svc-" + t.Name(),
		BaseURL:        baseURL,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func requireType(t *testing.T, err error, want ErrorType) *Error {
	t.Helper()
	require.Error(t, err)
	var xe *Error
	require.True(t, errors.As(err, &xe), "expected *Error, got %T: %v", err, err)
	require.Equal(t, want, xe.Type, "error: %v", err)
	return xe
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing service", Config{BaseURL: "https://api.example.com"}},
		{"missing base url", Config{Service: "github"}},
		{"relative base url", Config{Service: "github", BaseURL: "/api"}},
		{"unsupported scheme", Config{Service: "github", BaseURL: "ftp://example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestExecutor_CachesReads(t *testing.T) {
	srv := newAPIServer(t, okJSON(`{"login":"octocat"}`))
	clock := newFakeClock()
	e := newTestExecutor(t, srv.URL, func(c *Config) { c.Now = clock.Now })
	ctx := context.Background()
	hitsBefore := testutil.ToFloat64(cacheHits.WithLabelValues(e.Service()))

	first, err := e.Get(ctx, "/user", url.Values{"a": {"1"}, "b": {"2"}})
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, 1, first.Attempts)

	second, err := e.Get(ctx, "user", url.Values{"b": {"2"}, "a": {"1"}})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, int32(1), srv.hits.Load(), "repeat within TTL must not reach the API")
	assert.Equal(t, hitsBefore+1, testutil.ToFloat64(cacheHits.WithLabelValues(e.Service())))

	var user struct{ Login string }
	require.NoError(t, second.Decode(&user))
	assert.Equal(t, "octocat", user.Login)

	clock.Advance(DefaultCacheTTL)
	third, err := e.Get(ctx, "/user", url.Values{"a": {"1"}, "b": {"2"}})
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, int32(2), srv.hits.Load(), "expired entry must cost exactly one call")
}

func TestExecutor_CacheBypass(t *testing.T) {
	srv := newAPIServer(t, okJSON(`{}`))
	ctx := context.Background()

	t.Run("NoCache", func(t *testing.T) {
		e := newTestExecutor(t, srv.URL, nil)
		_, err := e.Get(ctx, "/a", nil)
		require.NoError(t, err)
		before := srv.hits.Load()

		resp, err := e.Execute(ctx, Request{Path: "/a", NoCache: true})
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
		assert.Equal(t, before+1, srv.hits.Load())
	})

	t.Run("disabled", func(t *testing.T) {
		e := newTestExecutor(t, srv.URL, func(c *Config) { c.CacheTTL = -1 })
		before := srv.hits.Load()
		for range 2 {
			_, err := e.Get(ctx, "/a", nil)
			require.NoError(t, err)
		}
		assert.Equal(t, before+2, srv.hits.Load())
	})

	t.Run("writes are never cached", func(t *testing.T) {
		e := newTestExecutor(t, srv.URL, nil)
		before := srv.hits.Load()
		for range 2 {
			_, err := e.Execute(ctx, Request{Method: http.MethodPost, Path: "/a", Body: map[string]int{"n": 1}})
			require.NoError(t, err)
		}
		assert.Equal(t, before+2, srv.hits.Load())
	})

	t.Run("ClearCache", func(t *testing.T) {
		e := newTestExecutor(t, srv.URL, nil)
		_, err := e.Get(ctx, "/a", nil)
		require.NoError(t, err)
		e.ClearCache()
		resp, err := e.Get(ctx, "/a", nil)
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
	})
}

func TestExecutor_WriteInvalidatesReads(t *testing.T) {
	srv := newAPIServer(t, okJSON(`[]`))
	e := newTestExecutor(t, srv.URL, nil)
	ctx := context.Background()

	for _, p := range []string{"/repos/a/issues", "/repos/b/issues"} {
		_, err := e.Get(ctx, p, nil)
		require.NoError(t, err)
	}

	_, err := e.Execute(ctx, Request{Method: http.MethodPatch, Path: "/repos/a", Body: `{"private":true}`})
	require.NoError(t, err)

	resp, err := e.Get(ctx, "/repos/a/issues", nil)
	require.NoError(t, err)
	assert.False(t, resp.FromCache, "write must invalidate reads beneath its path")

	resp, err = e.Get(ctx, "/repos/b/issues", nil)
	require.NoError(t, err)
	assert.True(t, resp.FromCache, "unrelated reads stay cached")

	e.InvalidateCache("/repos/b")
	resp, err = e.Get(ctx, "/repos/b/issues", nil)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
}

func TestExecutor_RequestShape(t *testing.T) {
	var got struct {
		method, path, query, auth, contentType, accept string
		body                                           map[string]any
	}
	srv := newAPIServer(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.contentType = r.Header.Get("Content-Type")
		got.accept = r.Header.Get("Accept")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":7}`)
	})
	e := newTestExecutor(t, srv.URL+"/api/v3/", func(c *Config) {
		c.Tokens = TokenFunc(func(context.Context) (string, error) { return "tok-123", nil })
	})

	var out struct{ ID int }
	err := e.ExecuteJSON(context.Background(), Request{
		Method: "post",
		Path:   "repos/a/issues",
		Params: url.Values{"draft": {"true"}},
		Body:   map[string]any{"title": "bug"},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, 7, out.ID)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/v3/repos/a/issues", got.path)
	assert.Equal(t, "draft=true", got.query)
	assert.Equal(t, "Bearer tok-123", got.auth)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, "application/json", got.accept)
	assert.Equal(t, "bug", got.body["title"])

	_, err = e.Execute(context.Background(), Request{Method: http.MethodPost, Path: "/items/", Body: `{}`})
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/items/", got.path, "trailing slash is sent as given")
}

func TestExecutor_RepeatedParamOrder(t *testing.T) {
	var seen []string
	srv := newAPIServer(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		seen = append(seen, r.URL.RawQuery)
		_, _ = io.WriteString(w, `[]`)
	})
	e := newTestExecutor(t, srv.URL, nil)
	ctx := context.Background()

	_, err := e.Get(ctx, "/sort", url.Values{"by": {"b", "a"}})
	require.NoError(t, err)
	resp, err := e.Get(ctx, "/sort", url.Values{"by": {"a", "b"}})
	require.NoError(t, err)

	assert.False(t, resp.FromCache)
	assert.Equal(t, []string{"by=b&by=a", "by=a&by=b"}, seen)
}

func TestExecutor_TokenFailure(t *testing.T) {
	srv := newAPIServer(t, okJSON(`{}`))
	refreshFailed := errors.New("refresh rejected")
	e := newTestExecutor(t, srv.URL, func(c *Config) {
		c.Tokens = TokenFunc(func(context.Context) (string, error) { return "", refreshFailed })
	})

	_, err := e.Get(context.Background(), "/user", nil)
	xe := requireType(t, err, ErrorTypeAuth)
	assert.ErrorIs(t, err, refreshFailed)
	assert.Equal(t, 1, xe.Attempts)
	assert.Zero(t, srv.hits.Load(), "no request may be sent without a token")
}

func TestExecutor_ClientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   ErrorType
	}{
		{"unauthorized", http.StatusUnauthorized, ErrorTypeAuth},
		{"forbidden", http.StatusForbidden, ErrorTypeRequest},
		{"not found", http.StatusNotFound, ErrorTypeRequest},
		{"unprocessable", http.StatusUnprocessableEntity, ErrorTypeRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newAPIServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			})
			e := newTestExecutor(t, srv.URL, nil)

			_, err := e.Get(context.Background(), "/thing", nil)
			xe := requireType(t, err, tt.want)
			assert.Equal(t, tt.status, xe.StatusCode)
			assert.Contains(t, xe.Body, "nope")
			assert.Equal(t, 1, xe.Attempts)
			assert.Equal(t, int32(1), srv.hits.Load())
			assert.False(t, xe.IsRetryable())
		})
	}
}

func TestExecutor_ServerErrors(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		srv := newAPIServer(t, func(w http.ResponseWriter, _ *http.Request, n int) {
			if n < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = io.WriteString(w, `{}`)
		})
		e := newTestExecutor(t, srv.URL, nil)

		resp, err := e.Get(context.Background(), "/flaky", nil)
		require.NoError(t, err)
		assert.Equal(t, 3, resp.Attempts)
	})

	t.Run("exhausts", func(t *testing.T) {
		srv := newAPIServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		e := newTestExecutor(t, srv.URL, func(c *Config) { c.MaxRetries = 4 })

		_, err := e.Get(context.Background(), "/down", nil)
		xe := requireType(t, err, ErrorTypeServer)
		assert.Equal(t, 4, xe.Attempts)
		assert.Equal(t, http.StatusInternalServerError, xe.StatusCode)
		assert.Equal(t, int32(4), srv.hits.Load())
	})

	t.Run("request timeout is retried", func(t *testing.T) {
		srv := newAPIServer(t, func(w http.ResponseWriter, _ *http.Request, n int) {
			if n == 1 {
				w.WriteHeader(http.StatusRequestTimeout)
				return
			}
			_, _ = io.WriteString(w, `{}`)
		})
		e := newTestExecutor(t, srv.URL, nil)

		resp, err := e.Get(context.Background(), "/slow", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Attempts)
	})
}

func TestExecutor_NetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	e := newTestExecutor(t, base, nil)
	_, err := e.Get(context.Background(), "/x", nil)
	xe := requireType(t, err, ErrorTypeNetwork)
	assert.Equal(t, DefaultMaxRetries, xe.Attempts)
	assert.True(t, xe.IsRetryable())
}

func TestExecutor_AttemptTimeoutIsRetried(t *testing.T) {
	srv := newAPIServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		_, _ = io.WriteString(w, `{}`)
	})
	e := newTestExecutor(t, srv.URL, func(c *Config) { c.Timeout = 30 * time.Millisecond })

	resp, err := e.Get(context.Background(), "/slow", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestExecutor_RetryAfterIsShared(t *testing.T) {
	srv := newAPIServer(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	})
	limits := NewRateLimits()
	share := func(c *Config) {
		c.Service = "shared-" + t.Name()
		c.RateLimits = limits
	}
	first := newTestExecutor(t, srv.URL, share)
	second := newTestExecutor(t, srv.URL, share)
	state := limits.For(first.Service())

	start := time.Now()
	type result struct {
		resp *Response
		err  error
		at   time.Time
	}
	done := make(chan result, 1)
	go func() {
		resp, err := first.Get(context.Background(), "/limited", nil)
		done <- result{resp, err, time.Now()}
	}()

	require.Eventually(t, func() bool { return !state.Deadline().IsZero() },
		time.Second, 5*time.Millisecond)
	deadline := state.Deadline()
	assert.GreaterOrEqual(t, deadline.Sub(start), 900*time.Millisecond)

	_, err := second.Get(context.Background(), "/other", nil)
	require.NoError(t, err)
	assert.False(t, time.Now().Before(deadline), "concurrent caller must wait out the shared deadline")

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, 2, r.resp.Attempts)
	assert.GreaterOrEqual(t, r.at.Sub(start), time.Second)
}

func TestExecutor_RateLimitExhausted(t *testing.T) {
	srv := newAPIServer(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	limits := NewRateLimits()
	e := newTestExecutor(t, srv.URL, func(c *Config) { c.RateLimits = limits })

	_, err := e.Get(context.Background(), "/limited", nil)
	xe := requireType(t, err, ErrorTypeRateLimit)
	assert.Equal(t, DefaultMaxRetries, xe.Attempts)
	assert.Positive(t, xe.RetryAfter, "backoff delay is reported when no Retry-After is sent")
	assert.Equal(t, int32(DefaultMaxRetries), srv.hits.Load())
	assert.False(t, limits.For(e.Service()).Deadline().IsZero(), "last 429 still sets the shared deadline")
}

func TestExecutor_Cancellation(t *testing.T) {
	t.Run("during request", func(t *testing.T) {
		srv := newAPIServer(t, func(_ http.ResponseWriter, r *http.Request, _ int) {
			<-r.Context().Done()
		})
		e := newTestExecutor(t, srv.URL, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := e.Get(ctx, "/hang", nil)
		requireType(t, err, ErrorTypeCancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, int32(1), srv.hits.Load())
	})

	t.Run("during rate-limit wait", func(t *testing.T) {
		srv := newAPIServer(t, okJSON(`{}`))
		limits := NewRateLimits()
		e := newTestExecutor(t, srv.URL, func(c *Config) { c.RateLimits = limits })
		limits.For(e.Service()).Extend(time.Now().Add(time.Hour))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Get(ctx, "/x", nil)
		xe := requireType(t, err, ErrorTypeCancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, xe.Attempts)
		assert.Zero(t, srv.hits.Load())
	})
}

func TestExecutor_Limiter(t *testing.T) {
	srv := newAPIServer(t, okJSON(`{}`))
	e := newTestExecutor(t, srv.URL, func(c *Config) {
		c.Limiter = rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	})

	start := time.Now()
	for range 3 {
		_, err := e.Execute(context.Background(), Request{Method: http.MethodPut, Path: "/x"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestExecutor_Spans(t *testing.T) {
	srv := newAPIServer(t, func(w http.ResponseWriter, _ *http.Request, n int) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	})
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	e := newTestExecutor(t, srv.URL, func(c *Config) { c.Tracer = tp.Tracer("test") })

	_, err := e.Get(context.Background(), "/repos", nil)
	require.NoError(t, err)
	_, err = e.Get(context.Background(), "/repos", nil)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "executor GET", spans[0].Name)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, e.Service(), attrs["executor.service"].AsString())
	assert.Equal(t, "/repos", attrs["url.path"].AsString())
	assert.Equal(t, int64(2), attrs["executor.attempts"].AsInt64())

	cached := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[1].Attributes {
		cached[kv.Key] = kv.Value
	}
	assert.True(t, cached["executor.cache_hit"].AsBool())
	require.NoError(t, tp.Shutdown(context.Background()))
}

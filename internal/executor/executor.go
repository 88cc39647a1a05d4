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

// Package executor sends requests to remote HTTP APIs on behalf of one
// principal. It caches successful reads, honors a rate-limit deadline
// shared by every executor of the same service, attaches the principal's
// bearer token and retries throttled, failing or unreachable calls with
// exponential backoff.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/toolbridge/internal/log"
	"github.com/tombee/toolbridge/pkg/httpclient"
)

const tracerName = "github.com/tombee/toolbridge/internal/executor"

// Defaults applied by New.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0
	DefaultTimeout        = 30 * time.Second

	// jitter spreads computed backoff delays by ±25%.
	jitter = 0.25

	// maxResponseBody bounds how much of a response is read.
	maxResponseBody = 10 << 20
)

// TokenSource supplies the current access token for the executor's
// principal and service. The credential store refreshes expired tokens
// behind it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Config configures an Executor.
type Config struct {
	// Service names the remote API. Executors with the same Service share
	// one rate-limit deadline.
	Service string

	// Principal is the user the executor acts for. Used in logs only.
	Principal string

	// BaseURL is prefixed to every request path. Required.
	BaseURL string

	// Client sends requests. Defaults to an httpclient.New client.
	Client *http.Client

	// Tokens supplies bearer tokens. Optional; without it no Authorization
	// header is added.
	Tokens TokenSource

	// RateLimits is the shared deadline registry. Defaults to a private one.
	RateLimits *RateLimits

	// Limiter paces requests when set.
	Limiter *rate.Limiter

	// CacheTTL is how long successful reads are cached (default: 30s).
	// Negative disables the cache.
	CacheTTL time.Duration

	// MaxRetries is the total number of attempts per call, including the
	// first (default: 3).
	MaxRetries int

	// InitialBackoff, Multiplier and MaxBackoff shape the retry delay:
	// InitialBackoff × Multiplier^(attempt-1), capped, ±25% jitter.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Timeout bounds each attempt (default: 30s).
	Timeout time.Duration

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Tracer overrides the global OpenTelemetry tracer (optional).
	Tracer trace.Tracer

	// Now overrides the clock used for cache expiry and Retry-After dates.
	Now func() time.Time
}

// Request is one API call.
type Request struct {
	// Method defaults to GET.
	Method string

	// Path is joined to the base URL.
	Path string

	// Params become the query string.
	Params url.Values

	// Body is sent as JSON. []byte and json.RawMessage are sent unchanged.
	Body any

	// Header holds extra request headers.
	Header http.Header

	// NoCache skips the cache lookup. A successful read still refreshes
	// the cached copy.
	NoCache bool
}

// Response is a successful (2xx) API reply.
type Response struct {
	StatusCode int
	Header     http.Header

	// Body is the raw response body, normally JSON.
	Body json.RawMessage

	// FromCache is set when no request was sent.
	FromCache bool

	// Attempts is how many requests were sent, zero for cached replies.
	Attempts int
}

// Decode unmarshals the body into out.
func (r *Response) Decode(out any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Executor is safe for concurrent use.
type Executor struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	cache   *cache
	limit   *RateLimitState
	backoff httpclient.Backoff
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New validates cfg, applies defaults and returns an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Service == "" {
		return nil, fmt.Errorf("executor: service is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("executor %s: invalid base url: %w", cfg.Service, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("executor %s: base url must be an absolute http(s) url", cfg.Service)
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = NewRateLimits()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := log.WithComponent(log.WithPrincipal(cfg.Logger, cfg.Principal, cfg.Service), "executor")

	client := cfg.Client
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.Timeout = cfg.Timeout
		hc.Logger = cfg.Logger
		client, err = httpclient.New(hc)
		if err != nil {
			return nil, err
		}
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	e := &Executor{
		cfg:    cfg,
		base:   base,
		client: client,
		limit:  cfg.RateLimits.For(cfg.Service),
		backoff: httpclient.Backoff{
			Initial:    cfg.InitialBackoff,
			Max:        cfg.MaxBackoff,
			Multiplier: cfg.Multiplier,
			Jitter:     jitter,
		},
		logger: logger,
		tracer: tracer,
		now:    cfg.Now,
	}
	if cfg.CacheTTL > 0 {
		e.cache = newCache(cfg.CacheTTL, cfg.Now)
	}
	return e, nil
}

// Service returns the configured service name.
func (e *Executor) Service() string {
	return e.cfg.Service
}

// Get is shorthand for a GET Execute.
func (e *Executor) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	return e.Execute(ctx, Request{Method: http.MethodGet, Path: path, Params: params})
}

// ExecuteJSON runs req and decodes the body into out.
func (e *Executor) ExecuteJSON(ctx context.Context, req Request, out any) error {
	resp, err := e.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// InvalidateCache drops cached reads at or beneath path.
func (e *Executor) InvalidateCache(path string) {
	if e.cache != nil {
		e.cache.invalidate(path)
	}
}

// ClearCache drops every cached read.
func (e *Executor) ClearCache() {
	if e.cache != nil {
		e.cache.reset()
	}
}

// attemptResult is one HTTP exchange whose body has been read.
type attemptResult struct {
	status int
	header http.Header
	body   []byte
}

// Execute sends req, retrying as configured. Every failure is an *Error.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	p := cleanPath(req.Path)
	read := method == http.MethodGet || method == http.MethodHead

	ctx, span := e.tracer.Start(ctx, "executor "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("executor.service", e.cfg.Service),
			attribute.String("http.request.method", method),
			attribute.String("url.path", p),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := e.execute(ctx, method, p, read, req)

	outcome := "ok"
	switch {
	case err != nil:
		var xe *Error
		if errors.As(err, &xe) {
			outcome = string(xe.Type)
			if xe.StatusCode != 0 {
				span.SetAttributes(attribute.Int("http.response.status_code", xe.StatusCode))
			}
			span.SetAttributes(attribute.Int("executor.attempts", xe.Attempts))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp.FromCache:
		outcome = "cache_hit"
		span.SetAttributes(attribute.Bool("executor.cache_hit", true))
		span.SetStatus(codes.Ok, "")
	default:
		span.SetAttributes(
			attribute.Int("http.response.status_code", resp.StatusCode),
			attribute.Int("executor.attempts", resp.Attempts),
		)
		span.SetStatus(codes.Ok, "")
	}
	recordRequest(e.cfg.Service, method, outcome, time.Since(start))
	return resp, err
}

func (e *Executor) execute(ctx context.Context, method, p string, read bool, req Request) (*Response, error) {
	key := cacheKey(method, p, req.Params)
	if read && e.cache != nil && !req.NoCache {
		if entry, ok := e.cache.get(key); ok {
			recordCacheHit(e.cfg.Service)
			log.Trace(e.logger, "cache hit", slog.String("path", p))
			return entry.response(), nil
		}
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, e.newError(ErrorTypeRequest, method, p, "invalid request body", err)
	}

	var last *Error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.waitTurn(ctx); err != nil {
			return nil, e.cancelled(method, p, attempt-1, err)
		}

		res, err := e.send(ctx, method, p, req, body)
		if err != nil {
			var xe *Error
			if errors.As(err, &xe) {
				// Token failures are final.
				xe.Attempts = attempt
				return nil, xe
			}
			if ctx.Err() != nil {
				return nil, e.cancelled(method, p, attempt, ctx.Err())
			}
			last = e.newError(ErrorTypeNetwork, method, p, "request failed", err)
			last.Attempts = attempt
			if !httpclient.IsRetryableError(err) {
				return nil, last
			}
			if !e.pause(ctx, attempt, "network", e.backoff.Delay(attempt), last) {
				return nil, e.cancelled(method, p, attempt, ctx.Err())
			}
			continue
		}

		switch {
		case res.status >= 200 && res.status < 300:
			resp := &Response{
				StatusCode: res.status,
				Header:     res.header,
				Body:       res.body,
				Attempts:   attempt,
			}
			if e.cache != nil {
				if read {
					e.cache.put(key, p, resp)
				} else if n := e.cache.invalidate(p); n > 0 {
					e.logger.Debug("invalidated cached reads", "path", p, "count", n)
				}
			}
			return resp, nil

		case res.status == http.StatusTooManyRequests:
			delay, fromHeader := httpclient.ParseRetryAfter(res.header.Get("Retry-After"), e.now())
			if !fromHeader {
				delay = e.backoff.Delay(attempt)
			}
			last = e.statusError(ErrorTypeRateLimit, method, p, res, "rate limit exceeded")
			last.RetryAfter = delay
			last.Attempts = attempt
			if e.limit.Extend(time.Now().Add(delay)) {
				e.logger.Warn("rate limited",
					log.AttemptKey, attempt,
					"retry_after", delay.String(),
					"from_header", fromHeader,
				)
			}
			if attempt < e.cfg.MaxRetries {
				recordRetry(e.cfg.Service, "rate_limit")
			}
			// The wait happens in waitTurn, shared with every other caller.

		case res.status == http.StatusUnauthorized:
			xe := e.statusError(ErrorTypeAuth, method, p, res, "token rejected")
			xe.Attempts = attempt
			return nil, xe

		case httpclient.IsRetryableStatus(res.status):
			last = e.statusError(ErrorTypeServer, method, p, res, http.StatusText(res.status))
			last.Attempts = attempt
			if !e.pause(ctx, attempt, "server", e.backoff.Delay(attempt), last) {
				return nil, e.cancelled(method, p, attempt, ctx.Err())
			}

		default:
			xe := e.statusError(ErrorTypeRequest, method, p, res, http.StatusText(res.status))
			xe.Attempts = attempt
			return nil, xe
		}
	}

	last.Attempts = e.cfg.MaxRetries
	e.logger.Warn("giving up",
		log.AttemptKey, e.cfg.MaxRetries,
		"error_type", string(last.Type),
		log.Error(last),
	)
	return nil, last
}

// waitTurn blocks on the shared rate-limit deadline, then on the pacing
// limiter.
func (e *Executor) waitTurn(ctx context.Context) error {
	waited, err := e.limit.Wait(ctx)
	if waited > 0 {
		recordRateLimitWait(e.cfg.Service)
		e.logger.Debug("waited for rate limit", log.DurationKey, waited.Milliseconds())
	}
	if err != nil {
		return err
	}
	if e.cfg.Limiter != nil {
		return e.cfg.Limiter.Wait(ctx)
	}
	return nil
}

// pause sleeps before the next attempt unless this was the last one. It
// reports false if ctx ended first.
func (e *Executor) pause(ctx context.Context, attempt int, reason string, delay time.Duration, cause *Error) bool {
	if attempt >= e.cfg.MaxRetries {
		return true
	}
	recordRetry(e.cfg.Service, reason)
	e.logger.Warn("request failed, retrying",
		log.AttemptKey, attempt,
		"delay", delay.String(),
		log.Error(cause),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// wirePath roots p without otherwise altering it. The cleaned form is only
// used for cache keys, invalidation and span attributes.
func wirePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// send performs one HTTP exchange. A returned *Error is final; any other
// error is a network failure.
func (e *Executor) send(ctx context.Context, method, p string, req Request, body []byte) (*attemptResult, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	u := *e.base
	u.Path = strings.TrimSuffix(e.base.Path, "/") + wirePath(req.Path)
	u.RawPath = ""
	u.RawQuery = req.Params.Encode()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(actx, method, u.String(), rdr)
	if err != nil {
		return nil, e.newError(ErrorTypeRequest, method, p, "cannot build request", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if e.cfg.Tokens != nil {
		token, err := e.cfg.Tokens.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.cancelled(method, p, 0, ctx.Err())
			}
			return nil, e.newError(ErrorTypeAuth, method, p, "no usable token", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	return &attemptResult{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (e *Executor) newError(t ErrorType, method, p, msg string, cause error) *Error {
	return &Error{
		Type:    t,
		Service: e.cfg.Service,
		Method:  method,
		Path:    p,
		Message: msg,
		Cause:   cause,
	}
}

func (e *Executor) statusError(t ErrorType, method, p string, res *attemptResult, msg string) *Error {
	xe := e.newError(t, method, p, msg, nil)
	xe.StatusCode = res.status
	xe.Body = truncateBody(res.body)
	return xe
}

func (e *Executor) cancelled(method, p string, attempts int, cause error) *Error {
	xe := e.newError(ErrorTypeCancelled, method, p, "request cancelled", cause)
	xe.Attempts = attempts
	return xe
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

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
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/toolbridge/internal/log"
	"github.com/tombee/toolbridge/internal/mcp/transport"
	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
)

const (
	// DefaultMaxAttempts is the initial attempt plus two reconnects.
	DefaultMaxAttempts = 3

	// DefaultStopTimeout bounds how long Close waits for the worker.
	DefaultStopTimeout = 5 * time.Second

	tracerName = "github.com/tombee/toolbridge/internal/mcp"
)

// FacadeState is the lifecycle state of a Facade.
type FacadeState string

const (
	// StateIdle means no session has been established yet, or the last one
	// was dropped after a non-retryable failure.
	StateIdle FacadeState = "idle"
	// StateConnecting means the first session is being established.
	StateConnecting FacadeState = "connecting"
	// StateReady means a connected session is available.
	StateReady FacadeState = "ready"
	// StateReconnecting means a stale session is being replaced.
	StateReconnecting FacadeState = "reconnecting"
	// StateFailed means the reconnect budget was exhausted. Terminal.
	StateFailed FacadeState = "failed"
	// StateClosed means Close was called. Terminal.
	StateClosed FacadeState = "closed"
)

// SessionFactory builds a fresh, disconnected Session with its own
// transport. The facade calls it for the first connection and after every
// transport failure.
type SessionFactory func() *Session

// FacadeConfig configures a Facade.
type FacadeConfig struct {
	// Server is the configured server name, used in logs, errors and metrics.
	Server string

	// NewSession builds sessions. Required.
	NewSession SessionFactory

	// MaxAttempts bounds attempts per operation, counting the first
	// (default: 3).
	MaxAttempts int

	// StopTimeout bounds how long Close waits for the worker to release the
	// transport (default: 5s).
	StopTimeout time.Duration

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Tracer overrides the global tracer (optional).
	Tracer trace.Tracer
}

// Status is a point-in-time view of a Facade.
type Status struct {
	Server          string
	State           FacadeState
	SessionID       string
	ProtocolVersion string
	ServerInfo      ServerInfo
	Capabilities    ServerCapabilities
	ToolCount       int
	LastError       string
	LastActivity    time.Time
}

type opKind int

const (
	opConnect opKind = iota
	opListTools
	opCallTool
	opPing
)

func (k opKind) String() string {
	switch k {
	case opConnect:
		return "connect"
	case opListTools:
		return "list_tools"
	case opCallTool:
		return "call_tool"
	case opPing:
		return "ping"
	default:
		return "unknown"
	}
}

type command struct {
	ctx   context.Context
	kind  opKind
	tool  string
	args  map[string]any
	reply chan reply
}

type reply struct {
	tools    []ToolDefinition
	result   Result
	err      error
	attempts int
}

// Facade gives goroutine-safe blocking access to one server. A single
// worker goroutine owns the Session, and a request lock admits one caller
// at a time, so the transport never sees interleaved requests.
type Facade struct {
	cfg    FacadeConfig
	logger *slog.Logger
	tracer trace.Tracer

	// mu is the request lock.
	mu sync.Mutex

	commands chan command
	quit     chan struct{}
	done     chan struct{}

	// lifetime is cancelled by Close to abort in-flight work.
	lifetime context.Context
	cancel   context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once

	// session is touched only by the worker.
	session *Session
	failure error

	statusMu sync.RWMutex
	status   Status
}

// NewFacade starts the worker and returns an idle facade. Nothing is
// connected until the first operation.
func NewFacade(cfg FacadeConfig) *Facade {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	f := &Facade{
		cfg:      cfg,
		logger:   log.WithComponent(log.WithServer(cfg.Logger, cfg.Server), "facade"),
		tracer:   tracer,
		commands: make(chan command),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		lifetime: lifetime,
		cancel:   cancel,
		status:   Status{Server: cfg.Server, State: StateIdle},
	}

	activeFacades.Inc()
	go f.run()
	return f
}

// Server returns the configured server name.
func (f *Facade) Server() string {
	return f.cfg.Server
}

// Connect establishes a session if there is none.
func (f *Facade) Connect(ctx context.Context) error {
	r := f.do(ctx, command{kind: opConnect})
	return r.err
}

// ListTools returns the server's tool catalog.
func (f *Facade) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	r := f.do(ctx, command{kind: opListTools})
	return r.tools, r.err
}

// CallTool invokes a tool and reports the outcome as a tagged Result.
// Connection failures are retried on a fresh session up to MaxAttempts
// times; tool failures are returned at once.
func (f *Facade) CallTool(ctx context.Context, name string, args map[string]any) Result {
	r := f.do(ctx, command{kind: opCallTool, tool: name, args: args})
	if r.err != nil {
		return Result{Outcome: OutcomeTransportError, Err: r.err, Attempts: r.attempts}
	}
	r.result.Attempts = r.attempts
	return r.result
}

// Ping checks the server through the current session, connecting first if
// needed.
func (f *Facade) Ping(ctx context.Context) error {
	r := f.do(ctx, command{kind: opPing})
	return r.err
}

// do holds the request lock for the lifetime of one operation.
func (f *Facade) do(ctx context.Context, cmd command) reply {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed.Load() {
		return reply{err: ErrFacadeClosed(f.cfg.Server)}
	}

	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)

	select {
	case f.commands <- cmd:
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	case <-f.done:
		return reply{err: ErrFacadeClosed(f.cfg.Server)}
	}

	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		// The worker finishes on its own and drops the reply; the next
		// command waits for it.
		return reply{err: ctx.Err()}
	case <-f.done:
		return reply{err: ErrFacadeClosed(f.cfg.Server)}
	}
}

func (f *Facade) run() {
	defer close(f.done)
	for {
		select {
		case cmd := <-f.commands:
			cmd.reply <- f.handle(cmd)
		case <-f.quit:
			f.dropSession()
			return
		}
	}
}

func (f *Facade) handle(cmd command) reply {
	ctx, cancel := context.WithCancel(cmd.ctx)
	defer cancel()
	stop := context.AfterFunc(f.lifetime, cancel)
	defer stop()

	ctx, span := f.tracer.Start(ctx, "mcp."+cmd.kind.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcp.server", f.cfg.Server),
		),
	)
	defer span.End()
	if cmd.tool != "" {
		span.SetAttributes(attribute.String("mcp.tool", cmd.tool))
	}

	start := time.Now()
	var r reply
	switch cmd.kind {
	case opConnect:
		r.attempts, r.err = f.attempt(ctx, func(ctx context.Context, s *Session) error {
			return nil
		})
	case opListTools:
		r.attempts, r.err = f.attempt(ctx, func(ctx context.Context, s *Session) error {
			tools, err := s.ListTools(ctx)
			r.tools = tools
			return err
		})
	case opPing:
		r.attempts, r.err = f.attempt(ctx, func(ctx context.Context, s *Session) error {
			return s.Ping(ctx)
		})
	case opCallTool:
		r.attempts, r.err = f.attempt(ctx, func(ctx context.Context, s *Session) error {
			r.result = s.CallTool(ctx, cmd.tool, cmd.args)
			if r.result.Outcome == OutcomeTransportError {
				return r.result.Err
			}
			return nil
		})
	}

	outcome := "ok"
	switch {
	case r.err != nil:
		outcome = errorOutcome(r.err)
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	case r.result.Outcome == OutcomeToolError:
		outcome = OutcomeToolError.String()
		span.SetStatus(codes.Error, r.result.ToolErr.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("mcp.attempts", r.attempts),
		attribute.String("mcp.outcome", outcome),
	)
	recordOperation(f.cfg.Server, cmd.kind.String(), outcome, time.Since(start))
	f.touch(r.err)
	return r
}

// attempt runs fn on a connected session. Retryable connection failures
// drop the session and try again on a fresh one, up to MaxAttempts in
// total. It returns the number of attempts made.
func (f *Facade) attempt(ctx context.Context, fn func(context.Context, *Session) error) (int, error) {
	if f.failure != nil {
		return 0, ErrFacadeFailed(f.cfg.Server, f.failure)
	}

	var lastErr error
	for n := 1; n <= f.cfg.MaxAttempts; n++ {
		if n > 1 {
			f.setState(StateReconnecting)
			recordReconnect(f.cfg.Server)
			f.logger.Warn("transport failure, reconnecting",
				log.AttemptKey, n,
				log.Error(lastErr),
			)
		}

		err := f.ensureSession(ctx)
		if err == nil {
			err = fn(ctx, f.session)
		}
		if err == nil {
			f.setState(StateReady)
			return n, nil
		}

		if ctx.Err() != nil {
			f.settle()
			return n, ctx.Err()
		}
		if !shouldReconnect(err) {
			f.settle()
			return n, err
		}

		lastErr = err
		f.dropSession()
	}

	f.failure = lastErr
	f.setState(StateFailed)
	f.logger.Error("giving up on server",
		log.AttemptKey, f.cfg.MaxAttempts,
		log.Error(lastErr),
	)
	return f.cfg.MaxAttempts, ErrMaxRetries(f.cfg.Server, f.cfg.MaxAttempts, lastErr)
}

// ensureSession connects a fresh session unless the current one is usable.
func (f *Facade) ensureSession(ctx context.Context) error {
	if f.session != nil && f.session.State() == SessionConnected {
		return nil
	}
	f.dropSession()

	if f.currentState() == StateIdle {
		f.setState(StateConnecting)
	}
	f.session = f.cfg.NewSession()
	return f.session.Connect(ctx)
}

// settle leaves a usable session in place and otherwise returns the facade
// to idle so the next operation starts clean.
func (f *Facade) settle() {
	if f.session != nil && f.session.State() == SessionConnected {
		f.setState(StateReady)
		return
	}
	f.dropSession()
	f.setState(StateIdle)
}

func (f *Facade) dropSession() {
	if f.session == nil {
		return
	}
	f.session.Disconnect()
	f.session = nil

	f.statusMu.Lock()
	f.status.SessionID = ""
	f.status.ProtocolVersion = ""
	f.status.ServerInfo = ServerInfo{}
	f.status.Capabilities = ServerCapabilities{}
	f.statusMu.Unlock()
}

// shouldReconnect reports whether a fresh session may succeed where this
// one failed. The outermost classified error decides.
func shouldReconnect(err error) bool {
	return pkgerrors.IsRetryable(err)
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case HasCode(err, ErrorCodeMaxRetries):
		return "max_retries"
	case transport.IsTransportError(err):
		kind, _ := transport.KindOf(err)
		return "transport_" + string(kind)
	default:
		return "error"
	}
}

func (f *Facade) setState(s FacadeState) {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	if f.status.State == StateClosed {
		return
	}
	f.status.State = s
}

func (f *Facade) currentState() FacadeState {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.status.State
}

// touch refreshes the status snapshot after an operation.
func (f *Facade) touch(err error) {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	f.status.LastActivity = time.Now()
	if err != nil {
		f.status.LastError = err.Error()
	}
	if s := f.session; s != nil && s.State() == SessionConnected {
		f.status.SessionID = s.SessionID()
		f.status.ProtocolVersion = s.ProtocolVersion()
		f.status.ServerInfo = s.ServerInfo()
		f.status.Capabilities = s.Capabilities()
		if tools := s.Tools(); tools != nil {
			f.status.ToolCount = len(tools)
		}
	}
}

// State returns the current lifecycle state.
func (f *Facade) State() FacadeState {
	return f.currentState()
}

// Status returns a snapshot of the facade.
func (f *Facade) Status() Status {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.status
}

// Close aborts in-flight work, releases the transport and stops the
// worker. It waits at most StopTimeout, is safe to call more than once and
// always returns nil.
func (f *Facade) Close() error {
	f.closeOnce.Do(func() {
		// The request lock is not taken here: a caller stuck behind a
		// transport that ignores cancellation must not block Close.
		f.closed.Store(true)
		f.cancel()
		close(f.quit)

		select {
		case <-f.done:
		case <-time.After(f.cfg.StopTimeout):
			f.logger.Warn("worker did not stop in time", "timeout", f.cfg.StopTimeout)
		}

		f.statusMu.Lock()
		f.status.State = StateClosed
		f.statusMu.Unlock()
		activeFacades.Dec()
	})
	return nil
}

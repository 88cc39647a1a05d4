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
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/toolbridge/internal/config"
	"github.com/tombee/toolbridge/internal/log"
)

var errProcessExited = errors.New("server process exited")

// ProcessConfig describes a tool server launched as a child process.
type ProcessConfig struct {
	// Server is the configured server name, used in logs and errors.
	Server string

	// Command is the executable to run.
	Command string

	// Args are passed to Command verbatim.
	Args []string

	// Dir is the working directory. Empty inherits ours.
	Dir string

	// Env holds extra variables. Values of the form ${NAME} are read from
	// the host environment at Start; unset references are dropped.
	Env map[string]string

	// IsolateEnv starts the child with only Env instead of inheriting the
	// host environment.
	IsolateEnv bool

	// StopTimeout is how long Close waits for a graceful exit before the
	// process is killed (default: 5s).
	StopTimeout time.Duration

	// Lookup overrides environment lookups. Defaults to os.LookupEnv.
	Lookup config.LookupFunc
}

// Process speaks newline-delimited JSON-RPC over a child's stdin/stdout.
// The child's stderr is drained into the debug log.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger

	// lifetime outlives any single request; cancelling it kills the child.
	lifetime context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	inner    *mcptransport.Stdio
	onNotify func(mcp.JSONRPCNotification)

	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewProcess returns an unstarted process transport.
func NewProcess(cfg ProcessConfig, logger *slog.Logger) *Process {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Lookup == nil {
		cfg.Lookup = os.LookupEnv
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Process{
		cfg:      cfg,
		logger:   log.WithServer(logger, cfg.Server),
		lifetime: lifetime,
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
}

// Start launches the child process. The context only bounds the launch;
// the child lives until Close.
func (p *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.cfg.Command == "" {
		return newError(KindStart, p.cfg.Server, "no command configured", nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inner != nil {
		return nil
	}
	if p.lifetime.Err() != nil {
		return newError(KindStart, p.cfg.Server, "transport already closed", nil)
	}

	env := config.ResolveMap(p.cfg.Env, p.cfg.Lookup, p.logger)
	inner := mcptransport.NewStdioWithOptions(
		p.cfg.Command,
		config.EnvList(env),
		p.cfg.Args,
		mcptransport.WithCommandFunc(p.command),
	)
	if p.onNotify != nil {
		inner.SetNotificationHandler(p.onNotify)
	}

	if err := inner.Start(p.lifetime); err != nil {
		p.cancel()
		return newError(KindStart, p.cfg.Server, fmt.Sprintf("failed to start %q", p.cfg.Command), err)
	}
	p.inner = inner

	go p.drainStderr(inner)

	p.logger.Debug("server process started",
		"command", p.cfg.Command,
		"args", p.cfg.Args,
		"env", config.RedactMap(env),
	)
	return nil
}

func (p *Process) command(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = p.cfg.Dir
	if p.cfg.IsolateEnv {
		cmd.Env = append([]string{}, env...)
	} else {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.WaitDelay = p.cfg.StopTimeout
	return cmd, nil
}

// drainStderr forwards the child's stderr to the log. Stderr reaching EOF
// means the child exited or closed the stream; both end the session.
func (p *Process) drainStderr(inner *mcptransport.Stdio) {
	defer close(p.exited)

	stderr := inner.Stderr()
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("server stderr", "line", scanner.Text())
	}
}

func (p *Process) started() *mcptransport.Stdio {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner
}

// SendRequest writes one request frame and waits for the matching response.
// A child that exits mid-request fails the request immediately.
func (p *Process) SendRequest(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	inner := p.started()
	if inner == nil {
		return nil, newError(KindIO, p.cfg.Server, "transport not started", nil)
	}
	select {
	case <-p.exited:
		return nil, newError(KindIO, p.cfg.Server, req.Method+" failed", errProcessExited)
	default:
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-p.exited:
			cancel(errProcessExited)
		case <-reqCtx.Done():
		}
	}()

	resp, err := inner.SendRequest(reqCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(reqCtx), errProcessExited) {
			return nil, newError(KindIO, p.cfg.Server, req.Method+" failed", errProcessExited)
		}
		return nil, classifyIOError(p.cfg.Server, req.Method, err)
	}
	return resp, nil
}

// SendNotification writes a notification frame.
func (p *Process) SendNotification(ctx context.Context, n mcp.JSONRPCNotification) error {
	inner := p.started()
	if inner == nil {
		return newError(KindIO, p.cfg.Server, "transport not started", nil)
	}
	return classifyIOError(p.cfg.Server, n.Method, inner.SendNotification(ctx, n))
}

// SetNotificationHandler registers the handler for server notifications.
func (p *Process) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNotify = handler
	if p.inner != nil {
		p.inner.SetNotificationHandler(handler)
	}
}

// GetSessionId returns "". Process transports carry no session token.
func (p *Process) GetSessionId() string {
	return ""
}

// Close closes stdin and waits up to StopTimeout for the child to exit,
// then kills it. Safe to call more than once and before Start.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		inner := p.started()
		if inner == nil {
			p.cancel()
			return
		}

		done := make(chan error, 1)
		go func() { done <- inner.Close() }()

		var err error
		select {
		case err = <-done:
		case <-time.After(p.cfg.StopTimeout):
			p.logger.Warn("server process did not exit, killing it", "timeout", p.cfg.StopTimeout)
			p.cancel()
			err = <-done
		}
		p.cancel()

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.closeErr = err
		}
		p.logger.Debug("server process stopped")
	})
	return p.closeErr
}

var _ mcptransport.Interface = (*Process)(nil)

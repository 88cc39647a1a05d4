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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/toolbridge/internal/log"
	"github.com/tombee/toolbridge/internal/mcp/transport"
	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
)

const (
	// DefaultHandshakeTimeout bounds the initialize exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultCallTimeout bounds a single tools/call or tools/list.
	DefaultCallTimeout = 30 * time.Second

	// ClientName identifies us in the handshake.
	ClientName = "toolbridge"
)

// ClientVersion is reported in the handshake. Set from build flags.
var ClientVersion = "dev"

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// SessionDisconnected is the state before Connect and after Disconnect.
	SessionDisconnected SessionState = iota
	// SessionConnected means the handshake completed.
	SessionConnected
	// SessionFailed means the transport broke. A failed session is not
	// reused; build a new one.
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnected:
		return "connected"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Server is the configured server name, used in logs and errors.
	Server string

	// Transport carries the frames. The session owns it and closes it on
	// Disconnect or a failed Connect.
	Transport mcptransport.Interface

	// HandshakeTimeout bounds initialize (default: 10s).
	HandshakeTimeout time.Duration

	// CallTimeout bounds each tools/list and tools/call (default: 30s).
	CallTimeout time.Duration

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Session is one negotiated conversation over one transport. It is not safe
// for concurrent use; a Facade's worker owns it.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	tap    *rpcTap
	client *client.Client

	state           SessionState
	sessionID       string
	protocolVersion string
	serverInfo      ServerInfo
	capabilities    ServerCapabilities
	tools           []ToolDefinition
}

// NewSession returns a disconnected session over cfg.Transport.
func NewSession(cfg SessionConfig) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	tap := &rpcTap{inner: cfg.Transport}
	return &Session{
		cfg:    cfg,
		logger: log.WithComponent(log.WithServer(cfg.Logger, cfg.Server), "session"),
		tap:    tap,
		client: client.NewClient(tap),
	}
}

// Connect starts the transport and performs the initialize handshake.
// Any failure closes the transport and leaves the session failed.
func (s *Session) Connect(ctx context.Context) error {
	switch s.state {
	case SessionConnected:
		return nil
	case SessionFailed:
		return ErrNotConnected(s.cfg.Server).WithDetail("session has failed")
	}

	start := time.Now()
	if err := s.client.Start(ctx); err != nil {
		s.fail()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !transport.IsTransportError(err) {
			err = &transport.Error{Kind: transport.KindStart, Server: s.cfg.Server, Message: "failed to start transport", Cause: err}
		}
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	s.tap.reset()
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: ClientVersion}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	res, err := s.client.Initialize(hctx, req)
	if err != nil {
		s.fail()
		return s.handshakeError(ctx, hctx, err)
	}

	s.state = SessionConnected
	s.sessionID = s.tap.GetSessionId()
	s.protocolVersion = res.ProtocolVersion
	s.serverInfo = ServerInfo{Name: res.ServerInfo.Name, Version: res.ServerInfo.Version}
	s.capabilities = capabilitiesFrom(res.Capabilities)

	s.logger.Debug("session connected",
		"protocol_version", s.protocolVersion,
		"remote", s.serverInfo.Name,
		"remote_version", s.serverInfo.Version,
		log.DurationKey, time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Session) handshakeError(ctx, hctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return ErrHandshakeTimeout(s.cfg.Server, &pkgerrors.TimeoutError{
			Operation: "initialize",
			Duration:  s.cfg.HandshakeTimeout,
			Cause:     err,
		})
	}

	var unsupported mcp.UnsupportedProtocolVersionError
	if errors.As(err, &unsupported) {
		return ErrIncompatibleVersion(s.cfg.Server, unsupported.Version, err)
	}
	if detail := s.tap.take(); detail != nil {
		return ErrHandshakeRejected(s.cfg.Server, s.toolError("", detail))
	}
	if transport.IsTransportError(err) {
		return err
	}
	return &transport.Error{
		Kind:    transport.KindProtocol,
		Server:  s.cfg.Server,
		Message: "invalid initialize response",
		Cause:   err,
	}
}

// ListTools returns the server's tool catalog as sent.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if s.state != SessionConnected {
		return nil, ErrNotConnected(s.cfg.Server)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	s.tap.reset()
	res, err := s.client.ListTools(cctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, s.failure(ctx, cctx, "tools/list", err)
	}

	tools := make([]ToolDefinition, 0, len(res.Tools))
	for _, tool := range res.Tools {
		def, err := toolDefinition(tool)
		if err != nil {
			return nil, err
		}
		tools = append(tools, def)
	}
	s.tools = tools
	return tools, nil
}

// CallTool invokes a tool. Tool-level failures come back as
// OutcomeToolError and leave the session connected.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) Result {
	if s.state != SessionConnected {
		return transportErrorResult(ErrNotConnected(s.cfg.Server))
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	s.tap.reset()
	res, err := s.client.CallTool(cctx, req)
	if err != nil {
		terr, cause := s.classify(ctx, cctx, "tools/call", err)
		if terr != nil {
			terr.Tool = name
			return toolErrorResult(nil, terr)
		}
		return transportErrorResult(cause)
	}

	if res.IsError {
		return toolErrorResult(res, &ToolError{
			Server:  s.cfg.Server,
			Tool:    name,
			Message: resultText(res),
		})
	}
	return okResult(res)
}

// Ping checks the server is still answering.
func (s *Session) Ping(ctx context.Context) error {
	if s.state != SessionConnected {
		return ErrNotConnected(s.cfg.Server)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	s.tap.reset()
	if err := s.client.Ping(cctx); err != nil {
		return s.failure(ctx, cctx, "ping", err)
	}
	return nil
}

func (s *Session) failure(ctx, cctx context.Context, method string, err error) error {
	terr, cause := s.classify(ctx, cctx, method, err)
	if terr != nil {
		return terr
	}
	return cause
}

// classify sorts a failed request into a tool-level error or a
// connection-level one. Connection-level failures fail the session, except
// for caller cancellation which leaves it usable.
func (s *Session) classify(ctx, cctx context.Context, method string, err error) (*ToolError, error) {
	if detail := s.tap.take(); detail != nil {
		return s.toolError(method, detail), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var te *transport.Error
	switch {
	case errors.As(err, &te):
		s.state = SessionFailed
		return nil, te
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		s.state = SessionFailed
		return nil, &transport.Error{
			Kind:    transport.KindIO,
			Server:  s.cfg.Server,
			Message: method + " timed out",
			Cause:   err,
		}
	default:
		return nil, &transport.Error{
			Kind:    transport.KindProtocol,
			Server:  s.cfg.Server,
			Message: "invalid " + method + " response",
			Cause:   err,
		}
	}
}

func (s *Session) toolError(method string, detail *mcp.JSONRPCErrorDetails) *ToolError {
	msg := detail.Message
	if msg == "" && method != "" {
		msg = method + " rejected"
	}
	return &ToolError{
		Server:  s.cfg.Server,
		Code:    detail.Code,
		Message: msg,
		Data:    detail.Data,
	}
}

// Disconnect closes the transport and forgets negotiated state. It never
// fails; close errors are logged.
func (s *Session) Disconnect() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("error closing transport", log.Error(err))
	}
	s.state = SessionDisconnected
	s.sessionID = ""
	s.protocolVersion = ""
	s.serverInfo = ServerInfo{}
	s.capabilities = ServerCapabilities{}
	s.tools = nil
}

func (s *Session) fail() {
	if err := s.client.Close(); err != nil {
		s.logger.Debug("error closing transport after failure", log.Error(err))
	}
	s.state = SessionFailed
}

// State returns the session state.
func (s *Session) State() SessionState { return s.state }

// SessionID returns the token issued by the server, if any.
func (s *Session) SessionID() string { return s.sessionID }

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string { return s.protocolVersion }

// ServerInfo returns the remote's self-description.
func (s *Session) ServerInfo() ServerInfo { return s.serverInfo }

// Capabilities returns the negotiated server capabilities.
func (s *Session) Capabilities() ServerCapabilities { return s.capabilities }

// Tools returns the catalog from the last ListTools.
func (s *Session) Tools() []ToolDefinition { return s.tools }

func resultText(res *mcp.CallToolResult) string {
	return Result{Response: res}.Text()
}

// rpcTap records the JSON-RPC error of the last response. The mcp-go client
// flattens error bodies into plain errors; the tap keeps code and data.
type rpcTap struct {
	inner mcptransport.Interface

	mu      sync.Mutex
	lastErr *mcp.JSONRPCErrorDetails
}

func (t *rpcTap) Start(ctx context.Context) error {
	return t.inner.Start(ctx)
}

func (t *rpcTap) SendRequest(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	resp, err := t.inner.SendRequest(ctx, req)
	if err == nil && resp != nil && resp.Error != nil {
		detail := *resp.Error
		t.mu.Lock()
		t.lastErr = &detail
		t.mu.Unlock()
	}
	return resp, err
}

func (t *rpcTap) SendNotification(ctx context.Context, n mcp.JSONRPCNotification) error {
	return t.inner.SendNotification(ctx, n)
}

func (t *rpcTap) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	t.inner.SetNotificationHandler(handler)
}

func (t *rpcTap) Close() error {
	return t.inner.Close()
}

func (t *rpcTap) GetSessionId() string {
	return t.inner.GetSessionId()
}

// SetProtocolVersion forwards to HTTP transports so the negotiated version
// header is sent after the handshake.
func (t *rpcTap) SetProtocolVersion(version string) {
	if conn, ok := t.inner.(mcptransport.HTTPConnection); ok {
		conn.SetProtocolVersion(version)
	}
}

func (t *rpcTap) reset() {
	t.mu.Lock()
	t.lastErr = nil
	t.mu.Unlock()
}

func (t *rpcTap) take() *mcp.JSONRPCErrorDetails {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.lastErr
	t.lastErr = nil
	return d
}

var _ mcptransport.HTTPConnection = (*rpcTap)(nil)

// String implements fmt.Stringer for log output.
func (s *Session) String() string {
	return fmt.Sprintf("session[%s %s]", s.cfg.Server, s.state)
}

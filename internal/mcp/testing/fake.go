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

// Package testing provides in-memory and subprocess tool servers for tests.
package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/toolbridge/internal/mcp/transport"
)

// ToolHandler answers one tools/call. Returning a non-nil rpcErr sends a
// JSON-RPC error body instead of a result.
type ToolHandler func(ctx context.Context, args map[string]any) (result *mcp.CallToolResult, rpcErr *mcp.JSONRPCErrorDetails)

// FakeServer is the shared state behind every FakeTransport it hands out,
// so counters survive reconnects.
type FakeServer struct {
	mu              sync.Mutex
	tools           []mcp.Tool
	handlers        map[string]ToolHandler
	callFailures    []error
	startFailures   []error
	protocolVersion string
	sessionID       string
	initDelay       time.Duration
	callDelay       time.Duration
	calls           map[string]int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	transports  atomic.Int32
	closed      atomic.Int32
}

// NewFakeServer returns a server exposing tools. Unhandled tools echo their
// arguments back as text.
func NewFakeServer(tools ...mcp.Tool) *FakeServer {
	return &FakeServer{
		tools:           tools,
		handlers:        make(map[string]ToolHandler),
		protocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		calls:           make(map[string]int),
	}
}

// Handle installs the handler for a tool.
func (s *FakeServer) Handle(name string, h ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// FailCalls makes the next n tools/call requests fail with err. A nil err
// uses a KindIO transport error. The failing transport stays broken.
func (s *FakeServer) FailCalls(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.callFailures = append(s.callFailures, err)
	}
}

// FailStarts makes the next n transport Start calls fail with err. A nil
// err uses a KindStart transport error.
func (s *FakeServer) FailStarts(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.startFailures = append(s.startFailures, err)
	}
}

// SetProtocolVersion changes the version returned from initialize.
func (s *FakeServer) SetProtocolVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = v
}

// SetSessionID makes initialize return a session token.
func (s *FakeServer) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// SetInitializeDelay delays initialize responses.
func (s *FakeServer) SetInitializeDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initDelay = d
}

// SetCallDelay delays every tools/call, widening any overlap window.
func (s *FakeServer) SetCallDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callDelay = d
}

// Calls returns how many requests of method were received.
func (s *FakeServer) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// MaxConcurrent returns the highest number of requests seen in flight.
func (s *FakeServer) MaxConcurrent() int {
	return int(s.maxInFlight.Load())
}

// Transports returns how many transports were created.
func (s *FakeServer) Transports() int {
	return int(s.transports.Load())
}

// Closed returns how many transports were closed.
func (s *FakeServer) Closed() int {
	return int(s.closed.Load())
}

// NewTransport returns a fresh transport bound to s.
func (s *FakeServer) NewTransport() *FakeTransport {
	s.transports.Add(1)
	return &FakeTransport{server: s}
}

func (s *FakeServer) popFailure(list *[]error, kind transport.Kind) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(*list) == 0 {
		return nil, false
	}
	err := (*list)[0]
	*list = (*list)[1:]
	if err == nil {
		err = &transport.Error{Kind: kind, Server: "fake", Message: "simulated failure"}
	}
	return err, true
}

func (s *FakeServer) enter() {
	n := s.inFlight.Add(1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			return
		}
	}
}

func (s *FakeServer) exit() {
	s.inFlight.Add(-1)
}

// FakeTransport implements the mcp-go transport interface in memory.
type FakeTransport struct {
	server *FakeServer

	mu        sync.Mutex
	started   bool
	broken    bool
	closed    bool
	sessionID string
}

// Start implements transport.Interface.
func (t *FakeTransport) Start(ctx context.Context) error {
	if err, ok := t.server.popFailure(&t.server.startFailures, transport.KindStart); ok {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

// SendRequest implements transport.Interface.
func (t *FakeTransport) SendRequest(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	s := t.server
	s.enter()
	defer s.exit()

	s.mu.Lock()
	s.calls[req.Method]++
	s.mu.Unlock()

	t.mu.Lock()
	usable := t.started && !t.broken && !t.closed
	t.mu.Unlock()
	if !usable {
		return nil, &transport.Error{Kind: transport.KindIO, Server: "fake", Message: "connection unusable"}
	}

	switch req.Method {
	case "initialize":
		return t.initialize(ctx, req)
	case "tools/list":
		s.mu.Lock()
		tools := append([]mcp.Tool(nil), s.tools...)
		s.mu.Unlock()
		return result(req, mcp.ListToolsResult{Tools: tools})
	case "tools/call":
		return t.callTool(ctx, req)
	case "ping":
		return result(req, struct{}{})
	default:
		return errorResponse(req, mcp.METHOD_NOT_FOUND, "method not found: "+req.Method), nil
	}
}

func (t *FakeTransport) initialize(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	s := t.server
	s.mu.Lock()
	delay, version, sid := s.initDelay, s.protocolVersion, s.sessionID
	s.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}

	res := mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      mcp.Implementation{Name: "fake", Version: "1.0.0"},
	}
	res.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged,omitempty"`
	}{}

	if sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return result(req, res)
}

func (t *FakeTransport) callTool(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	s := t.server

	if err, ok := s.popFailure(&s.callFailures, transport.KindIO); ok {
		t.mu.Lock()
		t.broken = true
		t.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	delay := s.callDelay
	s.mu.Unlock()
	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}

	var params mcp.CallToolParams
	raw, _ := json.Marshal(req.Params)
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(req, mcp.INVALID_PARAMS, err.Error()), nil
	}
	args, _ := params.Arguments.(map[string]any)

	s.mu.Lock()
	handler, ok := s.handlers[params.Name]
	known := ok
	if !known {
		for _, tool := range s.tools {
			if tool.Name == params.Name {
				known = true
				break
			}
		}
	}
	s.mu.Unlock()

	if !known {
		return errorResponse(req, mcp.INVALID_PARAMS, fmt.Sprintf("unknown tool %q", params.Name)), nil
	}
	if handler == nil {
		text, _ := json.Marshal(args)
		return result(req, mcp.NewToolResultText(string(text)))
	}

	res, rpcErr := handler(ctx, args)
	if rpcErr != nil {
		return &mcptransport.JSONRPCResponse{JSONRPC: mcp.JSONRPC_VERSION, ID: req.ID, Error: rpcErr}, nil
	}
	return result(req, res)
}

// SendNotification implements transport.Interface.
func (t *FakeTransport) SendNotification(ctx context.Context, n mcp.JSONRPCNotification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.closed {
		return &transport.Error{Kind: transport.KindIO, Server: "fake", Message: "connection unusable"}
	}
	return nil
}

// SetNotificationHandler implements transport.Interface.
func (t *FakeTransport) SetNotificationHandler(func(mcp.JSONRPCNotification)) {}

// Close implements transport.Interface.
func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.server.closed.Add(1)
	return nil
}

// GetSessionId implements transport.Interface.
func (t *FakeTransport) GetSessionId() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// IsClosed reports whether Close was called.
func (t *FakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func result(req mcptransport.JSONRPCRequest, v any) (*mcptransport.JSONRPCResponse, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcptransport.JSONRPCResponse{JSONRPC: mcp.JSONRPC_VERSION, ID: req.ID, Result: raw}, nil
}

func errorResponse(req mcptransport.JSONRPCRequest, code int, msg string) *mcptransport.JSONRPCResponse {
	return &mcptransport.JSONRPCResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      req.ID,
		Error:   &mcp.JSONRPCErrorDetails{Code: code, Message: msg},
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ mcptransport.Interface = (*FakeTransport)(nil)

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
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcptesting "github.com/tombee/toolbridge/internal/mcp/testing"
	"github.com/tombee/toolbridge/internal/mcp/transport"
	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
)

func newTestSession(srv *mcptesting.FakeServer, mutate func(*SessionConfig)) (*Session, *mcptesting.FakeTransport) {
	tr := srv.NewTransport()
	cfg := SessionConfig{
		Server:           "fake",
		Transport:        tr,
		HandshakeTimeout: time.Second,
		CallTimeout:      time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSession(cfg), tr
}

func TestSession_ConnectNegotiates(t *testing.T) {
	srv := mcptesting.NewFakeServer(mcp.NewTool("search", mcp.WithDescription("Search things")))
	srv.SetSessionID("sess-42")
	s, _ := newTestSession(srv, nil)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, SessionConnected, s.State())
	assert.Equal(t, "sess-42", s.SessionID())
	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, s.ProtocolVersion())
	assert.Equal(t, ServerInfo{Name: "fake", Version: "1.0.0"}, s.ServerInfo())
	require.NotNil(t, s.Capabilities().Tools)

	// A second Connect on a live session is a no-op.
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, srv.Calls("initialize"))

	tools, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "Search things", tools[0].Description)
	assert.NotEmpty(t, tools[0].InputSchema)
}

func TestSession_OperationsRequireConnect(t *testing.T) {
	srv := mcptesting.NewFakeServer(mcp.NewTool("search"))
	s, _ := newTestSession(srv, nil)

	_, err := s.ListTools(context.Background())
	assert.True(t, HasCode(err, ErrorCodeNotConnected), "got %v", err)

	res := s.CallTool(context.Background(), "search", nil)
	assert.Equal(t, OutcomeTransportError, res.Outcome)
	assert.True(t, HasCode(res.Err, ErrorCodeNotConnected))

	assert.True(t, HasCode(s.Ping(context.Background()), ErrorCodeNotConnected))
	assert.Zero(t, srv.Calls("tools/list"))
}

func TestSession_CallTool(t *testing.T) {
	srv := mcptesting.NewFakeServer(mcp.NewTool("echo"), mcp.NewTool("broken"), mcp.NewTool("strict"))
	srv.Handle("broken", func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, *mcp.JSONRPCErrorDetails) {
		return mcp.NewToolResultError("disk full"), nil
	})
	srv.Handle("strict", func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, *mcp.JSONRPCErrorDetails) {
		return nil, &mcp.JSONRPCErrorDetails{Code: mcp.INVALID_PARAMS, Message: "missing field q", Data: map[string]any{"field": "q"}}
	})

	s, _ := newTestSession(srv, nil)
	require.NoError(t, s.Connect(context.Background()))

	tests := []struct {
		name    string
		tool    string
		outcome Outcome
		code    int
		message string
	}{
		{name: "success", tool: "echo", outcome: OutcomeOK},
		{name: "isError result", tool: "broken", outcome: OutcomeToolError, message: "disk full"},
		{name: "json-rpc error", tool: "strict", outcome: OutcomeToolError, code: mcp.INVALID_PARAMS, message: "missing field q"},
		{name: "unknown tool", tool: "nope", outcome: OutcomeToolError, code: mcp.INVALID_PARAMS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.CallTool(context.Background(), tt.tool, map[string]any{"q": "x"})
			if res.Outcome != tt.outcome {
				t.Fatalf("outcome = %v, want %v (err %v)", res.Outcome, tt.outcome, res.Error())
			}
			if tt.outcome == OutcomeOK {
				assert.Equal(t, `{"q":"x"}`, res.Text())
				return
			}
			require.NotNil(t, res.ToolErr)
			assert.Equal(t, tt.tool, res.ToolErr.Tool)
			assert.Equal(t, tt.code, res.ToolErr.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, res.ToolErr.Message)
			}
		})
	}

	// Tool failures never break the session.
	assert.Equal(t, SessionConnected, s.State())

	res := s.CallTool(context.Background(), "strict", nil)
	assert.JSONEq(t, `{"field":"q"}`, string(res.ToolErr.DataJSON()))
}

func TestSession_TransportFailureFailsSession(t *testing.T) {
	srv := mcptesting.NewFakeServer(mcp.NewTool("echo"))
	s, tr := newTestSession(srv, nil)
	require.NoError(t, s.Connect(context.Background()))

	srv.FailCalls(1, nil)
	res := s.CallTool(context.Background(), "echo", nil)
	require.Equal(t, OutcomeTransportError, res.Outcome)
	kind, ok := transport.KindOf(res.Err)
	require.True(t, ok, "want transport error, got %v", res.Err)
	assert.Equal(t, transport.KindIO, kind)
	assert.Equal(t, SessionFailed, s.State())

	// A failed session is never reused.
	assert.True(t, HasCode(s.Connect(context.Background()), ErrorCodeNotConnected))

	s.Disconnect()
	assert.True(t, tr.IsClosed())
}

func TestSession_CallTimeout(t *testing.T) {
	srv := mcptesting.NewFakeServer(mcp.NewTool("slow"))
	srv.SetCallDelay(time.Second)
	s, _ := newTestSession(srv, func(c *SessionConfig) { c.CallTimeout = 50 * time.Millisecond })
	require.NoError(t, s.Connect(context.Background()))

	res := s.CallTool(context.Background(), "slow", nil)
	require.Equal(t, OutcomeTransportError, res.Outcome)
	kind, _ := transport.KindOf(res.Err)
	assert.Equal(t, transport.KindIO, kind)
	assert.Equal(t, SessionFailed, s.State())
}

func TestSession_CallerCancellationKeepsSession(t *testing.T) {
	srv := mcptesting.NewFakeServer(mcp.NewTool("slow"))
	srv.SetCallDelay(time.Second)
	s, _ := newTestSession(srv, nil)
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := s.CallTool(ctx, "slow", nil)
	require.Equal(t, OutcomeTransportError, res.Outcome)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded), "got %v", res.Err)
	assert.Equal(t, SessionConnected, s.State())
}

func TestSession_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*mcptesting.FakeServer)
		retryable bool
		check     func(t *testing.T, err error)
	}{
		{
			name:      "timeout",
			setup:     func(s *mcptesting.FakeServer) { s.SetInitializeDelay(time.Second) },
			retryable: true,
			check: func(t *testing.T, err error) {
				assert.True(t, HasCode(err, ErrorCodeHandshake))
				var te *pkgerrors.TimeoutError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, "initialize", te.Operation)
				assert.Equal(t, 50*time.Millisecond, te.Duration)
			},
		},
		{
			name:  "incompatible version",
			setup: func(s *mcptesting.FakeServer) { s.SetProtocolVersion("1999-01-01") },
			check: func(t *testing.T, err error) {
				var me *MCPError
				require.True(t, errors.As(err, &me))
				assert.Equal(t, ErrorCodeHandshake, me.Code)
				assert.Contains(t, me.Detail, "1999-01-01")
			},
		},
		{
			name:      "start failure",
			setup:     func(s *mcptesting.FakeServer) { s.FailStarts(1, nil) },
			retryable: true,
			check: func(t *testing.T, err error) {
				kind, ok := transport.KindOf(err)
				require.True(t, ok)
				assert.Equal(t, transport.KindStart, kind)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mcptesting.NewFakeServer()
			tt.setup(srv)
			s, tr := newTestSession(srv, func(c *SessionConfig) { c.HandshakeTimeout = 50 * time.Millisecond })

			err := s.Connect(context.Background())
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.retryable, shouldReconnect(err))
			assert.Equal(t, SessionFailed, s.State())
			assert.True(t, tr.IsClosed(), "failed connect must release the transport")
		})
	}
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	srv := mcptesting.NewFakeServer()
	srv.SetSessionID("abc")
	s, tr := newTestSession(srv, nil)
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	s.Disconnect()

	assert.True(t, tr.IsClosed())
	assert.Equal(t, 1, srv.Closed())
	assert.Equal(t, SessionDisconnected, s.State())
	assert.Empty(t, s.SessionID())
	assert.Empty(t, s.ProtocolVersion())
}

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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"sync"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	sse "github.com/tmaxmax/go-sse"

	"github.com/tombee/toolbridge/internal/config"
	"github.com/tombee/toolbridge/internal/log"
	"github.com/tombee/toolbridge/pkg/httpclient"
)

const (
	// HeaderSessionID carries the session token issued on initialize.
	HeaderSessionID = mcptransport.HeaderKeySessionID

	// HeaderProtocolVersion carries the negotiated protocol version.
	HeaderProtocolVersion = mcptransport.HeaderKeyProtocolVersion

	methodInitialize = "initialize"

	// maxErrorBody bounds how much of an error response we read.
	maxErrorBody = 64 * 1024
)

// HeaderFunc supplies per-request headers, such as a bearer token fetched
// from the credential store. An error fails the request as KindAuth.
type HeaderFunc func(ctx context.Context) (map[string]string, error)

// HTTPConfig describes a tool server reached over HTTP.
type HTTPConfig struct {
	// Server is the configured server name, used in logs and errors.
	Server string

	// URL is the JSON-RPC endpoint.
	URL string

	// Headers are sent on every request. Values of the form ${NAME} are read
	// from the host environment at Start; unset references are dropped.
	Headers map[string]string

	// HeaderFunc adds dynamic headers to every request. Optional.
	HeaderFunc HeaderFunc

	// Client overrides the HTTP client. Defaults to a logging client with
	// its own connection pool.
	Client *http.Client

	// Lookup overrides environment lookups. Defaults to os.LookupEnv.
	Lookup config.LookupFunc
}

// HTTP sends JSON-RPC requests as POSTs and accepts either a JSON body or
// an SSE stream in reply.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger

	mu              sync.RWMutex
	headers         map[string]string
	sessionID       string
	protocolVersion string
	started         bool
	closed          bool

	notifyMu sync.RWMutex
	onNotify func(mcp.JSONRPCNotification)
}

// NewHTTP returns an unstarted HTTP transport.
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) *HTTP {
	logger = log.WithServer(logger, cfg.Server)
	if cfg.Lookup == nil {
		cfg.Lookup = os.LookupEnv
	}
	client := cfg.Client
	if client == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		client = &http.Client{Transport: log.NewRoundTripper(base, logger)}
	}
	return &HTTP{cfg: cfg, client: client, logger: logger}
}

// Start resolves header references. No request is sent until the first
// SendRequest.
func (h *HTTP) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.cfg.URL == "" {
		return newError(KindStart, h.cfg.Server, "no url configured", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return newError(KindStart, h.cfg.Server, "transport already closed", nil)
	}
	h.headers = config.ResolveMap(h.cfg.Headers, h.cfg.Lookup, h.logger)
	h.started = true
	h.logger.Debug("http transport started", "url", httpclient.SanitizeRawURL(h.cfg.URL))
	return nil
}

// SendRequest posts one request and returns its response. A JSON-RPC error
// object in the body is returned as a response, not as an error.
func (h *HTTP) SendRequest(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, newError(KindProtocol, h.cfg.Server, "failed to encode request", err)
	}

	resp, err := h.post(ctx, req.Method, body, req.Header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return h.handleErrorStatus(req, resp)
	}

	if sid := resp.Header.Get(HeaderSessionID); sid != "" {
		h.setSessionID(sid)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var out *mcptransport.JSONRPCResponse
	switch mediaType {
	case "application/json":
		out, err = h.decodeJSON(req, resp.Body)
	case "text/event-stream":
		out, err = h.readStream(req, resp.Body)
	default:
		return nil, &Error{
			Kind:       KindProtocol,
			Server:     h.cfg.Server,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected content type %q", mediaType),
		}
	}
	if err != nil {
		return nil, err
	}

	if req.Method == methodInitialize && h.SessionID() == "" && out.Error == nil {
		var result struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(out.Result, &result) == nil && result.SessionID != "" {
			h.setSessionID(result.SessionID)
		}
	}
	return out, nil
}

// SendNotification posts a notification. The server replies 202 with no body.
func (h *HTTP) SendNotification(ctx context.Context, n mcp.JSONRPCNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return newError(KindProtocol, h.cfg.Server, "failed to encode notification", err)
	}

	resp, err := h.post(ctx, n.Method, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return h.statusError(n.Method, resp.StatusCode)
	}
	return nil
}

func (h *HTTP) post(ctx context.Context, method string, body []byte, extra http.Header) (*http.Response, error) {
	h.mu.RLock()
	started, closed := h.started, h.closed
	h.mu.RUnlock()
	if !started {
		return nil, newError(KindIO, h.cfg.Server, "transport not started", nil)
	}
	if closed {
		return nil, newError(KindIO, h.cfg.Server, "transport closed", nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindProtocol, h.cfg.Server, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, vs := range extra {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if err := h.applyHeaders(ctx, httpReq); err != nil {
		return nil, err
	}

	log.Trace(h.logger, "sending frame", slog.String("method", method), slog.Int("bytes", len(body)))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, classifyIOError(h.cfg.Server, method, err)
	}
	return resp, nil
}

func (h *HTTP) applyHeaders(ctx context.Context, req *http.Request) error {
	h.mu.RLock()
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	sid, version := h.sessionID, h.protocolVersion
	h.mu.RUnlock()

	if h.cfg.HeaderFunc != nil {
		dynamic, err := h.cfg.HeaderFunc(ctx)
		if err != nil {
			return newError(KindAuth, h.cfg.Server, "failed to obtain request credentials", err)
		}
		for k, v := range dynamic {
			req.Header.Set(k, v)
		}
	}
	if sid != "" {
		req.Header.Set(HeaderSessionID, sid)
	}
	if version != "" {
		req.Header.Set(HeaderProtocolVersion, version)
	}
	return nil
}

// handleErrorStatus maps a non-2xx reply. On the handshake 401 is an auth
// failure, 408, 429 and 5xx are I/O failures worth a fresh connection, and
// anything else is a protocol failure. Later requests may still carry a
// JSON-RPC error body, which is returned as a response.
func (h *HTTP) handleErrorStatus(req mcptransport.JSONRPCRequest, resp *http.Response) (*mcptransport.JSONRPCResponse, error) {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if req.Method == methodInitialize {
		kind := KindProtocol
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			kind = KindAuth
		case httpclient.IsRetryableStatus(resp.StatusCode):
			kind = KindIO
		}
		return nil, &Error{
			Kind:       kind,
			Server:     h.cfg.Server,
			StatusCode: resp.StatusCode,
			Message:    "handshake rejected",
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusNotFound && h.SessionID() != "",
		httpclient.IsRetryableStatus(resp.StatusCode):
		return nil, h.statusError(req.Method, resp.StatusCode)
	}

	var out mcptransport.JSONRPCResponse
	if json.Unmarshal(data, &out) == nil && out.Error != nil {
		return &out, nil
	}
	return nil, h.statusError(req.Method, resp.StatusCode)
}

func (h *HTTP) statusError(method string, status int) error {
	e := &Error{Server: h.cfg.Server, StatusCode: status}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
		e.Message = method + " unauthorized"
	case status == http.StatusNotFound && h.SessionID() != "":
		e.Kind = KindIO
		e.Message = "session terminated by server"
	case httpclient.IsRetryableStatus(status):
		e.Kind = KindIO
		e.Message = method + " failed with " + http.StatusText(status)
	default:
		e.Kind = KindProtocol
		e.Message = method + " rejected"
	}
	return e
}

func (h *HTTP) decodeJSON(req mcptransport.JSONRPCRequest, body io.Reader) (*mcptransport.JSONRPCResponse, error) {
	var out mcptransport.JSONRPCResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, newError(KindProtocol, h.cfg.Server, "failed to decode "+req.Method+" response", err)
	}
	if out.ID.String() != req.ID.String() {
		return nil, newError(KindProtocol, h.cfg.Server,
			fmt.Sprintf("response id %s does not match request id %s", out.ID.String(), req.ID.String()), nil)
	}
	return &out, nil
}

// readStream consumes SSE events until the response to req arrives.
// Notifications seen on the way are dispatched to the handler.
func (h *HTTP) readStream(req mcptransport.JSONRPCRequest, body io.Reader) (*mcptransport.JSONRPCResponse, error) {
	want := req.ID.String()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			return nil, classifyIOError(h.cfg.Server, req.Method, err)
		}
		if ev.Data == "" {
			continue
		}

		var msg struct {
			ID     *mcp.RequestId `json:"id,omitempty"`
			Method string         `json:"method,omitempty"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			h.logger.Debug("skipping undecodable event", "event", ev.Type)
			continue
		}

		if msg.Method != "" && msg.ID == nil {
			var n mcp.JSONRPCNotification
			if json.Unmarshal([]byte(ev.Data), &n) == nil {
				h.dispatch(n)
			}
			continue
		}
		if msg.ID == nil || msg.Method != "" || msg.ID.String() != want {
			continue
		}

		var out mcptransport.JSONRPCResponse
		if err := json.Unmarshal([]byte(ev.Data), &out); err != nil {
			return nil, newError(KindProtocol, h.cfg.Server, "failed to decode "+req.Method+" response", err)
		}
		return &out, nil
	}

	return nil, newError(KindIO, h.cfg.Server, "event stream ended before "+req.Method+" response", nil)
}

func (h *HTTP) dispatch(n mcp.JSONRPCNotification) {
	h.notifyMu.RLock()
	handler := h.onNotify
	h.notifyMu.RUnlock()
	if handler != nil {
		handler(n)
	}
}

// SetNotificationHandler registers the handler for notifications that
// arrive on response streams.
func (h *HTTP) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	h.onNotify = handler
}

// SetProtocolVersion records the negotiated version for later requests.
func (h *HTTP) SetProtocolVersion(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protocolVersion = version
}

// GetSessionId returns the session token issued on initialize, if any.
func (h *HTTP) GetSessionId() string {
	return h.SessionID()
}

// SessionID returns the session token issued on initialize, if any.
func (h *HTTP) SessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

func (h *HTTP) setSessionID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

// Close terminates the remote session with a best-effort DELETE and
// releases pooled connections. Safe to call more than once.
func (h *HTTP) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sid := h.sessionID
	h.mu.Unlock()

	var closeErr error
	if sid != "" {
		closeErr = h.terminateSession()
	}

	h.mu.Lock()
	h.sessionID = ""
	h.mu.Unlock()

	h.client.CloseIdleConnections()
	return closeErr
}

func (h *HTTP) terminateSession() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.cfg.URL, nil)
	if err != nil {
		return err
	}
	if err := h.applyHeaders(ctx, req); err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return classifyIOError(h.cfg.Server, "session delete", err)
	}
	resp.Body.Close()

	// 405 means the server does not support explicit termination.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
		return h.statusError("session delete", resp.StatusCode)
	}
	return nil
}

var (
	_ mcptransport.Interface      = (*HTTP)(nil)
	_ mcptransport.HTTPConnection = (*HTTP)(nil)
)

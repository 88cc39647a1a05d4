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
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/toolbridge/internal/config"
	"github.com/tombee/toolbridge/internal/log"
	"github.com/tombee/toolbridge/internal/mcp/transport"
	"github.com/tombee/toolbridge/pkg/httpclient"
)

// httpClientTimeout is an upper bound only; sessions apply their own
// handshake and call timeouts.
const httpClientTimeout = 5 * time.Minute

// Key identifies one connection. Principal is empty for shared servers.
type Key struct {
	Server    string
	Principal string
}

func (k Key) String() string {
	if k.Principal == "" {
		return k.Server
	}
	return k.Server + "@" + k.Principal
}

// TokenSource returns a principal's current access token for a service.
// The credential store implements it.
type TokenSource interface {
	AccessToken(ctx context.Context, principal, service string) (string, error)
}

// TransportFactory builds the transport for one connection.
type TransportFactory func(server string, entry *config.ServerEntry, principal string) (mcptransport.Interface, error)

// ManagerConfig configures the MCP manager.
type ManagerConfig struct {
	// Servers maps server names to their configuration.
	Servers map[string]*config.ServerEntry

	// StopTimeout bounds each facade's Close (default: 5s).
	StopTimeout time.Duration

	// Tokens supplies bearer tokens for per-user http servers with an
	// auth_service. Optional.
	Tokens TokenSource

	// NewTransport overrides transport construction (optional).
	NewTransport TransportFactory

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Manager owns every Facade in the process. Callers ask it for a
// connection by key instead of holding clients of their own.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	client *http.Client

	mu      sync.Mutex
	servers map[string]*config.ServerEntry
	facades map[Key]*Facade
	closed  bool
}

// NewManager creates a manager. Connections are opened lazily.
func NewManager(cfg ManagerConfig) *Manager {
	client := httpclient.MustNew(httpclient.Config{
		Timeout:   httpClientTimeout,
		UserAgent: ClientName + "/" + ClientVersion,
		Logger:    cfg.Logger,
	})
	m := &Manager{
		cfg:     cfg,
		logger:  log.WithComponent(cfg.Logger, "mcp-manager"),
		client:  client,
		servers: copyServers(cfg.Servers),
		facades: make(map[Key]*Facade),
	}
	if m.cfg.NewTransport == nil {
		m.cfg.NewTransport = m.defaultTransport
	}
	return m
}

// Servers returns the configured server names, sorted.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the facade for key, creating it if needed. A facade that has
// failed permanently is replaced with a fresh one.
func (m *Manager) Get(key Key) (*Facade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewMCPError(ErrorCodeClosed, "manager is closed")
	}

	entry, ok := m.servers[key.Server]
	if !ok || entry == nil {
		return nil, ErrServerNotFound(key.Server)
	}
	key, err := normalizeKey(key, entry)
	if err != nil {
		return nil, err
	}
	if err := m.checkEntry(key.Server, entry); err != nil {
		return nil, err
	}

	if f, ok := m.facades[key]; ok {
		switch f.State() {
		case StateFailed, StateClosed:
			m.logger.Info("replacing failed connection", log.ServerKey, key.Server, log.PrincipalKey, key.Principal)
			go f.Close()
			delete(m.facades, key)
		default:
			return f, nil
		}
	}

	f := m.newFacade(key, entry)
	m.facades[key] = f
	return f, nil
}

func normalizeKey(key Key, entry *config.ServerEntry) (Key, error) {
	if !entry.PerUser {
		return Key{Server: key.Server}, nil
	}
	if key.Principal == "" {
		return key, NewMCPError(ErrorCodeConfig, "principal required").
			WithServer(key.Server).
			WithDetail("server is configured per_user")
	}
	return key, nil
}

// checkEntry catches configuration that can never produce a transport so
// it is reported once instead of on every reconnect.
func (m *Manager) checkEntry(server string, entry *config.ServerEntry) error {
	switch entry.Type {
	case config.ServerTypeStdio, config.ServerTypeHTTP:
	default:
		return NewMCPError(ErrorCodeConfig, fmt.Sprintf("unknown server type %q", entry.Type)).WithServer(server)
	}
	if entry.Type == config.ServerTypeHTTP && entry.PerUser && entry.AuthService != "" && m.cfg.Tokens == nil {
		return NewMCPError(ErrorCodeConfig, "no credential store configured").
			WithServer(server).
			WithDetail("auth_service " + entry.AuthService + " needs stored credentials")
	}
	return nil
}

func (m *Manager) newFacade(key Key, entry *config.ServerEntry) *Facade {
	logger := log.WithPrincipal(m.cfg.Logger, key.Principal, "")
	return NewFacade(FacadeConfig{
		Server:      key.Server,
		MaxAttempts: entry.MaxAttempts,
		StopTimeout: m.cfg.StopTimeout,
		Logger:      logger,
		NewSession: func() *Session {
			tr, err := m.cfg.NewTransport(key.Server, entry, key.Principal)
			if err != nil {
				tr = brokenTransport{server: key.Server, err: err}
			}
			return NewSession(SessionConfig{
				Server:           key.Server,
				Transport:        tr,
				HandshakeTimeout: entry.HandshakeTimeout,
				CallTimeout:      entry.Timeout,
				Logger:           logger,
			})
		},
	})
}

func (m *Manager) defaultTransport(server string, entry *config.ServerEntry, principal string) (mcptransport.Interface, error) {
	logger := log.WithPrincipal(m.cfg.Logger, principal, "")

	switch entry.Type {
	case config.ServerTypeStdio:
		return transport.NewProcess(transport.ProcessConfig{
			Server:      server,
			Command:     entry.Command,
			Args:        entry.Args,
			Dir:         entry.Dir,
			Env:         entry.Env,
			IsolateEnv:  entry.IsolateEnv,
			StopTimeout: m.cfg.StopTimeout,
		}, logger), nil

	case config.ServerTypeHTTP:
		cfg := transport.HTTPConfig{
			Server:  server,
			URL:     entry.URL,
			Headers: entry.Headers,
			Client:  m.client,
		}
		if entry.PerUser && entry.AuthService != "" && m.cfg.Tokens != nil {
			cfg.HeaderFunc = bearerHeader(m.cfg.Tokens, principal, entry.AuthService)
		}
		return transport.NewHTTP(cfg, logger), nil

	default:
		return nil, fmt.Errorf("unknown server type %q", entry.Type)
	}
}

// bearerHeader fetches the principal's token on every request so refreshed
// tokens are picked up without reconnecting.
func bearerHeader(tokens TokenSource, principal, service string) transport.HeaderFunc {
	return func(ctx context.Context) (map[string]string, error) {
		token, err := tokens.AccessToken(ctx, principal, service)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}
}

// ListTools returns the catalog of the server behind key.
func (m *Manager) ListTools(ctx context.Context, key Key) ([]ToolDefinition, error) {
	f, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	return f.ListTools(ctx)
}

// CallTool invokes a tool on the server behind key.
func (m *Manager) CallTool(ctx context.Context, key Key, tool string, args map[string]any) Result {
	f, err := m.Get(key)
	if err != nil {
		return Result{Outcome: OutcomeTransportError, Err: err}
	}
	return f.CallTool(ctx, tool, args)
}

// Status returns the status of an open connection.
func (m *Manager) Status(key Key) (Status, bool) {
	m.mu.Lock()
	f, ok := m.facades[key]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return f.Status(), true
}

// ListStatus returns the status of every open connection, sorted by server
// then principal.
func (m *Manager) ListStatus() []Status {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.facades))
	for k := range m.facades {
		keys = append(keys, k)
	}
	facades := make(map[Key]*Facade, len(m.facades))
	for k, f := range m.facades {
		facades[k] = f
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Server != keys[j].Server {
			return keys[i].Server < keys[j].Server
		}
		return keys[i].Principal < keys[j].Principal
	})

	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		out = append(out, facades[k].Status())
	}
	return out
}

// Remove closes and forgets the connection for key.
func (m *Manager) Remove(key Key) {
	m.mu.Lock()
	f, ok := m.facades[key]
	delete(m.facades, key)
	m.mu.Unlock()

	if ok {
		_ = f.Close()
	}
}

// Reload swaps in a new server table. Connections whose server disappeared
// or whose configuration changed are closed; the rest keep running.
func (m *Manager) Reload(servers map[string]*config.ServerEntry) {
	m.mu.Lock()
	var stale []*Facade
	for key, f := range m.facades {
		next, ok := servers[key.Server]
		if ok && reflect.DeepEqual(next, m.servers[key.Server]) {
			continue
		}
		stale = append(stale, f)
		delete(m.facades, key)
	}
	m.servers = copyServers(servers)
	m.mu.Unlock()

	if len(stale) > 0 {
		m.logger.Info("configuration changed, closing connections", "count", len(stale))
	}
	closeAll(stale)
}

// Close closes every connection concurrently. Further Get calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	facades := make([]*Facade, 0, len(m.facades))
	for _, f := range m.facades {
		facades = append(facades, f)
	}
	m.facades = make(map[Key]*Facade)
	m.mu.Unlock()

	closeAll(facades)
	m.client.CloseIdleConnections()
	return nil
}

func closeAll(facades []*Facade) {
	var g errgroup.Group
	for _, f := range facades {
		g.Go(f.Close)
	}
	_ = g.Wait()
}

// brokenTransport stands in when a transport cannot be built. It fails the
// handshake with a non-retryable error.
type brokenTransport struct {
	server string
	err    error
}

func (b brokenTransport) Start(context.Context) error {
	return &transport.Error{Kind: transport.KindProtocol, Server: b.server, Message: "cannot build transport", Cause: b.err}
}

func (b brokenTransport) SendRequest(context.Context, mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	return nil, b.Start(context.Background())
}

func (b brokenTransport) SendNotification(context.Context, mcp.JSONRPCNotification) error {
	return b.Start(context.Background())
}

func (brokenTransport) SetNotificationHandler(func(mcp.JSONRPCNotification)) {}

func (brokenTransport) Close() error { return nil }

func (brokenTransport) GetSessionId() string { return "" }

func copyServers(in map[string]*config.ServerEntry) map[string]*config.ServerEntry {
	out := make(map[string]*config.ServerEntry, len(in))
	for name, entry := range in {
		if entry == nil {
			continue
		}
		cp := *entry
		out[name] = &cp
	}
	return out
}

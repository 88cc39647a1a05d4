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

// Package app wires configuration into the long-lived components: the MCP
// connection manager, the credential store and per-principal request
// executors.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tombee/toolbridge/internal/config"
	"github.com/tombee/toolbridge/internal/credentials"
	"github.com/tombee/toolbridge/internal/executor"
	"github.com/tombee/toolbridge/internal/log"
	"github.com/tombee/toolbridge/internal/mcp"
	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
	"github.com/tombee/toolbridge/pkg/httpclient"
)

// clientTimeout is an upper bound for the shared HTTP client. Executors
// bound each attempt with their own, shorter timeout.
const clientTimeout = 5 * time.Minute

// Options configures New.
type Options struct {
	// Config is the loaded configuration. Required.
	Config *config.Config

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Lookup resolves ${NAME} references and the master key variable.
	// Defaults to os.LookupEnv.
	Lookup config.LookupFunc

	// Backend and Cipher override the credential store settings.
	Backend credentials.Backend
	Cipher  credentials.Cipher
}

// App holds the components built from one configuration.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	lookup config.LookupFunc
	client *http.Client
	limits *executor.RateLimits

	// Manager owns every tool server connection.
	Manager *mcp.Manager

	storeOnce sync.Once
	store     *credentials.Store
	storeErr  error
	backend   credentials.Backend
	cipher    credentials.Cipher

	mu        sync.Mutex
	executors map[executorKey]*executor.Executor
	limiters  map[string]*rate.Limiter
	watcher   *config.Watcher
}

type executorKey struct {
	service   string
	principal string
}

// New builds an App. The credential store is opened on first use so
// commands that never touch credentials do not need a master key.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	logger := log.OrDefault(opts.Logger)

	hc := httpclient.DefaultConfig()
	hc.Timeout = clientTimeout
	hc.UserAgent = mcp.ClientName + "/" + mcp.ClientVersion
	hc.Logger = logger
	client, err := httpclient.New(hc)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       opts.Config,
		logger:    logger,
		lookup:    opts.Lookup,
		client:    client,
		limits:    executor.NewRateLimits(),
		backend:   opts.Backend,
		cipher:    opts.Cipher,
		executors: make(map[executorKey]*executor.Executor),
		limiters:  make(map[string]*rate.Limiter),
	}
	a.Manager = mcp.NewManager(mcp.ManagerConfig{
		Servers:     opts.Config.Servers,
		StopTimeout: opts.Config.Facade.StopTimeout,
		Tokens:      storeTokens{a},
		Logger:      logger,
	})
	return a, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Store opens the credential store on first call.
func (a *App) Store() (*credentials.Store, error) {
	a.storeOnce.Do(func() {
		a.store, a.storeErr = a.openStore(context.Background())
	})
	return a.store, a.storeErr
}

func (a *App) openStore(ctx context.Context) (*credentials.Store, error) {
	cc := a.cfg.Credentials

	cipher := a.cipher
	if cipher == nil {
		var err error
		if cipher, err = a.openCipher(); err != nil {
			return nil, err
		}
	}

	backend := a.backend
	if backend == nil {
		switch cc.Backend {
		case "memory":
			backend = credentials.NewMemoryBackend()
		case "keychain":
			kb := credentials.NewKeychainBackend(cc.KeychainService)
			if !kb.Available() {
				return nil, &pkgerrors.ConfigError{
					Key:    "credentials.backend",
					Reason: "system keychain is not available",
					Cause:  credentials.ErrKeychainUnavailable,
				}
			}
			backend = kb
		default:
			path, err := a.dataPath(cc.Path, "credentials.db")
			if err != nil {
				return nil, err
			}
			if backend, err = credentials.OpenSQLite(ctx, path); err != nil {
				return nil, err
			}
		}
	}

	return credentials.NewStore(credentials.StoreConfig{
		Backend:   backend,
		Cipher:    cipher,
		Refresher: credentials.NewOAuthRefresher(a.oauthClients(), a.client),
		Logger:    a.logger,
	})
}

func (a *App) openCipher() (credentials.Cipher, error) {
	cc := a.cfg.Credentials
	if cc.Cipher == "age" {
		identity, err := credentials.LoadOrCreateAgeIdentity(cc.AgeIdentityFile)
		if err != nil {
			return nil, err
		}
		return credentials.NewAgeCipher(identity), nil
	}

	master, ok := a.lookup(cc.MasterKeyEnv)
	if !ok || master == "" {
		return nil, &pkgerrors.ConfigError{
			Key:    "credentials.master_key_env",
			Reason: fmt.Sprintf("%s is not set", cc.MasterKeyEnv),
		}
	}
	saltPath := filepath.Join(filepath.Dir(cc.Path), "credentials.salt")
	if cc.Path == "" {
		var err error
		if saltPath, err = a.dataPath("", "credentials.salt"); err != nil {
			return nil, err
		}
	}
	salt, err := credentials.LoadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	return credentials.NewAESCipherFromMaster([]byte(master), salt)
}

func (a *App) dataPath(configured, name string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dir, err := config.DataDir()
	if err != nil {
		return "", &pkgerrors.ConfigError{Key: "credentials.path", Reason: "cannot resolve data directory", Cause: err}
	}
	return filepath.Join(dir, name), nil
}

func (a *App) oauthClients() map[string]*oauth2.Config {
	clients := make(map[string]*oauth2.Config, len(a.cfg.Credentials.OAuth))
	for service, c := range a.cfg.Credentials.OAuth {
		secret, ok := config.ResolveValue(c.ClientSecret, a.lookup)
		if !ok {
			name, _ := config.EnvRef(c.ClientSecret)
			a.logger.Warn("oauth client secret variable is not set",
				slog.String(log.ServiceKey, service),
				slog.String("variable", name),
			)
		}
		clients[service] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: secret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.AuthURL,
				TokenURL: c.TokenURL,
			},
			RedirectURL: c.RedirectURL,
			Scopes:      c.Scopes,
		}
	}
	return clients
}

// AuthCodeURL returns the consent page URL for service (and app, when
// several OAuth clients are configured for it) with a PKCE challenge for
// verifier.
func (a *App) AuthCodeURL(service, app, state, verifier string) (string, error) {
	r := credentials.NewOAuthRefresher(a.oauthClients(), a.client)
	url, err := r.AuthCodeURL(credentials.Key{Service: service, App: app}, state, verifier)
	if errors.Is(err, credentials.ErrUnknownService) {
		return "", &pkgerrors.ConfigError{
			Key:    "credentials.oauth." + service,
			Reason: "no OAuth client configured",
			Cause:  err,
		}
	}
	return url, err
}

// Executor returns the request executor for (service, principal), creating
// it on first use. Executors of one service share a rate-limit deadline
// and pacing limiter.
func (a *App) Executor(service, principal string) (*executor.Executor, error) {
	entry, ok := a.cfg.APIs[service]
	if !ok || entry == nil {
		return nil, &pkgerrors.NotFoundError{Resource: "api", ID: service}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	key := executorKey{service: service, principal: principal}
	if e, ok := a.executors[key]; ok {
		return e, nil
	}

	cfg := executor.Config{
		Service:        service,
		Principal:      principal,
		BaseURL:        entry.BaseURL,
		Client:         a.client,
		RateLimits:     a.limits,
		Limiter:        a.limiterLocked(service, entry),
		CacheTTL:       entry.CacheTTL,
		MaxRetries:     entry.MaxRetries,
		InitialBackoff: entry.InitialBackoff,
		MaxBackoff:     entry.MaxBackoff,
		Multiplier:     entry.Multiplier,
		Timeout:        entry.Timeout,
		Logger:         a.logger,
	}
	if principal != "" {
		authService := entry.AuthService
		cfg.Tokens = executor.TokenFunc(func(ctx context.Context) (string, error) {
			return storeTokens{a}.AccessToken(ctx, principal, authService)
		})
	}

	e, err := executor.New(cfg)
	if err != nil {
		return nil, err
	}
	a.executors[key] = e
	return e, nil
}

func (a *App) limiterLocked(service string, entry *config.APIEntry) *rate.Limiter {
	if entry.RequestsPerSecond <= 0 {
		return nil
	}
	if l, ok := a.limiters[service]; ok {
		return l
	}
	burst := entry.Burst
	if burst == 0 {
		burst = int(math.Max(1, math.Ceil(entry.RequestsPerSecond)))
	}
	l := rate.NewLimiter(rate.Limit(entry.RequestsPerSecond), burst)
	a.limiters[service] = l
	return l
}

// Watch reloads tool server definitions whenever the file at path changes.
func (a *App) Watch(path string) error {
	w, err := config.NewWatcher(config.WatcherConfig{
		Path:   path,
		Logger: a.logger,
		OnChange: func(cfg *config.Config) {
			a.logger.Info("configuration changed, reloading servers", slog.Int("servers", len(cfg.Servers)))
			a.Manager.Reload(cfg.Servers)
		},
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()
	return nil
}

// Close stops the watcher, closes every connection and the credential
// store.
func (a *App) Close() error {
	a.mu.Lock()
	w := a.watcher
	a.watcher = nil
	a.mu.Unlock()

	var errs []error
	if w != nil {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.client.CloseIdleConnections()
	return errors.Join(errs...)
}

// storeTokens opens the store lazily for token consumers.
type storeTokens struct{ a *App }

func (t storeTokens) AccessToken(ctx context.Context, principal, service string) (string, error) {
	store, err := t.a.Store()
	if err != nil {
		return "", err
	}
	return store.AccessToken(ctx, principal, service)
}

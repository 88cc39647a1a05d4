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

// Package config loads the toolbridge YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
)

// ServerType selects the transport used to reach a tool server.
type ServerType string

const (
	// ServerTypeStdio launches the server as a child process.
	ServerTypeStdio ServerType = "stdio"
	// ServerTypeHTTP talks JSON-RPC over HTTP POST.
	ServerTypeHTTP ServerType = "http"
)

// Config is the root of the configuration file.
type Config struct {
	Log         LogConfig               `yaml:"log,omitempty"`
	Facade      FacadeConfig            `yaml:"facade,omitempty"`
	Servers     map[string]*ServerEntry `yaml:"servers,omitempty"`
	APIs        map[string]*APIEntry    `yaml:"apis,omitempty"`
	Credentials CredentialsConfig       `yaml:"credentials,omitempty"`
}

// LogConfig mirrors log.Config for the file format.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// FacadeConfig holds defaults shared by every tool server connection.
type FacadeConfig struct {
	// MaxAttempts bounds attempts per operation, including the first (default: 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// StopTimeout bounds how long Close waits for the worker (default: 5s).
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	// HandshakeTimeout bounds the initialize exchange (default: 10s).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`

	// CallTimeout bounds a single tool call (default: 30s).
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
}

// ServerEntry describes one tool server.
type ServerEntry struct {
	// Type is stdio or http. Inferred from Command/URL when empty.
	Type ServerType `yaml:"type,omitempty"`

	// Command is the executable to run (stdio only).
	Command string `yaml:"command,omitempty"`

	// Args are command-line arguments (stdio only).
	Args []string `yaml:"args,omitempty"`

	// Dir is the working directory for the child process (stdio only).
	Dir string `yaml:"dir,omitempty"`

	// Env holds extra environment variables. A value of the form ${NAME}
	// is read from the host environment at launch.
	Env map[string]string `yaml:"env,omitempty"`

	// IsolateEnv stops the child from inheriting the host environment.
	IsolateEnv bool `yaml:"isolate_env,omitempty"`

	// URL is the JSON-RPC endpoint (http only).
	URL string `yaml:"url,omitempty"`

	// Headers are sent on every request (http only). Values support ${NAME}.
	Headers map[string]string `yaml:"headers,omitempty"`

	// PerUser gives every principal its own connection.
	PerUser bool `yaml:"per_user,omitempty"`

	// AuthService names the credential service whose token is sent as a
	// bearer header on per-user http connections.
	AuthService string `yaml:"auth_service,omitempty"`

	// Timeout overrides facade.call_timeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// HandshakeTimeout overrides facade.handshake_timeout.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`

	// MaxAttempts overrides facade.max_attempts.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// APIEntry describes a remote REST API reached through the request executor.
type APIEntry struct {
	BaseURL string `yaml:"base_url"`

	// AuthService names the credential service providing bearer tokens.
	// Defaults to the API name.
	AuthService string `yaml:"auth_service,omitempty"`

	CacheTTL       time.Duration `yaml:"cache_ttl,omitempty"`
	MaxRetries     int           `yaml:"max_retries,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`

	// RequestsPerSecond paces outgoing requests when positive.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// CredentialsConfig selects the credential store backend and cipher.
type CredentialsConfig struct {
	// Backend is sqlite, keychain or memory (default: sqlite).
	Backend string `yaml:"backend,omitempty"`

	// Path is the sqlite database file (default: $XDG_DATA_HOME/toolbridge/credentials.db).
	Path string `yaml:"path,omitempty"`

	// Cipher is aes or age (default: aes).
	Cipher string `yaml:"cipher,omitempty"`

	// MasterKeyEnv names the variable holding the aes master key
	// (default: TOOLBRIDGE_MASTER_KEY).
	MasterKeyEnv string `yaml:"master_key_env,omitempty"`

	// AgeIdentityFile holds an X25519 age identity (age cipher only).
	AgeIdentityFile string `yaml:"age_identity_file,omitempty"`

	// KeychainService is the keychain service name (default: toolbridge).
	KeychainService string `yaml:"keychain_service,omitempty"`

	// OAuth holds per-service OAuth2 client settings used for refresh.
	OAuth map[string]*OAuthClient `yaml:"oauth,omitempty"`
}

// OAuthClient holds OAuth2 client settings. ClientSecret supports ${NAME}.
type OAuthClient struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	AuthURL      string   `yaml:"auth_url,omitempty"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Facade: FacadeConfig{
			MaxAttempts:      3,
			StopTimeout:      5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Servers: make(map[string]*ServerEntry),
		APIs:    make(map[string]*APIEntry),
		Credentials: CredentialsConfig{
			Backend:         "sqlite",
			Cipher:          "aes",
			MasterKeyEnv:    "TOOLBRIDGE_MASTER_KEY",
			KeychainService: appName,
			OAuth:           make(map[string]*OAuthClient),
		},
	}
}

// Load reads configPath, applies defaults and validates the result.
// An empty path uses ConfigPath(); a missing default file yields Default().
func Load(configPath string) (*Config, error) {
	explicit := configPath != ""
	if !explicit {
		p, err := ConfigPath()
		if err != nil {
			return nil, &pkgerrors.ConfigError{Key: "config_file", Reason: "cannot resolve config directory", Cause: err}
		}
		configPath = p
	}

	cfg := Default()
	if err := cfg.loadFromFile(configPath); err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, &pkgerrors.ConfigError{
			Key:    "config_file",
			Reason: fmt.Sprintf("failed to load from %s", configPath),
			Cause:  err,
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &pkgerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &pkgerrors.ConfigError{Reason: "failed to parse YAML", Cause: err}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &pkgerrors.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return pkgerrors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return pkgerrors.Wrap(yaml.Unmarshal(data, c), "failed to parse YAML")
}

// applyDefaults fills zero values so minimal files work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Facade.MaxAttempts == 0 {
		c.Facade.MaxAttempts = defaults.Facade.MaxAttempts
	}
	if c.Facade.StopTimeout == 0 {
		c.Facade.StopTimeout = defaults.Facade.StopTimeout
	}
	if c.Facade.HandshakeTimeout == 0 {
		c.Facade.HandshakeTimeout = defaults.Facade.HandshakeTimeout
	}
	if c.Facade.CallTimeout == 0 {
		c.Facade.CallTimeout = defaults.Facade.CallTimeout
	}

	if c.Servers == nil {
		c.Servers = make(map[string]*ServerEntry)
	}
	for _, s := range c.Servers {
		if s == nil {
			continue
		}
		if s.Type == "" {
			if s.URL != "" {
				s.Type = ServerTypeHTTP
			} else {
				s.Type = ServerTypeStdio
			}
		}
		if s.Timeout == 0 {
			s.Timeout = c.Facade.CallTimeout
		}
		if s.HandshakeTimeout == 0 {
			s.HandshakeTimeout = c.Facade.HandshakeTimeout
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = c.Facade.MaxAttempts
		}
	}

	if c.APIs == nil {
		c.APIs = make(map[string]*APIEntry)
	}
	for name, a := range c.APIs {
		if a == nil {
			continue
		}
		if a.AuthService == "" {
			a.AuthService = name
		}
		if a.CacheTTL == 0 {
			a.CacheTTL = 30 * time.Second
		}
		if a.MaxRetries == 0 {
			a.MaxRetries = 5
		}
		if a.InitialBackoff == 0 {
			a.InitialBackoff = time.Second
		}
		if a.MaxBackoff == 0 {
			a.MaxBackoff = time.Minute
		}
		if a.Multiplier == 0 {
			a.Multiplier = 2.0
		}
		if a.Timeout == 0 {
			a.Timeout = 30 * time.Second
		}
	}

	if c.Credentials.Backend == "" {
		c.Credentials.Backend = defaults.Credentials.Backend
	}
	if c.Credentials.Cipher == "" {
		c.Credentials.Cipher = defaults.Credentials.Cipher
	}
	if c.Credentials.MasterKeyEnv == "" {
		c.Credentials.MasterKeyEnv = defaults.Credentials.MasterKeyEnv
	}
	if c.Credentials.KeychainService == "" {
		c.Credentials.KeychainService = defaults.Credentials.KeychainService
	}
	if c.Credentials.OAuth == nil {
		c.Credentials.OAuth = make(map[string]*OAuthClient)
	}
}

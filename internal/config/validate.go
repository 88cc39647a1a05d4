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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	pkgerrors "github.com/tombee/toolbridge/pkg/errors"
)

// NameRegex validates server, API and credential service names.
// Names must start with a letter and contain only letters, numbers, hyphens,
// and underscores. Maximum length is 64 characters.
var NameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// shellInjectionPatterns are patterns that could indicate shell injection attempts.
var shellInjectionPatterns = []string{
	";", "&&", "||", "|", "`", "$(", "\n", "\r",
}

// ValidateName validates a server, API or service name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !NameRegex.MatchString(name) {
		return fmt.Errorf("invalid name %q: must start with a letter, contain only letters, numbers, hyphens, and underscores, and be at most 64 characters", name)
	}
	return nil
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be json or text, got %q", c.Log.Format))
	}

	if c.Facade.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("facade.max_attempts: must be at least 1, got %d", c.Facade.MaxAttempts))
	}
	if c.Facade.StopTimeout < 0 || c.Facade.HandshakeTimeout < 0 || c.Facade.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("facade: timeouts must be non-negative"))
	}

	for _, name := range sortedKeys(c.Servers) {
		if err := ValidateName(name); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "servers.%s", name))
			continue
		}
		entry := c.Servers[name]
		if entry == nil {
			errs = append(errs, fmt.Errorf("servers.%s: entry is empty", name))
			continue
		}
		if err := entry.Validate(); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "servers.%s", name))
		}
	}

	for _, name := range sortedKeys(c.APIs) {
		if err := ValidateName(name); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "apis.%s", name))
			continue
		}
		entry := c.APIs[name]
		if entry == nil {
			errs = append(errs, fmt.Errorf("apis.%s: entry is empty", name))
			continue
		}
		if err := entry.Validate(); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "apis.%s", name))
		}
	}

	if err := c.Credentials.Validate(); err != nil {
		errs = append(errs, pkgerrors.Wrap(err, "credentials"))
	}

	return errors.Join(errs...)
}

// Validate validates a single server entry.
func (e *ServerEntry) Validate() error {
	switch e.Type {
	case ServerTypeStdio:
		if e.Command == "" {
			return fmt.Errorf("command is required for stdio servers")
		}
		if e.URL != "" {
			return fmt.Errorf("url is not allowed for stdio servers")
		}
		for i, arg := range e.Args {
			if err := validateArg(arg); err != nil {
				return pkgerrors.Wrapf(err, "args[%d]", i)
			}
		}
	case ServerTypeHTTP:
		if e.URL == "" {
			return fmt.Errorf("url is required for http servers")
		}
		u, err := url.Parse(e.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("url must be an absolute http(s) URL")
		}
		if e.Command != "" {
			return fmt.Errorf("command is not allowed for http servers")
		}
	default:
		return fmt.Errorf("invalid type %q (must be 'stdio' or 'http')", e.Type)
	}

	for key := range e.Env {
		if !envKeyRegex.MatchString(key) {
			return fmt.Errorf("invalid environment variable key: %s", key)
		}
	}
	for key := range e.Headers {
		if key == "" || strings.ContainsAny(key, " :\r\n") {
			return fmt.Errorf("invalid header name: %q", key)
		}
	}

	if e.AuthService != "" && !e.PerUser {
		return fmt.Errorf("auth_service requires per_user")
	}
	if e.AuthService != "" && e.Type != ServerTypeHTTP {
		return fmt.Errorf("auth_service is only supported for http servers")
	}
	if e.Timeout < 0 || e.HandshakeTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if e.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", e.MaxAttempts)
	}
	return nil
}

// Validate validates a single API entry.
func (e *APIEntry) Validate() error {
	u, err := url.Parse(e.BaseURL)
	if e.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL")
	}
	if e.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", e.MaxRetries)
	}
	if e.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must be non-negative, got %v", e.InitialBackoff)
	}
	if e.MaxBackoff < e.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", e.MaxBackoff, e.InitialBackoff)
	}
	if e.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0, got %f", e.Multiplier)
	}
	if e.RequestsPerSecond < 0 || e.Burst < 0 {
		return fmt.Errorf("requests_per_second and burst must be non-negative")
	}
	return nil
}

// Validate validates the credential store settings.
func (c *CredentialsConfig) Validate() error {
	switch c.Backend {
	case "sqlite", "keychain", "memory":
	default:
		return fmt.Errorf("invalid backend %q (must be 'sqlite', 'keychain' or 'memory')", c.Backend)
	}
	switch c.Cipher {
	case "aes":
		if !envKeyRegex.MatchString(c.MasterKeyEnv) {
			return fmt.Errorf("master_key_env must name an environment variable")
		}
	case "age":
		if c.AgeIdentityFile == "" {
			return fmt.Errorf("age_identity_file is required for the age cipher")
		}
	default:
		return fmt.Errorf("invalid cipher %q (must be 'aes' or 'age')", c.Cipher)
	}
	for _, name := range sortedKeys(c.OAuth) {
		client := c.OAuth[name]
		if client == nil || client.ClientID == "" || client.TokenURL == "" {
			return fmt.Errorf("oauth.%s: client_id and token_url are required", name)
		}
	}
	return nil
}

func validateArg(arg string) error {
	for _, pattern := range shellInjectionPatterns {
		if strings.Contains(arg, pattern) {
			return fmt.Errorf("argument contains potentially unsafe pattern %q", pattern)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

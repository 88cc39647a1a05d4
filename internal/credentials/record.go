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

package credentials

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Key identifies one stored token. App distinguishes several OAuth
// applications for the same service and is usually empty.
type Key struct {
	Principal string
	Service   string
	App       string
}

// String returns "principal/service" or "principal/service/app" with each
// part path-escaped.
func (k Key) String() string {
	s := url.PathEscape(k.Principal) + "/" + url.PathEscape(k.Service)
	if k.App != "" {
		s += "/" + url.PathEscape(k.App)
	}
	return s
}

// Validate checks that principal and service are set.
func (k Key) Validate() error {
	if k.Principal == "" {
		return fmt.Errorf("%w: principal is required", ErrInvalidKey)
	}
	if k.Service == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidKey)
	}
	for _, part := range []string{k.Principal, k.Service, k.App} {
		if strings.ContainsRune(part, 0) {
			return fmt.Errorf("%w: NUL byte in %q", ErrInvalidKey, part)
		}
	}
	return nil
}

// aad is the additional authenticated data binding a ciphertext to its key.
func (k Key) aad() []byte {
	return []byte("toolbridge-credential\x00" + k.Principal + "\x00" + k.Service + "\x00" + k.App)
}

// Option narrows a key.
type Option func(*Key)

// WithApp selects an OAuth application within a service.
func WithApp(app string) Option {
	return func(k *Key) { k.App = app }
}

func newKey(principal, service string, opts []Option) Key {
	k := Key{Principal: principal, Service: service}
	for _, opt := range opts {
		opt(&k)
	}
	return k
}

// TokenRecord is a decrypted credential.
type TokenRecord struct {
	Key

	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string

	// ExpiresAt is zero for tokens that never expire.
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the token is expired at now, treating tokens
// that expire within skew as already expired.
func (r *TokenRecord) Expired(now time.Time, skew time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(r.ExpiresAt)
}

// OAuth2 converts the record for use with golang.org/x/oauth2.
func (r *TokenRecord) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       r.ExpiresAt,
	}
}

// TokenInput is the data accepted by StoreToken.
type TokenInput struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string

	// ExpiresIn is the token lifetime from now. Zero means no expiry.
	ExpiresIn time.Duration

	// App selects an OAuth application within the service.
	App string
}

// payload is the encrypted form of a record. The key itself is stored in
// the clear by the backend and authenticated by the cipher.
type payload struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *TokenRecord) payload() payload {
	return payload{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Scopes:       r.Scopes,
		ExpiresAt:    r.ExpiresAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (p payload) record(k Key) *TokenRecord {
	return &TokenRecord{
		Key:          k,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		Scopes:       p.Scopes,
		ExpiresAt:    p.ExpiresAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

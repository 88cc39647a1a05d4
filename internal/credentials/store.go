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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/tombee/toolbridge/internal/log"
)

// DefaultRefreshSkew treats tokens expiring this soon as already expired.
const DefaultRefreshSkew = 30 * time.Second

const tracerName = "github.com/tombee/toolbridge/internal/credentials"

// StoreConfig configures a Store.
type StoreConfig struct {
	// Backend persists encrypted records. Required.
	Backend Backend

	// Cipher encrypts records before they reach the backend. Required.
	Cipher Cipher

	// Refresher renews expired tokens. Optional; without it an expired
	// token is an AuthenticationError.
	Refresher Refresher

	// RefreshSkew defaults to DefaultRefreshSkew.
	RefreshSkew time.Duration

	// Now overrides the clock used for expiry.
	Now func() time.Time

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Store is the credential store. It is safe for concurrent use.
type Store struct {
	backend   Backend
	cipher    Cipher
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
	locks     *keyLocks
}

// NewStore creates a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("credentials: backend is required")
	}
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("credentials: cipher is required")
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		backend:   cfg.Backend,
		cipher:    cfg.Cipher,
		refresher: cfg.Refresher,
		skew:      cfg.RefreshSkew,
		now:       cfg.Now,
		logger:    log.WithComponent(cfg.Logger, "credentials"),
		tracer:    otel.Tracer(tracerName),
		locks:     newKeyLocks(),
	}, nil
}

// StoreToken writes or replaces the record for (principal, service,
// in.App).
func (s *Store) StoreToken(ctx context.Context, principal, service string, in TokenInput) (*TokenRecord, error) {
	key := Key{Principal: principal, Service: service, App: in.App}
	rec, err := s.storeToken(ctx, key, in)
	recordOperation("store", err)
	return rec, err
}

func (s *Store) storeToken(ctx context.Context, key Key, in TokenInput) (*TokenRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if in.AccessToken == "" {
		return nil, fmt.Errorf("credentials: access token is required")
	}

	now := s.now()
	rec := &TokenRecord{
		Key:          key,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		TokenType:    in.TokenType,
		Scopes:       slices.Clone(in.Scopes),
		UpdatedAt:    now,
	}
	if in.ExpiresIn > 0 {
		rec.ExpiresAt = now.Add(in.ExpiresIn)
	}

	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Debug("token stored",
		slog.String(log.PrincipalKey, key.Principal),
		slog.String(log.ServiceKey, key.Service),
		slog.Bool("refreshable", rec.RefreshToken != ""),
	)
	return rec, nil
}

// GetToken returns the record for exactly (principal, service[, app]).
// An expired token with a refresh token is refreshed and persisted first.
// It returns ErrTokenNotFound when no record exists and an
// *AuthenticationError when the token is expired and cannot be renewed.
func (s *Store) GetToken(ctx context.Context, principal, service string, opts ...Option) (*TokenRecord, error) {
	rec, err := s.getToken(ctx, newKey(principal, service, opts))
	recordOperation("get", err)
	return rec, err
}

func (s *Store) getToken(ctx context.Context, key Key) (*TokenRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !rec.Expired(s.now(), s.skew) {
		return rec, nil
	}
	return s.refresh(ctx, rec)
}

// refresh renews rec. The caller holds the key's lock.
func (s *Store) refresh(ctx context.Context, rec *TokenRecord) (*TokenRecord, error) {
	key := rec.Key
	if rec.RefreshToken == "" {
		return nil, &AuthenticationError{Key: key, Reason: "token expired and no refresh token is stored"}
	}
	if s.refresher == nil {
		return nil, &AuthenticationError{Key: key, Reason: "token expired and refresh is not configured"}
	}

	ctx, span := s.tracer.Start(ctx, "credentials refresh",
		trace.WithAttributes(attribute.String("credentials.service", key.Service)),
	)
	defer span.End()

	tok, err := s.refresher.Refresh(ctx, key, rec.RefreshToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		if IsInvalidGrant(err) {
			recordRefresh(key.Service, "revoked")
			s.logger.Warn("refresh token rejected, deleting record",
				slog.String(log.PrincipalKey, key.Principal),
				slog.String(log.ServiceKey, key.Service),
			)
			if derr := s.backend.Delete(ctx, key); derr != nil {
				s.logger.Error("failed to delete revoked token", log.Error(derr))
			}
			return nil, &AuthenticationError{Key: key, Reason: "refresh token was revoked", Cause: err}
		}
		recordRefresh(key.Service, "error")
		return nil, &AuthenticationError{Key: key, Reason: "token refresh failed", Cause: err}
	}

	updated := s.merge(rec, tok)
	if err := s.save(ctx, updated); err != nil {
		recordRefresh(key.Service, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, &AuthenticationError{Key: key, Reason: "refreshed token could not be saved", Cause: err}
	}

	recordRefresh(key.Service, "ok")
	span.SetStatus(codes.Ok, "")
	s.logger.Info("token refreshed",
		slog.String(log.PrincipalKey, key.Principal),
		slog.String(log.ServiceKey, key.Service),
		slog.Time("expires_at", updated.ExpiresAt),
	)
	return updated, nil
}

// merge applies a token response to rec. Fields the endpoint omitted keep
// their stored values.
func (s *Store) merge(rec *TokenRecord, tok *oauth2.Token) *TokenRecord {
	updated := *rec
	updated.AccessToken = tok.AccessToken
	updated.ExpiresAt = tok.Expiry
	updated.UpdatedAt = s.now()
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if tok.TokenType != "" {
		updated.TokenType = tok.TokenType
	}
	if scopes := tokenScopes(tok); scopes != nil {
		updated.Scopes = scopes
	}
	return &updated
}

// DeleteToken removes the record. Deleting a missing record is not an
// error.
func (s *Store) DeleteToken(ctx context.Context, principal, service string, opts ...Option) error {
	key := newKey(principal, service, opts)
	err := s.deleteToken(ctx, key)
	recordOperation("delete", err)
	return err
}

func (s *Store) deleteToken(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return s.backend.Delete(ctx, key)
}

// ListTokens returns the keys stored for principal. Tokens are not
// decrypted.
func (s *Store) ListTokens(ctx context.Context, principal string) ([]Key, error) {
	lister, ok := s.backend.(Lister)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrListUnsupported, s.backend.Name())
	}
	return lister.List(ctx, principal)
}

// Exchange completes an authorization code flow for (principal, service)
// and stores the resulting token.
func (s *Store) Exchange(ctx context.Context, principal, service, code, verifier string, opts ...Option) (*TokenRecord, error) {
	key := newKey(principal, service, opts)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ex, ok := s.refresher.(Exchanger)
	if !ok {
		return nil, fmt.Errorf("credentials: code exchange is not configured")
	}
	tok, err := ex.Exchange(ctx, key, code, verifier)
	if err != nil {
		return nil, &AuthenticationError{Key: key, Reason: "authorization code exchange failed", Cause: err}
	}

	in := TokenInput{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       tokenScopes(tok),
		App:          key.App,
	}
	if !tok.Expiry.IsZero() {
		in.ExpiresIn = tok.Expiry.Sub(s.now())
	}
	return s.StoreToken(ctx, principal, service, in)
}

// AccessToken returns the current access token for (principal, service),
// refreshing it when needed.
func (s *Store) AccessToken(ctx context.Context, principal, service string) (string, error) {
	rec, err := s.GetToken(ctx, principal, service)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// Source returns a token source bound to one key.
func (s *Store) Source(principal, service string, opts ...Option) *Source {
	return &Source{store: s, key: newKey(principal, service, opts)}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) load(ctx context.Context, key Key) (*TokenRecord, error) {
	sealed, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, key)
		}
		return nil, err
	}
	plaintext, err := s.cipher.Open(sealed, key.aad())
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", key, err)
	}
	defer zeroBytes(plaintext)

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", key, err)
	}
	return p.record(key), nil
}

func (s *Store) save(ctx context.Context, rec *TokenRecord) error {
	plaintext, err := json.Marshal(rec.payload())
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	defer zeroBytes(plaintext)

	sealed, err := s.cipher.Seal(plaintext, rec.Key.aad())
	if err != nil {
		return fmt.Errorf("encrypt credential %s: %w", rec.Key, err)
	}
	return s.backend.Put(ctx, rec.Key, sealed)
}

// Source adapts a Store key to the executor's token source interface.
type Source struct {
	store *Store
	key   Key
}

// Key returns the key the source reads.
func (src *Source) Key() Key { return src.key }

// Token returns the current access token.
func (src *Source) Token(ctx context.Context) (string, error) {
	rec, err := src.store.GetToken(ctx, src.key.Principal, src.key.Service, WithApp(src.key.App))
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ErrUnknownService is returned when no OAuth client is configured for a
// service.
var ErrUnknownService = errors.New("no oauth client configured for service")

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, key Key, refreshToken string) (*oauth2.Token, error)
}

// Exchanger completes an authorization code flow.
type Exchanger interface {
	Exchange(ctx context.Context, key Key, code, verifier string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes and exchanges tokens against per-service OAuth2
// endpoints. Clients are looked up by service, then by "service/app" when
// the key names an app.
type OAuthRefresher struct {
	clients map[string]*oauth2.Config
	client  *http.Client
}

// NewOAuthRefresher creates a refresher. client carries the token requests;
// nil uses http.DefaultClient.
func NewOAuthRefresher(clients map[string]*oauth2.Config, client *http.Client) *OAuthRefresher {
	return &OAuthRefresher{clients: clients, client: client}
}

func (r *OAuthRefresher) config(key Key) (*oauth2.Config, error) {
	if key.App != "" {
		if cfg, ok := r.clients[key.Service+"/"+key.App]; ok {
			return cfg, nil
		}
	}
	cfg, ok := r.clients[key.Service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, key.Service)
	}
	return cfg, nil
}

func (r *OAuthRefresher) context(ctx context.Context) context.Context {
	if r.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, r.client)
}

// Refresh implements Refresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, key Key, refreshToken string) (*oauth2.Token, error) {
	cfg, err := r.config(key)
	if err != nil {
		return nil, err
	}
	// An empty access token forces the source to refresh.
	src := cfg.TokenSource(r.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// Exchange implements Exchanger. verifier is the PKCE code verifier and may
// be empty.
func (r *OAuthRefresher) Exchange(ctx context.Context, key Key, code, verifier string) (*oauth2.Token, error) {
	cfg, err := r.config(key)
	if err != nil {
		return nil, err
	}
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	return cfg.Exchange(r.context(ctx), code, opts...)
}

// AuthCodeURL returns the consent page URL for key, with a PKCE challenge
// when verifier is set.
func (r *OAuthRefresher) AuthCodeURL(key Key, state, verifier string) (string, error) {
	cfg, err := r.config(key)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// IsInvalidGrant reports whether err is the token endpoint rejecting the
// refresh token or code itself.
func IsInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re) && re.ErrorCode == "invalid_grant"
}

// tokenScopes extracts the granted scopes from a token response, if the
// endpoint sent them.
func tokenScopes(tok *oauth2.Token) []string {
	s, _ := tok.Extra("scope").(string)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

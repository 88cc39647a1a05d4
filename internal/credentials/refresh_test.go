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
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTokenEndpoint(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		handler(w, r.PostForm)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthClients(tokenURL string) map[string]*oauth2.Config {
	return map[string]*oauth2.Config{
		"github": {
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://github.example.com/login/oauth/authorize",
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"repo"},
		},
		"github/work": {
			ClientID: "work-client",
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
	}
}

func TestOAuthRefresher_Refresh(t *testing.T) {
	var form url.Values
	srv := newTokenEndpoint(t, func(w http.ResponseWriter, f url.Values) {
		form = f
		_, _ = io.WriteString(w, `{"access_token":"a2","token_type":"bearer","expires_in":3600,"scope":"repo user"}`)
	})
	r := NewOAuthRefresher(oauthClients(srv.URL), srv.Client())

	tok, err := r.Refresh(context.Background(), aliceGitHub, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.False(t, tok.Expiry.IsZero())
	assert.Equal(t, []string{"repo", "user"}, tokenScopes(tok))

	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "r1", form.Get("refresh_token"))
	assert.Equal(t, "client-id", form.Get("client_id"))
}

func TestOAuthRefresher_AppClient(t *testing.T) {
	var clientID string
	srv := newTokenEndpoint(t, func(w http.ResponseWriter, f url.Values) {
		clientID = f.Get("client_id")
		_, _ = io.WriteString(w, `{"access_token":"a","token_type":"bearer"}`)
	})
	r := NewOAuthRefresher(oauthClients(srv.URL), nil)

	_, err := r.Refresh(context.Background(), Key{Principal: "alice", Service: "github", App: "work"}, "r")
	require.NoError(t, err)
	assert.Equal(t, "work-client", clientID)

	_, err = r.Refresh(context.Background(), Key{Principal: "alice", Service: "github", App: "other"}, "r")
	require.NoError(t, err)
	assert.Equal(t, "client-id", clientID, "unknown apps fall back to the service client")
}

func TestOAuthRefresher_InvalidGrant(t *testing.T) {
	srv := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"token revoked"}`)
	})
	r := NewOAuthRefresher(oauthClients(srv.URL), srv.Client())

	_, err := r.Refresh(context.Background(), aliceGitHub, "revoked")
	require.Error(t, err)
	assert.True(t, IsInvalidGrant(err))
}

func TestOAuthRefresher_ServerError(t *testing.T) {
	srv := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"server_error"}`)
	})
	r := NewOAuthRefresher(oauthClients(srv.URL), srv.Client())

	_, err := r.Refresh(context.Background(), aliceGitHub, "r1")
	require.Error(t, err)
	assert.False(t, IsInvalidGrant(err))
}

func TestOAuthRefresher_UnknownService(t *testing.T) {
	r := NewOAuthRefresher(nil, nil)
	_, err := r.Refresh(context.Background(), Key{Principal: "alice", Service: "slack"}, "r")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestOAuthRefresher_Exchange(t *testing.T) {
	var form url.Values
	srv := newTokenEndpoint(t, func(w http.ResponseWriter, f url.Values) {
		form = f
		_, _ = io.WriteString(w, `{"access_token":"a1","refresh_token":"r1","token_type":"bearer","expires_in":60}`)
	})
	r := NewOAuthRefresher(oauthClients(srv.URL), srv.Client())

	tok, err := r.Exchange(context.Background(), aliceGitHub, "the-code", "the-verifier")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "the-verifier", form.Get("code_verifier"))
}

func TestOAuthRefresher_AuthCodeURL(t *testing.T) {
	r := NewOAuthRefresher(oauthClients("https://unused.example.com/token"), nil)

	raw, err := r.AuthCodeURL(aliceGitHub, "state-1", oauth2.GenerateVerifier())
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "offline", q.Get("access_type"))
}

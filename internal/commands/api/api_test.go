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

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolbridge/internal/app"
	"github.com/tombee/toolbridge/internal/commands/shared"
	"github.com/tombee/toolbridge/internal/config"
	"github.com/tombee/toolbridge/internal/credentials"
	"github.com/tombee/toolbridge/internal/executor"
)

func newTestApp(t *testing.T, baseURL string) *app.App {
	t.Helper()
	cfg, err := config.Parse(fmt.Appendf(nil, `
apis:
  github:
    base_url: %s
    max_retries: 2
    initial_backoff: 1ms
    max_backoff: 5ms
`, baseURL))
	require.NoError(t, err)

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	cipher, err := credentials.NewAESCipher(key)
	require.NoError(t, err)

	a, err := app.New(app.Options{Config: cfg, Backend: credentials.NewMemoryBackend(), Cipher: cipher})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest("/search", Options{
		Method:  "post",
		Data:    `{"q":1}`,
		Params:  []string{"a=1", "a=2", "b="},
		Headers: []string{"X-Trace: on"},
		NoCache: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, []string{"1", "2"}, req.Params["a"])
	assert.Equal(t, []string{""}, req.Params["b"])
	assert.Equal(t, "on", req.Header.Get("X-Trace"))
	assert.Equal(t, json.RawMessage(`{"q":1}`), req.Body)
	assert.True(t, req.NoCache)

	for _, bad := range []Options{
		{Params: []string{"novalue"}},
		{Headers: []string{"nocolon"}},
		{Data: "{"},
	} {
		_, err := buildRequest("/x", bad)
		assert.Error(t, err, "%+v", bad)
	}
}

func TestRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer alice-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"login":"alice"}`)
	}))
	t.Cleanup(srv.Close)

	a := newTestApp(t, srv.URL)
	store, err := a.Store()
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.StoreToken(ctx, "alice", "github", credentials.TokenInput{AccessToken: "alice-token"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(ctx, &out, a, "github", "alice", executor.Request{Method: http.MethodGet, Path: "/user"}))
	assert.JSONEq(t, `{"login":"alice"}`, out.String())

	out.Reset()
	require.NoError(t, run(ctx, &out, a, "github", "alice", executor.Request{Method: http.MethodGet, Path: "/user"}))
	assert.Equal(t, int32(1), hits.Load(), "second read is served from the cache")

	err = run(ctx, &out, a, "github", "bob", executor.Request{Method: http.MethodGet, Path: "/user"})
	require.Error(t, err)
	assert.Equal(t, shared.ExitAuthError, shared.ExitCodeFor(err))
}

func TestRun_JSON(t *testing.T) {
	_, _, jsonPtr, _ := shared.RegisterFlagPointers()
	*jsonPtr = true
	t.Cleanup(func() { *jsonPtr = false })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	a := newTestApp(t, srv.URL)

	var out bytes.Buffer
	err := run(context.Background(), &out, a, "github", "", executor.Request{Method: http.MethodGet, Path: "/status"})
	require.Error(t, err)
	assert.Equal(t, shared.ExitUnavailable, shared.ExitCodeFor(err))

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, shared.ErrorCodeUnavailable, resp.Error.Code)
}

func TestRun_UnknownService(t *testing.T) {
	a := newTestApp(t, "https://api.example.com")
	err := run(context.Background(), io.Discard, a, "nope", "", executor.Request{Path: "/"})
	assert.Error(t, err)
}

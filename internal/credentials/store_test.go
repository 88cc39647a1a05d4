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
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeRefresher counts refresh calls and answers with fn. When gate is set,
// each call blocks until it is closed.
type fakeRefresher struct {
	calls atomic.Int32
	gate  chan struct{}
	fn    func(key Key, refreshToken string) (*oauth2.Token, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, key Key, refreshToken string) (*oauth2.Token, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fn(key, refreshToken)
}

func (f *fakeRefresher) Exchange(_ context.Context, key Key, code, verifier string) (*oauth2.Token, error) {
	if code != "good-code" || verifier != "v" {
		return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	}
	return &oauth2.Token{AccessToken: "exchanged-" + key.Principal, RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}, nil
}

func renewed(now func() time.Time) func(Key, string) (*oauth2.Token, error) {
	return func(key Key, _ string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken: "renewed-" + key.Principal,
			TokenType:   "Bearer",
			Expiry:      now().Add(time.Hour),
		}, nil
	}
}

func newTestStore(t *testing.T, backend Backend, refresher Refresher, clock *testClock) *Store {
	t.Helper()
	if backend == nil {
		backend = NewMemoryBackend()
	}
	cfg := StoreConfig{Backend: backend, Cipher: newTestAESCipher(t)}
	if refresher != nil {
		cfg.Refresher = refresher
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	s, err := NewStore(cfg)
	require.NoError(t, err)
	return s
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(StoreConfig{Cipher: newTestAESCipher(t)})
	assert.Error(t, err)
	_, err = NewStore(StoreConfig{Backend: NewMemoryBackend()})
	assert.Error(t, err)
}

func TestStore_PrincipalIsolation(t *testing.T) {
	backends := map[string]func(t *testing.T) Backend{
		"memory": func(*testing.T) Backend { return NewMemoryBackend() },
		"sqlite": func(t *testing.T) Backend {
			b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "c.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, newBackend(t), nil, nil)

			_, err := s.StoreToken(ctx, "U1", "github", TokenInput{AccessToken: "a1"})
			require.NoError(t, err)
			_, err = s.StoreToken(ctx, "U2", "github", TokenInput{AccessToken: "a2"})
			require.NoError(t, err)

			u1, err := s.GetToken(ctx, "U1", "github")
			require.NoError(t, err)
			u2, err := s.GetToken(ctx, "U2", "github")
			require.NoError(t, err)
			assert.Equal(t, "a1", u1.AccessToken)
			assert.Equal(t, "a2", u2.AccessToken)
			assert.Equal(t, "U1", u1.Principal)

			_, err = s.GetToken(ctx, "U3", "github")
			assert.ErrorIs(t, err, ErrTokenNotFound)
			_, err = s.GetToken(ctx, "U1", "slack")
			assert.ErrorIs(t, err, ErrTokenNotFound)
		})
	}
}

func TestStore_CopiedRecordDoesNotDecrypt(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newTestStore(t, backend, nil, nil)

	_, err := s.StoreToken(ctx, "U1", "github", TokenInput{AccessToken: "a1"})
	require.NoError(t, err)

	sealed, err := backend.Get(ctx, Key{Principal: "U1", Service: "github"})
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, Key{Principal: "U2", Service: "github"}, sealed))

	_, err = s.GetToken(ctx, "U2", "github")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestStore_Apps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil, nil, nil)

	_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "default"})
	require.NoError(t, err)
	_, err = s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "work", App: "work"})
	require.NoError(t, err)

	rec, err := s.GetToken(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "default", rec.AccessToken)

	rec, err = s.GetToken(ctx, "alice", "github", WithApp("work"))
	require.NoError(t, err)
	assert.Equal(t, "work", rec.AccessToken)
	assert.Equal(t, "work", rec.App)

	keys, err := s.ListTokens(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestStore_StoreTokenReplaces(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, nil, nil, clock)

	_, err := s.StoreToken(ctx, "alice", "github", TokenInput{
		AccessToken:  "a1",
		RefreshToken: "r1",
		Scopes:       []string{"repo"},
		ExpiresIn:    time.Hour,
	})
	require.NoError(t, err)
	_, err = s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a2"})
	require.NoError(t, err)

	rec, err := s.GetToken(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "a2", rec.AccessToken)
	assert.Empty(t, rec.RefreshToken, "the record is replaced wholesale")
	assert.Empty(t, rec.Scopes)
	assert.True(t, rec.ExpiresAt.IsZero())
	assert.Equal(t, clock.Now(), rec.UpdatedAt)
}

func TestStore_InvalidInput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil, nil, nil)

	_, err := s.StoreToken(ctx, "", "github", TokenInput{AccessToken: "a"})
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.StoreToken(ctx, "alice", "", TokenInput{AccessToken: "a"})
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.StoreToken(ctx, "alice", "github", TokenInput{})
	assert.Error(t, err)
	_, err = s.GetToken(ctx, "", "github")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil, nil, nil)

	require.NoError(t, s.DeleteToken(ctx, "alice", "github"))

	_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteToken(ctx, "alice", "github"))
	require.NoError(t, s.DeleteToken(ctx, "alice", "github"))

	_, err = s.GetToken(ctx, "alice", "github")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestStore_Refresh(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	refresher := &fakeRefresher{fn: func(_ Key, rt string) (*oauth2.Token, error) {
		assert.Equal(t, "r1", rt)
		tok := &oauth2.Token{AccessToken: "a2", Expiry: clock.Now().Add(time.Hour)}
		return tok.WithExtra(map[string]any{"scope": "repo read:org"}), nil
	}}
	s := newTestStore(t, nil, refresher, clock)

	_, err := s.StoreToken(ctx, "alice", "github", TokenInput{
		AccessToken:  "a1",
		RefreshToken: "r1",
		TokenType:    "Bearer",
		ExpiresIn:    10 * time.Minute,
	})
	require.NoError(t, err)

	rec, err := s.GetToken(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "a1", rec.AccessToken)
	assert.Zero(t, refresher.calls.Load())

	// Inside the skew window counts as expired.
	clock.Advance(10*time.Minute - DefaultRefreshSkew)

	rec, err = s.GetToken(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "a2", rec.AccessToken)
	assert.Equal(t, "r1", rec.RefreshToken, "refresh token is kept when the endpoint omits it")
	assert.Equal(t, "Bearer", rec.TokenType)
	assert.Equal(t, []string{"repo", "read:org"}, rec.Scopes)
	assert.Equal(t, int32(1), refresher.calls.Load())

	rec, err = s.GetToken(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "a2", rec.AccessToken, "refreshed record is persisted")
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestStore_RefreshFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no refresh token", func(t *testing.T) {
		clock := newTestClock()
		refresher := &fakeRefresher{fn: renewed(clock.Now)}
		s := newTestStore(t, nil, refresher, clock)
		_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a1", ExpiresIn: time.Minute})
		require.NoError(t, err)
		clock.Advance(time.Hour)

		rec, err := s.GetToken(ctx, "alice", "github")
		assert.Nil(t, rec, "a stale token is never returned")
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "alice", authErr.Key.Principal)
		assert.Zero(t, refresher.calls.Load())
	})

	t.Run("no refresher", func(t *testing.T) {
		clock := newTestClock()
		s := newTestStore(t, nil, nil, clock)
		_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: time.Minute})
		require.NoError(t, err)
		clock.Advance(time.Hour)

		_, err = s.GetToken(ctx, "alice", "github")
		var authErr *AuthenticationError
		assert.ErrorAs(t, err, &authErr)
	})

	t.Run("endpoint error keeps the record", func(t *testing.T) {
		clock := newTestClock()
		unavailable := errors.New("token endpoint unavailable")
		refresher := &fakeRefresher{fn: func(Key, string) (*oauth2.Token, error) { return nil, unavailable }}
		s := newTestStore(t, nil, refresher, clock)
		_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: time.Minute})
		require.NoError(t, err)
		clock.Advance(time.Hour)

		_, err = s.GetToken(ctx, "alice", "github")
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.ErrorIs(t, err, unavailable)

		refresher.fn = renewed(clock.Now)
		rec, err := s.GetToken(ctx, "alice", "github")
		require.NoError(t, err, "a transient failure must not lose the refresh token")
		assert.Equal(t, "renewed-alice", rec.AccessToken)
	})

	t.Run("invalid grant deletes the record", func(t *testing.T) {
		clock := newTestClock()
		refresher := &fakeRefresher{fn: func(Key, string) (*oauth2.Token, error) {
			return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant", ErrorDescription: "revoked"}
		}}
		s := newTestStore(t, nil, refresher, clock)
		_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: time.Minute})
		require.NoError(t, err)
		clock.Advance(time.Hour)

		_, err = s.GetToken(ctx, "alice", "github")
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.True(t, IsInvalidGrant(err))

		_, err = s.GetToken(ctx, "alice", "github")
		assert.ErrorIs(t, err, ErrTokenNotFound)
		assert.Equal(t, int32(1), refresher.calls.Load())
	})
}

func TestStore_ConcurrentRefreshCollapses(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	refresher := &fakeRefresher{gate: make(chan struct{}), fn: renewed(clock.Now)}
	s := newTestStore(t, nil, refresher, clock)

	_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: time.Minute})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.GetToken(ctx, "alice", "github")
			errs[i] = err
			if rec != nil {
				tokens[i] = rec.AccessToken
			}
		}()
	}

	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(refresher.gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "renewed-alice", tokens[i])
	}
	assert.Equal(t, int32(1), refresher.calls.Load(), "concurrent refreshes for one key must collapse")
	assert.Zero(t, s.locks.size())
}

func TestStore_KeysDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	refresher := &fakeRefresher{gate: make(chan struct{}), fn: renewed(clock.Now)}
	s := newTestStore(t, nil, refresher, clock)

	_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: time.Minute})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = s.StoreToken(ctx, "bob", "github", TokenInput{AccessToken: "b1", ExpiresIn: time.Hour})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.GetToken(ctx, "alice", "github")
		done <- err
	}()
	require.Eventually(t, func() bool { return refresher.calls.Load() == 1 }, time.Second, time.Millisecond)

	// alice's refresh is parked on the gate; bob must not wait for it.
	quick, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	rec, err := s.GetToken(quick, "bob", "github")
	require.NoError(t, err)
	assert.Equal(t, "b1", rec.AccessToken)

	// A second caller for alice waits, and gives up with its context.
	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = s.GetToken(short, "alice", "github")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(refresher.gate)
	require.NoError(t, <-done)
}

func TestStore_Exchange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil, &fakeRefresher{}, nil)

	rec, err := s.Exchange(ctx, "alice", "github", "good-code", "v")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-alice", rec.AccessToken)
	assert.False(t, rec.ExpiresAt.IsZero())

	got, err := s.GetToken(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-alice", got.AccessToken)

	_, err = s.Exchange(ctx, "alice", "github", "bad-code", "v")
	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)

	plain := newTestStore(t, nil, nil, nil)
	_, err = plain.Exchange(ctx, "alice", "github", "good-code", "v")
	assert.Error(t, err)
}

func TestStore_TokenSources(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil, nil, nil)
	_, err := s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "a1"})
	require.NoError(t, err)
	_, err = s.StoreToken(ctx, "alice", "github", TokenInput{AccessToken: "w1", App: "work"})
	require.NoError(t, err)

	tok, err := s.AccessToken(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok)

	tok, err = s.Source("alice", "github", WithApp("work")).Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "w1", tok)

	_, err = s.Source("bob", "github").Token(ctx)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestStore_ListUnsupported(t *testing.T) {
	s := newTestStore(t, NewKeychainBackend("toolbridge-test"), nil, nil)
	_, err := s.ListTokens(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrListUnsupported)
}

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

package executor

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCache_Expiry(t *testing.T) {
	clock := newFakeClock()
	c := newCache(30*time.Second, clock.Now)
	key := cacheKey("GET", "/repos", nil)

	c.put(key, "/repos", &Response{StatusCode: 200, Body: []byte(`[1]`)})

	entry, ok := c.get(key)
	require.True(t, ok)
	resp := entry.response()
	assert.True(t, resp.FromCache)
	assert.JSONEq(t, `[1]`, string(resp.Body))

	clock.Advance(29 * time.Second)
	_, ok = c.get(key)
	assert.True(t, ok, "entry should live until its TTL")

	clock.Advance(time.Second)
	_, ok = c.get(key)
	assert.False(t, ok, "entry should expire at its TTL")
	assert.Equal(t, 0, c.size(), "expired entry should be dropped on lookup")
}

func TestCache_ResponseIsACopy(t *testing.T) {
	c := newCache(time.Minute, time.Now)
	key := cacheKey("GET", "/a", nil)
	c.put(key, "/a", &Response{StatusCode: 200, Body: []byte(`{"v":1}`)})

	entry, ok := c.get(key)
	require.True(t, ok)
	first := entry.response()
	first.Body[0] = 'X'

	entry, ok = c.get(key)
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(entry.response().Body))
}

func TestCacheKey(t *testing.T) {
	a := url.Values{"b": {"2"}, "a": {"1", "3"}}
	b := url.Values{"a": {"1", "3"}, "b": {"2"}}
	reordered := url.Values{"a": {"3", "1"}, "b": {"2"}}

	assert.Equal(t, cacheKey("GET", "/x", a), cacheKey("GET", "/x", b), "key order must not matter")
	assert.NotEqual(t, cacheKey("GET", "/x", a), cacheKey("GET", "/x", reordered), "repeated values keep their order")
	assert.Equal(t, cacheKey("GET", "/x", nil), cacheKey("GET", "/x", url.Values{}))
	assert.NotEqual(t, cacheKey("GET", "/x", a), cacheKey("HEAD", "/x", a))
	assert.NotEqual(t, cacheKey("GET", "/x", a), cacheKey("GET", "/y", a))
	assert.NotEqual(t, cacheKey("GET", "/x", a), cacheKey("GET", "/x", url.Values{"a": {"1"}}))
}

func TestCache_Invalidate(t *testing.T) {
	c := newCache(time.Minute, time.Now)
	for _, p := range []string{"/repos/a", "/repos/a/issues", "/repos/ab", "/users/me"} {
		c.put(cacheKey("GET", p, nil), p, &Response{StatusCode: 200})
	}

	n := c.invalidate("repos/a/")
	assert.Equal(t, 2, n)
	_, ok := c.get(cacheKey("GET", "/repos/ab", nil))
	assert.True(t, ok, "sibling with a shared prefix must survive")
	_, ok = c.get(cacheKey("GET", "/users/me", nil))
	assert.True(t, ok)

	assert.Equal(t, 2, c.invalidate("/"))
	assert.Equal(t, 0, c.size())
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"repos", "/repos"},
		{"/repos/", "/repos"},
		{"/repos//a/../b", "/repos/b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanPath(tt.in))
		})
	}
}

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
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a successful read is served from memory.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	path      string
	status    int
	header    http.Header
	body      []byte
	expiresAt time.Time
}

func (c *cacheEntry) response() *Response {
	return &Response{
		StatusCode: c.status,
		Header:     c.header.Clone(),
		Body:       slices.Clone(c.body),
		FromCache:  true,
	}
}

// cache holds successful read responses. Expired entries are dropped on
// lookup.
type cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newCache(ttl time.Duration, now func() time.Time) *cache {
	return &cache{ttl: ttl, now: now, entries: make(map[string]*cacheEntry)}
}

func (c *cache) get(key string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

func (c *cache) put(key, p string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{
		path:      p,
		status:    resp.StatusCode,
		header:    resp.Header.Clone(),
		body:      slices.Clone(resp.Body),
		expiresAt: c.now().Add(c.ttl),
	}
}

// invalidate drops entries whose path equals p or lies beneath it.
func (c *cache) invalidate(p string) int {
	p = cleanPath(p)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if pathCovers(p, e.path) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

func (c *cache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cacheKey hashes the method, path and query. Keys are sorted so their
// order never splits the cache; repeated values keep their order because
// servers may read it.
func cacheKey(method, p string, params url.Values) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(p))
	h.Write([]byte{0})
	h.Write([]byte(canonicalQuery(params)))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalQuery(params url.Values) string {
	// Encode sorts by key and leaves each key's values in order.
	return params.Encode()
}

// cleanPath normalizes a request path to a rooted, slash-separated form
// without a trailing slash.
func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func pathCovers(prefix, p string) bool {
	if prefix == "/" || p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}

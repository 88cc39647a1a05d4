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
	"cmp"
	"context"
	"slices"
	"sync"
)

// Backend persists encrypted payloads by key. Implementations never see
// plaintext tokens.
type Backend interface {
	// Name returns the backend identifier (e.g., "sqlite", "keychain").
	Name() string

	// Get returns the payload for key, or ErrTokenNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Put writes or replaces the payload for key.
	Put(ctx context.Context, key Key, payload []byte) error

	// Delete removes the payload for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key Key) error

	// Close releases backend resources.
	Close() error
}

// Lister is implemented by backends that can enumerate the keys stored for
// a principal.
type Lister interface {
	List(ctx context.Context, principal string) ([]Key, error)
}

// MemoryBackend keeps payloads in process memory. Useful for tests and
// short-lived runs.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[Key][]byte
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[Key][]byte)}
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entries[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return slices.Clone(p), nil
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, key Key, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = slices.Clone(payload)
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// List implements Lister.
func (m *MemoryBackend) List(_ context.Context, principal string) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []Key
	for k := range m.entries {
		if k.Principal == principal {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

func sortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(cmp.Compare(a.Service, b.Service), cmp.Compare(a.App, b.App))
	})
}

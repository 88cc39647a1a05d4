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
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAESCipher(t *testing.T) *AESCipher {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := NewAESCipher(key)
	require.NoError(t, err)
	return c
}

func newTestAgeCipher(t *testing.T) *AgeCipher {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	return NewAgeCipher(id)
}

func TestCiphers(t *testing.T) {
	ciphers := map[string]func(*testing.T) Cipher{
		"aes": func(t *testing.T) Cipher { return newTestAESCipher(t) },
		"age": func(t *testing.T) Cipher { return newTestAgeCipher(t) },
	}
	alice := Key{Principal: "alice", Service: "github"}.aad()
	bob := Key{Principal: "bob", Service: "github"}.aad()

	for name, newCipher := range ciphers {
		t.Run(name, func(t *testing.T) {
			c := newCipher(t)
			assert.Equal(t, name, c.Name())

			sealed, err := c.Seal([]byte(`{"access_token":"a1"}`), alice)
			require.NoError(t, err)
			assert.NotContains(t, string(sealed), "a1")

			plain, err := c.Open(sealed, alice)
			require.NoError(t, err)
			assert.Equal(t, `{"access_token":"a1"}`, string(plain))

			_, err = c.Open(sealed, bob)
			assert.ErrorIs(t, err, ErrInvalidCiphertext, "a record must not open under another key")

			other := newCipher(t)
			_, err = other.Open(sealed, alice)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)

			_, err = c.Open([]byte("short"), alice)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}
}

func TestAESCipher_Nonces(t *testing.T) {
	c := newTestAESCipher(t)
	a, err := c.Seal([]byte("same"), nil)
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewAESCipher_KeyLength(t *testing.T) {
	_, err := NewAESCipher(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewAESCipherFromMaster(t *testing.T) {
	salt := make([]byte, saltLength)
	_, err := rand.Read(salt)
	require.NoError(t, err)

	first, err := NewAESCipherFromMaster([]byte("correct horse"), salt)
	require.NoError(t, err)
	second, err := NewAESCipherFromMaster([]byte("correct horse"), salt)
	require.NoError(t, err)

	sealed, err := first.Seal([]byte("payload"), []byte("aad"))
	require.NoError(t, err)
	plain, err := second.Open(sealed, []byte("aad"))
	require.NoError(t, err, "same master and salt must derive the same key")
	assert.Equal(t, "payload", string(plain))

	_, err = NewAESCipherFromMaster(nil, salt)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewAESCipherFromMaster([]byte("x"), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.salt")

	salt, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Len(t, salt, saltLength)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, salt, again)

	require.NoError(t, os.Chmod(path, 0o644))
	_, err = LoadOrCreateSalt(path)
	assert.Error(t, err, "world-readable salt must be rejected")
}

func TestLoadOrCreateAgeIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.txt")

	created, err := LoadOrCreateAgeIdentity(path)
	require.NoError(t, err)

	loaded, err := LoadOrCreateAgeIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, created.Recipient().String(), loaded.Recipient().String())

	sealed, err := NewAgeCipher(created).Seal([]byte("x"), nil)
	require.NoError(t, err)
	plain, err := NewAgeCipher(loaded).Open(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", string(plain))

	bad := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("# nothing here\n"), 0o600))
	_, err = LoadOrCreateAgeIdentity(bad)
	assert.Error(t, err)
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeychainBackend(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	b := NewKeychainBackend("")

	assert.True(t, b.Available())
	assert.Equal(t, "keychain", b.Name())

	_, err := b.Get(ctx, aliceGitHub)
	assert.ErrorIs(t, err, ErrTokenNotFound)

	payload := []byte{0x00, 0xff, 0x10, 'x'}
	require.NoError(t, b.Put(ctx, aliceGitHub, payload))
	got, err := b.Get(ctx, aliceGitHub)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "binary payloads survive the string-only keychain")

	_, err = b.Get(ctx, Key{Principal: "bob", Service: "github"})
	assert.ErrorIs(t, err, ErrTokenNotFound)

	require.NoError(t, b.Delete(ctx, aliceGitHub))
	require.NoError(t, b.Delete(ctx, aliceGitHub), "delete is idempotent")
}

func TestKeychainBackend_Unavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("dbus: secret service is locked"))
	t.Cleanup(keyring.MockInit)
	b := NewKeychainBackend("toolbridge-test")

	assert.False(t, b.Available())
	err := b.Put(context.Background(), aliceGitHub, []byte("x"))
	assert.ErrorIs(t, err, ErrKeychainUnavailable)
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "alice/github", aliceGitHub.String())
	assert.Equal(t, "a%2Fb/github/work", Key{Principal: "a/b", Service: "github", App: "work"}.String())
}

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
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// DefaultKeychainService is the keychain service name entries are filed
// under.
const DefaultKeychainService = "toolbridge"

// KeychainBackend stores payloads in the system keychain:
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
//
// Each key becomes one entry whose user field is Key.String(). The keychain
// cannot enumerate entries, so KeychainBackend does not implement Lister.
type KeychainBackend struct {
	service string
}

// NewKeychainBackend creates a backend filing entries under service, or
// DefaultKeychainService when empty.
func NewKeychainBackend(service string) *KeychainBackend {
	if service == "" {
		service = DefaultKeychainService
	}
	return &KeychainBackend{service: service}
}

// Available reports whether the keychain answers queries.
func (k *KeychainBackend) Available() bool {
	_, err := keyring.Get(k.service, "__toolbridge_availability_test__")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// Name implements Backend.
func (k *KeychainBackend) Name() string { return "keychain" }

// Get implements Backend.
func (k *KeychainBackend) Get(_ context.Context, key Key) ([]byte, error) {
	value, err := keyring.Get(k.service, key.String())
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, keychainError(err)
	}
	p, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: keychain entry is not base64: %v", ErrInvalidCiphertext, err)
	}
	return p, nil
}

// Put implements Backend.
func (k *KeychainBackend) Put(_ context.Context, key Key, payload []byte) error {
	if err := keyring.Set(k.service, key.String(), base64.StdEncoding.EncodeToString(payload)); err != nil {
		return keychainError(err)
	}
	return nil
}

// Delete implements Backend.
func (k *KeychainBackend) Delete(_ context.Context, key Key) error {
	err := keyring.Delete(k.service, key.String())
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return keychainError(err)
	}
	return nil
}

// Close implements Backend.
func (k *KeychainBackend) Close() error { return nil }

// ErrKeychainUnavailable is returned when the keychain is locked or its
// service is not running.
var ErrKeychainUnavailable = errors.New("system keychain unavailable")

func keychainError(err error) error {
	if isKeychainUnavailableError(err) {
		return fmt.Errorf("%w: %s", ErrKeychainUnavailable, err.Error())
	}
	return fmt.Errorf("keychain error: %w", err)
}

// isKeychainUnavailableError checks for the messages platforms use when the
// keychain is locked or inaccessible.
func isKeychainUnavailableError(err error) bool {
	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"locked",
		"cannot access",
		"permission denied",
		"failed to unlock",
		"user interaction required",
		"secret service",
		"dbus",
		"user canceled",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

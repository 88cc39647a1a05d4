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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Cipher encrypts record payloads. The aad passed to Seal must be passed
// unchanged to Open or decryption fails.
type Cipher interface {
	Name() string
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(ciphertext, aad []byte) ([]byte, error)
}

const (
	// Argon2id parameters for master key derivation
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64MB in KB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // AES-256

	saltLength = 16
)

// AESCipher implements Cipher with AES-256-GCM.
//
// Ciphertext format:
//
//	[nonce (12 bytes)][encrypted data + auth tag]
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher creates a cipher from a 32-byte key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	if len(key) != argon2KeyLength {
		return nil, fmt.Errorf("%w: key must be 32 bytes for AES-256, got %d bytes", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

// NewAESCipherFromMaster derives the AES key from a master secret and a
// salt with Argon2id.
func NewAESCipherFromMaster(master, salt []byte) (*AESCipher, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("%w: master key is empty", ErrInvalidKey)
	}
	if len(salt) < saltLength {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidKey, saltLength)
	}
	key := DeriveKey(master, salt)
	defer zeroBytes(key)
	return NewAESCipher(key)
}

// DeriveKey stretches a master secret into a 32-byte key.
func DeriveKey(master, salt []byte) []byte {
	return argon2.IDKey(master, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
}

// Name implements Cipher.
func (c *AESCipher) Name() string { return "aes" }

// Seal implements Cipher.
func (c *AESCipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open implements Cipher.
func (c *AESCipher) Open(ciphertext, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short (expected at least %d bytes, got %d)",
			ErrInvalidCiphertext, nonceSize, len(ciphertext))
	}
	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, data, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// LoadOrCreateSalt reads the salt at path, creating a random one with mode
// 0600 when the file does not exist.
func LoadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if err := verifyFilePermissions(path); err != nil {
			return nil, fmt.Errorf("salt file %s: %w", path, err)
		}
		if len(salt) < saltLength {
			return nil, fmt.Errorf("%w: salt file %s is truncated", ErrInvalidKey, path)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := writeSecretFile(path, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// writeSecretFile writes data to path with mode 0600 through a temp file
// and rename, creating the parent directory with mode 0700.
func writeSecretFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func verifyFilePermissions(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.New("file is a symlink")
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("file permissions too open (got %o, want 0600)", perm)
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

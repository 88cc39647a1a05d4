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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// AgeCipher implements Cipher with an age X25519 identity. age has no
// associated data, so the aad is sealed inside the plaintext with a length
// prefix and compared on Open.
type AgeCipher struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeCipher creates a cipher that encrypts to and decrypts with identity.
func NewAgeCipher(identity *age.X25519Identity) *AgeCipher {
	return &AgeCipher{identity: identity, recipient: identity.Recipient()}
}

// Name implements Cipher.
func (c *AgeCipher) Name() string { return "age" }

// Recipient returns the public key records are encrypted to.
func (c *AgeCipher) Recipient() string { return c.recipient.String() }

// Seal implements Cipher.
func (c *AgeCipher) Seal(plaintext, aad []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(aad)))
	for _, part := range [][]byte{prefix[:], aad, plaintext} {
		if _, err := w.Write(part); err != nil {
			return nil, fmt.Errorf("age encrypt: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

// Open implements Cipher.
func (c *AgeCipher) Open(ciphertext, aad []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), c.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated payload", ErrInvalidCiphertext)
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(n) > uint64(len(data)) || !bytes.Equal(data[:n], aad) {
		return nil, fmt.Errorf("%w: record does not belong to this key", ErrInvalidCiphertext)
	}
	return data[n:], nil
}

// LoadOrCreateAgeIdentity reads the first X25519 identity from path,
// generating one and writing it with mode 0600 when the file does not
// exist.
func LoadOrCreateAgeIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generate age identity: %w", err)
		}
		content := "# public key: " + identity.Recipient().String() + "\n" + identity.String() + "\n"
		if err := writeSecretFile(path, []byte(content)); err != nil {
			return nil, err
		}
		return identity, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read age identity: %w", err)
	}
	if err := verifyFilePermissions(path); err != nil {
		return nil, fmt.Errorf("age identity %s: %w", path, err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse age identity %s: %w", path, err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("%w: %s holds no X25519 identity", ErrInvalidKey, path)
}

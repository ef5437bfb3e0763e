// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cryptoutil holds the agent's non-TPM cryptographic primitives:
// RSA transport keypair generation, HMAC over the configured hash, and the
// two decrypt paths (AEAD for the payload, OAEP for U/V key halves).
package cryptoutil

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1" //nolint:gosec // registers crypto.SHA1 for OAEPOptions.MGFHash below.
	_ "crypto/sha256"
	"errors"
	"fmt"
	"hash"
)

// ErrAuthDecryptFailed is returned when AEAD authentication fails.
var ErrAuthDecryptFailed = errors.New("cryptoutil: authenticated decryption failed")

const (
	ivLen  = 16
	tagLen = 16
	keyLen = 32
)

// GenerateRSAKeyPair produces a transport keypair held only in memory; its
// public half is served over the pubkey endpoint.
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa keypair: %w", err)
	}
	return priv, nil
}

// HMAC computes HMAC(key, msg) using newHash as the underlying hash
// constructor (the agent's configured hash algorithm).
func HMAC(newHash func() hash.Hash, key, msg []byte) []byte {
	mac := hmac.New(newHash, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// DecryptAEAD decrypts ciphertext formatted as IV(16) || CT || TAG(16) with
// AES-256-GCM and empty additional data. key must be 32 bytes.
func DecryptAEAD(key, ciphertext []byte) ([]byte, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("cryptoutil: symmetric key must be %d bytes, got %d", keyLen, len(key))
	}
	if len(ciphertext) < ivLen+tagLen {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthDecryptFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: constructing aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: constructing gcm: %w", err)
	}

	iv := ciphertext[:ivLen]
	body := ciphertext[ivLen:]

	plaintext, err := gcm.Open(nil, iv, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthDecryptFailed, err) //nolint:errorlint
	}
	return plaintext, nil
}

// DecryptOAEP unwraps a U/V key half wrapped with RSA-OAEP using SHA-1 as
// the MGF1 hash and SHA-256 as the label hash. This pairing is not
// discoverable from the wire format alone; it is the explicit, recorded
// choice for compatibility with the existing tenant/verifier wrapping.
func DecryptOAEP(priv *rsa.PrivateKey, blob []byte) ([]byte, error) {
	plaintext, err := priv.Decrypt(rand.Reader, blob, &rsa.OAEPOptions{
		Hash:    crypto.SHA256,
		MGFHash: crypto.SHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: oaep decrypt: %w", err)
	}
	return plaintext, nil
}

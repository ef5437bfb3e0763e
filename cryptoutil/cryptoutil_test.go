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

package cryptoutil_test

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // matches the OAEP MGF1 hash DecryptOAEP expects.
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/keylime-agent/cryptoutil"
)

// rsaEncryptOAEP builds an OAEP ciphertext with SHA-256 as the label hash
// and SHA-1 as the MGF1 hash, the asymmetric pairing DecryptOAEP expects.
// crypto/rsa's EncryptOAEP only supports a single hash for both roles, so
// the padding is built by hand per RFC 8017 §7.1.1.
func rsaEncryptOAEP(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	lHash := sha256.Sum256(nil)
	hLen := len(lHash)
	k := pub.Size()
	if len(msg) > k-2*hLen-2 {
		return nil, errors.New("message too long for rsa public key size")
	}

	em := make([]byte, k)
	seed := em[1 : 1+hLen]
	db := em[1+hLen:]

	copy(db[:hLen], lHash[:])
	db[len(db)-len(msg)-1] = 0x01
	copy(db[len(db)-len(msg):], msg)

	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}

	dbMask := mgf1(seed, len(db), sha1.New)
	for i := range db {
		db[i] ^= dbMask[i]
	}
	seedMask := mgf1(db, hLen, sha1.New)
	for i := range seed {
		seed[i] ^= seedMask[i]
	}

	m := new(big.Int).SetBytes(em)
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)

	out := make([]byte, k)
	cBytes := c.Bytes()
	copy(out[k-len(cBytes):], cBytes)
	return out, nil
}

func mgf1(seed []byte, length int, newHash func() hash.Hash) []byte {
	h := newHash()
	out := make([]byte, 0, length+h.Size())
	var counterBytes [4]byte
	for counter := uint32(0); len(out) < length; counter++ {
		h.Reset()
		h.Write(seed)
		binary.BigEndian.PutUint32(counterBytes[:], counter)
		h.Write(counterBytes[:])
		out = h.Sum(out)
	}
	return out[:length]
}

func sealAEAD(t *testing.T, key, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	require.NoError(t, err)

	iv := make([]byte, 16)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	return append(iv, sealed...)
}

func TestDecryptAEAD_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	ciphertext := sealAEAD(t, key, []byte("hello payload"))

	plaintext, err := cryptoutil.DecryptAEAD(key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, "hello payload", string(plaintext))
}

func TestDecryptAEAD_WrongKeyFails(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	other := make([]byte, 32)
	_, err = rand.Read(other)
	require.NoError(t, err)

	ciphertext := sealAEAD(t, key, []byte("secret"))

	_, err = cryptoutil.DecryptAEAD(other, ciphertext)
	require.ErrorIs(t, err, cryptoutil.ErrAuthDecryptFailed)
}

func TestDecryptAEAD_BadKeyLength(t *testing.T) {
	_, err := cryptoutil.DecryptAEAD([]byte("short"), make([]byte, 64))
	require.Error(t, err)
}

func TestDecryptOAEP_RoundTrip(t *testing.T) {
	priv, err := cryptoutil.GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	blob, err := rsaEncryptOAEP(&priv.PublicKey, []byte("u-key-material"))
	require.NoError(t, err)

	plaintext, err := cryptoutil.DecryptOAEP(priv, blob)
	require.NoError(t, err)
	require.Equal(t, "u-key-material", string(plaintext))
}

func TestHMAC_Stable(t *testing.T) {
	a := cryptoutil.HMAC(sha256.New, []byte("key"), []byte("msg"))
	b := cryptoutil.HMAC(sha256.New, []byte("key"), []byte("msg"))
	require.Equal(t, a, b)

	c := cryptoutil.HMAC(sha256.New, []byte("key"), []byte("other"))
	require.NotEqual(t, a, c)
}

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

// Package rendezvous holds the shared slot where the U-key and V-key
// halves, the auth tag, and the payload ciphertext accumulate until a
// matching combination is found, at which point the payload worker is
// woken exactly once for the life of the process.
package rendezvous

import (
	"encoding/base64"
	"encoding/hex"
	"hash"
	"sync"

	"github.com/confidentsecurity/keylime-agent/cryptoutil"
)

// State is the shared rendezvous record. Zero value is not usable; build
// one with New.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	newHash func() hash.Hash
	uuid    []byte

	uKeys             map[string][]byte
	vKeys             map[string][]byte
	authTagHex        string
	payloadCiphertext []byte
	derivedSymmKey    []byte
}

// New builds a rendezvous for the given agent UUID and HMAC hash
// constructor (the configured algorithm, default SHA-256).
func New(uuid string, newHash func() hash.Hash) *State {
	s := &State{
		newHash: newHash,
		uuid:    []byte(uuid),
		uKeys:   make(map[string][]byte),
		vKeys:   make(map[string][]byte),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SubmitU records a U-key submission under identity id. payload, if
// non-nil, is adopted as the rendezvous ciphertext iff none is set yet.
// tagHex, if non-empty, sets the auth tag. combine is then attempted.
func (s *State) SubmitU(id string, u []byte, payload []byte, tagHex string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uKeys[id] = u
	if payload != nil && s.payloadCiphertext == nil {
		s.payloadCiphertext = payload
	}
	if tagHex != "" {
		s.authTagHex = tagHex
	}
	s.combineLocked()
}

// SubmitV records a V-key submission under identity id, then attempts
// combine.
func (s *State) SubmitV(id string, v []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vKeys[id] = v
	s.combineLocked()
}

// combineLocked implements the U/V key combine procedure. Must be
// called with s.mu held; it never blocks.
func (s *State) combineLocked() {
	if s.derivedSymmKey != nil {
		return
	}
	if s.authTagHex == "" || len(s.payloadCiphertext) == 0 {
		return
	}

	for _, u := range s.uKeys {
		for _, v := range s.vKeys {
			if len(u) != len(v) {
				continue
			}
			candidate := xor(u, v)
			macKey := []byte(base64.StdEncoding.EncodeToString(candidate))
			expected := hex.EncodeToString(cryptoutil.HMAC(s.newHash, macKey, s.uuid))
			if expected == s.authTagHex {
				s.derivedSymmKey = candidate
				s.cond.Broadcast()
				return
			}
		}
	}

	// No candidate matched: clear the tag so a corrected resubmission can retry.
	s.authTagHex = ""
}

// Wait blocks until the derived symmetric key is available, then returns
// it and the staged ciphertext. It is meant to be called from only the
// single worker goroutine; calls after release return immediately.
func (s *State) Wait() (key, ciphertext []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.derivedSymmKey == nil {
		s.cond.Wait()
	}
	return s.derivedSymmKey, s.payloadCiphertext
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

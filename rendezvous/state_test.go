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

package rendezvous_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/confidentsecurity/keylime-agent/rendezvous"
	"github.com/stretchr/testify/require"
)

const testUUID = "d432fbb3-d2f1-4a97-9ef7-75bd81c00000"

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func validTag(t *testing.T, u, v []byte, uuid string) string {
	t.Helper()
	candidate := xorBytes(u, v)
	macKey := []byte(base64.StdEncoding.EncodeToString(candidate))
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(uuid))
	return hex.EncodeToString(mac.Sum(nil))
}

// XOR is its own inverse and the HMAC computation is stable.
func TestXORInverse_And_HMACStable(t *testing.T) {
	u := []byte{0x01, 0x02, 0x03, 0x04}
	v := []byte{0x20, 0x21, 0x22, 0x23}

	k := xorBytes(u, v)
	require.Equal(t, u, xorBytes(k, v))

	tag1 := validTag(t, u, v, testUUID)
	tag2 := validTag(t, u, v, testUUID)
	require.Equal(t, tag1, tag2)
}

// No sequence omitting the auth tag wakes the worker.
func TestNoWakeWithoutAuthTag(t *testing.T) {
	u := make([]byte, 32)
	v := make([]byte, 32)
	for i := range u {
		u[i] = byte(i)
		v[i] = byte(32 - i)
	}

	s := rendezvous.New(testUUID, sha256.New)
	s.SubmitU("tenant", u, []byte("ciphertext"), "")
	s.SubmitV("verifier", v)

	woke := waitWithTimeout(s, 50*time.Millisecond)
	require.False(t, woke)
}

// A tag that verifies against no (u, v) pair does not wake the worker.
func TestNoWakeWithBadTag(t *testing.T) {
	u := make([]byte, 32)
	v := make([]byte, 32)
	for i := range u {
		u[i] = byte(i)
		v[i] = byte(64 - i)
	}
	tag := validTag(t, u, v, testUUID)
	// Flip the last hex nibble so it no longer matches any pair.
	bad := []byte(tag)
	if bad[len(bad)-1] == '0' {
		bad[len(bad)-1] = '1'
	} else {
		bad[len(bad)-1] = '0'
	}

	s := rendezvous.New(testUUID, sha256.New)
	s.SubmitU("tenant", u, []byte("ciphertext"), string(bad))
	s.SubmitV("verifier", v)

	require.False(t, waitWithTimeout(s, 50*time.Millisecond))
}

// Happy path: correct tag wakes the worker exactly once.
func TestHappyPath_WakesOnce(t *testing.T) {
	u := make([]byte, 32)
	v := make([]byte, 32)
	for i := range u {
		u[i] = byte(i + 1)
		v[i] = byte(32 - i)
	}
	tag := validTag(t, u, v, testUUID)

	s := rendezvous.New(testUUID, sha256.New)
	s.SubmitU("tenant", u, []byte("ciphertext"), tag)
	s.SubmitV("verifier", v)

	require.True(t, waitWithTimeout(s, time.Second))

	key, ciphertext := s.Wait()
	require.Equal(t, xorBytes(u, v), key)
	require.Equal(t, []byte("ciphertext"), ciphertext)
}

// Out-of-order submission (vkey first) yields the same result.
func TestOutOfOrderSubmission(t *testing.T) {
	u := make([]byte, 32)
	v := make([]byte, 32)
	for i := range u {
		u[i] = byte(i + 3)
		v[i] = byte(200 - i)
	}
	tag := validTag(t, u, v, testUUID)

	s := rendezvous.New(testUUID, sha256.New)
	s.SubmitV("verifier", v)
	s.SubmitU("tenant", u, []byte("ciphertext"), tag)

	require.True(t, waitWithTimeout(s, time.Second))
}

// A bad tag followed by a corrected resubmission releases.
func TestBadTagThenCorrectedResubmission(t *testing.T) {
	u := make([]byte, 32)
	v := make([]byte, 32)
	for i := range u {
		u[i] = byte(i + 5)
		v[i] = byte(250 - i)
	}
	tag := validTag(t, u, v, testUUID)
	bad := []byte(tag)
	if bad[len(bad)-1] == '0' {
		bad[len(bad)-1] = '1'
	} else {
		bad[len(bad)-1] = '0'
	}

	s := rendezvous.New(testUUID, sha256.New)
	s.SubmitU("tenant", u, []byte("ciphertext"), string(bad))
	s.SubmitV("verifier", v)
	require.False(t, waitWithTimeout(s, 50*time.Millisecond))

	// Resubmit with the corrected tag; the same (u, v) pair is already present.
	s.SubmitU("tenant", u, nil, tag)
	require.True(t, waitWithTimeout(s, time.Second))
}

// Many failing attempts still produce exactly one wake-up once a
// matching tag arrives.
func TestExactlyOneWakeDespiteManyFailures(t *testing.T) {
	u := make([]byte, 32)
	v := make([]byte, 32)
	for i := range u {
		u[i] = byte(i + 7)
		v[i] = byte(210 - i)
	}
	tag := validTag(t, u, v, testUUID)

	s := rendezvous.New(testUUID, sha256.New)
	s.SubmitU("tenant", u, []byte("ciphertext"), "0000000000000000000000000000000000000000000000")
	s.SubmitV("verifier", v)
	for i := 0; i < 5; i++ {
		s.SubmitU("tenant", u, nil, "1111111111111111111111111111111111111111111111")
	}
	require.False(t, waitWithTimeout(s, 20*time.Millisecond))

	s.SubmitU("tenant", u, nil, tag)
	require.True(t, waitWithTimeout(s, time.Second))

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Wait call should return immediately once released")
	}
}

func waitWithTimeout(s *rendezvous.State, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

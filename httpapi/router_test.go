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

package httpapi_test

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/keylime-agent/cryptoutil"
	"github.com/confidentsecurity/keylime-agent/httpapi"
	"github.com/confidentsecurity/keylime-agent/rendezvous"
	"github.com/confidentsecurity/keylime-agent/tpm"
)

func newTestRouter(t *testing.T) http.Handler {
	return newTestRouterWithLogs(t, "", "")
}

func newTestRouterWithLogs(t *testing.T, imaLogPath, bootLogPath string) http.Handler {
	t.Helper()
	priv, err := cryptoutil.GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	device, err := tpm.NewDevice(tpm.DeviceConfig{Type: tpm.InMemorySimulator})
	require.NoError(t, err)
	t.Cleanup(func() { _ = device.Close() })
	transport, err := device.Open()
	require.NoError(t, err)

	gw := tpm.NewGateway(transport)
	ek, err := gw.CreateEK(tpm.EncRSA)
	require.NoError(t, err)
	ak, err := gw.CreateAK(ek, tpm.HashSHA256, tpm.SignRSASSA)
	require.NoError(t, err)

	rv := rendezvous.New("agent-uuid", sha256.New)

	router := httpapi.NewRouter(httpapi.Deps{
		Gateway:             gw,
		Rendezvous:          rv,
		AK:                  ak,
		TransportKey:        priv,
		Algorithms:          tpm.Algorithms{Hash: tpm.HashSHA256, Enc: tpm.EncRSA, Sign: tpm.SignRSASSA},
		IMALogPath:          imaLogPath,
		MeasuredBootLogPath: bootLogPath,
	})
	return router
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestGetPubkey(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v2.0/keys/pubkey", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "BEGIN PUBLIC KEY")
}

func TestPostVKey_MalformedBase64(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v2.0/keys/vkey", strings.NewReader(`{"encrypted_key":"not-base64!!"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// Identity quotes render as exactly three base64 fields.
func TestGetIdentityQuote_Shape(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v2.0/quotes/identity?nonce=abc123&mask=0x401", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "r"))
	fields := strings.Split(strings.TrimPrefix(body, "r"), ":")
	require.Len(t, fields, 3)
	for _, f := range fields {
		_, err := base64.StdEncoding.DecodeString(f)
		require.NoError(t, err)
	}
}

func TestGetIdentityQuote_InvalidNonce(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v2.0/quotes/identity?nonce=bad!nonce", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetIntegrityQuote_IncludesPCRBlob(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v2.0/quotes/integrity?nonce=abc123&mask=0x7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	fields := strings.Split(strings.TrimPrefix(rec.Body.String(), "r"), ":")
	require.Len(t, fields, 4)
}

func TestGetIntegrityQuote_WithoutIMAMaskOmitsIMALog(t *testing.T) {
	dir := t.TempDir()
	imaLogPath := filepath.Join(dir, "ima_log")
	require.NoError(t, os.WriteFile(imaLogPath, []byte("ima measurement entries"), 0o600))

	router := newTestRouterWithLogs(t, imaLogPath, "")
	req := httptest.NewRequest(http.MethodGet, "/v2.0/quotes/integrity?nonce=abc123&mask=0x7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	fields := strings.Split(strings.TrimPrefix(rec.Body.String(), "r"), ":")
	require.Len(t, fields, 4, "ima_mask was not set, so no IMA log field is appended")
}

func TestGetIntegrityQuote_WithIMAMaskAppendsIMALog(t *testing.T) {
	dir := t.TempDir()
	imaLogPath := filepath.Join(dir, "ima_log")
	logContents := []byte("ima measurement entries")
	require.NoError(t, os.WriteFile(imaLogPath, logContents, 0o600))

	router := newTestRouterWithLogs(t, imaLogPath, "")
	req := httptest.NewRequest(http.MethodGet, "/v2.0/quotes/integrity?nonce=abc123&mask=0x7&ima_mask=0x1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	fields := strings.Split(strings.TrimPrefix(rec.Body.String(), "r"), ":")
	require.Len(t, fields, 5)
	decoded, err := base64.StdEncoding.DecodeString(fields[4])
	require.NoError(t, err)
	require.Equal(t, logContents, decoded)
}

func TestGetIntegrityQuote_MissingLogsAreOmittedNotFatal(t *testing.T) {
	dir := t.TempDir()
	router := newTestRouterWithLogs(t, filepath.Join(dir, "does-not-exist"), filepath.Join(dir, "also-missing"))
	req := httptest.NewRequest(http.MethodGet, "/v2.0/quotes/integrity?nonce=abc123&mask=0x7&ima_mask=0x1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	fields := strings.Split(strings.TrimPrefix(rec.Body.String(), "r"), ":")
	require.Len(t, fields, 4)
}

func TestGetIntegrityQuote_MeasuredBootLogIncludedWhenPresent(t *testing.T) {
	dir := t.TempDir()
	bootLogPath := filepath.Join(dir, "boot_log")
	logContents := []byte("measured boot event log")
	require.NoError(t, os.WriteFile(bootLogPath, logContents, 0o600))

	router := newTestRouterWithLogs(t, "", bootLogPath)
	req := httptest.NewRequest(http.MethodGet, "/v2.0/quotes/integrity?nonce=abc123&mask=0x7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	fields := strings.Split(strings.TrimPrefix(rec.Body.String(), "r"), ":")
	require.Len(t, fields, 5)
	decoded, err := base64.StdEncoding.DecodeString(fields[4])
	require.NoError(t, err)
	require.Equal(t, logContents, decoded)
}

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

package httpapi

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/confidentsecurity/keylime-agent/cryptoutil"
	"github.com/confidentsecurity/keylime-agent/tpm"
)

var nonceRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

const maxNonceLen = 64

type handlers struct {
	deps Deps
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type ukeyRequest struct {
	EncryptedKey string `json:"encrypted_key"`
	AuthTag      string `json:"auth_tag"`
	Payload      string `json:"payload,omitempty"`
}

type vkeyRequest struct {
	EncryptedKey string `json:"encrypted_key"`
}

func (h *handlers) postUKey(w http.ResponseWriter, r *http.Request) {
	var req ukeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	encrypted, err := base64.StdEncoding.DecodeString(req.EncryptedKey)
	if err != nil {
		http.Error(w, "encrypted_key must be base64", http.StatusBadRequest)
		return
	}

	u, err := cryptoutil.DecryptOAEP(h.deps.TransportKey, encrypted)
	if err != nil {
		slog.Error("failed to decrypt u-key", "err", err)
		http.Error(w, "decryption failed", http.StatusInternalServerError)
		return
	}

	var payload []byte
	if req.Payload != "" {
		payload, err = base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			http.Error(w, "payload must be base64", http.StatusBadRequest)
			return
		}
	}

	if req.AuthTag != "" {
		if _, err := hex.DecodeString(req.AuthTag); err != nil {
			http.Error(w, "auth_tag must be hex", http.StatusBadRequest)
			return
		}
	}

	h.deps.Rendezvous.SubmitU(remoteIdentity(r), u, payload, strings.ToLower(req.AuthTag))
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) postVKey(w http.ResponseWriter, r *http.Request) {
	var req vkeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	encrypted, err := base64.StdEncoding.DecodeString(req.EncryptedKey)
	if err != nil {
		http.Error(w, "encrypted_key must be base64", http.StatusBadRequest)
		return
	}

	v, err := cryptoutil.DecryptOAEP(h.deps.TransportKey, encrypted)
	if err != nil {
		slog.Error("failed to decrypt v-key", "err", err)
		http.Error(w, "decryption failed", http.StatusInternalServerError)
		return
	}

	h.deps.Rendezvous.SubmitV(remoteIdentity(r), v)
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) getPubkey(w http.ResponseWriter, r *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&h.deps.TransportKey.PublicKey)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"pubkey": string(pem.EncodeToMemory(block))})
}

func (h *handlers) getIdentityQuote(w http.ResponseWriter, r *http.Request) {
	h.serveQuote(w, r, false)
}

func (h *handlers) getIntegrityQuote(w http.ResponseWriter, r *http.Request) {
	h.serveQuote(w, r, true)
}

func (h *handlers) serveQuote(w http.ResponseWriter, r *http.Request, integrity bool) {
	nonce := r.URL.Query().Get("nonce")
	if !nonceRe.MatchString(nonce) || len(nonce) > maxNonceLen {
		http.Error(w, "invalid nonce", http.StatusBadRequest)
		return
	}

	mask := r.URL.Query().Get("mask")
	indices, err := parsePCRMask(mask)
	if err != nil {
		http.Error(w, "invalid mask", http.StatusBadRequest)
		return
	}

	sel := tpm.PCRSelection{Hash: h.deps.Algorithms.Hash, Indices: indices}

	attest, sig, err := h.deps.Gateway.Quote(h.deps.AK.Handle, []byte(nonce), sel)
	if err != nil {
		slog.Error("quote failed", "err", err)
		http.Error(w, "quote failed", http.StatusInternalServerError)
		return
	}

	body := RenderQuote(attest, sig, h.deps.AK.Public)

	if integrity {
		pcrs, err := h.deps.Gateway.ReadPCRs(sel)
		if err != nil {
			slog.Error("reading pcrs failed", "err", err)
			http.Error(w, "quote failed", http.StatusInternalServerError)
			return
		}
		body = AppendPCRBlob(body, pcrs)

		if r.URL.Query().Get("ima_mask") != "" {
			if log, ok := readOptionalLog(h.deps.IMALogPath); ok {
				body = AppendIMALog(body, log)
			}
		}

		if log, ok := readOptionalLog(h.deps.MeasuredBootLogPath); ok {
			body = AppendMeasuredBootLog(body, log)
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(body))
}

func parsePCRMask(mask string) ([]int, error) {
	if mask == "" {
		return nil, nil
	}
	trimmed := strings.TrimPrefix(strings.ToLower(mask), "0x")
	bits, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return nil, err
	}

	var indices []int
	for i := 0; i < 24; i++ {
		if bits&(1<<uint(i)) != 0 {
			indices = append(indices, i)
		}
	}
	return indices, nil
}

func remoteIdentity(r *http.Request) string {
	return r.RemoteAddr
}

// readOptionalLog reads path (the IMA measurement log or the measured-boot
// event log, both exposed by the kernel under securityfs). A missing path,
// missing file, or read error is reported as "not present" rather than an
// error: both logs are optional per the integrity quote's own contract.
func readOptionalLog(path string) ([]byte, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

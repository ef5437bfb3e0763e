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

// Package httpapi serves the agent's identity/integrity quote and key-half
// ingestion endpoints over HTTP(S).
package httpapi

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/confidentsecurity/keylime-agent/rendezvous"
	"github.com/confidentsecurity/keylime-agent/tpm"
)

// ErrBadRequest marks handler input that fails validation (base64, hex,
// nonce format, length).
var ErrBadRequest = errors.New("httpapi: malformed request")

const apiVersion = "2.0"

// Deps are the collaborators the handlers call into.
type Deps struct {
	Gateway      *tpm.Gateway
	Rendezvous   *rendezvous.State
	AK           tpm.AK
	TransportKey *rsa.PrivateKey
	Algorithms   tpm.Algorithms

	// IMALogPath and MeasuredBootLogPath name the sysfs files the
	// integrity quote endpoint reads from. Either may be left empty, in
	// which case the corresponding field is omitted from the response
	// (treated the same as the file being absent).
	IMALogPath          string
	MeasuredBootLogPath string
}

// NewRouter builds the chi router exposing the agent's HTTP surface.
func NewRouter(deps Deps) *chi.Mux {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)

	prefix := "/v" + apiVersion
	r.Route(prefix, func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/ukey", h.postUKey)
			r.Post("/vkey", h.postVKey)
			r.Get("/pubkey", h.getPubkey)
		})
		r.Route("/quotes", func(r chi.Router) {
			r.Get("/identity", h.getIdentityQuote)
			r.Get("/integrity", h.getIntegrityQuote)
		})
	})

	return r
}

// NewTLSConfig builds the server's tls.Config. When requireClientCert is
// set, clientCAPath must name a PEM bundle of trusted client CAs.
func NewTLSConfig(certPath, keyPath string, requireClientCert bool, clientCAPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("httpapi: loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if requireClientCert {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("httpapi: reading trusted client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("httpapi: no certificates parsed from %s", clientCAPath)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

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

// Package registrar speaks the two-phase registration protocol to the
// remote registrar: submit EK/AK material, receive a sealed credential
// blob, then prove possession of it back.
package registrar

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRegistrarRejected is returned for any non-2xx or malformed registrar
// response. It is fatal to agent startup.
var ErrRegistrarRejected = errors.New("registrar: request rejected")

// Config configures connection retry behavior, mirroring the agent's other
// network collaborators.
type Config struct {
	BaseURL       string
	APIVersion    string
	MaxRetries    uint64
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// Client drives the registrar protocol.
type Client struct {
	cfg Config
}

// NewClient builds a Client from cfg, filling in defaults for unset fields.
func NewClient(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2.0"
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{cfg: cfg}
}

// registerRequest is the Phase A request body.
type registerRequest struct {
	EKTPM  string `json:"ek_tpm"`
	EKCert string `json:"ekcert,omitempty"`
	AIKTPM string `json:"aik_tpm"`
	IP     string `json:"ip,omitempty"`
	Port   int    `json:"port,omitempty"`
}

type registerResponse struct {
	Blob string `json:"blob"`
}

type activateRequest struct {
	AuthTag string `json:"auth_tag"`
}

// Register performs Phase A: submit EK/AK material, returning the
// encrypted credential blob to activate.
func (c *Client) Register(ctx context.Context, uuid string, ekPublic, ekCert, akPublic []byte, contactIP string, contactPort int) ([]byte, error) {
	body := registerRequest{
		EKTPM:  base64.StdEncoding.EncodeToString(ekPublic),
		AIKTPM: base64.StdEncoding.EncodeToString(akPublic),
		IP:     contactIP,
		Port:   contactPort,
	}
	if len(ekCert) > 0 {
		body.EKCert = base64.StdEncoding.EncodeToString(ekCert)
	}

	var resp registerResponse
	url := fmt.Sprintf("%s/v%s/agents/%s", c.cfg.BaseURL, c.cfg.APIVersion, uuid)
	if err := c.doWithRetry(ctx, http.MethodPost, url, body, &resp); err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(resp.Blob)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob: %v", ErrRegistrarRejected, err) //nolint:errorlint
	}
	return blob, nil
}

// Activate performs Phase B: submit the HMAC auth tag proving the
// credential was unsealed on this TPM.
func (c *Client) Activate(ctx context.Context, uuid, authTag string) error {
	body := activateRequest{AuthTag: authTag}
	url := fmt.Sprintf("%s/v%s/agents/%s", c.cfg.BaseURL, c.cfg.APIVersion, uuid)
	return c.doWithRetry(ctx, http.MethodPut, url, body, nil)
}

// doWithRetry retries transient dial/5xx failures with a constant
// RetryInterval backoff bounded by MaxRetries; any other non-2xx HTTP
// response is a terminal rejection and is not retried.
func (c *Client) doWithRetry(ctx context.Context, method, url string, reqBody, respBody any) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), c.cfg.MaxRetries),
		ctx,
	)

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("registrar: encoding request body: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("registrar: building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			// Dial/transport errors are transient; retry them.
			return fmt.Errorf("registrar: dialing registrar: %w", err)
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("registrar: server error %d: %s", resp.StatusCode, data)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRegistrarRejected, resp.StatusCode, data))
		}

		if respBody != nil {
			if err := json.Unmarshal(data, respBody); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: malformed body: %v", ErrRegistrarRejected, err)) //nolint:errorlint
			}
		}
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		if errors.Is(err, ErrRegistrarRejected) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrRegistrarRejected, err) //nolint:errorlint
	}
	return nil
}

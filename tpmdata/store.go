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

// Package tpmdata persists the attestation key's algorithm choice and TPM
// context blob across agent restarts, so a new AK is only generated when
// the TPM rejects the saved context or the configured algorithms changed.
package tpmdata

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/confidentsecurity/keylime-agent/tpm"
)

// Record is the on-disk shape of persisted AK data.
type Record struct {
	AKHashAlg tpm.HashAlg `json:"ak_hash_alg"`
	AKSignAlg tpm.SignAlg `json:"ak_sign_alg"`
	AKContext []byte      `json:"-"`
}

type wireRecord struct {
	AKHashAlg tpm.HashAlg `json:"ak_hash_alg"`
	AKSignAlg tpm.SignAlg `json:"ak_sign_alg"`
	AKContext string      `json:"ak_context"`
}

// Load reads the persisted record at path. It returns (nil, false) if the
// file is missing, unreadable, malformed, or its (hash, sign) algorithms do
// not match want — any of these cases mean the caller should generate a
// fresh AK.
func Load(path string, want tpm.Algorithms) (*Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, false
	}

	ctx, err := base64.StdEncoding.DecodeString(wire.AKContext)
	if err != nil {
		return nil, false
	}

	if wire.AKHashAlg != want.Hash || wire.AKSignAlg != want.Sign {
		return nil, false
	}

	return &Record{
		AKHashAlg: wire.AKHashAlg,
		AKSignAlg: wire.AKSignAlg,
		AKContext: ctx,
	}, true
}

// Store atomically writes r to path via write-temp-then-rename in the same
// directory, so a crash mid-write never leaves a corrupt file in place.
func (r *Record) Store(path string) error {
	wire := wireRecord{
		AKHashAlg: r.AKHashAlg,
		AKSignAlg: r.AKSignAlg,
		AKContext: base64.StdEncoding.EncodeToString(r.AKContext),
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("tpmdata: encoding record: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tpmdata-*.tmp")
	if err != nil {
		return fmt.Errorf("tpmdata: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("tpmdata: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tpmdata: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tpmdata: renaming into place: %w", err)
	}
	tmpPath = ""

	return nil
}

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

package tpm

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/google/go-tpm/tpm2"
)

// HashAlg names a TPM hash algorithm the agent was configured to use.
type HashAlg string

const (
	HashSHA256 HashAlg = "sha256"
	HashSHA384 HashAlg = "sha384"
	HashSHA512 HashAlg = "sha512"
)

// TPMAlgID maps the configured hash name to its TPM_ALG_ID constant.
func (h HashAlg) TPMAlgID() (tpm2.TPMAlgID, error) {
	switch h {
	case HashSHA256:
		return tpm2.TPMAlgSHA256, nil
	case HashSHA384:
		return tpm2.TPMAlgSHA384, nil
	case HashSHA512:
		return tpm2.TPMAlgSHA512, nil
	default:
		return 0, fmt.Errorf("tpm: unknown hash algorithm %q", h)
	}
}

// New returns the constructor for this hash algorithm's hash.Hash, for use
// outside the TPM (HMAC over the rendezvous auth tag).
func (h HashAlg) New() (func() hash.Hash, error) {
	switch h {
	case HashSHA256:
		return sha256.New, nil
	case HashSHA384:
		return sha512.New384, nil
	case HashSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("tpm: unknown hash algorithm %q", h)
	}
}

// EncAlg names the asymmetric algorithm family used for the EK (and,
// implicitly, the hierarchy the EK is created under).
type EncAlg string

const (
	EncRSA EncAlg = "rsa"
	EncECC EncAlg = "ecc"
)

// SignAlg names the AK's signing scheme.
type SignAlg string

const (
	SignRSASSA SignAlg = "rsassa"
	SignECDSA  SignAlg = "ecdsa"
)

// Algorithms is the (hash, enc, sign) triple chosen at startup. Its Hash
// and Sign fields are the validity key of persisted AK data: tpmdata.Load
// accepts a record iff both match; Enc is not compared.
type Algorithms struct {
	Hash HashAlg
	Enc  EncAlg
	Sign SignAlg
}

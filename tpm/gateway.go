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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// ErrStaleContext is returned by LoadAK when the TPM rejects a persisted AK
// context blob, e.g. after a TPM reset.
var ErrStaleContext = errors.New("tpm: persisted AK context rejected by TPM")

// Well-known NV indices for the manufacturer-provisioned EK certificate, per
// the TCG PC Client Platform Firmware Profile.
const (
	nvIndexEKCertRSA uint32 = 0x01c00002
	nvIndexEKCertECC uint32 = 0x01c0000a
)

// EK is the endorsement key: a non-migratable TPM-resident decryption key
// whose certificate, when present, chains to the TPM manufacturer.
type EK struct {
	Handle tpm2.TPMHandle
	Cert   []byte
	Public []byte
}

// AK is the attestation key: a restricted signing key bound to the TPM that
// holds the EK via credential activation.
type AK struct {
	Handle tpm2.TPMHandle
	Name   []byte
	Public []byte
}

// PCRSelection names the banks and indices to include in a quote or PCR read.
type PCRSelection struct {
	Hash    HashAlg
	Indices []int
}

// Gateway funnels every TPM command through a single mutex, matching the
// requirement that only one command is ever in flight on the command
// channel at a time.
type Gateway struct {
	mu  sync.Mutex
	tpm transport.TPMCloser
}

// NewGateway wraps an already-open TPM transport.
func NewGateway(t transport.TPMCloser) *Gateway {
	return &Gateway{tpm: t}
}

// CreateEK creates or takes ownership of the endorsement key for the given
// encryption algorithm family. A missing manufacturer EK certificate at the
// well-known NV index is not an error.
func (g *Gateway) CreateEK(enc EncAlg) (EK, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var tmpl tpm2.TPM2BPublic
	var nvIndex uint32
	switch enc {
	case EncRSA:
		tmpl = tpm2.RSAEKTemplate
		nvIndex = nvIndexEKCertRSA
	case EncECC:
		tmpl = tpm2.ECCEKTemplate
		nvIndex = nvIndexEKCertECC
	default:
		return EK{}, fmt.Errorf("tpm: unknown ek encryption algorithm %q", enc)
	}

	resp, err := (tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tmpl,
	}).Execute(g.tpm)
	if err != nil {
		return EK{}, fmt.Errorf("tpm: creating ek: %w", err)
	}

	pub, err := resp.OutPublic.Contents()
	if err != nil {
		return EK{}, fmt.Errorf("tpm: reading ek public area: %w", err)
	}
	pubBytes := tpm2.Marshal(pub)

	cert, err := g.readEKCertificate(nvIndex)
	if err != nil {
		slog.Info("no manufacturer EK certificate present", "nv_index", fmt.Sprintf("0x%x", nvIndex), "err", err)
	}

	return EK{Handle: resp.ObjectHandle, Public: pubBytes, Cert: cert}, nil
}

func (g *Gateway) readEKCertificate(nvIndex uint32) ([]byte, error) {
	handle := tpm2.TPMHandle(nvIndex)

	readPub, err := (tpm2.NVReadPublic{NVIndex: handle}).Execute(g.tpm)
	if err != nil {
		return nil, fmt.Errorf("reading nv public area: %w", err)
	}
	pub, err := readPub.NVPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("decoding nv public area: %w", err)
	}

	var cert []byte
	remaining := pub.DataSize
	var offset uint16
	for remaining > 0 {
		chunk := remaining
		const maxChunk = 1024
		if chunk > maxChunk {
			chunk = maxChunk
		}
		readResp, err := (tpm2.NVRead{
			AuthHandle: tpm2.TPMRHOwner,
			NVIndex:    tpm2.NamedHandle{Handle: handle, Name: readPub.NVName},
			Size:       chunk,
			Offset:     offset,
		}).Execute(g.tpm)
		if err != nil {
			return nil, fmt.Errorf("reading nv data at offset %d: %w", offset, err)
		}
		cert = append(cert, readResp.Data.Buffer...)
		offset += chunk
		remaining -= chunk
	}
	return cert, nil
}

// akTemplate builds the restricted signing key template for the given
// hash/sign algorithm pair.
func akTemplate(hashAlg HashAlg, signAlg SignAlg) (tpm2.TPM2BPublic, error) {
	hashID, err := hashAlg.TPMAlgID()
	if err != nil {
		return tpm2.TPM2BPublic{}, err
	}

	attrs := tpm2.TPMAObject{
		SignEncrypt:         true,
		Restricted:          true,
		FixedTPM:            true,
		FixedParent:         true,
		SensitiveDataOrigin: true,
		UserWithAuth:        true,
		NoDA:                true,
	}

	var parms tpm2.TPMUPublicParms
	var keyType tpm2.TPMAlgID
	switch signAlg {
	case SignRSASSA:
		keyType = tpm2.TPMAlgRSA
		parms = tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA, &tpm2.TPMSRSAParms{
			Scheme: tpm2.TPMTRSAScheme{
				Scheme: tpm2.TPMAlgRSASSA,
				Details: tpm2.NewTPMUAsymScheme(tpm2.TPMAlgRSASSA, &tpm2.TPMSSigSchemeRSASSA{
					HashAlg: hashID,
				}),
			},
			KeyBits: 2048,
		})
	case SignECDSA:
		keyType = tpm2.TPMAlgECC
		parms = tpm2.NewTPMUPublicParms(tpm2.TPMAlgECC, &tpm2.TPMSECCParms{
			CurveID: tpm2.TPMECCNistP256,
			Scheme: tpm2.TPMTECCScheme{
				Scheme: tpm2.TPMAlgECDSA,
				Details: tpm2.NewTPMUAsymScheme(tpm2.TPMAlgECDSA, &tpm2.TPMSSigSchemeECDSA{
					HashAlg: hashID,
				}),
			},
		})
	default:
		return tpm2.TPM2BPublic{}, fmt.Errorf("tpm: unknown ak sign algorithm %q", signAlg)
	}

	return tpm2.New2B(tpm2.TPMTPublic{
		Type:             keyType,
		NameAlg:          hashID,
		ObjectAttributes: attrs,
		Parameters:       parms,
	}), nil
}

// CreateAK generates a restricted signing key under the EK and loads it,
// returning its runtime handle.
func (g *Gateway) CreateAK(ek EK, hashAlg HashAlg, signAlg SignAlg) (AK, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tmpl, err := akTemplate(hashAlg, signAlg)
	if err != nil {
		return AK{}, err
	}

	createResp, err := (tpm2.Create{
		ParentHandle: tpm2.AuthHandle{Handle: ek.Handle},
		InPublic:     tmpl,
	}).Execute(g.tpm)
	if err != nil {
		return AK{}, fmt.Errorf("tpm: creating ak: %w", err)
	}

	loadResp, err := (tpm2.Load{
		ParentHandle: tpm2.AuthHandle{Handle: ek.Handle},
		InPrivate:    createResp.OutPrivate,
		InPublic:     createResp.OutPublic,
	}).Execute(g.tpm)
	if err != nil {
		return AK{}, fmt.Errorf("tpm: loading ak: %w", err)
	}

	pub, err := createResp.OutPublic.Contents()
	if err != nil {
		return AK{}, fmt.Errorf("tpm: reading ak public area: %w", err)
	}

	return AK{
		Handle: loadResp.ObjectHandle,
		Name:   loadResp.Name.Buffer,
		Public: tpm2.Marshal(pub),
	}, nil
}

// StoreAK serializes the AK's context for reuse across restarts.
func (g *Gateway) StoreAK(ak AK) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	resp, err := (tpm2.ContextSave{SaveHandle: ak.Handle}).Execute(g.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: saving ak context: %w", err)
	}
	return tpm2.Marshal(resp.Context), nil
}

// LoadAK restores an AK from a previously stored context blob. A blob the
// TPM rejects (e.g. after a reset) surfaces as ErrStaleContext.
func (g *Gateway) LoadAK(ctxBlob []byte) (AK, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var tpmCtx tpm2.TPMSContext
	if err := tpm2.Unmarshal(ctxBlob, &tpmCtx); err != nil {
		return AK{}, fmt.Errorf("%w: malformed context: %v", ErrStaleContext, err) //nolint:errorlint
	}

	resp, err := (tpm2.ContextLoad{Context: tpmCtx}).Execute(g.tpm)
	if err != nil {
		return AK{}, fmt.Errorf("%w: %v", ErrStaleContext, err) //nolint:errorlint
	}

	readPub, err := (tpm2.ReadPublic{ItemHandle: resp.LoadedHandle}).Execute(g.tpm)
	if err != nil {
		return AK{}, fmt.Errorf("tpm: reading restored ak public area: %w", err)
	}

	pub, err := readPub.OutPublic.Contents()
	if err != nil {
		return AK{}, fmt.Errorf("tpm: decoding restored ak public area: %w", err)
	}

	return AK{
		Handle: resp.LoadedHandle,
		Name:   readPub.Name.Buffer,
		Public: tpm2.Marshal(pub),
	}, nil
}

// ActivateCredential performs the TPM2_ActivateCredential exchange. blob is
// the registrar's credential blob: a TPM2B_ID_OBJECT immediately followed by
// a TPM2B_ENCRYPTED_SECRET, each self-length-prefixed, as submitted by the
// registrar's Phase A response. The returned secret proves possession of
// the named AK by the TPM that holds the EK.
func (g *Gateway) ActivateCredential(blob []byte, ak, ek tpm2.TPMHandle) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idObjectBuf, secretBuf, err := splitCredentialBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("tpm: decoding credential blob: %w", err)
	}
	idObject := tpm2.TPM2BIDObject{Buffer: idObjectBuf}
	secret := tpm2.TPM2BEncryptedSecret{Buffer: secretBuf}

	resp, err := (tpm2.ActivateCredential{
		ActivateHandle: tpm2.AuthHandle{Handle: ak},
		KeyHandle:      tpm2.AuthHandle{Handle: ek},
		CredentialBlob: idObject,
		Secret:         secret,
	}).Execute(g.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: activating credential: %w", err)
	}

	return resp.CertInfo.Buffer, nil
}

// Quote signs the selected PCR set with the AK over nonce.
func (g *Gateway) Quote(ak tpm2.TPMHandle, nonce []byte, sel PCRSelection) (attest, signature []byte, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hashID, err := sel.Hash.TPMAlgID()
	if err != nil {
		return nil, nil, err
	}

	resp, err := (tpm2.Quote{
		SignHandle: tpm2.AuthHandle{Handle: ak},
		QualifyingData: tpm2.TPM2BData{
			Buffer: nonce,
		},
		InScheme: tpm2.TPMTSigScheme{Scheme: tpm2.TPMAlgNull},
		PCRSelect: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{pcrSelection(hashID, sel.Indices)},
		},
	}).Execute(g.tpm)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm: quoting: %w", err)
	}

	return tpm2.Marshal(resp.Quoted), tpm2.Marshal(resp.Signature), nil
}

// ReadPCRs reads the current values of the selected PCR banks.
func (g *Gateway) ReadPCRs(sel PCRSelection) (map[uint32][]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hashID, err := sel.Hash.TPMAlgID()
	if err != nil {
		return nil, err
	}

	resp, err := (tpm2.PCRRead{
		PCRSelectionIn: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{pcrSelection(hashID, sel.Indices)},
		},
	}).Execute(g.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: reading pcrs: %w", err)
	}

	out := make(map[uint32][]byte, len(sel.Indices))
	for i, idx := range sel.Indices {
		if i >= len(resp.PCRValues.Digests) {
			break
		}
		out[uint32(idx)] = resp.PCRValues.Digests[i].Buffer
	}
	return out, nil
}

// Vendor reads TPM2_PT_MANUFACTURER via TPM2_GetCapability, used once at
// boot to decide whether to emit an insecure-software-TPM warning.
func (g *Gateway) Vendor() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	resp, err := (tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}).Execute(g.tpm)
	if err != nil {
		return "", fmt.Errorf("tpm: reading vendor capability: %w", err)
	}

	props, err := resp.CapabilityData.Data.TPMProperties()
	if err != nil || len(props.TPMProperty) == 0 {
		return "", fmt.Errorf("tpm: no manufacturer property returned")
	}

	var b strings.Builder
	v := props.TPMProperty[0].Value
	for shift := 24; shift >= 0; shift -= 8 {
		c := byte(v >> shift)
		if c != 0 {
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// splitCredentialBlob splits a registrar credential blob into its two
// length-prefixed TPM2B fields: TPM2B_ID_OBJECT followed by
// TPM2B_ENCRYPTED_SECRET, each a 2-byte big-endian size followed by that
// many bytes of data.
func splitCredentialBlob(blob []byte) (idObject, secret []byte, err error) {
	idObject, rest, err := readTPM2B(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("id object: %w", err)
	}
	secret, _, err = readTPM2B(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypted secret: %w", err)
	}
	return idObject, secret, nil
}

func readTPM2B(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("truncated TPM2B size prefix")
	}
	size := binary.BigEndian.Uint16(buf)
	if len(buf) < 2+int(size) {
		return nil, nil, fmt.Errorf("truncated TPM2B data: want %d bytes, have %d", size, len(buf)-2)
	}
	return buf[2 : 2+int(size)], buf[2+int(size):], nil
}

func pcrSelection(hashID tpm2.TPMAlgID, indices []int) tpm2.TPMSPCRSelection {
	bitmap := make([]byte, 3)
	for _, idx := range indices {
		if idx < 0 || idx >= 24 {
			continue
		}
		bitmap[idx/8] |= 1 << uint(idx%8)
	}
	return tpm2.TPMSPCRSelection{
		Hash:      hashID,
		PCRSelect: bitmap,
	}
}

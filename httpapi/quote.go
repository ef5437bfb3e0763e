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
	"encoding/base64"
	"sort"
)

// RenderQuote renders the identity-quote wire format:
//
//	r<base64-quote>:<base64-signature>:<base64-pub>
//
// Exactly two ':' separators, each field base64. The integrity endpoint
// appends further fields with AppendPCRBlob.
func RenderQuote(attest, signature, pub []byte) string {
	return "r" + base64.StdEncoding.EncodeToString(attest) +
		":" + base64.StdEncoding.EncodeToString(signature) +
		":" + base64.StdEncoding.EncodeToString(pub)
}

// AppendPCRBlob appends the PCR values (ascending index order) as a
// further colon-separated base64 field, as the integrity endpoint does.
func AppendPCRBlob(quote string, pcrs map[uint32][]byte) string {
	if len(pcrs) == 0 {
		return quote
	}

	indices := make([]uint32, 0, len(pcrs))
	for idx := range pcrs {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	blob := make([]byte, 0, len(pcrs)*32)
	for _, idx := range indices {
		blob = append(blob, pcrs[idx]...)
	}

	return quote + ":" + base64.StdEncoding.EncodeToString(blob)
}

// AppendIMALog appends the IMA measurement log as a further colon-separated
// base64 field. Callers only invoke this when a log was actually read; an
// absent log is simply not appended, matching the "(if present)" wording
// for the measured-boot log's optionality.
func AppendIMALog(quote string, log []byte) string {
	return quote + ":" + base64.StdEncoding.EncodeToString(log)
}

// AppendMeasuredBootLog appends the measured-boot event log field. Same
// wire shape as AppendIMALog; kept as a distinct name since the two fields
// are populated independently (ima_mask gates the IMA log, the
// measured-boot log is included whenever its source file is present).
func AppendMeasuredBootLog(quote string, log []byte) string {
	return quote + ":" + base64.StdEncoding.EncodeToString(log)
}

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

// Package agentconfig loads the agent's configuration by layering
// defaults, system files, system snippets, a user file, user snippets, and
// environment variables, then resolves dynamic keywords (UUID, relative
// file paths) into the plain immutable record the core components consume.
package agentconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/confidentsecurity/keylime-agent/tpm"
)

const envPrefix = "KEYLIME_"

// Config is the immutable, fully-resolved configuration the core
// components accept at startup.
type Config struct {
	ListenAddress string
	ListenPort    int

	ContactAddress string
	ContactPort    int

	RegistrarAddress string
	RegistrarPort    int

	EnableAgentMTLS bool
	TLSCertPath     string
	TLSKeyPath      string
	TrustedClientCA string

	AgentUUID string

	Algorithms tpm.Algorithms

	TPMDataPath string

	ExtractPayloadZip bool
	EnableRevocation  bool

	SecureSize string
	InitScript string

	IMALogPath          string
	MeasuredBootLogPath string

	WorkDir string
}

type fileFields struct {
	ListenAddress     *string `yaml:"ip"`
	ListenPort        *int    `yaml:"port"`
	ContactAddress    *string `yaml:"contact_ip"`
	ContactPort       *int    `yaml:"contact_port"`
	RegistrarAddress  *string `yaml:"registrar_ip"`
	RegistrarPort     *int    `yaml:"registrar_port"`
	EnableAgentMTLS   *bool   `yaml:"enable_agent_mtls"`
	TLSCertPath       *string `yaml:"server_cert"`
	TLSKeyPath        *string `yaml:"server_key"`
	TrustedClientCA   *string `yaml:"trusted_client_ca"`
	UUID              *string `yaml:"uuid"`
	HashAlg           *string `yaml:"tpm_hash_alg"`
	EncAlg            *string `yaml:"tpm_encryption_alg"`
	SignAlg           *string `yaml:"tpm_signing_alg"`
	TPMDataPath       *string `yaml:"tpm_data"`
	ExtractPayloadZip *bool   `yaml:"extract_payload_zip"`
	EnableRevocation  *bool   `yaml:"enable_revocation_notifications"`
	SecureSize        *string `yaml:"secure_size"`
	InitScript        *string `yaml:"payload_script"`

	IMALogPath          *string `yaml:"ima_ml_path"`
	MeasuredBootLogPath *string `yaml:"measuredboot_ml_path"`

	WorkDir *string `yaml:"keylime_dir"`
}

// defaults returns the lowest-precedence layer.
func defaults() fileFields {
	return fileFields{
		ListenAddress:     strPtr("127.0.0.1"),
		ListenPort:        intPtr(9002),
		RegistrarAddress:  strPtr("127.0.0.1"),
		RegistrarPort:     intPtr(8890),
		EnableAgentMTLS:   boolPtr(true),
		TLSCertPath:       strPtr("default"),
		TLSKeyPath:        strPtr("default"),
		TrustedClientCA:   strPtr("default"),
		UUID:              strPtr("generate"),
		HashAlg:           strPtr(string(tpm.HashSHA256)),
		EncAlg:            strPtr(string(tpm.EncRSA)),
		SignAlg:           strPtr(string(tpm.SignRSASSA)),
		TPMDataPath:       strPtr("default"),
		ExtractPayloadZip: boolPtr(false),
		EnableRevocation:  boolPtr(false),
		SecureSize:        strPtr("1m"),
		InitScript:        strPtr("autorun.sh"),

		IMALogPath:          strPtr("/sys/kernel/security/ima/ascii_runtime_measurements"),
		MeasuredBootLogPath: strPtr("/sys/kernel/security/tpm0/binary_bios_measurements"),

		WorkDir: strPtr("/var/lib/keylime/agent"),
	}
}

// Sources names the layered configuration inputs, in increasing precedence.
type Sources struct {
	SystemFile        string
	SystemSnippetsDir string
	UserFile          string
	UserSnippetsDir   string
	Environ           []string
}

// Load layers defaults, the system file, system snippets (sorted
// lexically), the user file, user snippets (sorted lexically), and
// KEYLIME_*-prefixed environment variables, then resolves keywords into a
// Config.
func Load(src Sources) (Config, error) {
	merged := defaults()

	for _, path := range []string{src.SystemFile} {
		if err := mergeFile(&merged, path); err != nil {
			return Config{}, err
		}
	}
	if err := mergeSnippets(&merged, src.SystemSnippetsDir); err != nil {
		return Config{}, err
	}
	if err := mergeFile(&merged, src.UserFile); err != nil {
		return Config{}, err
	}
	if err := mergeSnippets(&merged, src.UserSnippetsDir); err != nil {
		return Config{}, err
	}
	mergeEnviron(&merged, src.Environ)

	return resolve(merged)
}

func mergeFile(dst *fileFields, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("agentconfig: reading %s: %w", path, err)
	}

	var layer fileFields
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("agentconfig: parsing %s: %w", path, err)
	}
	mergeLayer(dst, layer)
	return nil
}

func mergeSnippets(dst *fileFields, dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("agentconfig: reading snippets dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := mergeFile(dst, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func mergeEnviron(dst *fileFields, environ []string) {
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		applyEnvVar(dst, strings.TrimPrefix(key, envPrefix), val)
	}
}

//nolint:gocyclo // a flat mapping table would be less readable than this switch for a fixed, small field set.
func applyEnvVar(dst *fileFields, name, val string) {
	switch strings.ToUpper(name) {
	case "IP":
		dst.ListenAddress = &val
	case "PORT":
		if p, err := strconv.Atoi(val); err == nil {
			dst.ListenPort = &p
		}
	case "CONTACT_IP":
		dst.ContactAddress = &val
	case "CONTACT_PORT":
		if p, err := strconv.Atoi(val); err == nil {
			dst.ContactPort = &p
		}
	case "REGISTRAR_IP":
		dst.RegistrarAddress = &val
	case "REGISTRAR_PORT":
		if p, err := strconv.Atoi(val); err == nil {
			dst.RegistrarPort = &p
		}
	case "ENABLE_AGENT_MTLS":
		if b, err := strconv.ParseBool(val); err == nil {
			dst.EnableAgentMTLS = &b
		}
	case "SERVER_CERT":
		dst.TLSCertPath = &val
	case "SERVER_KEY":
		dst.TLSKeyPath = &val
	case "TRUSTED_CLIENT_CA":
		dst.TrustedClientCA = &val
	case "UUID":
		dst.UUID = &val
	case "TPM_HASH_ALG":
		dst.HashAlg = &val
	case "TPM_ENCRYPTION_ALG":
		dst.EncAlg = &val
	case "TPM_SIGNING_ALG":
		dst.SignAlg = &val
	case "TPM_DATA":
		dst.TPMDataPath = &val
	case "EXTRACT_PAYLOAD_ZIP":
		if b, err := strconv.ParseBool(val); err == nil {
			dst.ExtractPayloadZip = &b
		}
	case "ENABLE_REVOCATION_NOTIFICATIONS":
		if b, err := strconv.ParseBool(val); err == nil {
			dst.EnableRevocation = &b
		}
	case "SECURE_SIZE":
		dst.SecureSize = &val
	case "PAYLOAD_SCRIPT":
		dst.InitScript = &val
	case "IMA_ML_PATH":
		dst.IMALogPath = &val
	case "MEASUREDBOOT_ML_PATH":
		dst.MeasuredBootLogPath = &val
	case "DIR":
		dst.WorkDir = &val
	}
}

//nolint:gocyclo // straight-line field-by-field merge; splitting it would only add indirection.
func mergeLayer(dst *fileFields, src fileFields) {
	if src.ListenAddress != nil {
		dst.ListenAddress = src.ListenAddress
	}
	if src.ListenPort != nil {
		dst.ListenPort = src.ListenPort
	}
	if src.ContactAddress != nil {
		dst.ContactAddress = src.ContactAddress
	}
	if src.ContactPort != nil {
		dst.ContactPort = src.ContactPort
	}
	if src.RegistrarAddress != nil {
		dst.RegistrarAddress = src.RegistrarAddress
	}
	if src.RegistrarPort != nil {
		dst.RegistrarPort = src.RegistrarPort
	}
	if src.EnableAgentMTLS != nil {
		dst.EnableAgentMTLS = src.EnableAgentMTLS
	}
	if src.TLSCertPath != nil {
		dst.TLSCertPath = src.TLSCertPath
	}
	if src.TLSKeyPath != nil {
		dst.TLSKeyPath = src.TLSKeyPath
	}
	if src.TrustedClientCA != nil {
		dst.TrustedClientCA = src.TrustedClientCA
	}
	if src.UUID != nil {
		dst.UUID = src.UUID
	}
	if src.HashAlg != nil {
		dst.HashAlg = src.HashAlg
	}
	if src.EncAlg != nil {
		dst.EncAlg = src.EncAlg
	}
	if src.SignAlg != nil {
		dst.SignAlg = src.SignAlg
	}
	if src.TPMDataPath != nil {
		dst.TPMDataPath = src.TPMDataPath
	}
	if src.ExtractPayloadZip != nil {
		dst.ExtractPayloadZip = src.ExtractPayloadZip
	}
	if src.EnableRevocation != nil {
		dst.EnableRevocation = src.EnableRevocation
	}
	if src.SecureSize != nil {
		dst.SecureSize = src.SecureSize
	}
	if src.InitScript != nil {
		dst.InitScript = src.InitScript
	}
	if src.IMALogPath != nil {
		dst.IMALogPath = src.IMALogPath
	}
	if src.MeasuredBootLogPath != nil {
		dst.MeasuredBootLogPath = src.MeasuredBootLogPath
	}
	if src.WorkDir != nil {
		dst.WorkDir = src.WorkDir
	}
}

func resolve(f fileFields) (Config, error) {
	workDir := derefStr(f.WorkDir)

	tpmDataPath := ResolveFilePath(f.TPMDataPath, workDir, "tpmdata.json")
	tlsCertPath := ResolveFilePath(f.TLSCertPath, workDir, "server-cert.crt")
	tlsKeyPath := ResolveFilePath(f.TLSKeyPath, workDir, "server-private.pem")
	trustedClientCA := ResolveFilePath(f.TrustedClientCA, workDir, filepath.Join("cv_ca", "cacert.crt"))

	cfg := Config{
		ListenAddress:       derefStr(f.ListenAddress),
		ListenPort:          derefInt(f.ListenPort),
		ContactAddress:      derefStr(f.ContactAddress),
		ContactPort:         derefInt(f.ContactPort),
		RegistrarAddress:    derefStr(f.RegistrarAddress),
		RegistrarPort:       derefInt(f.RegistrarPort),
		EnableAgentMTLS:     derefBool(f.EnableAgentMTLS),
		TLSCertPath:         derefStr(tlsCertPath),
		TLSKeyPath:          derefStr(tlsKeyPath),
		TrustedClientCA:     derefStr(trustedClientCA),
		AgentUUID:           ResolveUUID(derefStr(f.UUID)),
		TPMDataPath:         derefStr(tpmDataPath),
		ExtractPayloadZip:   derefBool(f.ExtractPayloadZip),
		EnableRevocation:    derefBool(f.EnableRevocation),
		SecureSize:          derefStr(f.SecureSize),
		InitScript:          derefStr(f.InitScript),
		IMALogPath:          derefStr(f.IMALogPath),
		MeasuredBootLogPath: derefStr(f.MeasuredBootLogPath),
		WorkDir:             workDir,
		Algorithms: tpm.Algorithms{
			Hash: tpm.HashAlg(derefStr(f.HashAlg)),
			Enc:  tpm.EncAlg(derefStr(f.EncAlg)),
			Sign: tpm.SignAlg(derefStr(f.SignAlg)),
		},
	}

	if cfg.EnableAgentMTLS && cfg.TrustedClientCA == "" {
		return Config{}, fmt.Errorf("agentconfig: enable_agent_mtls is set but trusted_client_ca is empty")
	}

	return cfg, nil
}

// ResolveUUID resolves the uuid config keyword: "generate" maps to a fresh UUID v4;
// an RFC 4122 UUID maps to its canonical lowercase form; the
// deliberately-preserved sentinels "openstack" and "hash_ek" pass through
// unresolved for the registration step to interpret; any other (malformed)
// input is replaced with a fresh UUID v4.
func ResolveUUID(raw string) string {
	switch raw {
	case "generate":
		return uuid.New().String()
	case "openstack", "hash_ek":
		return raw
	}

	if parsed, err := uuid.Parse(raw); err == nil {
		return parsed.String()
	}
	return uuid.New().String()
}

// ResolveFilePath resolves a path config keyword:
//   - path == nil               -> nil
//   - *path == ""                -> nil
//   - *path == "default"          -> workDir/def
//   - *path is relative           -> workDir/*path
//   - *path is absolute           -> *path unchanged
func ResolveFilePath(path *string, workDir, def string) *string {
	if path == nil || *path == "" {
		return nil
	}
	if *path == "default" {
		joined := filepath.Join(workDir, def)
		return &joined
	}
	if filepath.IsAbs(*path) {
		return path
	}
	joined := filepath.Join(workDir, *path)
	return &joined
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func derefBool(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

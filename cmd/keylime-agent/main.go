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

// Command keylime-agent runs the remote attestation agent: it provisions
// the TPM identity, registers with the registrar, then serves the
// key-ingestion and quote HTTP surface while a background worker waits for
// the payload rendezvous to release.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/confidentsecurity/keylime-agent/agentconfig"
	"github.com/confidentsecurity/keylime-agent/cryptoutil"
	"github.com/confidentsecurity/keylime-agent/debug"
	"github.com/confidentsecurity/keylime-agent/httpapi"
	"github.com/confidentsecurity/keylime-agent/payload"
	"github.com/confidentsecurity/keylime-agent/registrar"
	"github.com/confidentsecurity/keylime-agent/rendezvous"
	"github.com/confidentsecurity/keylime-agent/revocation"
	"github.com/confidentsecurity/keylime-agent/tpm"
	"github.com/confidentsecurity/keylime-agent/tpmdata"
)

func main() {
	debug.SetupLog("keylime-agent")

	if err := run(); err != nil {
		slog.Error("agent exiting", "err", err)
		os.Exit(1)
	}
}

func run() error {
	userFile := os.Getenv("KEYLIME_AGENT_CONFIG")
	var userSnippetsDir string
	if userFile != "" {
		userSnippetsDir = userFile + ".d"
	}

	cfg, err := agentconfig.Load(agentconfig.Sources{
		SystemFile:        "/etc/keylime/agent.conf",
		SystemSnippetsDir: "/etc/keylime/agent.conf.d",
		UserFile:          userFile,
		UserSnippetsDir:   userSnippetsDir,
		Environ:           os.Environ(),
	})
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	gw, ek, ak, err := bootstrapTPM(cfg)
	if err != nil {
		return fmt.Errorf("tpm bootstrap: %w", err)
	}

	if vendor, err := gw.Vendor(); err != nil {
		slog.Warn("could not read tpm vendor", "err", err)
	} else if strings.Contains(vendor, "SW") {
		slog.Warn("running against a software TPM; attestations are not hardware-backed", "vendor", vendor)
	}

	if err := registerWithRegistrar(cfg, gw, ek, ak); err != nil {
		return fmt.Errorf("registrar handshake: %w", err)
	}

	transportKey, err := cryptoutil.GenerateRSAKeyPair(2048)
	if err != nil {
		return fmt.Errorf("generating transport keypair: %w", err)
	}

	newHash, err := cfg.Algorithms.Hash.New()
	if err != nil {
		return fmt.Errorf("resolving hash algorithm: %w", err)
	}
	rv := rendezvous.New(cfg.AgentUUID, newHash)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	worker := payload.New(payload.Config{
		SecureSize:        cfg.SecureSize,
		MountDir:          filepath.Join(cfg.WorkDir, "secure"),
		ExtractPayloadZip: cfg.ExtractPayloadZip,
		InitScript:        cfg.InitScript,
		EnableRevocation:  cfg.EnableRevocation,
	}, rv, revocation.NoopListener{})

	errCh := make(chan error, 2)
	go func() { errCh <- worker.Run(ctx) }()
	go func() { errCh <- serveHTTP(ctx, cfg, gw, rv, ak, transportKey) }()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case err := <-errCh:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func bootstrapTPM(cfg agentconfig.Config) (*tpm.Gateway, tpm.EK, tpm.AK, error) {
	device, err := tpm.NewDevice(tpm.DeviceConfig{Type: tpm.RealDevice})
	if err != nil {
		return nil, tpm.EK{}, tpm.AK{}, fmt.Errorf("opening tpm device: %w", err)
	}

	transport, err := device.Open()
	if err != nil {
		return nil, tpm.EK{}, tpm.AK{}, fmt.Errorf("opening tpm transport: %w", err)
	}
	gw := tpm.NewGateway(transport)

	ek, err := gw.CreateEK(cfg.Algorithms.Enc)
	if err != nil {
		return nil, tpm.EK{}, tpm.AK{}, fmt.Errorf("creating ek: %w", err)
	}

	if rec, ok := tpmdata.Load(cfg.TPMDataPath, cfg.Algorithms); ok {
		if ak, err := gw.LoadAK(rec.AKContext); err == nil {
			return gw, ek, ak, nil
		}
		slog.Warn("persisted ak context rejected by tpm, generating a fresh one")
	}

	ak, err := gw.CreateAK(ek, cfg.Algorithms.Hash, cfg.Algorithms.Sign)
	if err != nil {
		return nil, tpm.EK{}, tpm.AK{}, fmt.Errorf("creating ak: %w", err)
	}

	ctxBlob, err := gw.StoreAK(ak)
	if err != nil {
		return nil, tpm.EK{}, tpm.AK{}, fmt.Errorf("serializing ak context: %w", err)
	}

	rec := &tpmdata.Record{
		AKHashAlg: cfg.Algorithms.Hash,
		AKSignAlg: cfg.Algorithms.Sign,
		AKContext: ctxBlob,
	}
	if err := rec.Store(cfg.TPMDataPath); err != nil {
		slog.Warn("failed to persist ak context", "err", err)
	}

	return gw, ek, ak, nil
}

func registerWithRegistrar(cfg agentconfig.Config, gw *tpm.Gateway, ek tpm.EK, ak tpm.AK) error {
	client := registrar.NewClient(registrar.Config{
		BaseURL:       fmt.Sprintf("http://%s:%d", cfg.RegistrarAddress, cfg.RegistrarPort),
		MaxRetries:    5,
		RetryInterval: 2 * time.Second,
	})

	contactAddress := cfg.ContactAddress
	if contactAddress == "" {
		contactAddress = cfg.ListenAddress
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	blob, err := client.Register(ctx, cfg.AgentUUID, ek.Public, ek.Cert, ak.Public, contactAddress, cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("registering with registrar: %w", err)
	}

	secret, err := gw.ActivateCredential(blob, ak.Handle, ek.Handle)
	if err != nil {
		return fmt.Errorf("activating credential: %w", err)
	}

	newHash, err := cfg.Algorithms.Hash.New()
	if err != nil {
		return fmt.Errorf("resolving hash algorithm: %w", err)
	}
	macKey := []byte(base64.StdEncoding.EncodeToString(secret))
	tag := hex.EncodeToString(cryptoutil.HMAC(newHash, macKey, []byte(cfg.AgentUUID)))

	if err := client.Activate(ctx, cfg.AgentUUID, tag); err != nil {
		return fmt.Errorf("activating with registrar: %w", err)
	}
	slog.Info("registered with registrar", "uuid", cfg.AgentUUID)
	return nil
}

func serveHTTP(ctx context.Context, cfg agentconfig.Config, gw *tpm.Gateway, rv *rendezvous.State, ak tpm.AK, transportKey *rsa.PrivateKey) error {
	router := httpapi.NewRouter(httpapi.Deps{
		Gateway:             gw,
		Rendezvous:          rv,
		AK:                  ak,
		TransportKey:        transportKey,
		Algorithms:          cfg.Algorithms,
		IMALogPath:          cfg.IMALogPath,
		MeasuredBootLogPath: cfg.MeasuredBootLogPath,
	})

	addr := net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.ListenPort))
	server := &http.Server{Addr: addr, Handler: router}

	if cfg.EnableAgentMTLS {
		tlsCfg, err := httpapi.NewTLSConfig(cfg.TLSCertPath, cfg.TLSKeyPath, true, cfg.TrustedClientCA)
		if err != nil {
			return fmt.Errorf("building tls config: %w", err)
		}
		server.TLSConfig = tlsCfg
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("listening", "addr", addr, "mtls", cfg.EnableAgentMTLS)

	var err error
	if cfg.EnableAgentMTLS {
		err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

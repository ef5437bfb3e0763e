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

// Package payload waits for the rendezvous to release the symmetric key,
// decrypts the staged payload, and runs its init script.
package payload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/confidentsecurity/keylime-agent/archive"
	"github.com/confidentsecurity/keylime-agent/cryptoutil"
	"github.com/confidentsecurity/keylime-agent/rendezvous"
	"github.com/confidentsecurity/keylime-agent/revocation"
	"github.com/confidentsecurity/keylime-agent/securestage"
)

// Config configures a Worker's staging and execution behavior.
type Config struct {
	SecureSize        string
	MountDir          string
	ExtractPayloadZip bool
	InitScript        string
	EnableRevocation  bool
}

// Worker waits on the rendezvous release, stages the decrypted payload in
// a tmpfs-backed directory, and runs the configured init script against it.
type Worker struct {
	cfg        Config
	rendezvous *rendezvous.State
	revocation revocation.Listener
}

// New builds a Worker. listener is only run when cfg.EnableRevocation is
// set; a nil listener or a disabled cfg.EnableRevocation both fall back to
// a no-op listener.
func New(cfg Config, rv *rendezvous.State, listener revocation.Listener) *Worker {
	if listener == nil || !cfg.EnableRevocation {
		listener = revocation.NoopListener{}
	}
	return &Worker{cfg: cfg, rendezvous: rv, revocation: listener}
}

// Run mounts the staging area, blocks until the rendezvous releases the
// symmetric key, then decrypts, stages, and executes the payload. After
// delivery it keeps running until the revocation listener returns or ctx
// is cancelled. The wait on the rendezvous itself does not observe ctx.
func (w *Worker) Run(ctx context.Context) error {
	if err := securestage.Mount(w.cfg.MountDir, w.cfg.SecureSize); err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	revDone := make(chan error, 1)
	go func() { revDone <- w.revocation.Run(ctx) }()

	key, ciphertext := w.rendezvous.Wait()

	if err := w.deliver(key, ciphertext); err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	select {
	case err := <-revDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) deliver(key, ciphertext []byte) error {
	plaintext, err := cryptoutil.DecryptAEAD(key, ciphertext)
	if err != nil {
		return fmt.Errorf("decrypting payload: %w", err)
	}

	stageDir, payloadPath, keyPath, err := securestage.PrepareUnzipped(w.cfg.MountDir)
	if err != nil {
		return fmt.Errorf("staging: %w", err)
	}

	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return fmt.Errorf("writing key material: %w", err)
	}

	if err := os.WriteFile(payloadPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}

	if w.cfg.ExtractPayloadZip {
		if err := archive.Extract(plaintext, stageDir); err != nil {
			return fmt.Errorf("extracting payload archive: %w", err)
		}
	}

	return w.runInitScript(stageDir)
}

func (w *Worker) runInitScript(stageDir string) error {
	if w.cfg.InitScript == "" {
		return nil
	}

	scriptPath := filepath.Join(stageDir, w.cfg.InitScript)
	if _, err := os.Stat(scriptPath); err != nil {
		slog.Info("init script not present, skipping", "path", scriptPath)
		return nil
	}
	if err := os.Chmod(scriptPath, 0o700); err != nil {
		return fmt.Errorf("chmod init script: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", scriptPath)
	cmd.Dir = stageDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("init script exited non-zero", "path", scriptPath, "err", err, "output", string(out))
		return nil
	}
	slog.Info("init script completed", "path", scriptPath, "output", string(out))
	return nil
}

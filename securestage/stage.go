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

// Package securestage mounts and re-initializes the in-memory staging
// directory decrypted payloads are written into.
package securestage

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const unzippedDirName = "unzipped"

// Mount ensures a tmpfs-backed filesystem of the given size (e.g. "1m") is
// mounted at dir, creating dir first if needed. Mounting an already-mounted
// tmpfs at the same path is left to the caller to avoid (callers mount
// once at startup).
func Mount(dir, sizeSpec string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("securestage: creating mount point %s: %w", dir, err)
	}

	if err := unix.Mount("tmpfs", dir, "tmpfs", 0, "size="+sizeSpec); err != nil {
		return fmt.Errorf("securestage: mounting tmpfs at %s: %w", dir, err)
	}
	return nil
}

// PrepareUnzipped removes and recreates the unzipped/ staging subdirectory
// under mountDir, returning the staging directory and the paths it expects
// the payload and key material to be written to.
func PrepareUnzipped(mountDir string) (unzippedDir, payloadPath, keyPath string, err error) {
	unzippedDir = filepath.Join(mountDir, unzippedDirName)

	if err := os.RemoveAll(unzippedDir); err != nil {
		return "", "", "", fmt.Errorf("securestage: clearing previous staging dir: %w", err)
	}
	if err := os.MkdirAll(unzippedDir, 0o700); err != nil {
		return "", "", "", fmt.Errorf("securestage: recreating staging dir: %w", err)
	}

	payloadPath = filepath.Join(unzippedDir, "decrypted_payload")
	keyPath = filepath.Join(unzippedDir, "decrypted_payload_key")
	return unzippedDir, payloadPath, keyPath, nil
}

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

// Package archive is the payload worker's extraction collaborator: unpack
// a released payload into the staging directory. Ownership stored in the
// archive is not restored.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"archive/zip"

	"golang.org/x/sys/unix"
)

// Extract unpacks the zip archive in data into dest, which must already
// exist. Entries whose path would resolve outside dest are rejected.
// Ownership (uid/gid) is not restored: unixOwner finds no owner for any
// entry, so extracted files belong to the extracting process. Any chown
// error would be discarded, not returned.
func Extract(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("archive: opening zip: %w", err)
	}

	for _, f := range zr.File {
		if err := extractOne(f, dest); err != nil {
			return fmt.Errorf("archive: extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractOne(f *zip.File, dest string) error {
	target := filepath.Join(dest, f.Name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return fmt.Errorf("illegal file path outside destination: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o700)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return err
	}

	// Best-effort ownership preservation; not all platforms or archive
	// entries carry Unix owner metadata.
	if uid, gid, ok := unixOwner(f); ok {
		_ = unix.Chown(target, uid, gid)
	}
	return nil
}

func unixOwner(f *zip.File) (uid, gid int, ok bool) {
	// The standard archive/zip reader does not expose the Info-ZIP Unix
	// extra field's uid/gid; without it there is no owner to restore.
	return 0, 0, false
}

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

package securestage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/confidentsecurity/keylime-agent/securestage"
	"github.com/stretchr/testify/require"
)

func TestPrepareUnzipped_ClearsPreviousContents(t *testing.T) {
	mountDir := t.TempDir()

	unzippedDir, payloadPath, keyPath, err := securestage.PrepareUnzipped(mountDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(mountDir, "unzipped"), unzippedDir)
	require.Equal(t, filepath.Join(unzippedDir, "decrypted_payload"), payloadPath)
	require.Equal(t, filepath.Join(unzippedDir, "decrypted_payload_key"), keyPath)

	stale := filepath.Join(unzippedDir, "stale-file")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))

	_, _, _, err = securestage.PrepareUnzipped(mountDir)
	require.NoError(t, err)
	_, statErr := os.Stat(stale)
	require.True(t, os.IsNotExist(statErr), "stale file must not survive a re-prepare")
}

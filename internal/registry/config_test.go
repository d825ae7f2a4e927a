// Copyright 2025 The WarDragon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
kits:
  - id: wardragon-01
    url: http://10.0.0.1:8088
    name: North Field
    location: roof
  - url: http://10.0.0.2:8088
    enabled: false
`)
	entries, authoritative, err := LoadConfig(path)
	require.NoError(t, err)
	require.False(t, authoritative)
	require.Len(t, entries, 2)

	require.Equal(t, KitEntry{
		ID: "wardragon-01", URL: "http://10.0.0.1:8088",
		Name: "North Field", Location: "roof", Enabled: true,
	}, entries[0])
	require.False(t, entries[1].Enabled)
	require.Empty(t, entries[1].ID)
}

func TestLoadConfigAuthoritative(t *testing.T) {
	path := writeConfig(t, `
authoritative: true
kits:
  - url: http://10.0.0.1:8088
`)
	_, authoritative, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, authoritative)
}

func TestLoadConfigMissingFileIsEmpty(t *testing.T) {
	entries, authoritative, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, authoritative)
	require.Empty(t, entries)
}

func TestLoadConfigRejectsEntryWithoutURL(t *testing.T) {
	path := writeConfig(t, `
kits:
  - id: broken
    name: no url here
`)
	_, _, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "kits: [unclosed")
	_, _, err := LoadConfig(path)
	require.Error(t, err)
}

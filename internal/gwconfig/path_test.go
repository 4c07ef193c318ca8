// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gwconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath_EmptyEnvDefaultsUnderConfigDir(t *testing.T) {
	root := t.TempDir()
	got := ResolveConfigPath(root, "")
	assert.Equal(t, filepath.Join(root, "config", "node_config.json"), got)
}

func TestResolveConfigPath_AbsoluteEnvUsedAsIs(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "custom.json")
	got := ResolveConfigPath("/ignored", abs)
	assert.Equal(t, abs, got)
}

func TestResolveConfigPath_LegacyFilenameRemapsUnderConfigDir(t *testing.T) {
	root := t.TempDir()
	got := ResolveConfigPath(root, "node_config.json")
	assert.Equal(t, filepath.Join(root, "config", "node_config.json"), got)
}

func TestResolveConfigPath_OtherRelativeEnvJoinsProjectRoot(t *testing.T) {
	root := t.TempDir()
	got := ResolveConfigPath(root, "conf/routes.json")
	assert.Equal(t, filepath.Join(root, "conf", "routes.json"), got)
}

func TestResolveConfigPath_FallsBackToLegacyPathWhenPrimaryMissing(t *testing.T) {
	root := t.TempDir()
	legacy := filepath.Join(root, "node_config.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{}`), 0o644))

	got := ResolveConfigPath(root, "")
	assert.Equal(t, legacy, got, "primary config/node_config.json doesn't exist, so the legacy root-level file wins")
}

func TestResolveConfigPath_PrefersPrimaryWhenBothExist(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0o755))
	primary := filepath.Join(root, "config", "node_config.json")
	require.NoError(t, os.WriteFile(primary, []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_config.json"), []byte(`{}`), 0o644))

	got := ResolveConfigPath(root, "")
	assert.Equal(t, primary, got)
}

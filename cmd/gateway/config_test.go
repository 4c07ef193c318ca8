// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsYAML(t *testing.T) {
	assert.True(t, isYAML("routing.yaml"))
	assert.True(t, isYAML("routing.YML"))
	assert.False(t, isYAML("routing.json"))
}

func TestEnvOr_FallsBackWhenUnset(t *testing.T) {
	os.Unsetenv("GATEWAY_TEST_VAR")
	assert.Equal(t, "fallback", envOr("GATEWAY_TEST_VAR", "fallback"))

	t.Setenv("GATEWAY_TEST_VAR", "set")
	assert.Equal(t, "set", envOr("GATEWAY_TEST_VAR", "fallback"))
}

func TestRunConfigValidate_AcceptsYAMLDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - name: n1
    type: local
    hosts: ["127.0.0.1"]
`), 0o644))

	err := runConfigValidate(configValidateCmd, []string{path})
	assert.NoError(t, err)
}

func TestRunConfigValidate_RejectsMissingFile(t *testing.T) {
	err := runConfigValidate(configValidateCmd, []string{filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

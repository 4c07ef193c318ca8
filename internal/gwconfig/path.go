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
)

// legacyConfigName is the routing document's historical location, relative
// to projectRoot, before it moved under config/.
const legacyConfigName = "node_config.json"

// ResolveConfigPath reproduces the original gateway's NODE_CONFIG_FILE
// resolution (original_source/src/ollama_gateway.py): an absolute env value
// is used as-is; a relative value is joined against projectRoot, with the
// bare legacy filename "node_config.json" specially remapped to
// config/node_config.json; an empty env value defaults to
// config/node_config.json. If the resolved path doesn't exist on disk,
// ResolveConfigPath falls back to projectRoot/node_config.json when that
// legacy location does exist, so deployments that never migrated their
// config file keep working.
func ResolveConfigPath(projectRoot, envValue string) string {
	resolved := resolveConfigPathCandidate(projectRoot, envValue)

	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		legacy := filepath.Join(projectRoot, legacyConfigName)
		if _, err := os.Stat(legacy); err == nil {
			return legacy
		}
	}
	return resolved
}

func resolveConfigPathCandidate(projectRoot, envValue string) string {
	if envValue == "" {
		return filepath.Join(projectRoot, "config", legacyConfigName)
	}
	if filepath.IsAbs(envValue) {
		return envValue
	}
	if envValue == legacyConfigName {
		return filepath.Join(projectRoot, "config", legacyConfigName)
	}
	return filepath.Join(projectRoot, envValue)
}

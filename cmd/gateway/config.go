// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Routing document utilities",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a routing document without starting the gateway",
	Long: `validate loads a routing document from path, resolves its ${VAR}
environment references, and reports whether it passes the same validation
the running gateway applies before publishing a Routing Snapshot. Both
JSON and YAML documents are accepted; YAML is detected by a .yaml/.yml
extension and converted to JSON before validation. When path is omitted,
validate resolves it the same way "serve" does: NODE_CONFIG_FILE relative
to the project root, with the legacy node_config.json fallback.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		root, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving project root: %w", err)
		}
		path = gwconfig.ResolveConfigPath(root, os.Getenv("NODE_CONFIG_FILE"))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		raw, err = yamlToJSON(raw)
		if err != nil {
			return fmt.Errorf("converting %s from YAML: %w", path, err)
		}
	}

	doc, err := gwconfig.ValidateBytes(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}

	fmt.Printf("%s is valid: %d node(s) configured\n", path, len(doc.Nodes))
	for _, n := range doc.Nodes {
		fmt.Printf("  - %s (%s)\n", n.Name, n.Type)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(convertYAMLMaps(generic))
}

// convertYAMLMaps recursively rewrites map[string]interface{} produced by
// gopkg.in/yaml.v3 keyed by non-string types (yaml.v3 decodes mapping keys
// as "any") into map[string]any, which encoding/json can marshal.
func convertYAMLMaps(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = convertYAMLMaps(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[fmt.Sprint(k)] = convertYAMLMaps(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = convertYAMLMaps(val)
		}
		return out
	default:
		return vv
	}
}

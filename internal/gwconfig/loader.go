// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gwconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jinterlante1206/ollama-gateway/internal/gwerrors"
	"github.com/jinterlante1206/ollama-gateway/internal/modelsize"
)

// envVarPattern matches a "${VAR}" reference inside a config string.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// resolveEnvVar expands every ${VAR} reference in s using os.LookupEnv. A
// reference to an unset variable is left verbatim, so a typo surfaces as a
// literal "${...}" in the resolved value instead of silently becoming
// empty.
func resolveEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// parseDocument unmarshals raw JSON bytes into a Document and resolves
// ${VAR} references in the fields known to carry secrets or environment-
// specific values: a node's api_url, api_key, header values, and hosts.
// Unlike the dynamically-typed original this gateway was ported from, a Go
// Document has a fixed shape, so interpolation is applied field-by-field
// rather than by walking an arbitrary tree.
func parseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigMalformed, "routing document is not valid JSON", err)
	}
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		n.APIURL = resolveEnvVar(n.APIURL)
		n.APIKey = resolveEnvVar(n.APIKey)
		for j, h := range n.Hosts {
			n.Hosts[j] = resolveEnvVar(h)
		}
		for k, v := range n.Headers {
			n.Headers[k] = resolveEnvVar(v)
		}
	}
	return &doc, nil
}

// ValidateBytes parses and validates raw JSON routing-document bytes
// without publishing a snapshot or touching disk, for offline validation
// (the CLI's "config validate" subcommand).
func ValidateBytes(raw []byte) (*Document, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

var docValidator = validator.New(validator.WithRequiredStructEnabled())

func validateDocument(doc *Document) error {
	if err := docValidator.Struct(doc); err != nil {
		return gwerrors.Wrap(gwerrors.KindConfigInvalid, "routing document failed validation", err)
	}
	for _, n := range doc.Nodes {
		if n.Type == string(KindExternal) && n.APIURL == "" {
			return gwerrors.New(gwerrors.KindConfigInvalid, fmt.Sprintf("node %q is external but has no api_url", n.Name))
		}
		for _, r := range n.SupportedModelRanges {
			if r.MaxParamsB != nil && *r.MaxParamsB < r.MinParamsB {
				return gwerrors.New(gwerrors.KindConfigInvalid, fmt.Sprintf("node %q has an inverted model range", n.Name))
			}
		}
	}
	return nil
}

// resolveNode converts one validated NodeDoc into its immutable runtime
// form, applying the same defaults the original gateway applied: port
// 11434 for local nodes, a 300s timeout, weight 1.0, and enabled unless
// explicitly set to false.
func resolveNode(n NodeDoc) NodeConfig {
	kind := Kind(n.Type)
	if kind == "" {
		kind = KindLocal
	}

	enabled := true
	if n.Enabled != nil {
		enabled = *n.Enabled
	}

	weight := n.Weight
	if weight <= 0 {
		weight = 1.0
	}

	timeoutSeconds := n.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}

	port := n.Port
	if kind == KindLocal && port == 0 {
		port = defaultLocalPort
	}

	ranges := make([]ModelRange, 0, len(n.SupportedModelRanges))
	for _, rd := range n.SupportedModelRanges {
		ranges = append(ranges, ModelRange{MinParamsB: rd.MinParamsB, MaxParamsB: rd.MaxParamsB})
	}

	headers := make(map[string]string, len(n.Headers))
	for k, v := range n.Headers {
		headers[k] = v
	}

	return NodeConfig{
		Name:               n.Name,
		Kind:               kind,
		Hosts:              append([]string(nil), n.Hosts...),
		Port:               port,
		BaseURL:            n.APIURL,
		APIKey:             n.APIKey,
		Headers:            headers,
		Timeout:            time.Duration(timeoutSeconds * float64(time.Second)),
		Weight:             weight,
		Enabled:            enabled,
		Ranges:             ranges,
		RateLimitPerSecond: n.RateLimitPerSecond,
	}
}

func buildSnapshot(doc *Document, strategy string, version int) *RoutingSnapshot {
	nodes := make([]NodeConfig, 0, len(doc.Nodes))
	byName := make(map[string]NodeConfig, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		nc := resolveNode(nd)
		nodes = append(nodes, nc)
		byName[nc.Name] = nc
	}

	defaultSize := doc.DefaultModelSizeB
	if defaultSize == 0 {
		defaultSize = 7
	}

	return &RoutingSnapshot{
		Nodes:       nodes,
		NodesByName: byName,
		SizeRules:   modelsize.NewRules(doc.ModelNamePatterns, doc.ModelNameMapping, defaultSize),
		Strategy:    strategy,
		Version:     version,
		LoadedAt:    time.Now(),
	}
}

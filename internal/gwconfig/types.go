// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gwconfig loads the routing document, validates it, resolves
// ${VAR} environment references, and publishes it as an immutable Routing
// Snapshot that the rest of the gateway reads without locking.
package gwconfig

import (
	"time"

	"github.com/jinterlante1206/ollama-gateway/internal/modelsize"
)

// Kind distinguishes a node proxied over the local network from one
// reached through an arbitrary external base URL.
type Kind string

const (
	KindLocal    Kind = "local"
	KindExternal Kind = "external"
)

// ModelRangeDoc is the wire shape of one entry in a node's
// supported_model_ranges list.
type ModelRangeDoc struct {
	MinParamsB int  `json:"min_params_b" validate:"gte=0"`
	MaxParamsB *int `json:"max_params_b,omitempty"`
}

// NodeDoc is the wire shape of one entry in the document's "nodes" array,
// as read from JSON (or YAML, for the CLI) before resolution.
type NodeDoc struct {
	Name                 string            `json:"name" yaml:"name" validate:"required"`
	Type                 string            `json:"type" yaml:"type" validate:"omitempty,oneof=local external"`
	Hosts                []string          `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Port                 int               `json:"port,omitempty" yaml:"port,omitempty"`
	APIURL               string            `json:"api_url,omitempty" yaml:"api_url,omitempty" validate:"required_if=Type external"`
	APIKey               string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Headers              map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds       float64           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"gte=0"`
	Weight               float64           `json:"weight,omitempty" yaml:"weight,omitempty" validate:"gte=0"`
	Enabled              *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	SupportedModelRanges []ModelRangeDoc   `json:"supported_model_ranges,omitempty" yaml:"supported_model_ranges,omitempty" validate:"dive"`
	RateLimitPerSecond   float64           `json:"rate_limit_per_second,omitempty" yaml:"rate_limit_per_second,omitempty" validate:"gte=0"`
}

// Document is the wire shape of the whole routing document: the file the
// Config Store reads, and the body "/api/config" accepts on POST.
type Document struct {
	Nodes             []NodeDoc      `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	ModelNamePatterns map[string]int `json:"model_name_patterns,omitempty" yaml:"model_name_patterns,omitempty"`
	ModelNameMapping  map[string]int `json:"model_name_mapping,omitempty" yaml:"model_name_mapping,omitempty"`
	DefaultModelSizeB int            `json:"default_model_size_b,omitempty" yaml:"default_model_size_b,omitempty"`
}

// defaultLocalPort matches the original gateway's hard-coded Ollama port,
// used whenever a local node's document omits one.
const defaultLocalPort = 11434

// defaultTimeoutSeconds matches the original gateway's 300s total-timeout
// default for both local and external nodes.
const defaultTimeoutSeconds = 300

// ModelRange is a resolved, immutable parameter-count range a node
// supports. MaxParamsB of nil means unbounded above.
type ModelRange struct {
	MinParamsB int
	MaxParamsB *int
}

// Contains reports whether sizeB falls within the range.
func (m ModelRange) Contains(sizeB int) bool {
	if sizeB < m.MinParamsB {
		return false
	}
	if m.MaxParamsB != nil && sizeB > *m.MaxParamsB {
		return false
	}
	return true
}

// NodeConfig is the resolved, immutable configuration of one backend node,
// with ${VAR} references expanded and defaults applied. The Reconciler
// converts its Name, Weight, and Enabled fields into a registry.NodeSpec
// when reconciling the Registry against a snapshot.
type NodeConfig struct {
	Name    string
	Kind    Kind
	Hosts   []string
	Port    int
	BaseURL string // only set for Kind == KindExternal
	APIKey  string
	Headers map[string]string
	Timeout time.Duration
	Weight  float64
	Enabled bool
	Ranges  []ModelRange

	// RateLimitPerSecond bounds outbound requests to an external node. Zero
	// means unlimited; it has no effect on local (Kind == KindLocal) nodes.
	RateLimitPerSecond float64
}

// SupportsSize reports whether the node accepts a model of sizeB
// parameters. A node with no configured ranges accepts every size, per
// spec.md §4.3 ("absent ranges means the node fits everything").
func (n NodeConfig) SupportsSize(sizeB int) bool {
	if len(n.Ranges) == 0 {
		return true
	}
	for _, r := range n.Ranges {
		if r.Contains(sizeB) {
			return true
		}
	}
	return false
}

// RoutingSnapshot is the immutable, atomically-published view of the
// routing document the rest of the gateway reads. A new snapshot replaces
// the old one wholesale on every successful reload; no reader ever
// observes a half-updated snapshot.
type RoutingSnapshot struct {
	Nodes       []NodeConfig
	NodesByName map[string]NodeConfig
	SizeRules   *modelsize.Rules
	Strategy    string
	Version     int
	LoadedAt    time.Time
}

// NodeByName returns the resolved config for name, if present in this
// snapshot.
func (s *RoutingSnapshot) NodeByName(name string) (NodeConfig, bool) {
	n, ok := s.NodesByName[name]
	return n, ok
}

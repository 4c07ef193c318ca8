// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package aggregator answers GET /api/tags by fanning out to every
// healthy, enabled node's own /api/tags and merging the results into one
// de-duplicated, sorted model list.
package aggregator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
	"github.com/jinterlante1206/ollama-gateway/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// perNodeTimeout bounds one node's /api/tags call during aggregation,
// matching the original gateway's get_node_tags (5s).
const perNodeTimeout = 5 * time.Second

// Model is one entry in the aggregated /api/tags response.
type Model struct {
	Name       string      `json:"name"`
	Size       json.Number `json:"size,omitempty"`
	ModifiedAt string      `json:"modified_at,omitempty"`
	Digest     string      `json:"digest,omitempty"`
}

// ConfigSource supplies the current Routing Snapshot.
type ConfigSource interface {
	Current() *gwconfig.RoutingSnapshot
}

// Aggregator fans out /api/tags to every node and merges the results.
type Aggregator struct {
	config ConfigSource
	nodes  *registry.Registry
	logger *logging.Logger
}

// New returns an Aggregator reading nodes from config and registry.
func New(config ConfigSource, nodes *registry.Registry, logger *logging.Logger) *Aggregator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Aggregator{config: config, nodes: nodes, logger: logger}
}

type nodeTagsResponse struct {
	Models []rawModel `json:"models"`
}

type rawModel struct {
	Name       string      `json:"name"`
	Size       json.Number `json:"size,omitempty"`
	ModifiedAt string      `json:"modified_at,omitempty"`
	Digest     string      `json:"digest,omitempty"`
}

// AggregateTags fans out to every enabled, healthy node and returns the
// union of their model lists, keyed by full model name, first-seen-wins
// with later responses backfilling any of size/modified_at/digest the
// first response left empty. The result is sorted by name. It succeeds
// as long as at least one backend responds; a backend whose call errors is
// logged and contributes nothing, and one that answers with a non-200
// status contributes nothing without being logged.
func (a *Aggregator) AggregateTags(ctx context.Context) []Model {
	snap := a.config.Current()
	if snap == nil {
		return nil
	}

	type nodeResult struct {
		order  int
		models []rawModel
	}
	results := make([]nodeResult, len(snap.Nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, nc := range snap.Nodes {
		i, nc := i, nc
		state, ok := a.nodes.Get(nc.Name)
		if !ok || !nc.Enabled || !state.IsHealthy() {
			continue
		}
		g.Go(func() error {
			models, err := a.fetchNodeTags(gctx, nc)
			if err != nil {
				a.logger.Warn("could not fetch tags for aggregation", "node", nc.Name, "error", err.Error())
				return nil
			}
			results[i] = nodeResult{order: i, models: models}
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]*Model)
	var order []string
	for _, r := range results {
		for _, m := range r.models {
			if m.Name == "" {
				continue
			}
			existing, ok := merged[m.Name]
			if !ok {
				cp := Model{Name: m.Name, Size: m.Size, ModifiedAt: m.ModifiedAt, Digest: m.Digest}
				merged[m.Name] = &cp
				order = append(order, m.Name)
				continue
			}
			if existing.Size == "" && m.Size != "" {
				existing.Size = m.Size
			}
			if existing.ModifiedAt == "" && m.ModifiedAt != "" {
				existing.ModifiedAt = m.ModifiedAt
			}
			if existing.Digest == "" && m.Digest != "" {
				existing.Digest = m.Digest
			}
		}
	}

	out := make([]Model, 0, len(order))
	for _, name := range order {
		out = append(out, *merged[name])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *Aggregator) fetchNodeTags(ctx context.Context, nc gwconfig.NodeConfig) ([]rawModel, error) {
	base := nc.ResolveBaseURL()
	if base == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, perNodeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	for k, v := range nc.UpstreamHeaders(nil) {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed nodeTagsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Models, nil
}

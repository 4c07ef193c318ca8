// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gwhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jinterlante1206/ollama-gateway/internal/aggregator"
	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
)

// psCheckTimeout bounds a single /api/ps probe, matching the original
// gateway's get_node_ps (5s regardless of the node's configured request
// timeout).
const psCheckTimeout = 5 * time.Second

// fetchNodePS fetches a node's running-process list. A non-200 response
// (or a node with no resolvable base URL) yields (nil, nil) rather than an
// error: the original gateway treats /api/ps as best-effort per node
// (external APIs commonly lack it) and reports the absence as a string
// reason instead. Transport and body-read errors are returned.
func fetchNodePS(ctx context.Context, nc gwconfig.NodeConfig) (json.RawMessage, error) {
	base := nc.ResolveBaseURL()
	if base == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, psCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/ps", nil)
	if err != nil {
		return nil, nil
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
	return json.RawMessage(body), nil
}

type nodePSResult struct {
	URL   string          `json:"url"`
	PS    json.RawMessage `json:"ps"`
	Error *string         `json:"error"`
}

func strPtr(s string) *string { return &s }

// handleNodesPS reports every node's /api/ps result independently: one
// node's failure never hides another's data (spec.md §5).
func (h *Handlers) handleNodesPS(c *gin.Context) {
	snap := h.Config.Current()
	result := gin.H{}
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{"_error": "no nodes configured"})
		return
	}

	for _, nc := range snap.Nodes {
		url := nc.ResolveBaseURL()
		if url == "" {
			url = "N/A"
		}
		if !nc.Enabled {
			result[nc.Name] = nodePSResult{URL: url, Error: strPtr("node is disabled")}
			continue
		}

		ps, err := fetchNodePS(c.Request.Context(), nc)
		switch {
		case err != nil:
			msg := "failed to fetch process data: " + err.Error()
			if nc.Kind == gwconfig.KindExternal {
				msg = "external API may not support /api/ps endpoint"
			}
			result[nc.Name] = nodePSResult{URL: url, Error: strPtr(msg)}
		case ps == nil:
			state, ok := h.Nodes.Get(nc.Name)
			msg := "failed to fetch process data"
			if !ok || !state.IsHealthy() {
				msg = "node is not healthy"
			}
			if nc.Kind == gwconfig.KindExternal {
				msg = "external API does not support /api/ps endpoint (this is normal for cloud services)"
			}
			result[nc.Name] = nodePSResult{URL: url, Error: strPtr(msg)}
		default:
			result[nc.Name] = nodePSResult{URL: url, PS: ps}
		}
	}

	c.JSON(http.StatusOK, result)
}

type psModels struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// handleNodesLoadedModels reports each healthy, enabled node's in-VRAM
// model list, distinct from the on-disk inventory the Reconciler tracks
// (spec.md §5).
func (h *Handlers) handleNodesLoadedModels(c *gin.Context) {
	snap := h.Config.Current()
	result := gin.H{}
	if snap == nil {
		c.JSON(http.StatusOK, result)
		return
	}

	type loaded struct {
		Models []string `json:"models"`
		Count  int      `json:"count"`
	}

	for _, nc := range snap.Nodes {
		state, ok := h.Nodes.Get(nc.Name)
		if !nc.Enabled || !ok || !state.IsHealthy() {
			result[nc.Name] = loaded{Models: []string{}, Count: 0}
			continue
		}

		ps, err := fetchNodePS(c.Request.Context(), nc)
		names := []string{}
		if err == nil && ps != nil {
			var parsed psModels
			if json.Unmarshal(ps, &parsed) == nil {
				for _, m := range parsed.Models {
					name := m.Name
					if name == "" {
						name = m.Model
					}
					if name != "" {
						names = append(names, name)
					}
				}
			}
		}
		result[nc.Name] = loaded{Models: names, Count: len(names)}
	}

	c.JSON(http.StatusOK, result)
}

// handleNodeTags proxies a single node's own /api/tags, mirroring
// get_node_tags_endpoint: 404 for an unknown node, 400 for a disabled one.
func (h *Handlers) handleNodeTags(c *gin.Context) {
	name := c.Param("name")
	snap := h.Config.Current()
	if snap == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no routing configuration loaded"})
		return
	}
	nc, ok := snap.NodeByName(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "node " + name + " not found"})
		return
	}
	if !nc.Enabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node " + name + " is disabled"})
		return
	}

	base := nc.ResolveBaseURL()
	if base == "" {
		c.JSON(http.StatusOK, gin.H{"models": []any{}})
		return
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"models": []any{}})
		return
	}
	for k, v := range nc.UpstreamHeaders(nil) {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"models": []any{}})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.JSON(http.StatusOK, gin.H{"models": []any{}})
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"models": []any{}})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// handleAggregatedTags answers GET /api/tags by fanning out to every node,
// delegating to the Aggregator.
func (h *Handlers) handleAggregatedTags(c *gin.Context) {
	models := h.Aggregator.AggregateTags(c.Request.Context())
	if models == nil {
		c.JSON(http.StatusOK, gin.H{"models": []aggregator.Model{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

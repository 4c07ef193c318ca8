// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gwhttp

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jinterlante1206/ollama-gateway/internal/modelsize"
)

// RejectedNode is one node excluded from a routing query, with every
// reason it was excluded (a node can fail more than one check, but the
// original gateway only reports the first; this reports them all, since
// Go gives us the structure to do so cheaply).
type RejectedNode struct {
	nodeInfo
	Healthy  bool     `json:"healthy"`
	HasModel bool     `json:"has_model"`
	Reasons  []string `json:"reasons"`
}

// CandidateNode is one node that would actually receive the request.
type CandidateNode struct {
	nodeInfo
	Healthy  bool `json:"healthy"`
	HasModel bool `json:"has_model"`
}

// FallbackNode is one node that would be used if the constrained set is
// empty (the Scheduler's permissive tier).
type FallbackNode struct {
	nodeInfo
	Reason string `json:"reason"`
}

type sizeDetection struct {
	Method          string   `json:"method"`
	PatternsMatched []string `json:"patterns_matched"`
	MappingMatched  *int     `json:"mapping_matched"`
	DefaultUsed     bool     `json:"default_used"`
}

// handleRoutingQuery reports which nodes a given model name would route
// to and why, supplementing spec.md §6 with the original gateway's
// rejection-reason detail (spec.md §5).
func (h *Handlers) handleRoutingQuery(c *gin.Context) {
	modelName := c.Query("model_name")
	if modelName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model_name is required"})
		return
	}
	snap := h.Config.Current()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no routing configuration loaded"})
		return
	}
	baseName := modelsize.SplitTag(modelName)
	sizeB := snap.SizeRules.Resolve(baseName, modelName)

	candidates := []CandidateNode{}
	rejected := []RejectedNode{}

	for _, nc := range snap.Nodes {
		state, ok := h.Nodes.Get(nc.Name)
		healthy := ok && state.IsHealthy()
		hasModel := ok && state.HasModel(baseName)
		suitable := nc.SupportsSize(sizeB)

		var reasons []string
		if !nc.Enabled {
			reasons = append(reasons, "node is disabled")
		}
		if !healthy {
			reasons = append(reasons, "node is unhealthy")
		}
		if !hasModel {
			reasons = append(reasons, fmt.Sprintf("node does not have model %q", baseName))
		}
		if !suitable {
			reasons = append(reasons, fmt.Sprintf("model size %dB is outside the node's supported range", sizeB))
		}

		if len(reasons) == 0 {
			candidates = append(candidates, CandidateNode{nodeInfo: toNodeInfo(nc), Healthy: healthy, HasModel: hasModel})
			continue
		}
		rejected = append(rejected, RejectedNode{nodeInfo: toNodeInfo(nc), Healthy: healthy, HasModel: hasModel, Reasons: reasons})
	}

	fallback := []FallbackNode{}
	if len(candidates) == 0 {
		for _, nc := range snap.Nodes {
			state, ok := h.Nodes.Get(nc.Name)
			if nc.Enabled && ok && state.IsHealthy() {
				fallback = append(fallback, FallbackNode{nodeInfo: toNodeInfo(nc), Reason: "falling back to all healthy nodes (allows pulling the model)"})
			}
		}
	}

	var mappingMatched *int
	lowerModel := strings.ToLower(modelName)
	if v, ok := snap.SizeRules.NameMapping[modelName]; ok {
		mappingMatched = &v
	} else if v, ok := snap.SizeRules.NameMapping[baseName]; ok {
		mappingMatched = &v
	}
	var patternsMatched []string
	for p := range snap.SizeRules.NamePatterns {
		if strings.Contains(lowerModel, strings.ToLower(p)) {
			patternsMatched = append(patternsMatched, p)
		}
	}
	sort.Strings(patternsMatched)

	c.JSON(http.StatusOK, gin.H{
		"model_name":   modelName,
		"base_name":    baseName,
		"model_size_b": sizeB,
		"size_detection": sizeDetection{
			Method:          "extracted from model name",
			PatternsMatched: patternsMatched,
			MappingMatched:  mappingMatched,
			DefaultUsed:     sizeB == snap.SizeRules.Default,
		},
		"candidate_nodes":     candidates,
		"rejected_nodes":      rejected,
		"fallback_nodes":      fallback,
		"scheduling_strategy": snap.Strategy,
		"will_use_fallback":   len(candidates) == 0,
	})
}

// handleRoutingRules dumps the current size rules, node configs, and
// per-node inventories together, matching the original's
// get_routing_rules.
func (h *Handlers) handleRoutingRules(c *gin.Context) {
	snap := h.Config.Current()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no routing configuration loaded"})
		return
	}

	type ruleNode struct {
		nodeInfo
		Healthy         bool     `json:"healthy"`
		AvailableModels []string `json:"available_models"`
	}

	nodes := make([]ruleNode, 0, len(snap.Nodes))
	for _, nc := range snap.Nodes {
		state, ok := h.Nodes.Get(nc.Name)
		var healthy bool
		var models []string
		if ok {
			v := state.View()
			healthy = v.IsHealthy
			models = v.Models
		}
		if models == nil {
			models = []string{}
		}
		nodes = append(nodes, ruleNode{nodeInfo: toNodeInfo(nc), Healthy: healthy, AvailableModels: models})
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes":                nodes,
		"model_patterns":       snap.SizeRules.NamePatterns,
		"model_mappings":       snap.SizeRules.NameMapping,
		"default_model_size_b": snap.SizeRules.Default,
		"scheduling_strategy":  snap.Strategy,
	})
}

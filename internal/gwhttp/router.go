// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gwhttp wires every reserved gateway endpoint — health, node and
// routing introspection, config management, metrics — onto a gin.Engine,
// and falls back to the Dispatcher for everything else.
package gwhttp

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jinterlante1206/ollama-gateway/internal/aggregator"
	"github.com/jinterlante1206/ollama-gateway/internal/dispatcher"
	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
	"github.com/jinterlante1206/ollama-gateway/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers holds every dependency the reserved endpoints need. It has no
// behavior of its own beyond translating between HTTP and the internal
// packages that own state.
type Handlers struct {
	Config     *gwconfig.Store
	Nodes      *registry.Registry
	Dispatch   *dispatcher.Dispatcher
	Aggregator *aggregator.Aggregator
	Logger     *logging.Logger

	// ConfigPath is the path Store was constructed with, surfaced by
	// /debug/config for operator troubleshooting.
	ConfigPath string
}

// NewRouter builds the gin.Engine serving every reserved endpoint plus the
// catch-all reverse-proxy route, matching the teacher's router-construction
// idiom (gin.New() + otelgin tracing middleware + Recovery).
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("ollama-gateway"))

	router.GET("/health", h.handleHealth)
	router.GET("/api/nodes", h.handleAPINodes)
	router.GET("/debug/config", h.handleDebugConfig)
	router.GET("/nodes/ps", h.handleNodesPS)
	router.GET("/nodes/loaded-models", h.handleNodesLoadedModels)
	router.GET("/nodes/:name/tags", h.handleNodeTags)
	router.GET("/api/tags", h.handleAggregatedTags)
	router.GET("/api/routing/query", h.handleRoutingQuery)
	router.GET("/api/routing/rules", h.handleRoutingRules)
	router.GET("/api/config", h.handleGetConfig)
	router.POST("/api/config", h.handlePostConfig)
	router.POST("/api/config/reload", h.handleReloadConfig)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Every other path — including every Ollama API path like
	// /api/generate — falls through to the Dispatcher. A catch-all route
	// pattern would conflict with the static routes registered above, so
	// this relies on gin's NoRoute fallback instead; Dispatch.Handle reads
	// the raw request path when no :path route param is present.
	router.NoRoute(h.Dispatch.Handle)

	return router
}

// handleHealth reports overall and per-node health, matching the original
// gateway's /health (spec.md §6).
func (h *Handlers) handleHealth(c *gin.Context) {
	snap := h.Config.Current()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "no routing configuration loaded"})
		return
	}

	type nodeHealth struct {
		Healthy           bool  `json:"healthy"`
		ActiveConnections int64 `json:"active_connections"`
		TotalRequests     int64 `json:"total_requests"`
		FailedRequests    int64 `json:"failed_requests"`
	}

	nodes := make(map[string]nodeHealth, len(snap.Nodes))
	healthyCount := 0
	for _, nc := range snap.Nodes {
		state, ok := h.Nodes.Get(nc.Name)
		if !ok {
			continue
		}
		v := state.View()
		if v.IsHealthy {
			healthyCount++
		}
		nodes[nc.Name] = nodeHealth{
			Healthy:           v.IsHealthy,
			ActiveConnections: v.ActiveConnections,
			TotalRequests:     v.TotalRequests,
			FailedRequests:    v.FailedRequests,
		}
	}

	status := "degraded"
	if healthyCount > 0 {
		status = "healthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"healthy_nodes": healthyCount,
		"total_nodes":   len(snap.Nodes),
		"nodes":         nodes,
	})
}

// nodeInfo is the admin-facing shape of one configured node, shared by
// /api/nodes, /api/routing/query, and /api/routing/rules.
type nodeInfo struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Weight  float64  `json:"weight"`
	Enabled bool     `json:"enabled"`
	APIURL  string   `json:"api_url,omitempty"`
	Hosts   []string `json:"hosts,omitempty"`
	Port    int      `json:"port,omitempty"`
}

func toNodeInfo(nc gwconfig.NodeConfig) nodeInfo {
	info := nodeInfo{Name: nc.Name, Type: string(nc.Kind), Weight: nc.Weight, Enabled: nc.Enabled}
	if nc.Kind == gwconfig.KindExternal {
		info.APIURL = nc.BaseURL
	} else {
		info.Hosts = nc.Hosts
		info.Port = nc.Port
	}
	return info
}

// handleAPINodes reports every configured node's static config and live
// state, matching the original gateway's /api/nodes.
func (h *Handlers) handleAPINodes(c *gin.Context) {
	snap := h.Config.Current()
	if snap == nil || len(snap.Nodes) == 0 {
		c.JSON(http.StatusOK, gin.H{"scheduling_strategy": "", "nodes": []any{}, "_error": "no nodes configured"})
		return
	}

	type apiNode struct {
		nodeInfo
		Stats  registry.View `json:"stats"`
		Models []string      `json:"models"`
	}

	out := make([]apiNode, 0, len(snap.Nodes))
	for _, nc := range snap.Nodes {
		state, ok := h.Nodes.Get(nc.Name)
		if !ok {
			continue
		}
		v := state.View()
		out = append(out, apiNode{nodeInfo: toNodeInfo(nc), Stats: v, Models: v.Models})
	}

	c.JSON(http.StatusOK, gin.H{
		"scheduling_strategy": snap.Strategy,
		"nodes":               out,
	})
}

// handleDebugConfig reports the resolved config path's existence and the
// currently loaded node set, for diagnosing NODE_CONFIG_FILE resolution
// failures (spec.md §5, supplemented from the original's debug_config).
func (h *Handlers) handleDebugConfig(c *gin.Context) {
	_, statErr := os.Stat(h.ConfigPath)
	exists := statErr == nil

	snap := h.Config.Current()
	var names []gin.H
	nodeCount := 0
	if snap != nil {
		nodeCount = len(snap.Nodes)
		for _, nc := range snap.Nodes {
			names = append(names, gin.H{"name": nc.Name, "type": string(nc.Kind)})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"config_file":        h.ConfigPath,
		"config_file_exists": exists,
		"nodes_count":        nodeCount,
		"nodes":              names,
	})
}

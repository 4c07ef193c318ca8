// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reconciler runs the periodic health check and model-inventory
// sync: every interval, it asks each enabled node for its /api/tags, marks
// the node healthy or unhealthy from the response, and on success replaces
// the node's known model set wholesale.
package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/modelsize"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
	"github.com/jinterlante1206/ollama-gateway/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// checkTimeout is the fixed per-node timeout for a health/inventory probe,
// matching the original gateway's health_check_node (5s regardless of a
// node's configured request timeout, which only bounds proxied traffic).
const checkTimeout = 5 * time.Second

// Interval is how often Run repeats the sweep, matching the original
// gateway's periodic_health_check.
const Interval = 30 * time.Second

// ConfigSource supplies the current Routing Snapshot. *gwconfig.Store
// satisfies this.
type ConfigSource interface {
	Current() *gwconfig.RoutingSnapshot
}

// Reconciler owns the background health/inventory sweep.
type Reconciler struct {
	config ConfigSource
	nodes  *registry.Registry
	client *http.Client
	logger *logging.Logger
}

// New returns a Reconciler that reads nodes from config and records their
// health/models into nodes.
func New(config ConfigSource, nodes *registry.Registry, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		config: config,
		nodes:  nodes,
		client: &http.Client{Timeout: checkTimeout},
		logger: logger,
	}
}

// Run blocks, sweeping every Interval until ctx is canceled. Callers
// typically invoke SweepOnce once synchronously before serving traffic,
// then launch Run in a goroutine (spec.md §4.4).
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce checks every enabled node in the current snapshot concurrently
// and returns once all checks complete. One node's failure never blocks or
// fails another's, matching the original gateway's per-node isolated
// try/except inside periodic_health_check.
func (r *Reconciler) SweepOnce(ctx context.Context) {
	snap := r.config.Current()
	if snap == nil {
		return
	}
	r.nodes.Ensure(nodeSpecs(snap.Nodes))

	g, gctx := errgroup.WithContext(ctx)
	for _, nc := range snap.Nodes {
		nc := nc
		if !nc.Enabled {
			continue
		}
		g.Go(func() error {
			r.checkNode(gctx, nc)
			return nil
		})
	}
	_ = g.Wait()
}

func nodeSpecs(nodes []gwconfig.NodeConfig) []registry.NodeSpec {
	specs := make([]registry.NodeSpec, len(nodes))
	for i, n := range nodes {
		specs[i] = registry.NodeSpec{Name: n.Name, Weight: n.Weight, Enabled: n.Enabled}
	}
	return specs
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (r *Reconciler) checkNode(ctx context.Context, nc gwconfig.NodeConfig) {
	state, ok := r.nodes.Get(nc.Name)
	if !ok {
		return
	}

	now := time.Now()
	base := nc.ResolveBaseURL()
	if base == "" {
		r.logger.Warn("node has no resolvable base URL, marking unhealthy", "node", nc.Name)
		state.SetHealth(false, now)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		state.SetHealth(false, now)
		return
	}
	for k, v := range nc.UpstreamHeaders(nil) {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("health check failed", "node", nc.Name, "error", err.Error())
		state.SetHealth(false, now)
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	state.SetHealth(healthy, now)
	if !healthy {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.logger.Warn("could not read /api/tags body", "node", nc.Name, "error", err.Error())
		return
	}
	var parsed tagsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		r.logger.Warn("could not parse /api/tags body", "node", nc.Name, "error", err.Error())
		return
	}

	models := make(map[string]struct{}, len(parsed.Models))
	for _, m := range parsed.Models {
		if m.Name == "" {
			continue
		}
		models[modelsize.SplitTag(m.Name)] = struct{}{}
	}
	state.SetModels(models, time.Now())
}

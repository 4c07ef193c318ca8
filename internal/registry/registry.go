// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry owns the live, mutable state of every backend node:
// health, active-connection counters, request/failure counters, model
// inventory, and weighted-round-robin bookkeeping.
//
// A Registry is reconciled against each new Routing Snapshot via Ensure:
// nodes unchanged by name keep their NodeState (and its counters); new
// names get a fresh NodeState; removed names are evicted. The Dispatcher
// and the Reconciler are the only two actors that mutate NodeState, and
// they do so through the accessors below, never by reaching into the
// struct directly.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// NodeState is the mutable, per-node state described in spec.md §3. Every
// field, including the connection/request counters, is guarded by the
// per-node mu, so each increment is atomic and health, inventory, and WRR
// bookkeeping are updated as a consistent group (e.g. SetModels replacing
// the whole set at once).
type NodeState struct {
	name string

	activeConnections int64
	totalRequests     int64
	failedRequests    int64

	mu              sync.Mutex
	weight          float64
	enabled         bool
	isHealthy       bool
	lastHealthCheck time.Time
	lastModelSync   time.Time
	currentWeight   float64
	effectiveWeight float64
	models          map[string]struct{}
}

// View is an immutable snapshot of a NodeState for reporting endpoints
// (/api/nodes, /api/routing/rules, ...). It never aliases the live state.
type View struct {
	Name              string     `json:"name"`
	Weight            float64    `json:"weight"`
	Enabled           bool       `json:"enabled"`
	IsHealthy         bool       `json:"is_healthy"`
	ActiveConnections int64      `json:"active_connections"`
	TotalRequests     int64      `json:"total_requests"`
	FailedRequests    int64      `json:"failed_requests"`
	LastHealthCheck   *time.Time `json:"last_health_check"`
	LastModelSync     *time.Time `json:"last_model_sync"`
	CurrentWeight     float64    `json:"current_weight"`
	EffectiveWeight   float64    `json:"effective_weight"`
	Models            []string   `json:"models"`
}

func newNodeState(name string, weight float64, enabled bool) *NodeState {
	return &NodeState{
		name:            name,
		weight:          weight,
		enabled:         enabled,
		isHealthy:       false,
		currentWeight:   weight,
		effectiveWeight: weight,
		models:          make(map[string]struct{}),
	}
}

// Name returns the node's immutable identity.
func (n *NodeState) Name() string { return n.name }

// IncActive increments the active-connection counter. Paired exactly once
// per accepted request with a later DecActive call (spec.md §3 invariant 1).
func (n *NodeState) IncActive() {
	n.mu.Lock()
	n.activeConnections++
	n.mu.Unlock()
}

// DecActive decrements the active-connection counter. It panics if the
// counter would go negative: that is a pairing bug in the caller, and
// spec.md §4.3 asks implementers to surface it rather than clamp it to
// zero and hide the defect. A panicking HTTP handler is recovered by the
// gin Recovery middleware, so this fails the one request, not the process.
func (n *NodeState) DecActive() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activeConnections--
	if n.activeConnections < 0 {
		panic(fmt.Sprintf("registry: active_connections went negative for node %q", n.name))
	}
}

// ActiveConnections returns the current active-connection count.
func (n *NodeState) ActiveConnections() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activeConnections
}

// RecordRequest increments total_requests. Called once per request that
// reaches an upstream, regardless of the status it returns — a well-formed
// upstream 5xx is a request, not a failure (spec.md §9).
func (n *NodeState) RecordRequest() {
	n.mu.Lock()
	n.totalRequests++
	n.mu.Unlock()
}

// RecordFailure increments failed_requests. Called only for UpstreamTimeout
// and UpstreamTransport, never for a well-formed upstream status code.
func (n *NodeState) RecordFailure() {
	n.mu.Lock()
	n.failedRequests++
	n.mu.Unlock()
}

// SetHealth sets is_healthy and stamps last_health_check. Only the
// Reconciler calls this.
func (n *NodeState) SetHealth(healthy bool, at time.Time) {
	n.mu.Lock()
	n.isHealthy = healthy
	n.lastHealthCheck = at
	n.mu.Unlock()
}

// IsHealthy reports the node's last-observed health. The Dispatcher may
// observe a value that is stale by up to one reconcile period; that
// staleness is intentional (spec.md §4.3).
func (n *NodeState) IsHealthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isHealthy
}

// Enabled reports whether the node is administratively enabled, per the
// most recently loaded Routing Snapshot.
func (n *NodeState) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

// SetModels atomically replaces the node's model inventory. Never called
// with a partial update: the Reconciler always supplies the full set from
// one upstream /api/tags response (spec.md §3 invariant 4).
func (n *NodeState) SetModels(models map[string]struct{}, at time.Time) {
	cp := make(map[string]struct{}, len(models))
	for m := range models {
		cp[m] = struct{}{}
	}
	n.mu.Lock()
	n.models = cp
	n.lastModelSync = at
	n.mu.Unlock()
}

// HasModel reports whether base model name is in the node's inventory.
func (n *NodeState) HasModel(base string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.models[base]
	return ok
}

// CurrentWeight returns the WRR current_weight bookkeeping value.
func (n *NodeState) CurrentWeight() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentWeight
}

// AddCurrentWeight adds delta to the WRR current_weight value.
func (n *NodeState) AddCurrentWeight(delta float64) {
	n.mu.Lock()
	n.currentWeight += delta
	n.mu.Unlock()
}

// Weight returns the configured (static) weight.
func (n *NodeState) Weight() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.weight
}

func (n *NodeState) setWeight(w float64) {
	n.mu.Lock()
	n.weight = w
	n.mu.Unlock()
}

func (n *NodeState) setEnabled(e bool) {
	n.mu.Lock()
	n.enabled = e
	n.mu.Unlock()
}

// View returns an immutable point-in-time snapshot of this node's state.
func (n *NodeState) View() View {
	n.mu.Lock()
	defer n.mu.Unlock()

	models := make([]string, 0, len(n.models))
	for m := range n.models {
		models = append(models, m)
	}
	sort.Strings(models)

	v := View{
		Name:              n.name,
		Weight:            n.weight,
		Enabled:           n.enabled,
		IsHealthy:         n.isHealthy,
		ActiveConnections: n.activeConnections,
		TotalRequests:     n.totalRequests,
		FailedRequests:    n.failedRequests,
		CurrentWeight:     n.currentWeight,
		EffectiveWeight:   n.effectiveWeight,
		Models:            models,
	}
	if !n.lastHealthCheck.IsZero() {
		t := n.lastHealthCheck
		v.LastHealthCheck = &t
	}
	if !n.lastModelSync.IsZero() {
		t := n.lastModelSync
		v.LastModelSync = &t
	}
	return v
}

// NodeSpec is the minimal per-node configuration the registry needs to
// reconcile its keys: identity, weight, and whether the node is enabled.
// Callers build one from each gwconfig.NodeConfig's fields of the same names.
type NodeSpec struct {
	Name    string
	Weight  float64
	Enabled bool
}

// Registry owns every NodeState, keyed by node name.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*NodeState
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]*NodeState)}
}

// Ensure reconciles the registry's keys against a new node list: it adds a
// fresh NodeState for any new name, preserves (and updates the weight and
// enabled flag of) any existing name, and evicts any name no longer
// present. This is the only place nodes are created or destroyed.
func (r *Registry) Ensure(specs []NodeSpec) {
	want := make(map[string]struct{}, len(specs))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range specs {
		want[s.Name] = struct{}{}
		if existing, ok := r.nodes[s.Name]; ok {
			existing.setWeight(s.Weight)
			existing.setEnabled(s.Enabled)
			continue
		}
		r.nodes[s.Name] = newNodeState(s.Name, s.Weight, s.Enabled)
	}
	for name := range r.nodes {
		if _, ok := want[name]; !ok {
			delete(r.nodes, name)
		}
	}
}

// Get returns the live NodeState for name, if it exists.
func (r *Registry) Get(name string) (*NodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// All returns every NodeState currently tracked, in no particular order.
// Callers that need selection order should consult the Routing Snapshot's
// node list instead, and look up state here by name.
func (r *Registry) All() []*NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeState, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Views returns a View for every tracked node, sorted by name, for
// reporting endpoints.
func (r *Registry) Views() []View {
	all := r.All()
	views := make([]View, len(all))
	for i, n := range all {
		views[i] = n.View()
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

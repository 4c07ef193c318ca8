// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scheduler picks one node from a routing candidate set for each
// request, using one of three strategies (round_robin, least_connections,
// weighted_round_robin), and implements the constrained-to-permissive
// fallback the Dispatcher asks for when model matching (inventory and size)
// narrows the candidate set to nothing.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/gwerrors"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
)

// Strategy names the gateway's three load-balancing policies.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
)

// Candidate pairs a node's static configuration with its live state, the
// minimum the Scheduler needs to weigh one selection.
type Candidate struct {
	Config gwconfig.NodeConfig
	State  *registry.NodeState
}

// Scheduler selects a node among healthy, enabled candidates according to
// a fixed Strategy. A Scheduler is stateful (round-robin position, WRR
// current_weight bookkeeping lives on the NodeState itself) and must be
// shared across requests, not recreated per call.
type Scheduler struct {
	strategy Strategy

	rrMu    sync.Mutex
	rrIndex uint64

	wrrMu sync.Mutex
}

// New returns a Scheduler configured with strategy. An unrecognized
// strategy falls back to RoundRobin, matching the original gateway's
// behavior of defaulting rather than refusing to start.
func New(strategy string) *Scheduler {
	s := Strategy(strategy)
	switch s {
	case RoundRobin, LeastConnections, WeightedRoundRobin:
	default:
		s = RoundRobin
	}
	return &Scheduler{strategy: s}
}

// Strategy returns the configured strategy.
func (s *Scheduler) Strategy() Strategy { return s.strategy }

// healthyEnabled filters candidates down to those that are both
// administratively enabled and last observed healthy.
func healthyEnabled(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Config.Enabled && c.State.IsHealthy() {
			out = append(out, c)
		}
	}
	return out
}

// Select picks one node from constrained (nodes that hold the requested
// model and whose supported_model_ranges fit its size) falling back to
// permissive (every healthy, enabled node, model and size constraints
// ignored) when constrained is empty — the
// same two-tier fallback the original gateway's select_node implements.
// It returns gwerrors.KindNoHealthyNodes if both sets are empty.
func (s *Scheduler) Select(constrained, permissive []Candidate) (Candidate, bool, error) {
	pool := healthyEnabled(constrained)
	usedFallback := false
	if len(pool) == 0 {
		pool = healthyEnabled(permissive)
		usedFallback = true
	}
	if len(pool) == 0 {
		return Candidate{}, false, gwerrors.New(gwerrors.KindNoHealthyNodes, "no healthy, enabled node available")
	}

	var chosen Candidate
	switch s.strategy {
	case LeastConnections:
		chosen = s.selectLeastConnections(pool)
	case WeightedRoundRobin:
		chosen = s.selectWeightedRoundRobin(pool)
	default:
		chosen = s.selectRoundRobin(pool)
	}
	return chosen, usedFallback, nil
}

// selectRoundRobin advances a monotonic counter shared by every call and
// picks pool[counter % len(pool)]. The counter is process-lifetime and
// global to the Scheduler, not per-pool, so the rotation keeps moving even
// as the candidate set shrinks and grows across requests.
func (s *Scheduler) selectRoundRobin(pool []Candidate) Candidate {
	idx := atomic.AddUint64(&s.rrIndex, 1) - 1
	return pool[int(idx%uint64(len(pool)))]
}

// selectLeastConnections picks the candidate with the fewest active
// connections, breaking ties by the pool's iteration order so the result
// is stable for a given candidate ordering.
func (s *Scheduler) selectLeastConnections(pool []Candidate) Candidate {
	best := pool[0]
	bestActive := best.State.ActiveConnections()
	for _, c := range pool[1:] {
		if active := c.State.ActiveConnections(); active < bestActive {
			best, bestActive = c, active
		}
	}
	return best
}

// selectWeightedRoundRobin implements smooth weighted round robin: each
// candidate's current_weight accumulates by its effective (static) weight,
// the candidate with the highest current_weight is chosen, and that
// winner's current_weight is reduced by the sum of all weights. Over many
// selections each node is picked proportionally to its weight, and picks
// are interleaved rather than bunched: with equal weights no node is
// selected twice in a row unless it is the only candidate, while a heavier
// node can be picked several times in a row (weights 3:1, heavier node
// listed first, give h, h, l, h, repeating).
//
// The whole read-modify-write cycle runs under wrrMu so concurrent
// requests never observe or apply a torn update.
func (s *Scheduler) selectWeightedRoundRobin(pool []Candidate) Candidate {
	s.wrrMu.Lock()
	defer s.wrrMu.Unlock()

	var totalWeight float64
	for _, c := range pool {
		w := c.Config.Weight
		c.State.AddCurrentWeight(w)
		totalWeight += w
	}

	best := pool[0]
	bestWeight := best.State.CurrentWeight()
	for _, c := range pool[1:] {
		if cw := c.State.CurrentWeight(); cw > bestWeight {
			best, bestWeight = c, cw
		}
	}
	best.State.AddCurrentWeight(-totalWeight)
	return best
}

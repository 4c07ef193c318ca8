// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"testing"
	"time"

	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/gwerrors"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCandidate(t *testing.T, reg *registry.Registry, name string, weight float64, healthy bool) Candidate {
	t.Helper()
	reg.Ensure(append(specsOf(reg), registry.NodeSpec{Name: name, Weight: weight, Enabled: true}))
	st, ok := reg.Get(name)
	require.True(t, ok)
	st.SetHealth(healthy, time.Now())
	return Candidate{Config: gwconfig.NodeConfig{Name: name, Enabled: true, Weight: weight}, State: st}
}

// specsOf rebuilds the current spec list so repeated Ensure calls in a test
// don't evict nodes registered by earlier calls.
func specsOf(reg *registry.Registry) []registry.NodeSpec {
	var specs []registry.NodeSpec
	for _, n := range reg.All() {
		specs = append(specs, registry.NodeSpec{Name: n.Name(), Weight: n.Weight(), Enabled: n.Enabled()})
	}
	return specs
}

func TestSelect_NoHealthyNodes(t *testing.T) {
	s := New("round_robin")
	_, _, err := s.Select(nil, nil)
	require.Error(t, err)
	kind, ok := gwerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindNoHealthyNodes, kind)
}

func TestSelect_FallsBackToPermissiveWhenConstrainedEmpty(t *testing.T) {
	reg := registry.New()
	permissive := []Candidate{makeCandidate(t, reg, "p1", 1, true)}

	s := New("round_robin")
	chosen, usedFallback, err := s.Select(nil, permissive)
	require.NoError(t, err)
	assert.True(t, usedFallback)
	assert.Equal(t, "p1", chosen.Config.Name)
}

func TestSelect_PrefersConstrainedOverPermissive(t *testing.T) {
	reg := registry.New()
	constrained := []Candidate{makeCandidate(t, reg, "c1", 1, true)}
	permissive := append([]Candidate{}, constrained...)
	permissive = append(permissive, makeCandidate(t, reg, "p1", 1, true))

	s := New("round_robin")
	chosen, usedFallback, err := s.Select(constrained, permissive)
	require.NoError(t, err)
	assert.False(t, usedFallback)
	assert.Equal(t, "c1", chosen.Config.Name)
}

func TestSelect_UnhealthyExcluded(t *testing.T) {
	reg := registry.New()
	pool := []Candidate{
		makeCandidate(t, reg, "down", 1, false),
		makeCandidate(t, reg, "up", 1, true),
	}
	s := New("round_robin")
	chosen, _, err := s.Select(pool, pool)
	require.NoError(t, err)
	assert.Equal(t, "up", chosen.Config.Name)
}

func TestRoundRobin_RotatesEvenly(t *testing.T) {
	reg := registry.New()
	pool := []Candidate{
		makeCandidate(t, reg, "a", 1, true),
		makeCandidate(t, reg, "b", 1, true),
		makeCandidate(t, reg, "c", 1, true),
	}
	s := New("round_robin")
	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		chosen, _, err := s.Select(pool, pool)
		require.NoError(t, err)
		counts[chosen.Config.Name]++
	}
	assert.Equal(t, 10, counts["a"])
	assert.Equal(t, 10, counts["b"])
	assert.Equal(t, 10, counts["c"])
}

func TestLeastConnections_PicksFewestActive(t *testing.T) {
	reg := registry.New()
	busy := makeCandidate(t, reg, "busy", 1, true)
	idle := makeCandidate(t, reg, "idle", 1, true)
	busy.State.IncActive()
	busy.State.IncActive()
	idle.State.IncActive()

	pool := []Candidate{busy, idle}
	s := New("least_connections")
	chosen, _, err := s.Select(pool, pool)
	require.NoError(t, err)
	assert.Equal(t, "idle", chosen.Config.Name)
}

func TestWeightedRoundRobin_MatchesConfiguredProportions(t *testing.T) {
	reg := registry.New()
	pool := []Candidate{
		makeCandidate(t, reg, "heavy", 3, true),
		makeCandidate(t, reg, "light", 1, true),
	}
	s := New("weighted_round_robin")

	counts := map[string]int{}
	const rounds = 400
	for i := 0; i < rounds; i++ {
		chosen, _, err := s.Select(pool, pool)
		require.NoError(t, err)
		counts[chosen.Config.Name]++
	}

	wantHeavy := rounds * 3 / 4
	assert.InDelta(t, wantHeavy, counts["heavy"], 2, "smooth WRR should track weight proportions within a tiny tolerance")
}

func TestWeightedRoundRobin_NeverPicksSameNodeTwiceInARowWithEqualWeights(t *testing.T) {
	reg := registry.New()
	pool := []Candidate{
		makeCandidate(t, reg, "x", 1, true),
		makeCandidate(t, reg, "y", 1, true),
	}
	s := New("weighted_round_robin")

	var last string
	for i := 0; i < 20; i++ {
		chosen, _, err := s.Select(pool, pool)
		require.NoError(t, err)
		if i > 0 {
			assert.NotEqual(t, last, chosen.Config.Name)
		}
		last = chosen.Config.Name
	}
}

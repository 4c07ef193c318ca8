// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure_AddsUpdatesAndEvicts(t *testing.T) {
	r := New()
	r.Ensure([]NodeSpec{{Name: "a", Weight: 1, Enabled: true}, {Name: "b", Weight: 2, Enabled: true}})
	require.Len(t, r.All(), 2)

	a, ok := r.Get("a")
	require.True(t, ok)
	a.IncActive()

	r.Ensure([]NodeSpec{{Name: "a", Weight: 5, Enabled: false}, {Name: "c", Weight: 1, Enabled: true}})

	assert.Len(t, r.All(), 2)
	sameA, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a, sameA, "existing node identity must survive reconciliation")
	assert.Equal(t, int64(1), sameA.ActiveConnections(), "counters survive reconciliation")
	assert.Equal(t, 5.0, sameA.Weight())
	assert.False(t, sameA.Enabled())

	_, ok = r.Get("b")
	assert.False(t, ok, "node absent from the new spec list must be evicted")

	_, ok = r.Get("c")
	assert.True(t, ok)
}

func TestActiveConnections_NeverNegative(t *testing.T) {
	n := newNodeState("x", 1, true)
	n.IncActive()
	n.DecActive()
	assert.Equal(t, int64(0), n.ActiveConnections())

	assert.Panics(t, func() { n.DecActive() }, "a pairing bug must surface loudly, not clamp silently")
}

func TestActiveConnections_ConcurrentPairing(t *testing.T) {
	n := newNodeState("x", 1, true)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.IncActive()
			n.DecActive()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), n.ActiveConnections())
}

func TestSetModels_ReplacesWholeSetAtomically(t *testing.T) {
	n := newNodeState("x", 1, true)
	n.SetModels(map[string]struct{}{"llama3": {}, "qwen3": {}}, time.Now())
	assert.True(t, n.HasModel("llama3"))
	assert.True(t, n.HasModel("qwen3"))

	n.SetModels(map[string]struct{}{"mistral": {}}, time.Now())
	assert.False(t, n.HasModel("llama3"), "stale models must not survive a full replace")
	assert.True(t, n.HasModel("mistral"))
}

func TestRecordRequest_DoesNotImplyFailure(t *testing.T) {
	n := newNodeState("x", 1, true)
	n.RecordRequest()
	n.RecordRequest()
	n.RecordFailure()

	v := n.View()
	assert.Equal(t, int64(2), v.TotalRequests)
	assert.Equal(t, int64(1), v.FailedRequests)
}

func TestViews_SortedByName(t *testing.T) {
	r := New()
	r.Ensure([]NodeSpec{{Name: "zeta", Weight: 1, Enabled: true}, {Name: "alpha", Weight: 1, Enabled: true}})
	views := r.Views()
	require.Len(t, views, 2)
	assert.Equal(t, "alpha", views[0].Name)
	assert.Equal(t, "zeta", views[1].Name)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reconciler

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct{ snap *gwconfig.RoutingSnapshot }

func (f fakeConfig) Current() *gwconfig.RoutingSnapshot { return f.snap }

func localNodeFromURL(t *testing.T, name, hostport string) gwconfig.NodeConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(hostport)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return gwconfig.NodeConfig{Name: name, Kind: gwconfig.KindLocal, Hosts: []string{host}, Port: port, Enabled: true, Weight: 1}
}

func TestSweepOnce_HealthyNodeSyncsModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"qwen3:30b"}]}`))
	}))
	defer srv.Close()

	node := localNodeFromURL(t, "n1", strings.TrimPrefix(srv.URL, "http://"))
	snap := &gwconfig.RoutingSnapshot{Nodes: []gwconfig.NodeConfig{node}}

	reg := registry.New()
	r := New(fakeConfig{snap}, reg, nil)
	r.SweepOnce(context.Background())

	state, ok := reg.Get("n1")
	require.True(t, ok)
	v := state.View()
	assert.True(t, v.IsHealthy)
	assert.ElementsMatch(t, []string{"llama3", "qwen3"}, v.Models)
}

func TestSweepOnce_UnhealthyLeavesModelsUntouched(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	node := localNodeFromURL(t, "n1", strings.TrimPrefix(srv.URL, "http://"))
	snap := &gwconfig.RoutingSnapshot{Nodes: []gwconfig.NodeConfig{node}}

	reg := registry.New()
	r := New(fakeConfig{snap}, reg, nil)
	r.SweepOnce(context.Background())
	r.SweepOnce(context.Background())

	state, _ := reg.Get("n1")
	v := state.View()
	assert.False(t, v.IsHealthy)
	assert.ElementsMatch(t, []string{"llama3"}, v.Models, "a failed check must not clear the last-known inventory")
}

func TestSweepOnce_OneNodeFailureDoesNotBlockAnother(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer good.Close()

	reg := registry.New()
	snap := &gwconfig.RoutingSnapshot{Nodes: []gwconfig.NodeConfig{
		{Name: "unreachable", Kind: gwconfig.KindLocal, Hosts: []string{"127.0.0.1"}, Port: 1, Enabled: true, Weight: 1},
		localNodeFromURL(t, "good", strings.TrimPrefix(good.URL, "http://")),
	}}
	r := New(fakeConfig{snap}, reg, nil)
	r.SweepOnce(context.Background())

	goodState, _ := reg.Get("good")
	assert.True(t, goodState.View().IsHealthy)
	badState, _ := reg.Get("unreachable")
	assert.False(t, badState.View().IsHealthy)
}

func TestSweepOnce_DisabledNodeNotChecked(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	node := localNodeFromURL(t, "n1", strings.TrimPrefix(srv.URL, "http://"))
	node.Enabled = false
	snap := &gwconfig.RoutingSnapshot{Nodes: []gwconfig.NodeConfig{node}}

	reg := registry.New()
	r := New(fakeConfig{snap}, reg, nil)
	r.SweepOnce(context.Background())

	assert.False(t, called)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatcher

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/metrics"
	"github.com/jinterlante1206/ollama-gateway/internal/modelsize"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
	"github.com/jinterlante1206/ollama-gateway/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct{ snap *gwconfig.RoutingSnapshot }

func (f fakeConfig) Current() *gwconfig.RoutingSnapshot { return f.snap }

func newTestDispatcher(t *testing.T, nodeURL string) (*Dispatcher, *registry.Registry) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(nodeURL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	node := gwconfig.NodeConfig{Name: "n1", Kind: gwconfig.KindLocal, Hosts: []string{host}, Port: port, Enabled: true, Weight: 1}
	snap := &gwconfig.RoutingSnapshot{
		Nodes:       []gwconfig.NodeConfig{node},
		NodesByName: map[string]gwconfig.NodeConfig{"n1": node},
		SizeRules:   modelsize.NewRules(nil, nil, 7),
		Strategy:    "round_robin",
	}

	reg := registry.New()
	reg.Ensure([]registry.NodeSpec{{Name: "n1", Weight: 1, Enabled: true}})
	state, _ := reg.Get("n1")
	state.SetHealth(true, time.Now())

	sched := scheduler.New("round_robin")
	m := metrics.New(prometheus.NewRegistry())
	return New(fakeConfig{snap}, reg, sched, m, nil), reg
}

func doRequest(d *Dispatcher, method, path, query string, body string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(r)
	target := path
	if query != "" {
		target += "?" + query
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	c.Request = req
	c.Params = gin.Params{{Key: "path", Value: path}}
	d.Handle(c)
	return r
}

func TestHandle_OptionsShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("OPTIONS must never reach the backend")
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL)
	rec := doRequest(d, http.MethodOptions, "/api/generate", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandle_NonStreamingProxiesBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"done":true}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL)
	rec := doRequest(d, http.MethodPost, "/api/generate", "", `{"model":"llama3:8b"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"done":true}`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Connection"), "hop-by-hop response headers must be stripped")
}

func TestHandle_StreamingPassesThroughEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"data: one\n\n", "data: two\n\n"} {
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	d, reg := newTestDispatcher(t, srv.URL)
	rec := doRequest(d, http.MethodPost, "/api/generate", "", `{"model":"llama3"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: one\n\ndata: two\n\n", rec.Body.String())

	state, _ := reg.Get("n1")
	assert.Equal(t, int64(0), state.ActiveConnections(), "streaming must release active_connections exactly once")
}

func TestHandle_NoHealthyNodesReturns503(t *testing.T) {
	d, reg := newTestDispatcher(t, "http://127.0.0.1:1")
	state, _ := reg.Get("n1")
	state.SetHealth(false, time.Now())

	rec := doRequest(d, http.MethodPost, "/api/generate", "", `{"model":"llama3"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandle_ModelFromQueryParamWinsOverBody(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL)
	rec := doRequest(d, http.MethodPost, "/api/generate", "model=qwen3:30b", `{"model":"llama3:8b"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/generate", gotPath)

	base, full := extractModelName("qwen3:30b", []byte(`{"model":"llama3:8b"}`))
	assert.Equal(t, "qwen3", base)
	assert.Equal(t, "qwen3:30b", full)
}

func TestHandle_ActiveConnectionsReleasedOnNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, reg := newTestDispatcher(t, srv.URL)
	doRequest(d, http.MethodGet, "/api/version", "", "")

	state, _ := reg.Get("n1")
	assert.Equal(t, int64(0), state.ActiveConnections())
}

func TestHandle_ResponseCarriesRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL)
	rec := doRequest(d, http.MethodGet, "/api/version", "", "")

	assert.Len(t, rec.Header().Get("X-Request-Id"), 12)
}

func TestHandle_ExternalNodeRateLimitDoesNotBlockWithinBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	node := gwconfig.NodeConfig{Name: "n1", Kind: gwconfig.KindExternal, BaseURL: srv.URL, Enabled: true, Weight: 1, RateLimitPerSecond: 50}
	snap := &gwconfig.RoutingSnapshot{
		Nodes:       []gwconfig.NodeConfig{node},
		NodesByName: map[string]gwconfig.NodeConfig{"n1": node},
		SizeRules:   modelsize.NewRules(nil, nil, 7),
		Strategy:    "round_robin",
	}
	reg := registry.New()
	reg.Ensure([]registry.NodeSpec{{Name: "n1", Weight: 1, Enabled: true}})
	state, _ := reg.Get("n1")
	state.SetHealth(true, time.Now())

	d := New(fakeConfig{snap}, reg, scheduler.New("round_robin"), metrics.New(prometheus.NewRegistry()), nil)
	rec := doRequest(d, http.MethodGet, "/api/version", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, d.limiterFor(node), "rate limiter should be created for the external node")
}

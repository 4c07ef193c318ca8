// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatcher implements the core reverse-proxy request path: model
// extraction, node selection, header filtering, and streaming/non-streaming
// upstream proxying, with exactly-once active-connection accounting on
// every exit path.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jinterlante1206/ollama-gateway/internal/gwconfig"
	"github.com/jinterlante1206/ollama-gateway/internal/gwerrors"
	"github.com/jinterlante1206/ollama-gateway/internal/metrics"
	"github.com/jinterlante1206/ollama-gateway/internal/modelsize"
	"github.com/jinterlante1206/ollama-gateway/internal/registry"
	"github.com/jinterlante1206/ollama-gateway/internal/scheduler"
	"github.com/jinterlante1206/ollama-gateway/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// tracer wraps the upstream call with a span distinct from otelgin's
// per-request span, so a slow node is visible even when the surrounding
// request span looks fast (e.g. during a streamed response).
var tracer = otel.Tracer("gateway.dispatcher")

// requestHeadersToStrip are dropped from the inbound request before it is
// forwarded, matching the original gateway's proxy_request.
var requestHeadersToStrip = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
}

// responseHeadersToStrip are dropped from the upstream response before it
// is returned to the client.
var responseHeadersToStrip = map[string]struct{}{
	"Content-Length":      {},
	"Transfer-Encoding":   {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Upgrade":             {},
}

// defaultConnectTimeout bounds TCP/TLS setup independent of the node's
// total request timeout, matching the original gateway's httpx.Timeout(...,
// connect=10.0).
const defaultConnectTimeout = 10 * time.Second

// ConfigSource supplies the current Routing Snapshot.
type ConfigSource interface {
	Current() *gwconfig.RoutingSnapshot
}

// Dispatcher proxies inbound HTTP requests to a selected backend node.
type Dispatcher struct {
	config    ConfigSource
	nodes     *registry.Registry
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	logger    *logging.Logger

	localClient *http.Client

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// sharedTransport bounds connection setup to defaultConnectTimeout
// independent of whatever per-request timeout a node's http.Client applies,
// matching the original gateway's separate connect timeout.
func sharedTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext
	return t
}

// New returns a Dispatcher wiring config, nodes, and sched together.
func New(config ConfigSource, nodes *registry.Registry, sched *scheduler.Scheduler, m *metrics.Metrics, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		config:    config,
		nodes:     nodes,
		scheduler: sched,
		metrics:   m,
		logger:    logger,
		localClient: &http.Client{
			Timeout:   defaultTimeoutFor(nil),
			Transport: sharedTransport(),
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the shared rate.Limiter for an external node with a
// configured RateLimitPerSecond, creating it on first use. A node with no
// limit configured (RateLimitPerSecond == 0) never appears here.
func (d *Dispatcher) limiterFor(nc gwconfig.NodeConfig) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	if l, ok := d.limiters[nc.Name]; ok {
		return l
	}
	burst := 1
	if nc.RateLimitPerSecond >= 1 {
		burst = int(nc.RateLimitPerSecond)
	}
	l := rate.NewLimiter(rate.Limit(nc.RateLimitPerSecond), burst)
	d.limiters[nc.Name] = l
	return l
}

func defaultTimeoutFor(nc *gwconfig.NodeConfig) time.Duration {
	if nc != nil && nc.Timeout > 0 {
		return nc.Timeout
	}
	return 300 * time.Second
}

// Handle handles every non-reserved path: it is registered as gin's
// catch-all route. OPTIONS requests are answered directly with CORS
// headers and never reach a backend, matching the original gateway's
// preflight short-circuit.
func (d *Dispatcher) Handle(c *gin.Context) {
	if c.Request.Method == http.MethodOptions {
		d.handleOptions(c)
		return
	}

	path := c.Param("path")
	if path == "" {
		path = c.Request.URL.Path
	}

	requestID := uuid.NewString()[:12]
	c.Header("X-Request-Id", requestID)
	reqLogger := d.logger.WithRequestID(requestID)

	var body []byte
	if c.Request.Method == http.MethodPost && c.Request.Body != nil {
		body, _ = io.ReadAll(c.Request.Body)
	}

	base, full := extractModelName(c.Request.URL.Query().Get("model"), body)

	snap := d.config.Current()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no routing configuration loaded"})
		return
	}

	var sizeB int
	haveModel := base != ""
	if haveModel {
		sizeB = snap.SizeRules.Resolve(base, full)
	}

	constrained, permissive := d.candidates(snap, base, sizeB)
	chosen, usedFallback, err := d.scheduler.Select(constrained, permissive)
	if err != nil {
		d.writeError(c, err)
		return
	}
	if usedFallback {
		reqLogger.Warn("no node has the model within its supported size range, falling back to any healthy node",
			"model", full, "size_b", sizeB)
	}

	d.proxy(c, chosen, path, body, requestID, reqLogger)
}

func (d *Dispatcher) handleOptions(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "*")
	c.Header("Access-Control-Max-Age", "3600")
	c.Status(http.StatusOK)
}

// extractModelName mirrors extract_model_name_from_request/_body: a query
// parameter wins over the body, and the base name has its tag stripped.
func extractModelName(queryModel string, body []byte) (base, full string) {
	if queryModel != "" {
		return modelsize.SplitTag(queryModel), queryModel
	}
	if len(body) == 0 {
		return "", ""
	}
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Model == "" {
		return "", ""
	}
	return modelsize.SplitTag(payload.Model), payload.Model
}

// candidates builds the constrained (node has base in its model inventory
// and a supported range that fits sizeB) and permissive (every node)
// candidate lists for the Scheduler. When the request names no model
// (base is empty), constrained and permissive are identical, matching the
// original gateway's select_node falling through to "all healthy nodes"
// when model_size_b is nil.
func (d *Dispatcher) candidates(snap *gwconfig.RoutingSnapshot, base string, sizeB int) (constrained, permissive []scheduler.Candidate) {
	for _, nc := range snap.Nodes {
		state, ok := d.nodes.Get(nc.Name)
		if !ok {
			continue
		}
		cand := scheduler.Candidate{Config: nc, State: state}
		permissive = append(permissive, cand)
		if base == "" || (state.HasModel(base) && nc.SupportsSize(sizeB)) {
			constrained = append(constrained, cand)
		}
	}
	return constrained, permissive
}

func (d *Dispatcher) writeError(c *gin.Context, err error) {
	status := gwerrors.StatusFor(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// proxy forwards the request to chosen, accounting for exactly one
// IncActive/DecActive pair regardless of how the request terminates.
func (d *Dispatcher) proxy(c *gin.Context, chosen scheduler.Candidate, path string, body []byte, requestID string, reqLogger *logging.Logger) {
	nc := chosen.Config
	state := chosen.State
	base := nc.ResolveBaseURL()
	if base == "" {
		d.writeError(c, gwerrors.New(gwerrors.KindConfigInvalid, "node "+nc.Name+" has no resolvable base URL"))
		return
	}

	ctx, span := tracer.Start(c.Request.Context(), "Dispatcher.proxy")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway.node", nc.Name),
		attribute.String("gateway.path", path),
		attribute.String("gateway.request_id", requestID),
	)
	c.Request = c.Request.WithContext(ctx)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		c.Header("Traceparent-Id", sc.TraceID().String())
	}

	if nc.Kind == gwconfig.KindExternal && nc.RateLimitPerSecond > 0 {
		if err := d.limiterFor(nc).Wait(ctx); err != nil {
			span.SetAttributes(attribute.String("gateway.status", "rate_limit_wait_failed"))
			d.writeError(c, gwerrors.Wrap(gwerrors.KindUpstreamTimeout, "waiting for external rate limit", err))
			return
		}
	}

	state.IncActive()
	d.metrics.SetActiveConnections(nc.Name, state.ActiveConnections())
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		state.DecActive()
		d.metrics.SetActiveConnections(nc.Name, state.ActiveConnections())
	}
	defer release()

	targetURL := base + path
	if rawQuery := c.Request.URL.RawQuery; rawQuery != "" {
		targetURL += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, targetURL, bodyReader(c.Request.Method, body))
	if err != nil {
		d.finishError(c, nc, path, state, release, reqLogger, gwerrors.Wrap(gwerrors.KindUpstreamTransport, "building upstream request failed", err))
		return
	}
	copyRequestHeaders(req, c.Request.Header, nc)

	client := d.clientFor(nc)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		kind := gwerrors.KindUpstreamTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = gwerrors.KindUpstreamTimeout
		}
		d.finishError(c, nc, path, state, release, reqLogger, gwerrors.Wrap(kind, "upstream request failed", err))
		return
	}
	defer resp.Body.Close()

	state.RecordRequest()
	d.metrics.RecordRequest(c.Request.Method, path, nc.Name, resp.StatusCode)
	d.metrics.RecordDuration(c.Request.Method, path, nc.Name, time.Since(start).Seconds())

	copyResponseHeaders(c, resp.Header)

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		d.streamResponse(c, resp, release, reqLogger)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Status(http.StatusBadGateway)
		return
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, respBody)
}

func bodyReader(method string, body []byte) io.Reader {
	if method != http.MethodPost || len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

func (d *Dispatcher) clientFor(nc gwconfig.NodeConfig) *http.Client {
	if nc.Kind == gwconfig.KindExternal {
		return &http.Client{Timeout: defaultTimeoutFor(&nc), Transport: sharedTransport()}
	}
	return d.localClient
}

func copyRequestHeaders(req *http.Request, src http.Header, nc gwconfig.NodeConfig) {
	existing := make(map[string]string, len(src))
	for k, vs := range src {
		if _, strip := requestHeadersToStrip[http.CanonicalHeaderKey(k)]; strip {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
		if len(vs) > 0 {
			existing[http.CanonicalHeaderKey(k)] = vs[0]
		}
	}
	for k, v := range nc.UpstreamHeaders(existing) {
		req.Header.Set(k, v)
	}
}

func copyResponseHeaders(c *gin.Context, src http.Header) {
	for k, vs := range src {
		if _, strip := responseHeadersToStrip[http.CanonicalHeaderKey(k)]; strip {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
}

// streamResponse forwards a text/event-stream body chunk by chunk, in
// arrival order, flushing after every write so a client sees tokens as
// they are produced rather than buffered. release runs exactly once, on
// whichever path ends the stream: clean EOF, read error, or client
// disconnect (ctx.Done()).
func (d *Dispatcher) streamResponse(c *gin.Context, resp *http.Response, release func(), reqLogger *logging.Logger) {
	defer release()

	c.Status(resp.StatusCode)
	flusher, canFlush := c.Writer.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		default:
		}

		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				reqLogger.Warn("stream read error", "error", err.Error())
			}
			return
		}
	}
}

func (d *Dispatcher) finishError(c *gin.Context, nc gwconfig.NodeConfig, path string, state *registry.NodeState, release func(), reqLogger *logging.Logger, err error) {
	release()
	state.RecordFailure()

	kind, _ := gwerrors.KindOf(err)
	label := "error"
	if kind == gwerrors.KindUpstreamTimeout {
		label = "timeout"
	}
	d.metrics.RecordRequestWithLabel(c.Request.Method, path, nc.Name, label)

	reqLogger.Error("upstream request failed", "node", nc.Name, "path", path, "error", err.Error())
	d.writeError(c, err)
}

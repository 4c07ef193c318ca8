// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics provides the gateway's OpenTelemetry instrumentation:
// request counters and duration histograms per (method, endpoint, node,
// status), and gauges for active connections and node health, matching
// spec.md §4.8. Instruments are created against an OTel MeterProvider
// whose reader is the otel/exporters/prometheus bridge, so the same
// series are scraped through the existing prometheus.Registerer-backed
// /metrics endpoint without the gateway importing client_golang directly
// for instrument creation.
package metrics

import (
	"context"
	"strconv"
	"sync"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	meterName = "ollama-gateway/dispatch"
	namespace = "ollama_gateway"
)

// gaugeKey identifies one label tuple of an observable gauge.
type gaugeKey string

// Metrics holds every OpenTelemetry instrument the gateway records against,
// plus the MeterProvider backing them. Construct once via New and hand the
// instance to the Dispatcher, which records requests, durations, and active
// connections against it.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	mu                sync.Mutex
	activeConnections map[gaugeKey]int64
	nodeHealth        map[gaugeKey]float64
	nodeWeight        map[gaugeKey]float64
}

// New builds an OTel MeterProvider backed by the Prometheus exporter bridge
// registered against reg, and returns the gateway's instrument set. Pass
// prometheus.DefaultRegisterer for normal operation; tests pass a fresh
// prometheus.NewRegistry() so repeated New() calls don't panic on duplicate
// registration.
//
// The Prometheus registerer itself still backs /metrics via promhttp.Handler
// in gwhttp's router, unchanged by this package's switch to OTel instruments.
func New(reg prometheus.Registerer) *Metrics {
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithNamespace(namespace),
		otelprom.WithoutCounterSuffixes(),
	)
	if err != nil {
		// otelprom.New only fails on duplicate instrument registration
		// against the same registerer, which New's callers avoid by
		// calling New at most once per registerer; panicking here would hide a
		// programming error rather than a runtime condition.
		panic("metrics: building prometheus exporter: " + err.Error())
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{
		provider:          provider,
		activeConnections: make(map[gaugeKey]int64),
		nodeHealth:        make(map[gaugeKey]float64),
		nodeWeight:        make(map[gaugeKey]float64),
	}

	m.requestsTotal, err = meter.Int64Counter(
		"dispatch_requests_total",
		metric.WithDescription("Total proxied requests by method, endpoint, node, and status"),
	)
	if err != nil {
		panic("metrics: creating requests_total counter: " + err.Error())
	}

	m.requestDuration, err = meter.Float64Histogram(
		"dispatch_request_duration_seconds",
		metric.WithDescription("Proxied request duration in seconds by method, endpoint, and node"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		panic("metrics: creating request_duration histogram: " + err.Error())
	}

	activeConnGauge, err := meter.Int64ObservableGauge(
		"dispatch_active_connections",
		metric.WithDescription("Current in-flight proxied requests per node"),
	)
	if err != nil {
		panic("metrics: creating active_connections gauge: " + err.Error())
	}
	nodeHealthGauge, err := meter.Float64ObservableGauge(
		"dispatch_node_health",
		metric.WithDescription("1 if the node's last health check succeeded, else 0"),
	)
	if err != nil {
		panic("metrics: creating node_health gauge: " + err.Error())
	}
	nodeWeightGauge, err := meter.Float64ObservableGauge(
		"dispatch_node_weight",
		metric.WithDescription("Configured static weight for weighted_round_robin"),
	)
	if err != nil {
		panic("metrics: creating node_weight gauge: " + err.Error())
	}

	_, err = meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for node, v := range m.activeConnections {
				o.ObserveInt64(activeConnGauge, v, metric.WithAttributes(attribute.String("node", string(node))))
			}
			for node, v := range m.nodeHealth {
				o.ObserveFloat64(nodeHealthGauge, v, metric.WithAttributes(attribute.String("node", string(node))))
			}
			for node, v := range m.nodeWeight {
				o.ObserveFloat64(nodeWeightGauge, v, metric.WithAttributes(attribute.String("node", string(node))))
			}
			return nil
		},
		activeConnGauge, nodeHealthGauge, nodeWeightGauge,
	)
	if err != nil {
		panic("metrics: registering gauge callback: " + err.Error())
	}

	return m
}

// RecordRequest records one completed proxied request.
func (m *Metrics) RecordRequest(method, endpoint, node string, status int) {
	m.RecordRequestWithLabel(method, endpoint, node, strconv.Itoa(status))
}

// RecordRequestWithLabel records one completed request whose status is a
// non-numeric label (e.g. "timeout"), matching the original gateway's use
// of a status label for transport-level failures.
func (m *Metrics) RecordRequestWithLabel(method, endpoint, node, status string) {
	m.requestsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.String("node", node),
		attribute.String("status", status),
	))
}

// RecordDuration records one request's duration.
func (m *Metrics) RecordDuration(method, endpoint, node string, seconds float64) {
	m.requestDuration.Record(context.Background(), seconds, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.String("node", node),
	))
}

// SetActiveConnections publishes the current active-connection count for a
// node.
func (m *Metrics) SetActiveConnections(node string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections[gaugeKey(node)] = count
}

// SetNodeHealth publishes a node's health as 1 (healthy) or 0 (unhealthy).
func (m *Metrics) SetNodeHealth(node string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeHealth[gaugeKey(node)] = v
}

// SetNodeWeight publishes a node's configured static weight.
func (m *Metrics) SetNodeWeight(node string, weight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeWeight[gaugeKey(node)] = weight
}

// Shutdown flushes and releases the underlying MeterProvider. Call once
// during process teardown, after the HTTP server has stopped accepting
// /metrics scrapes.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

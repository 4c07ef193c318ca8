// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// initTracing installs a process-wide TracerProvider tagged with
// serviceName, so every otel.Tracer(...) call in the gateway (otelgin's
// request span, the Dispatcher's per-proxy span) shares one resource
// identity. Unlike the teacher's services, which ship an OTLP exporter
// wired to a collector sidecar, the gateway has no required collector
// dependency: spans are created and sampled, ready for an exporter to be
// attached via sdktrace.WithBatcher when one is deployed alongside it.
func initTracing(serviceName string) func(context.Context) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}

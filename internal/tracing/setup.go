// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires ambient observability: OpenTelemetry metrics exported
// via Prometheus, and correlation-ID propagation across the control-plane API.
package tracing

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func promHandler() http.Handler {
	return promhttp.Handler()
}

// Provider bundles a meter provider with its Prometheus HTTP handler and
// a pre-built MetricsCollector for the extraction pipeline's instruments.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Collector     *MetricsCollector
	handler       http.Handler
}

// NewProvider builds a Prometheus-backed meter provider and registers the
// extraction pipeline's instruments against it. Unlike the teacher's full
// tracing setup this does not stand up a span TracerProvider: the pipeline
// exposes metrics and structured logs, not distributed traces.
func NewProvider() (*Provider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	collector, err := NewMetricsCollector(mp)
	if err != nil {
		return nil, err
	}

	return &Provider{
		MeterProvider: mp,
		Collector:     collector,
		handler:       promHandler(),
	}, nil
}

// Meter returns a named meter from the underlying provider, for components
// that record instruments outside of MetricsCollector.
func (p *Provider) Meter(name string) metric.Meter {
	return p.MeterProvider.Meter(name)
}

// Handler returns the HTTP handler that serves /metrics in Prometheus
// exposition format.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}

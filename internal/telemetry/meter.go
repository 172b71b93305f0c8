package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// DefaultServiceName is reported as service.name on every metric.
const DefaultServiceName = "offsync"

// Provider bundles a meter provider with the HTTP handler exposing it.
type Provider struct {
	metric.MeterProvider

	handler  http.Handler
	shutdown func(context.Context) error
}

// Handler serves the Prometheus text exposition. Returns 404 when metrics
// are disabled.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// NewPrometheusProvider creates a meter provider backed by a Prometheus
// exporter on a private registry. If enabled is false a no-op provider is
// returned.
func NewPrometheusProvider(enabled bool, serviceVersion string) (*Provider, error) {
	if !enabled {
		slog.Info("Metrics disabled, using no-op meter provider")
		return &Provider{
			MeterProvider: noop.NewMeterProvider(),
			handler:       http.NotFoundHandler(),
		}, nil
	}

	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", DefaultServiceName),
		attribute.String("service.version", serviceVersion),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	return &Provider{
		MeterProvider: mp,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		shutdown:      mp.Shutdown,
	}, nil
}

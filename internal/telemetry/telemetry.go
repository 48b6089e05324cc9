// Package telemetry provides OpenTelemetry metrics for tracegraph.
//
// The Telemetry handle is constructed once in main and passed to every
// component that records measurements. There is deliberately no
// process-wide singleton: components receive the handle (or a nil-safe
// Metrics set) by injection.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config holds telemetry configuration.
type Config struct {
	// Enabled turns metric collection on. When false all instruments
	// are no-ops.
	Enabled bool `koanf:"enabled"`

	// ServiceName reported in the otel resource.
	ServiceName string `koanf:"service_name"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "tracegraph"
	}
}

// Telemetry owns the meter provider lifecycle.
type Telemetry struct {
	config        Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
}

// New creates a Telemetry instance. When disabled, the returned
// instance hands out no-op meters and Shutdown is a no-op.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	cfg.ApplyDefaults()
	t := &Telemetry{config: cfg}

	if !cfg.Enabled {
		t.meter = noop.NewMeterProvider().Meter("tracegraph")
		return t, nil
	}

	// Standalone resource to avoid schema URL conflicts with
	// resource.Default(), which may use a different semconv version.
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	)

	t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	t.meter = t.meterProvider.Meter("tracegraph")
	return t, nil
}

// Meter returns the service meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// Shutdown flushes and stops the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.meterProvider == nil {
		return nil
	}
	return t.meterProvider.Shutdown(ctx)
}

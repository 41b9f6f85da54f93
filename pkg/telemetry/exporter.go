package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics installs a metrics-only pipeline: a Prometheus pull exporter
// behind the global meter provider, with the reconciler instruments
// registered on it. The daemon boots through this path; Setup is the full
// pipeline with traces and logs on top.
func InitMetrics() error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	if err := GetGlobalMetrics().InitMetrics(provider.Meter("exec_reconciler_core")); err != nil {
		return fmt.Errorf("failed to register instruments: %w", err)
	}
	return nil
}

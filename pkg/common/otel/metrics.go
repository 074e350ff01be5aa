package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// GetMeterProvider returns the globally registered meter provider set up by
// InitTelemetry.
func GetMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

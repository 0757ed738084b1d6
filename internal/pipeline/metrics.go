package pipeline

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/sreeram77/energy-core/pipeline"

// pipelineMetrics holds all metrics for the pipeline
type pipelineMetrics struct {
	readings      metric.Int64Counter
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	errors        metric.Int64Counter
	devices       metric.Int64UpDownCounter
}

func newPipelineMetrics() pipelineMetrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	readings, _ := meter.Int64Counter(
		"pipeline_readings_total",
		metric.WithDescription("Total number of readings accepted"),
	)
	cycles, _ := meter.Int64Counter(
		"pipeline_cycles_total",
		metric.WithDescription("Total number of processing cycles by outcome"),
	)
	cycleDuration, _ := meter.Float64Histogram(
		"pipeline_cycle_duration_seconds",
		metric.WithDescription("Time taken by one processing cycle"),
		metric.WithUnit("s"),
	)
	errors, _ := meter.Int64Counter(
		"pipeline_errors_total",
		metric.WithDescription("Total number of failed cycles by error kind"),
	)
	devices, _ := meter.Int64UpDownCounter(
		"pipeline_devices",
		metric.WithDescription("Number of registered devices"),
	)

	return pipelineMetrics{
		readings:      readings,
		cycles:        cycles,
		cycleDuration: cycleDuration,
		errors:        errors,
		devices:       devices,
	}
}

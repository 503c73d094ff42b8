// Package telemetry exposes pipeline metrics through OpenTelemetry with a
// Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const (
	meterName = "github.com/book-expert/voice-clone-service"

	outcomeSuccess = "success"
)

// Instrument names.
const (
	MetricStageOutcomes = "voice.stage.outcomes"
	MetricStageDuration = "voice.stage.duration"
	MetricResourceLoads = "voice.resource.loads"
)

// Telemetry owns the meter provider and the /metrics handler.
type Telemetry struct {
	Provider *sdkmetric.MeterProvider
	Handler  http.Handler
	Recorder *Recorder
}

// Setup builds a meter provider that serves its metrics in the Prometheus
// text format.
func Setup(ctx context.Context, serviceName, role string) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("service.role", role),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	recorder, err := NewRecorder(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Provider: provider,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Recorder: recorder,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := t.Provider.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shut down meter provider: %w", err)
	}

	return nil
}

// Recorder records pipeline events. A nil *Recorder discards everything.
type Recorder struct {
	stageOutcomes metric.Int64Counter
	stageDuration metric.Float64Histogram
	resourceLoads metric.Int64Counter
}

// NewRecorder creates the pipeline instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	stageOutcomes, err := meter.Int64Counter(MetricStageOutcomes,
		metric.WithDescription("Executed stage tasks by stage and outcome."))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricStageOutcomes, err)
	}

	stageDuration, err := meter.Float64Histogram(MetricStageDuration,
		metric.WithDescription("Wall time of executed stage tasks."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricStageDuration, err)
	}

	resourceLoads, err := meter.Int64Counter(MetricResourceLoads,
		metric.WithDescription("Synthesis resource loads by kind and outcome."))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricResourceLoads, err)
	}

	return &Recorder{
		stageOutcomes: stageOutcomes,
		stageDuration: stageDuration,
		resourceLoads: resourceLoads,
	}, nil
}

// StageCompleted records one executed stage. An empty errorKind is a success.
func (r *Recorder) StageCompleted(ctx context.Context, stage string, errorKind string, elapsed time.Duration) {
	if r == nil {
		return
	}

	outcome := errorKind
	if outcome == "" {
		outcome = outcomeSuccess
	}

	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	)

	r.stageOutcomes.Add(ctx, 1, attrs)
	r.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// ResourceLoaded records one model cache load. Only the kind part of the
// cache key is kept; checkpoint paths would explode the label space.
func (r *Recorder) ResourceLoaded(ctx context.Context, key string, err error) {
	if r == nil {
		return
	}

	kind, _, _ := strings.Cut(key, ":")

	outcome := outcomeSuccess
	if err != nil {
		outcome = "error"
	}

	r.resourceLoads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

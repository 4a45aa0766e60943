// Package telemetry installs the OpenTelemetry tracer and meter providers and
// owns the request metrics.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/tahcohcat/longform-tts/config"
	"github.com/tahcohcat/longform-tts/internal/logger"
)

type Telemetry struct {
	Metrics *Metrics
	// Handler serves the Prometheus scrape endpoint.
	Handler  http.Handler
	shutdown []func(context.Context) error
}

// Setup always installs metrics. Tracing is only exported when enabled.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{}

	if cfg.Enabled {
		tp, err := initTracer(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
	}

	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	t.shutdown = append(t.shutdown, mp.Shutdown)
	t.Handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	t.Metrics, err = NewMetrics(mp.Meter("github.com/tahcohcat/longform-tts"))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	log := logger.New()
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		log.Info("tracing to otlp endpoint " + endpoint)
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	log.Info("tracing to stdout")
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
}

// Metrics records one observation per finished request.
type Metrics struct {
	requests metric.Int64Counter
	chunks   metric.Int64Counter
	duration metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter("tts.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter("tts.chunks",
		metric.WithDescription("Chunks synthesized as part of successful requests"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("tts.request.duration",
		metric.WithDescription("End-to-end request latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{requests: requests, chunks: chunks, duration: duration}, nil
}

// Record is safe on a nil receiver.
func (m *Metrics) Record(ctx context.Context, status string, chunks int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if chunks > 0 {
		m.chunks.Add(ctx, int64(chunks))
	}
}

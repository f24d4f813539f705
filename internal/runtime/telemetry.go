package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/narravox/narravox-core/internal/config"
)

// setupTelemetry wires the global trace and meter providers. Spans go to an
// OTLP collector when one is configured and to stdout otherwise; metrics are
// exposed through the returned Prometheus scrape handler, which is nil when
// the exporter cannot be built.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	spanExporter, exporterName, err := newTraceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("build trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	var scrape http.Handler
	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}
	promExporter, err := prometheus.New()
	if err != nil {
		// Traces still work; run the meter provider without a reader.
		logger.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
	} else {
		readers = append(readers, sdkmetric.WithReader(promExporter))
		scrape = promhttp.Handler()
	}
	meterProvider := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(meterProvider)

	logger.Info("telemetry ready",
		slog.String("traces", exporterName),
		slog.Bool("prometheus", scrape != nil))

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
	}
	return shutdown, scrape, nil
}

func newTraceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, "stdout", err
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	return exp, "otlp:" + endpoint, err
}

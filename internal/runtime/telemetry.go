package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-sense/internal/config"
	"github.com/loqalabs/loqa-sense/internal/session"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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
)

const metricsNamespace = "loqa_sense"

// Span exporters selectable through telemetry.traces_exporter.
const (
	tracesAuto   = "auto"
	tracesOTLP   = "otlp"
	tracesStdout = "stdout"
	tracesNone   = "none"
)

type telemetry struct {
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	registry *promclient.Registry
	exporter string
}

// setupTelemetry installs the global tracer and meter providers. Session metrics
// are served from a registry private to this daemon so the handler only exposes
// what the sensing runtime records.
func setupTelemetry(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	t, err := newTelemetry(ctx, cfg, version)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(t.tracer)
	otel.SetMeterProvider(t.meter)
	logger.Info("telemetry initialized",
		slog.String("traces", t.exporter),
		slog.Any("modalities", enabledModalities(cfg)),
	)
	return t.shutdown, t.handler(), nil
}

func newTelemetry(ctx context.Context, cfg config.Config, version string) (*telemetry, error) {
	res, err := senseResource(ctx, cfg, version)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	name := traceExporterName(cfg.Telemetry)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))),
	}
	exporter, err := spanExporter(ctx, name, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("%s span exporter: %w", name, err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: metricsNamespace}),
	)
	reader, err := prometheus.New(
		prometheus.WithRegisterer(registry),
		prometheus.WithNamespace(metricsNamespace),
	)
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	return &telemetry{
		tracer:   sdktrace.NewTracerProvider(opts...),
		meter:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)),
		registry: registry,
		exporter: name,
	}, nil
}

func (t *telemetry) handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}

// senseResource describes this daemon: which node it runs on, which recognizers it
// drives and where their frames come from.
func senseResource(ctx context.Context, cfg config.Config, version string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(version),
			semconv.ServiceInstanceID(cfg.Node.ID),
			semconv.DeploymentEnvironmentName(cfg.Environment),
			attribute.String("loqa.node.role", cfg.Node.Role),
			attribute.StringSlice("loqa.sense.modalities", enabledModalities(cfg)),
			attribute.String("loqa.sense.capture_mode", cfg.Capture.Mode),
		),
	)
}

func enabledModalities(cfg config.Config) []string {
	var out []string
	for _, m := range session.Modalities {
		if sessionConfigFor(cfg, m).Enabled {
			out = append(out, string(m))
		}
	}
	return out
}

// traceExporterName resolves "auto": OTLP when an endpoint is configured, stdout at
// debug level, otherwise spans are sampled but never exported.
func traceExporterName(tc config.TelemetryConfig) string {
	name := strings.ToLower(strings.TrimSpace(tc.TracesExporter))
	if name != "" && name != tracesAuto {
		return name
	}
	switch {
	case strings.TrimSpace(tc.OTLPEndpoint) != "":
		return tracesOTLP
	case strings.EqualFold(tc.LogLevel, "debug"):
		return tracesStdout
	default:
		return tracesNone
	}
}

func spanExporter(ctx context.Context, name string, tc config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch name {
	case tracesOTLP:
		endpoint := strings.TrimSpace(tc.OTLPEndpoint)
		if endpoint == "" {
			return nil, errors.New("telemetry.otlp_endpoint is required")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if tc.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case tracesStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case tracesNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q", name)
	}
}

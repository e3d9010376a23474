// ABOUTME: OpenTelemetry tracing setup for the gateway.
// ABOUTME: Installs the global tracer provider and wraps HTTP handlers and clients.

package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"

	"github.com/2389/koine-gateway/internal/config"
)

const defaultServiceName = "koine-gateway"

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs a global tracer provider according to cfg. When telemetry is
// disabled the global no-op provider stays in place. Spans are exported over
// OTLP/HTTP when an endpoint is configured; an exporter that cannot be built
// is logged and tracing continues without export.
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name))

	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(sampler(cfg.SampleRatio)),
	}

	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporterOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithTimeout(5 * time.Second),
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		if headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
			exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(headers))
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			logger.Warn("otel exporter disabled", "endpoint", endpoint, "error", err)
		} else {
			opts = append(opts, trace.WithBatcher(exporter))
		}
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	logger.Info("tracing enabled", "service", name, "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) trace.Sampler {
	ratio = max(0, min(1, ratio))
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = defaultServiceName
	}
	return otelhttp.NewMiddleware(operation)
}

// InstrumentClient wraps an HTTP client's transport so outbound requests
// carry trace context.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for part := range strings.SplitSeq(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

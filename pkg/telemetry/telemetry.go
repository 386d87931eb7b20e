// Package telemetry sets up OpenTelemetry tracing for task runs. When tracing
// is disabled the global no-op provider stays in place and spans cost nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used by the agent packages.
const InstrumentationName = "devopsagent"

const defaultEndpoint = "http://127.0.0.1:4318"

// Config controls telemetry initialization.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Insecure       bool
}

// ShutdownFunc flushes and stops the provider installed by Init.
type ShutdownFunc func(context.Context) error

// Init installs a global TracerProvider exporting over OTLP/HTTP.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name required")
	}

	endpoint, insecure, err := parseEndpoint(cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure || insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp, err := newTracerProvider(exporter, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// parseEndpoint accepts "http://host:port", "https://host:port" or a bare
// "host:port". Plain http implies an insecure exporter.
func parseEndpoint(raw string) (endpoint string, insecure bool, err error) {
	if raw == "" {
		raw = defaultEndpoint
	}
	if !strings.Contains(raw, "://") {
		return raw, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("invalid otlp endpoint %q", raw)
	}
	return u.Host, u.Scheme == "http", nil
}

func newTracerProvider(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	), nil
}

// Tracer returns the agent tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Attribute keys shared by spans across packages.
const (
	AttrTaskID  = attribute.Key("devops.task_id")
	AttrRepo    = attribute.Key("devops.repo")
	AttrStepID  = attribute.Key("devops.step_id")
	AttrCommand = attribute.Key("devops.command")
	AttrStatus  = attribute.Key("devops.status")
)

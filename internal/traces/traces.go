// Package traces provides OpenTelemetry tracing for settlement operations.
package traces

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/dog-best/meta-sub000"
	serviceName = "escrow-settlement"
)

// Init initializes the OpenTelemetry tracer provider.
// If otlpEndpoint is empty, the global no-op provider stays in place.
// Returns a shutdown function that should be called on server stop.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTLP endpoint configured)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on the span (if any) and ends it. Domain state errors
// such as version conflicts are expected outcomes and are recorded as
// events, not span errors.
func End(span trace.Span, err error, expected ...error) {
	defer span.End()
	if err == nil {
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			span.AddEvent("rejected", trace.WithAttributes(attribute.String("reason", err.Error())))
			return
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute helpers for consistent span decoration.

func OrderID(id string) attribute.KeyValue {
	return attribute.String("order.id", id)
}

func Status(s string) attribute.KeyValue {
	return attribute.String("order.status", s)
}

func Version(v int64) attribute.KeyValue {
	return attribute.Int64("order.version", v)
}

func Currency(c string) attribute.KeyValue {
	return attribute.String("order.currency", c)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}

func IntentType(t string) attribute.KeyValue {
	return attribute.String("crypto.intent_type", t)
}

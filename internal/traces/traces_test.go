package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var errExpected = errors.New("expected")

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEnd_RecordsUnexpectedErrors(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartSpan(context.Background(), "op", OrderID("ord_1"), Version(2))
	End(span, errors.New("db down"), errExpected)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestEnd_ExpectedErrorsAreEvents(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartSpan(context.Background(), "op")
	End(span, errExpected, errExpected)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "rejected", spans[0].Events()[0].Name)
}

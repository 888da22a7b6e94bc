package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEnd_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := tp.Tracer(tracerName)
	ctx := context.Background()

	_, failed := tracer.Start(ctx, "failed")
	End(failed, errors.New("rpc down"))

	_, cancelled := tracer.Start(ctx, "cancelled")
	End(cancelled, context.Canceled)

	_, clean := tracer.Start(ctx, "clean")
	End(clean, nil)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Len(t, spans[1].Events(), 1)
	assert.Equal(t, codes.Unset, spans[2].Status().Code)
	assert.Empty(t, spans[2].Events())
}

func TestSampler_Ratio(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestStartSpan_WithAttributes(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", TxnID("txn_1"), Amount(5), RunType("auto_release"))
	defer span.End()
	assert.NotNil(t, ctx)
}

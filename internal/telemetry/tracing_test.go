package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/upload-progress/internal/config"
)

func TestInitTracing(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracing(ctx, config.TelemetryConfig{ServiceName: "upload-progress", Version: "test", SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	recorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(recorder)

	_, span := otel.Tracer("test").Start(ctx, "work")
	require.True(t, span.SpanContext().IsSampled())
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "work", ended[0].Name())

	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	require.Equal(t, "upload-progress", service)
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitTracingZeroRatioDropsRootSpans(t *testing.T) {
	tp, err := InitTracing(context.Background(), config.TelemetryConfig{ServiceName: "upload-progress", SampleRatio: 0})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, span := tp.Tracer("test").Start(context.Background(), "work")
	defer span.End()
	require.False(t, span.SpanContext().IsSampled())
}

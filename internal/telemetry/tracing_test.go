package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsAndPropagates(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "test", SampleRatio: 1}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := Tracer().Start(context.Background(), "unit")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()

	assert.NotEmpty(t, carrier.Get("traceparent"))
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "unit", spans[0].Name())
}

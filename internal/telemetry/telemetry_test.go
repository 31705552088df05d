package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/casualjim/parley/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_None(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Exporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), config.TracingConfig{Exporter: "stdout", ServiceName: "parley-test"}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "turn.run")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "turn.run")
	assert.Contains(t, buf.String(), "parley-test")
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Exporter: "zipkin"})
	assert.ErrorContains(t, err, "unknown trace exporter")
}

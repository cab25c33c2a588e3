package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate(), "disabled config is always valid")

	cfg.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.Protocol = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 2
	assert.Error(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	degraded, lastErr := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, lastErr)

	// No-op tracer and meter still work.
	_, span := tel.Tracer("test").Start(context.Background(), "noop")
	span.End()
	_, err = tel.Meter("test").Int64Counter("noop_total")
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsSpansAndCounters(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("orchestrd/test").Start(ctx, "unit.work")
	span.SetAttributes(attribute.String("phase", "SPEC"), attribute.Int("artifacts", 3))
	span.End()

	tt.AssertSpanExists(t, "unit.work")
	tt.AssertSpanAttribute(t, "unit.work", "phase", "SPEC")
	tt.AssertSpanAttribute(t, "unit.work", "artifacts", int64(3))

	counter, err := tt.Meter("orchestrd/test").Int64Counter("unit_total")
	require.NoError(t, err)
	counter.Add(ctx, 2)
	counter.Add(ctx, 5)
	assert.Equal(t, int64(7), tt.CounterValue(t, "unit_total"))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.example.com:4318", stripScheme("https://otel.example.com:4318"))
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}

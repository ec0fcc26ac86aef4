package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentorch/config"
)

// saveAndRestoreGlobalProviders snapshots the current global OTel providers
// and restores them via t.Cleanup so tests don't leak state.
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "agentorch-test"
	cfg.SampleRate = 0.5

	p, err := Init(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Enabled())

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)

	// No collector is running; only check that shutdown returns in time.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_Shutdown_Nil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Enabled())
}

func TestBuildVersion(t *testing.T) {
	// Test binaries report "(devel)", which falls back to "dev".
	assert.Equal(t, "dev", buildVersion())
}

func TestAttemptAttributes(t *testing.T) {
	attrs := attribute.NewSet(AttemptAttributes("writer", "t-1", 2, "durable")...)

	v, ok := attrs.Value(AgentIDKey)
	require.True(t, ok)
	assert.Equal(t, "writer", v.AsString())
	v, _ = attrs.Value(TaskIDKey)
	assert.Equal(t, "t-1", v.AsString())
	v, _ = attrs.Value(AttemptKey)
	assert.Equal(t, int64(2), v.AsInt64())
	v, _ = attrs.Value(BackendKey)
	assert.Equal(t, "durable", v.AsString())
}

func TestExecuteAndActivityAttributes_OmitEmpty(t *testing.T) {
	exec := attribute.NewSet(ExecuteAttributes("PARALLEL", "", 3)...)
	_, ok := exec.Value(ConversationIDKey)
	assert.False(t, ok)
	v, _ := exec.Value(CandidatesKey)
	assert.Equal(t, int64(3), v.AsInt64())

	act := attribute.NewSet(ActivityAttributes("agent writer", "")...)
	_, ok = act.Value(ActivityKeyKey)
	assert.False(t, ok)
}

func TestFail_RecordsErrorStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()
	_, failed := tp.Tracer("test").Start(context.Background(), "failed")
	Fail(failed, errors.New("delegate rejected"))
	failed.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "delegate rejected", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
}

package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seenimoa/openvalue/internal/config"
)

func TestStartSpanDisabled(t *testing.T) {
	require.NoError(t, Init(config.TracingConfig{Enabled: false}))
	assert.False(t, Enabled())

	ctx := context.Background()
	got, span := StartSpan(ctx, "noop", attribute.String("ticker", "AAPL"))
	assert.Equal(t, ctx, got)
	assert.False(t, span.SpanContext().IsValid())

	// Fail must tolerate the non-recording span.
	Fail(span, errors.New("boom"))
	span.End()
}

func TestStartSpanEnabled(t *testing.T) {
	require.NoError(t, Init(config.TracingConfig{Enabled: true, ServiceName: "openvalue-test"}))
	t.Cleanup(func() { _ = Shutdown(context.Background()) })
	assert.True(t, Enabled())

	ctx, span := StartSpan(context.Background(), "valuation.test")
	assert.True(t, span.SpanContext().IsValid())

	_, child := StartSpan(ctx, "valuation.child")
	assert.Equal(t, span.SpanContext().TraceID(), child.SpanContext().TraceID())
	child.End()
	span.End()

	require.NoError(t, Shutdown(context.Background()))
	assert.False(t, Enabled())
}

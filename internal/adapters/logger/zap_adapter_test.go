package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/event-context-agent/pkg/contextkeys"
)

func TestZapAdapter_LiftsContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	ctx := context.WithValue(context.Background(), contextkeys.RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, contextkeys.EventIDKey, "E1")
	l.Info(ctx, "role resolved", "role", "HoD")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "E1", fields["event_id"])
	assert.Equal(t, "HoD", fields["role"])
}

func TestZapAdapter_WithAndOddFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core)).With("component", "resolver")

	l.Warn(context.Background(), "odd", "key")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "resolver", fields["component"])
	assert.Equal(t, "key", fields["orphan_field"])
}

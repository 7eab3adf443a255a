package logger

import (
	"context"
	"testing"

	"github.com/collidesec/collide/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNewConsoleFormat(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "info", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(config.LoggerConfig{Level: "shouting", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestWithComponent(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	child := log.WithComponent("engine")
	require.NotNil(t, child)
	assert.NotSame(t, log, child)
}

func TestContextRoundTrip(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	ctx := WithLogger(context.Background(), log)
	got := FromContext(ctx)
	assert.Same(t, log, got)
}

func TestFromContextFallback(t *testing.T) {
	got := FromContext(context.Background())
	require.NotNil(t, got, "missing logger falls back to a default")
}

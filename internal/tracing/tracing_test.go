package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithDisabledConfigReturnsNoopTracer(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.False(t, IsEnabled())

	ctx, span := StartSpan(context.Background(), "test.span")
	defer span.End()
	assert.NotNil(t, ctx)

	require.NoError(t, shutdown(context.Background()))
}

func TestInitProfilingWithDisabledConfigReturnsNoop(t *testing.T) {
	shutdown, err := InitProfiling(ProfilingConfig{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown())
}

func TestNilRuntimeMetricsMethodsAreNoops(t *testing.T) {
	var m *RuntimeMetrics
	m.SetEventsPending(5)
	m.SetPoolLive(3)
	m.AddPoolAllocs(1)
	m.AddPoolFrees(1)
	m.SetCurrentEpoch(0, 2)
}

func TestNewRuntimeMetricsRegistersGaugesWhenEnabled(t *testing.T) {
	InitRegistry()
	require.True(t, IsMetricsEnabled())

	m := NewRuntimeMetrics(0)
	require.NotNil(t, m)
	m.SetEventsPending(7)
	m.SetCurrentEpoch(0, 3)
}

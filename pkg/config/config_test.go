package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFileReturnsValidatedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "loopback", cfg.Transport.Kind)
	assert.Equal(t, 3, cfg.Location.CacheHopLimit)
	require.NoError(t, Validate(cfg))
}

func TestLoadFromYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vt.yaml")
	require.NoError(t, Save(&Config{
		Logging:   LoggingConfig{Level: "DEBUG", Format: "json", Output: "stdout"},
		Transport: TransportConfig{Kind: "grpc", Ranks: 4},
		Location:  LocationConfig{CacheHopLimit: 1, MaxHops: 5},
		LoadBalancer: LoadBalancerConfig{Strategy: "round_robin"},
	}, path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "grpc", cfg.Transport.Kind)
	assert.Equal(t, 4, cfg.Transport.Ranks)
	assert.Equal(t, "round_robin", cfg.LoadBalancer.Strategy)
}

func TestValidateRejectsUnknownTransportKind(t *testing.T) {
	cfg := defaultConfig()
	cfg.Transport.Kind = "carrier-pigeon"
	assert.Error(t, Validate(cfg))
}

func TestValidateRequiresLocationHopBudget(t *testing.T) {
	cfg := defaultConfig()
	cfg.Location.MaxHops = 0
	assert.Error(t, Validate(cfg))
}

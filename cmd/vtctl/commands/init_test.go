package commands

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-hpc/vt/pkg/config"
)

func TestRunInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vt.yaml")
	initRanks = 4
	initTransport = "loopback"

	require.NoError(t, runInit(initCmd, []string{path}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "loopback", cfg.Transport.Kind)
	assert.Equal(t, 4, cfg.Transport.Ranks)
}

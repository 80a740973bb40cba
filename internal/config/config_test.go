package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8585", cfg.Network.Addr())
	assert.Equal(t, 4096, cfg.Network.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.Network.IdleTimeout)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequencer.yaml")
	data := []byte(`
network:
  port: 9000
  idle_timeout: 45s
batch:
  max_size: 2
  max_age: 1s
storage:
  driver: mongo
  mongo_uri: mongodb://db:27017
  mongo_db: chain
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Network.Port)
	assert.Equal(t, 45*time.Second, cfg.Network.IdleTimeout)
	assert.Equal(t, 2, cfg.Batch.MaxSize)
	assert.Equal(t, "mongo", cfg.Storage.Driver)
	// untouched sections keep their defaults
	assert.Equal(t, "ROMER", cfg.Session.CompID)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ROMER_PORT":          "7001",
		"ROMER_BATCH_MAX_AGE": "250ms",
		"ROMER_NATS_ENABLED":  "true",
		"ROMER_COMP_ID":       "SEQ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, 7001, cfg.Network.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.MaxAge)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "SEQ", cfg.Session.CompID)

	env["ROMER_PORT"] = "not-a-port"
	assert.Error(t, Default().applyEnv(lookup))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Network.Port = 0
	cfg.Batch.MaxSize = 0
	cfg.Storage.Driver = "sqlite"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network.port")
	assert.Contains(t, err.Error(), "batch.max_size")
	assert.Contains(t, err.Error(), "sqlite")
}

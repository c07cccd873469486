package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigAppliesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := DefaultConfig()
	cfg.Storage.Root = filepath.Join(dir, "jobs")
	require.NoError(t, cfg.SaveToFile(path))

	t.Setenv("JOBENGINE_SOFT_LIMIT", "3")
	t.Setenv("JOBENGINE_HARD_LIMIT", "9")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "jobs"), loaded.Storage.Root)
	assert.Equal(t, 3, loaded.Backpressure.SoftLimit)
	assert.Equal(t, 9, loaded.Backpressure.HardLimit)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "nonsense"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyFilesystemRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = BackendFilesystem
	cfg.Storage.Root = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsHardLimitBelowSoftLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backpressure.SoftLimit = 10
	cfg.Backpressure.HardLimit = 5
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, BackendFilesystem, cfg.Storage.Backend)
}

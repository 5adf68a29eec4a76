package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "8420", cfg.Port)
	assert.Equal(t, 7, cfg.BufferCapacity)
	assert.Equal(t, 50000, cfg.ConsolidationMemoryCap)
}

func TestLoadWithNoYamlUsesDefaults(t *testing.T) {
	os.Unsetenv("MEMORY_PORT")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Port, cfg.Port)
}

func TestLoadMissingYamlFileIsNotAnError(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	require.NoError(t, err)
}

func TestLoadYamlOverlayOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("port: \"9999\"\nbuffer_capacity: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 3, cfg.BufferCapacity)
}

func TestEnvVarWinsOverYamlOverlay(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("port: \"9999\"\n"), 0o644))

	os.Setenv("MEMORY_PORT", "7777")
	defer os.Unsetenv("MEMORY_PORT")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7777", cfg.Port)
}

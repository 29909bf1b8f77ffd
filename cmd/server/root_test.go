package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gjallarhorn/internal/config"
)

func TestLoadConfig_FlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gjallarhorn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: Arena\nport: 8080\noutput_path: /srv/out\n"), 0o644))
	t.Setenv(config.EnvPrefix+"LOG_LEVEL", "debug")

	opts := &rootOptions{}
	cmd := rootCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--port", "4000", "--dev"}))

	cfg, err := loadConfig(opts, cmd.Flags())
	require.NoError(t, err)

	assert.Equal(t, "Arena", cfg.Name)
	assert.Equal(t, 4000, cfg.Port, "flag beats file")
	assert.Equal(t, "/srv/out", cfg.OutputPath, "unset flag keeps the file value")
	assert.Equal(t, "debug", cfg.LogLevel, "unset flag keeps the env value")
	assert.True(t, cfg.Development)
}

func TestLoadConfig_ShortFlags(t *testing.T) {
	t.Setenv(config.EnvPrefix+"STARTGG", "from-env")

	opts := &rootOptions{}
	cmd := rootCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"-n", "Arena", "-H", "https://console.example", "-s", "from-flag"}))

	cfg, err := loadConfig(opts, cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, "Arena", cfg.Name)
	assert.Equal(t, "https://console.example", cfg.Host)
	assert.Equal(t, "from-flag", cfg.StartGGKey)
}

func TestLoadConfig_InvalidFlagFailsValidation(t *testing.T) {
	opts := &rootOptions{}
	cmd := rootCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "0"}))

	_, err := loadConfig(opts, cmd.Flags())
	assert.Error(t, err)
}

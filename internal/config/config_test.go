package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"MEDIASYNC_API_URL",
		"MEDIASYNC_API_TOKEN",
		"MEDIASYNC_WATCH_HOST",
		"MEDIASYNC_CONTAINER",
		"MEDIASYNC_STATE_DIR",
		"MEDIASYNC_ASSUME_YES",
		"DEVICE_NAME",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimumEnv sets the required env vars.
func setMinimumEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MEDIASYNC_API_URL", "https://catalog.example.com")
	t.Setenv("MEDIASYNC_API_TOKEN", "tok_abc123")
	t.Setenv("MEDIASYNC_STATE_DIR", t.TempDir())
}

// --- Load ---

func TestLoad_Minimum(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://catalog.example.com", cfg.APIBaseURL)
	assert.Equal(t, "tok_abc123", cfg.APIToken)
	assert.Equal(t, "replicas", cfg.Container, "default container")
	assert.False(t, cfg.AssumeYes)
}

func TestLoad_MissingAPIURL(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)
	os.Unsetenv("MEDIASYNC_API_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIASYNC_API_URL")
}

func TestLoad_MissingToken(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)
	os.Unsetenv("MEDIASYNC_API_TOKEN")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIASYNC_API_TOKEN")
}

func TestLoad_CustomContainer(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)
	t.Setenv("MEDIASYNC_CONTAINER", "photos/2026")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "photos/2026", cfg.Container)
}

func TestLoad_AssumeYes(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)
	t.Setenv("MEDIASYNC_ASSUME_YES", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AssumeYes)
}

// --- Defaults ---

func TestLoad_DefaultDeviceName(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mediasync"
	}

	assert.Equal(t, hostname, cfg.DeviceName)
}

func TestLoad_DefaultEnvironment(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoad_CustomEnvironment(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoad_WatchHostOptional(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "", cfg.WatchHost, "watch host defaults to the API host downstream")
}

// --- StateDir resolution ---

func TestLoad_ResolvesRelativeStateDir(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)
	t.Setenv("MEDIASYNC_STATE_DIR", "relative/state")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StateDir), "StateDir should be absolute, got: %s", cfg.StateDir)
	assert.Contains(t, cfg.StateDir, "relative/state")
}

func TestLoad_AbsoluteStateDirUnchanged(t *testing.T) {
	clearConfigEnv(t)
	setMinimumEnv(t)
	dir := t.TempDir()
	t.Setenv("MEDIASYNC_STATE_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.StateDir)
}

func TestDefaultStateDir(t *testing.T) {
	dir, err := DefaultStateDir()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))
	assert.Contains(t, dir, ".mediasync")
}

// --- IsProduction ---

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}

// --- validate ---

func TestValidate_AllPresent(t *testing.T) {
	cfg := &Config{
		APIBaseURL: "https://catalog.example.com",
		APIToken:   "tok",
		Container:  "replicas",
	}
	assert.NoError(t, cfg.validate())
}

func TestValidate_EmptyContainer(t *testing.T) {
	cfg := &Config{
		APIBaseURL: "https://catalog.example.com",
		APIToken:   "tok",
	}
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIASYNC_CONTAINER")
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "./data/cam.db", cfg.DatabasePath)
	assert.Equal(t, 90000, cfg.WorkerStaleTimeoutMS)
	assert.Equal(t, 30000, cfg.RecoveryIntervalMS)
	assert.Equal(t, 20, cfg.DispatchWindow)
	assert.Empty(t, cfg.AuthToken)
	assert.False(t, cfg.DisableVibecodingSync)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CAM_ADDR", ":9090")
	t.Setenv("DATABASE_PATH", "/tmp/other.db")
	t.Setenv("API_AUTH_TOKEN", "sekrit")
	t.Setenv("WORKER_STALE_TIMEOUT_MS", "120000")
	t.Setenv("CAM_GIT_PROVIDER", "gitlab")
	t.Setenv("CAM_DISABLE_VIBECODING_SYNC", "1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/tmp/other.db", cfg.DatabasePath)
	assert.Equal(t, "sekrit", cfg.AuthToken)
	assert.Equal(t, 120000, cfg.WorkerStaleTimeoutMS)
	assert.Equal(t, "gitlab", cfg.GitProvider)
	assert.True(t, cfg.DisableVibecodingSync)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7070\"\ndispatch_window: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, 5, cfg.DispatchWindow)
	// Untouched keys keep their defaults.
	assert.Equal(t, "./data/cam.db", cfg.DatabasePath)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7070\"\n"), 0o644))
	t.Setenv("CAM_ADDR", ":6060")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero stale timeout", func(c *Config) { c.WorkerStaleTimeoutMS = 0 }},
		{"negative recovery interval", func(c *Config) { c.RecoveryIntervalMS = -1 }},
		{"zero dispatch window", func(c *Config) { c.DispatchWindow = 0 }},
		{"unknown git provider", func(c *Config) { c.GitProvider = "sourcehut" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsKnownGitProviders(t *testing.T) {
	for _, provider := range []string{"", "github", "gitlab", "gitea"} {
		cfg := Default()
		cfg.GitProvider = provider
		assert.NoError(t, cfg.Validate(), "git_provider=%q", provider)
	}
}

func TestStaleTimeoutConversion(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "1m30s", cfg.WorkerStaleTimeout().String())
	assert.Equal(t, "30s", cfg.RecoveryInterval().String())
}

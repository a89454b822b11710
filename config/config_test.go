package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, DirName), 0o755))
	path := filepath.Join(dir, DirName, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigProjectOverridesUser(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvModel, "")
	t.Chdir(project)

	writeConfig(t, home, `
provider: anthropic
model: claude-sonnet-4-5
permission_timeout: 30s
domain_aware_tools: ["nav.*"]
`)
	writeConfig(t, project, `
model: claude-haiku-4-5
store:
  driver: sqlite
`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-haiku-4-5", cfg.Model)
	assert.Equal(t, 30*time.Second, cfg.PermissionTimeout)
	assert.Equal(t, []string{"nav.*"}, cfg.DomainAwareTools)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, filepath.Join(home, DirName, "store.db"), cfg.Store.Path)
}

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvModel, "")
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultPermissionTimeout, cfg.PermissionTimeout)
	assert.Equal(t, DefaultMaxTurns, cfg.MaxTurns)
	assert.Equal(t, DefaultDomainAwareTools, cfg.DomainAwareTools)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, filepath.Join(home, DirName, "store.json"), cfg.Store.Path)
	assert.Contains(t, cfg.LocalTools.FilesystemAccess.Hidden, DirName)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "provider: openai\nmodel: gpt-4o\n")

	t.Setenv(EnvProvider, "gemini")
	t.Setenv(EnvAPIKey, "secret")
	t.Setenv(EnvAuto, "true")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.True(t, cfg.AutoApprove)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "redis" }, wantErr: true},
		{name: "file without path", mutate: func(c *Config) { c.Store.Driver = "file" }, wantErr: true},
		{name: "mcp without command", mutate: func(c *Config) { c.MCPServers = []MCPServer{{Name: "x"}} }, wantErr: true},
		{name: "zero timeout is defaulted", mutate: func(c *Config) { c.PermissionTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultPermissionTimeout, cfg.PermissionTimeout)
		})
	}
}

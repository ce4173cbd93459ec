package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DBVC_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RoleClient, cfg.Role)
	assert.True(t, cfg.Apply.RestorePoints)
	assert.Equal(t, 10, cfg.Apply.RestoreRetention)
	assert.Equal(t, 25, cfg.Drift.MaxChanges)
	assert.Equal(t, 300*time.Second, cfg.Signing.Window)
	assert.Equal(t, 100, cfg.Packages.TimelineMax)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbvc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
role: mothership
mothership_uid: ms-1
apply:
  block_destructive: true
  restore_retention: 3
  policy_overrides:
    "option:blogname": ignore
packages:
  parse_mode: lenient
  backoff_base: 30s
signing:
  window: 2m
`), 0600))

	t.Setenv("DBVC_READ_ONLY", "true")
	t.Setenv("DATABASE_URL", "postgres://u@h/db")
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RoleMothership, cfg.Role)
	assert.True(t, cfg.Apply.BlockDestructive)
	assert.True(t, cfg.Apply.ReadOnly, "env overlays the file")
	assert.Equal(t, 3, cfg.Apply.RestoreRetention)
	assert.Equal(t, ParseLenient, cfg.Packages.ParseMode)
	assert.Equal(t, 30*time.Second, cfg.Packages.BackoffBase)
	assert.Equal(t, 2*time.Minute, cfg.Signing.Window)
	assert.Equal(t, "postgres://u@h/db", cfg.Store.DSN)
	assert.Equal(t, ":9090", cfg.ListenAddr)

	_, _, overrides := cfg.Apply.Policies()
	assert.Equal(t, artifact.PolicyIgnore, overrides["option:blogname"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad role", func(c *Config) { c.Role = "hub" }},
		{"mothership needs uid", func(c *Config) { c.Role = RoleMothership }},
		{"bad policy", func(c *Config) { c.Apply.OptionDefaultPolicy = "sometimes" }},
		{"bad override", func(c *Config) { c.Apply.PolicyOverrides = map[string]string{"option:a": "x"} }},
		{"bad parse mode", func(c *Config) { c.Packages.ParseMode = "loose" }},
		{"zero window", func(c *Config) { c.Signing.Window = 0 }},
		{"zero retention", func(c *Config) { c.Apply.RestoreRetention = 0 }},
		{"bad nonce backend", func(c *Config) { c.Signing.NonceBackend = "memcached" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("DBVC_READ_ONLY", "perhaps")
	_, err := Load("")
	require.Error(t, err)
}

func TestPolicies_Defaults(t *testing.T) {
	a := ApplyConfig{OptionDefaultPolicy: "require_manual_accept"}
	opt, ent, overrides := a.Policies()
	assert.Equal(t, artifact.PolicyRequireManualAccept, opt)
	assert.Equal(t, artifact.Policy(""), ent)
	assert.Empty(t, overrides)
}

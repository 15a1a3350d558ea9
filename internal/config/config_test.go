package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgerrors "loom-backend/pkg/errors"
)

func newTestLoader(dir string, env Environment, vars map[string]string) *Loader {
	l := NewLoader(dir, env)
	l.getenv = func(key string) string { return vars[key] }
	return l
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := newTestLoader(t.TempDir(), Development, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, Development, cfg.Environment)
	assert.Equal(t, "mock", cfg.Generation.Provider)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"defaults"}, cfg.LoadedFrom)
}

func TestLoad_Layering(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: 9000
  read_timeout: 5s
generation:
  settings:
    model: base-model
    num_continuations: 2
`)
	writeFile(t, dir, "staging.yml", `
server:
  port: 9100
storage:
  backend: dynamodb
  table_name: loom-staging
`)
	writeFile(t, dir, "local.yaml", "server:\n  port: 1\n")

	cfg, err := newTestLoader(dir, Staging, map[string]string{
		"LOOM_MODEL":           "env-model",
		"LOOM_ALLOWED_ORIGINS": "https://a.example,https://b.example",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "environment file wins, local ignored outside development")
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "env-model", cfg.Generation.Settings.Model)
	assert.Equal(t, 2, cfg.Generation.Settings.NumContinuations)
	assert.Equal(t, 64, cfg.Generation.Settings.MaxTokens, "unset keys keep defaults")
	assert.Equal(t, "dynamodb", cfg.Storage.Backend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, []string{
		"defaults",
		filepath.Join(dir, "base.yaml"),
		filepath.Join(dir, "staging.yml"),
		"environment",
	}, cfg.LoadedFrom)
}

func TestLoad_JSONAndLocal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "development.json", `{"server": {"port": 7000}}`)
	writeFile(t, dir, "local.yaml", "logging:\n  level: warn\n")

	cfg, err := newTestLoader(dir, Development, nil).Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "server: [not a map")
	_, err := newTestLoader(dir, Development, nil).Load()
	assert.Error(t, err)

	_, err = newTestLoader(t.TempDir(), Development, map[string]string{"LOOM_GENERATION_PROVIDER": "openai"}).Load()
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown environment", mutate: func(c *Config) { c.Environment = "moon" }, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad settings", mutate: func(c *Config) { c.Generation.Settings.TopP = 0 }, wantErr: true},
		{name: "dynamodb without table", mutate: func(c *Config) { c.Storage.Backend = "dynamodb" }, wantErr: true},
		{name: "events without bus", mutate: func(c *Config) { c.Events.Enabled = true }, wantErr: true},
		{name: "tracing without endpoint", mutate: func(c *Config) { c.Tracing.Enabled = true }, wantErr: true},
		{name: "mock in production", mutate: func(c *Config) { c.Environment = Production }, wantErr: true},
		{
			name: "openai with key",
			mutate: func(c *Config) {
				c.Generation.Provider = "openai"
				c.Generation.APIKey = "sk-test"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(Development)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, pkgerrors.IsValidation(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "server:\n  port: 9000\n")
	loader := newTestLoader(dir, Development, nil)
	initial, err := loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, initial, zap.NewNop(), 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Stop()

	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) { changed <- c })

	writeFile(t, dir, "base.yaml", "server:\n  port: 9001\n")

	select {
	case cfg := <-changed:
		assert.Equal(t, 9001, cfg.Server.Port)
		assert.Equal(t, 9001, w.Config().Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
}

func TestWatcher_DisabledOutsideDevelopment(t *testing.T) {
	cfg := Default(Staging)
	w, err := NewWatcher(NewLoader(t.TempDir(), Staging), cfg, nil, 0)
	require.NoError(t, err)
	assert.Same(t, cfg, w.Config())
	w.Stop()
	w.Stop()
}

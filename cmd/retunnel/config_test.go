package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfigParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retunnel.yaml")
	contents := `
server: tunnel.example.com:4443
api_url: https://api.example.com
token: abc123
subdomain: myapp
debug: true
reconnect: false
max_retries: 5
insecure: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "tunnel.example.com:4443", cfg.Server)
	assert.Equal(t, "https://api.example.com", cfg.APIURL)
	assert.Equal(t, "abc123", cfg.Token)
	assert.Equal(t, "myapp", cfg.Subdomain)
	require.NotNil(t, cfg.Debug)
	assert.True(t, *cfg.Debug)
	require.NotNil(t, cfg.Reconnect)
	assert.False(t, *cfg.Reconnect)
	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, 5, *cfg.MaxRetries)
	require.NotNil(t, cfg.Insecure)
	assert.True(t, *cfg.Insecure)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [this is not valid"), 0600))

	cfg, err := loadConfig(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfigDefaultsToHomeDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, ".retunnel.yaml"), []byte("server: foo:1234\n"), 0600))

	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "foo:1234", cfg.Server)
}

func TestDefaultConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, filepath.Join(home, ".retunnel.yaml"), defaultConfigPath())
}

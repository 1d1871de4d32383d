// Copyright © 2026 KSI Project - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadClean(t *testing.T, cfgFile string) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := Load(cfgFile)
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadClean(t, "")

	assert.Equal(t, "var/run/ksi_daemon.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, "var/run/ksi_daemon.pid", cfg.Daemon.PIDFile)
	assert.Equal(t, "var/db/agent_shared_state.db", cfg.State.DBPath)
	assert.Equal(t, "var/db/identities.json", cfg.State.IdentityPath)
	assert.Equal(t, "var/logs/sessions", cfg.Logging.SessionDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Injection.MaxDepth)
	assert.Equal(t, 50000, cfg.Injection.MaxChainTokens)
	assert.Equal(t, 1000, cfg.Bus.HistorySize)
	assert.Equal(t, "claude", cfg.Completion.Binary)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvAliases(t *testing.T) {
	t.Setenv("KSI_SOCKET_PATH", "/tmp/alt.sock")
	t.Setenv("KSI_LOG_LEVEL", "debug")
	t.Setenv("KSI_DB_PATH", "/tmp/state.db")
	t.Setenv("KSI_SOCKET_TIMEOUT", "2.5")

	cfg := loadClean(t, "")

	assert.Equal(t, "/tmp/alt.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/state.db", cfg.State.DBPath)
	assert.InDelta(t, 2.5, cfg.Daemon.SocketTimeout, 0.001)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "ksi.yaml")
	content := `
daemon:
  socket_path: /run/custom/ksi.sock
injection:
  max_depth: 3
`
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0o644))

	cfg := loadClean(t, cfgFile)

	assert.Equal(t, "/run/custom/ksi.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, 3, cfg.Injection.MaxDepth)
	// Untouched keys keep defaults.
	assert.Equal(t, "var/run/ksi_daemon.pid", cfg.Daemon.PIDFile)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty socket path", func(c *Config) { c.Daemon.SocketPath = "" }, "socket_path"},
		{"zero socket timeout", func(c *Config) { c.Daemon.SocketTimeout = 0 }, "socket_timeout"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"empty db path", func(c *Config) { c.State.DBPath = "" }, "db_path"},
		{"zero completion timeout", func(c *Config) { c.Completion.TimeoutSeconds = 0 }, "timeout_seconds"},
		{"zero injection depth", func(c *Config) { c.Injection.MaxDepth = 0 }, "max_depth"},
		{"zero history", func(c *Config) { c.Bus.HistorySize = 0 }, "history_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadClean(t, "")
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnsureRuntimeDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := loadClean(t, "")
	cfg.Daemon.SocketPath = filepath.Join(dir, "run", "ksi_daemon.sock")
	cfg.Daemon.PIDFile = filepath.Join(dir, "run", "ksi_daemon.pid")
	cfg.Daemon.TmpDir = filepath.Join(dir, "tmp")
	cfg.Logging.Dir = filepath.Join(dir, "logs")
	cfg.Logging.SessionDir = filepath.Join(dir, "logs", "sessions")
	cfg.State.DBPath = filepath.Join(dir, "db", "agent_shared_state.db")
	cfg.State.IdentityPath = filepath.Join(dir, "db", "identities.json")

	require.NoError(t, cfg.EnsureRuntimeDirs())

	for _, p := range []string{
		filepath.Join(dir, "run"),
		filepath.Join(dir, "tmp"),
		filepath.Join(dir, "logs", "daemon"),
		filepath.Join(dir, "logs", "sessions"),
		filepath.Join(dir, "db"),
	} {
		info, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.True(t, info.IsDir(), p)
	}
}

func TestGenerateExampleConfigParses(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "ksi.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(GenerateExampleConfig()), 0o644))

	cfg := loadClean(t, cfgFile)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "var/run/ksi_daemon.sock", cfg.Daemon.SocketPath)
}

// Copyright © 2026 KSI Project - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetKSIConfigDir returns the per-user config directory searched for
// ksi.yaml after the working directory.
//
// Priority:
// 1. KSI_CONFIG_DIR environment variable (if set and non-empty)
// 2. ~/.ksi (default)
//
// The returned path is always absolute. Tilde (~) is expanded to the user's
// home directory; relative paths are made absolute against the working
// directory.
//
// Note: this reads os.Getenv() directly, not viper, because it runs during
// bootstrap to locate the config file itself.
func GetKSIConfigDir() string {
	if dir := os.Getenv("KSI_CONFIG_DIR"); dir != "" {
		return expandPath(dir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir cannot be determined
		return ".ksi"
	}
	return filepath.Join(homeDir, ".ksi")
}

// DaemonLogPath returns the daemon's own log file under the log dir.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.Logging.Dir, "daemon", "daemon.log")
}

// BusLogPath returns the message bus JSONL log under the log dir.
func (c *Config) BusLogPath() string {
	return filepath.Join(c.Logging.Dir, "message_bus.jsonl")
}

// RoutingLogPath returns the task-routing decision JSONL log under the log dir.
func (c *Config) RoutingLogPath() string {
	return filepath.Join(c.Logging.Dir, "routing_decisions.jsonl")
}

// EnsureRuntimeDirs creates every directory the daemon writes into.
// Called once at startup, before any manager opens a file.
func (c *Config) EnsureRuntimeDirs() error {
	dirs := []string{
		filepath.Dir(c.Daemon.SocketPath),
		filepath.Dir(c.Daemon.PIDFile),
		c.Daemon.TmpDir,
		filepath.Join(c.Logging.Dir, "daemon"),
		c.Logging.SessionDir,
		filepath.Dir(c.State.DBPath),
		filepath.Dir(c.State.IdentityPath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// expandPath expands ~ and resolves to absolute path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path // Return as-is if we can't get home dir
		}
		return filepath.Join(homeDir, path[2:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path // Return as-is if we can't make it absolute
	}
	return absPath
}

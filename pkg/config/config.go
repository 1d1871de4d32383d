// Copyright © 2026 KSI Project - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config defines the daemon configuration tree and the viper
// plumbing that fills it from defaults, an optional YAML file, KSI_*
// environment variables and CLI flags.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is the base name of the optional config file.
const DefaultConfigFileName = "ksi"

// Config holds all configuration for the KSI daemon.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	// Daemon covers the socket surface and process identity.
	Daemon DaemonConfig `mapstructure:"daemon"`

	// Logging configuration.
	Logging LoggingConfig `mapstructure:"logging"`

	// State covers the SQLite shared store and the identity document.
	State StateConfig `mapstructure:"state"`

	// Completion covers the LLM child process contract.
	Completion CompletionConfig `mapstructure:"completion"`

	// Agents covers worker process spawning and registry limits.
	Agents AgentsConfig `mapstructure:"agents"`

	// Bus covers message bus sizing.
	Bus BusConfig `mapstructure:"bus"`

	// Injection covers the injection router and its circuit breaker.
	Injection InjectionConfig `mapstructure:"injection"`

	// Composer covers the prompt composition trees.
	Composer ComposerConfig `mapstructure:"composer"`
}

// DaemonConfig holds the socket and process-identity settings.
type DaemonConfig struct {
	// SocketPath is the Unix domain socket the daemon serves on.
	SocketPath string `mapstructure:"socket_path"`

	// PIDFile guards against concurrent daemon instances.
	PIDFile string `mapstructure:"pid_file"`

	// SocketTimeout is the per-frame read deadline in seconds for
	// one-shot clients. Persistent connections (after SUBSCRIBE or
	// AGENT_CONNECTION connect) have no deadline.
	SocketTimeout float64 `mapstructure:"socket_timeout"`

	// TmpDir is scratch space for state handoff files.
	TmpDir string `mapstructure:"tmp_dir"`

	// ShutdownGraceSeconds bounds how long graceful shutdown waits for
	// child processes before SIGKILL.
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the zap level name (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// Dir is the root log directory. The daemon log goes to
	// <dir>/daemon/daemon.log and the bus log to <dir>/message_bus.jsonl.
	Dir string `mapstructure:"dir"`

	// SessionDir holds per-session JSONL conversation logs.
	SessionDir string `mapstructure:"session_dir"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// DBPath is the SQLite database backing the shared key-value store.
	DBPath string `mapstructure:"db_path"`

	// IdentityPath is the JSON document backing the identity manager.
	IdentityPath string `mapstructure:"identity_path"`

	// SweepIntervalSeconds is the cadence of the TTL expiry sweep.
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// CompletionConfig describes how LLM completion children are spawned.
type CompletionConfig struct {
	// Binary is the completion CLI executable.
	Binary string `mapstructure:"binary"`

	// Args are fixed arguments placed before per-request flags.
	Args []string `mapstructure:"args"`

	// DefaultModel is passed via --model when a request names none.
	DefaultModel string `mapstructure:"default_model"`

	// TimeoutSeconds bounds a single child invocation.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// AllowedTools / DisallowedTools translate to child CLI flags when
	// a request sets enable_tools.
	AllowedTools    []string `mapstructure:"allowed_tools"`
	DisallowedTools []string `mapstructure:"disallowed_tools"`

	// TemporalContext enables the pre-prompt hook that prepends wall
	// clock context to each completion.
	TemporalContext bool `mapstructure:"temporal_context"`
}

// AgentsConfig holds agent worker settings.
type AgentsConfig struct {
	// WorkerCommand is the argv template for spawned agent workers.
	// {agent_id} and {socket} placeholders are substituted. Empty means
	// SPAWN_AGENT registers agents without starting a process.
	WorkerCommand []string `mapstructure:"worker_command"`

	// MaxAgents caps concurrent registered agents (0 = unlimited).
	MaxAgents int `mapstructure:"max_agents"`
}

// BusConfig holds message bus sizing.
type BusConfig struct {
	// OfflineQueueSize bounds per-agent offline queues.
	OfflineQueueSize int `mapstructure:"offline_queue_size"`

	// HistorySize bounds the in-memory event history ring.
	HistorySize int `mapstructure:"history_size"`
}

// InjectionConfig holds injection router settings.
type InjectionConfig struct {
	// MaxDepth is the injection chain depth limit.
	MaxDepth int `mapstructure:"max_depth"`

	// MaxChainTokens is the token budget for one injection chain.
	MaxChainTokens int `mapstructure:"max_chain_tokens"`

	// ChainTTLSeconds expires injection chains by wall clock.
	ChainTTLSeconds int `mapstructure:"chain_ttl_seconds"`

	// QueueSize bounds the async injection queue.
	QueueSize int `mapstructure:"queue_size"`

	// PendingTTLSeconds expires queued next-mode injections.
	PendingTTLSeconds int `mapstructure:"pending_ttl_seconds"`
}

// ComposerConfig holds prompt composition settings.
type ComposerConfig struct {
	// CompositionsDir holds <name>.yaml composition documents.
	CompositionsDir string `mapstructure:"compositions_dir"`

	// ComponentsDir holds Markdown component trees.
	ComponentsDir string `mapstructure:"components_dir"`

	// ExtensionDir holds RELOAD_MODULE extension trees.
	ExtensionDir string `mapstructure:"extension_dir"`

	// Watch enables fsnotify invalidation of the render cache.
	Watch bool `mapstructure:"watch"`
}

// SocketTimeoutDuration returns the per-frame read deadline.
func (c *DaemonConfig) SocketTimeoutDuration() time.Duration {
	return time.Duration(c.SocketTimeout * float64(time.Second))
}

// CompletionTimeout returns the child invocation timeout.
func (c *CompletionConfig) CompletionTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load loads configuration from multiple sources with proper priority:
// 1. Command line flags (highest priority)
// 2. Config file
// 3. Environment variables
// 4. Defaults (lowest priority)
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in standard locations
		viper.AddConfigPath(".")
		viper.AddConfigPath(GetKSIConfigDir())
		viper.SetConfigName(DefaultConfigFileName) // ksi.yaml
		viper.SetConfigType("yaml")
	}

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	// Bind environment variables
	viper.SetEnvPrefix("KSI")
	viper.AutomaticEnv()
	bindEnvAliases()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// bindEnvAliases maps the documented flat KSI_* variable names onto their
// nested config keys. AutomaticEnv alone would expect KSI_DAEMON_SOCKET_PATH;
// the flat forms are the stable external interface.
func bindEnvAliases() {
	aliases := map[string]string{
		"daemon.socket_path":    "KSI_SOCKET_PATH",
		"daemon.pid_file":       "KSI_PID_FILE",
		"daemon.socket_timeout": "KSI_SOCKET_TIMEOUT",
		"daemon.tmp_dir":        "KSI_TMP_DIR",
		"logging.level":         "KSI_LOG_LEVEL",
		"logging.dir":           "KSI_LOG_DIR",
		"logging.session_dir":   "KSI_SESSION_LOG_DIR",
		"state.db_path":         "KSI_DB_PATH",
		"state.identity_path":   "KSI_IDENTITY_STORAGE_PATH",
	}
	for key, env := range aliases {
		_ = viper.BindEnv(key, env)
	}
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Daemon defaults
	viper.SetDefault("daemon.socket_path", "var/run/ksi_daemon.sock")
	viper.SetDefault("daemon.pid_file", "var/run/ksi_daemon.pid")
	viper.SetDefault("daemon.socket_timeout", 5.0)
	viper.SetDefault("daemon.tmp_dir", "var/tmp")
	viper.SetDefault("daemon.shutdown_grace_seconds", 3)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.dir", "var/logs")
	viper.SetDefault("logging.session_dir", "var/logs/sessions")

	// State defaults
	viper.SetDefault("state.db_path", "var/db/agent_shared_state.db")
	viper.SetDefault("state.identity_path", "var/db/identities.json")
	viper.SetDefault("state.sweep_interval_seconds", 60)

	// Completion defaults
	viper.SetDefault("completion.binary", "claude")
	viper.SetDefault("completion.args", []string{"-p", "--output-format", "json"})
	viper.SetDefault("completion.default_model", "")
	viper.SetDefault("completion.timeout_seconds", 300)
	viper.SetDefault("completion.allowed_tools", []string{})
	viper.SetDefault("completion.disallowed_tools", []string{})
	viper.SetDefault("completion.temporal_context", false)

	// Agents defaults
	viper.SetDefault("agents.worker_command", []string{})
	viper.SetDefault("agents.max_agents", 0)

	// Bus defaults
	viper.SetDefault("bus.offline_queue_size", 100)
	viper.SetDefault("bus.history_size", 1000)

	// Injection defaults
	viper.SetDefault("injection.max_depth", 5)
	viper.SetDefault("injection.max_chain_tokens", 50000)
	viper.SetDefault("injection.chain_ttl_seconds", 3600)
	viper.SetDefault("injection.queue_size", 100)
	viper.SetDefault("injection.pending_ttl_seconds", 3600)

	// Composer defaults
	viper.SetDefault("composer.compositions_dir", "prompts/compositions")
	viper.SetDefault("composer.components_dir", "prompts/components")
	viper.SetDefault("composer.extension_dir", "extension_modules")
	viper.SetDefault("composer.watch", true)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("daemon.socket_path is required")
	}
	if c.Daemon.SocketTimeout <= 0 {
		return fmt.Errorf("daemon.socket_timeout must be positive, got %v", c.Daemon.SocketTimeout)
	}
	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid logging.level %q (must be debug, info, warn or error)", c.Logging.Level)
		}
	}
	if c.State.DBPath == "" {
		return fmt.Errorf("state.db_path is required")
	}
	if c.Completion.Binary == "" {
		return fmt.Errorf("completion.binary is required")
	}
	if c.Completion.TimeoutSeconds <= 0 {
		return fmt.Errorf("completion.timeout_seconds must be positive, got %d", c.Completion.TimeoutSeconds)
	}
	if c.Injection.MaxDepth < 1 {
		return fmt.Errorf("injection.max_depth must be at least 1, got %d", c.Injection.MaxDepth)
	}
	if c.Injection.QueueSize < 1 {
		return fmt.Errorf("injection.queue_size must be at least 1, got %d", c.Injection.QueueSize)
	}
	if c.Bus.OfflineQueueSize < 1 {
		return fmt.Errorf("bus.offline_queue_size must be at least 1, got %d", c.Bus.OfflineQueueSize)
	}
	if c.Bus.HistorySize < 1 {
		return fmt.Errorf("bus.history_size must be at least 1, got %d", c.Bus.HistorySize)
	}
	return nil
}

// GenerateExampleConfig returns a commented example YAML configuration.
func GenerateExampleConfig() string {
	return `# KSI daemon configuration
# All values can be overridden with KSI_* environment variables or CLI flags.

daemon:
  socket_path: var/run/ksi_daemon.sock   # KSI_SOCKET_PATH
  pid_file: var/run/ksi_daemon.pid       # KSI_PID_FILE
  socket_timeout: 5.0                    # KSI_SOCKET_TIMEOUT (seconds)
  tmp_dir: var/tmp                       # KSI_TMP_DIR
  shutdown_grace_seconds: 3

logging:
  level: info                            # KSI_LOG_LEVEL (debug|info|warn|error)
  dir: var/logs                          # KSI_LOG_DIR
  session_dir: var/logs/sessions         # KSI_SESSION_LOG_DIR

state:
  db_path: var/db/agent_shared_state.db  # KSI_DB_PATH
  identity_path: var/db/identities.json  # KSI_IDENTITY_STORAGE_PATH
  sweep_interval_seconds: 60

completion:
  binary: claude
  args: ["-p", "--output-format", "json"]
  default_model: ""
  timeout_seconds: 300
  temporal_context: false

agents:
  # worker_command: ["bin/agent_process", "--agent-id", "{agent_id}", "--socket", "{socket}"]
  worker_command: []
  max_agents: 0

bus:
  offline_queue_size: 100
  history_size: 1000

injection:
  max_depth: 5
  max_chain_tokens: 50000
  chain_ttl_seconds: 3600
  queue_size: 100
  pending_ttl_seconds: 3600

composer:
  compositions_dir: prompts/compositions
  components_dir: prompts/components
  extension_dir: extension_modules
  watch: true
`
}

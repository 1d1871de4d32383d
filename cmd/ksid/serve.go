// Copyright 2026 KSI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/internal/version"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/daemon"
)

var hotReloadFrom string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the KSI daemon",
	Long: `Start the daemon in the foreground and serve until SIGINT/SIGTERM
or a SHUTDOWN command. A healthy daemon already holding the socket makes
this a no-op (exit 0).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&hotReloadFrom, "hot-reload-from", "",
		"predecessor socket path (internal, set by RELOAD_DAEMON)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting ksid",
		zap.String("version", version.Get()),
		zap.Int("pid", os.Getpid()),
		zap.String("socket", cfg.Daemon.SocketPath))

	d, err := daemon.New(cfg, daemon.Options{HotReloadFrom: hotReloadFrom})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Println("daemon already running")
			return nil
		}
		return err
	}
	return nil
}

// setupLogging points zap at the daemon log file plus stderr.
func setupLogging(cfg *config.Config) error {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if err := cfg.EnsureRuntimeDirs(); err != nil {
		return err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{cfg.DaemonLogPath(), "stderr"}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	log.SetLogger(logger)
	return nil
}

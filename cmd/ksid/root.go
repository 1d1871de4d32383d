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
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ksi-project/ksi/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ksid",
	Short: "KSI daemon - orchestrates LLM agent processes over a Unix socket",
	Long: heredoc.Doc(`
		ksid runs the KSI daemon: a long-lived process that spawns and
		supervises LLM agent children, routes messages between them, composes
		their prompts, and persists their shared state.

		Clients talk to it over a Unix domain socket with newline-delimited
		JSON frames; see "ksi" for a ready-made client.

		Configuration is layered: flags override ksi.yaml, which overrides
		KSI_* environment variables, which override built-in defaults. A .env
		file in the working directory is loaded first when present.
	`),
	Version:      version.Get(),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	cobra.OnInitialize(func() {
		// Missing .env is the normal case.
		_ = godotenv.Load()
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./ksi.yaml, then $KSI_CONFIG_DIR)")
	rootCmd.PersistentFlags().String("socket", "", "Unix socket path to serve on")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("daemon.socket_path", rootCmd.PersistentFlags().Lookup("socket"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

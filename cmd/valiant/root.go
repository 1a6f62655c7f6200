// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	stderrors "errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Vusisean11/valiant/pkg/config"
	"github.com/Vusisean11/valiant/pkg/telemetry"
)

// Version is set at build time.
var Version = "dev"

type globalFlags struct {
	ConfigPath string
	Profile    string
	EnvFile    string
	LogLevel   string
	JSON       bool
}

var rootFlags globalFlags

// app is what every subcommand receives after the root pre-run.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "valiant",
		Short: "Guideline and journey engine for conversational agents",
		Long: `Valiant decides, turn by turn, which behavioral guidelines and journey
steps apply to a conversation, runs the tools they require and asks a model
for the reply.

Configuration is read from defaults, an optional YAML file, an optional
profile overlay and VALIANT_* environment variables. A .env file is loaded
first when present.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&rootFlags.ConfigPath, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&rootFlags.Profile, "profile", "", "config profile overlay (config.<profile>.yaml)")
	root.PersistentFlags().StringVar(&rootFlags.EnvFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().StringVar(&rootFlags.LogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&rootFlags.JSON, "json", false, "machine-readable output")

	root.AddCommand(newServeCmd(a), newValidateCmd(a), newChatCmd(a), newTestCmd(a))
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	if rootFlags.EnvFile != "" {
		if err := godotenv.Load(rootFlags.EnvFile); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return NewConfigError(err, rootFlags.EnvFile)
		}
	}
	cfg, err := config.LoadWithProfile(rootFlags.ConfigPath, rootFlags.Profile)
	if err != nil {
		return NewConfigError(err, rootFlags.ConfigPath)
	}
	if rootFlags.LogLevel != "" {
		cfg.Log.Level = rootFlags.LogLevel
	}
	// Logs go to stderr so the chat REPL and JSON output stay clean.
	a.logger = telemetry.ConfigureSlog(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	a.cfg = cfg
	return nil
}

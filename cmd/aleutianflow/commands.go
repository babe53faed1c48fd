// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/pipeline/config"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	envFile    string
	output     string
	logLevel   string

	cfg    config.Config
	logger *logging.Logger
	out    *ux.Printer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "aleutianflow",
		Short: "Validate, run and serve data pipeline graphs",
		Long: `AleutianFlow runs directed acyclic graphs of sources, actions and
targets with bounded queues, retries and resumable reads.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to the YAML configuration file")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment overrides")
	flags.StringVarP(&a.output, "output", "o", "", "output format: styled, plain or json (default: styled on a terminal)")
	flags.StringVar(&a.logLevel, "log-level", "", "overrides logging.level")

	rootCmd.AddCommand(
		newValidateCmd(a),
		newRunCmd(a),
		newServeCmd(a),
		newPluginsCmd(a),
		newCheckpointsCmd(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath, a.envFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	lc := cfg.LoggerOptions()
	lc.Output = a.stderr
	a.logger = logging.New(lc)
	slog.SetDefault(a.logger.Slog())

	w := cmd.OutOrStdout()
	a.out = ux.NewPrinter(w, ux.DetectMode(w, a.output))
	return nil
}

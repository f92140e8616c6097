// Copyright (c) 2025 The flowcore Authors
// SPDX-License-Identifier: MIT

package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flowcore/natclassify/nat"
)

func rootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "flownatdemo",
		Short: "Drive synthetic traffic through a classification tree and NAT pair",
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		logger, err := cfg.Build()
		if err != nil {
			return err
		}
		nat.SetLogger(logger.Sugar())
		return nil
	}

	cmd.AddCommand(runCmd())
	return cmd
}

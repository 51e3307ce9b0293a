// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "ghtoken",
		Short:         "GitHub App installation token issuer for scheduled SDK builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// buildRoot creates the root command and attaches all subcommands.
func buildRoot() *cobra.Command {
	rootCmd := newRootCmd()
	rootCmd.AddCommand(newIssueCmd())
	rootCmd.AddCommand(newRotateCmd())
	rootCmd.AddCommand(newRevokeCmd())
	return rootCmd
}

// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newIssueCmd() *cobra.Command {
	var printToken bool

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an installation access token for the configured repository",
		Long: `Issue fetches the app private key from the secret store, builds a signed
app JWT and exchanges it for a repository-scoped installation access token.

The token expiry is printed to stdout. The token value itself is only
printed when --print-token is given, for piping into a build step that
performs its own API calls. It is never logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			f, err := newFlow(ctx)
			if err != nil {
				return err
			}
			defer f.close()

			if err := f.fetchKey(ctx); err != nil {
				return err
			}

			installID, err := f.resolveInstallation(ctx)
			if err != nil {
				return err
			}

			_, token, err := f.transport(ctx, installID)
			if err != nil {
				return err
			}

			if printToken {
				// Deliberately bypasses log redaction: stdout is the
				// hand-off channel to the consuming build step.
				fmt.Fprintln(cmd.OutOrStdout(), token.Token)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expires_at=%s\n", token.Exp.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().BoolVar(&printToken, "print-token", false,
		"print the token value to stdout for the consuming build step")
	return cmd
}

// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdkfleet/ghtoken"
	"github.com/sdkfleet/ghtoken/internal/scrub"
)

// revokeTokenEnv carries the token to revoke. It is unset before exit.
const revokeTokenEnv = "GHTOKEN_TOKEN"

func newRevokeCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an installation access token",
		Long: `Revoke invalidates the installation access token in the GHTOKEN_TOKEN
environment variable. Useful as a cleanup step for builds that obtained a
token via 'issue --print-token' and finished early.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			scrubber := &scrub.Scrubber{}
			scrubber.Env(revokeTokenEnv)
			defer func() { _ = scrubber.Scrub() }()

			value := os.Getenv(revokeTokenEnv)
			if value == "" {
				return fmt.Errorf("%s is not set", revokeTokenEnv)
			}

			// The real expiry is unknown here. Give the value a short
			// synthetic validity so Revoke's liveness check passes.
			token := ghtoken.InstallationToken{
				Token:  value,
				Server: endpoint,
				Exp:    time.Now().Add(5 * time.Minute),
			}

			if err := token.Revoke(ctx); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "token revoked")
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "",
		"GitHub REST API base URL (defaults to the public endpoint)")
	return cmd
}

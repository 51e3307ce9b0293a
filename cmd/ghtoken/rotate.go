// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sdkfleet/ghtoken/rotate"
)

func newRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Close stale update pull requests and open a fresh one",
		Long: `Rotate runs the full per-build flow: fetch the app key, exchange a signed
JWT for an installation token, close open pull requests whose head branch
carries the bot's branch prefix, open the new update pull request, then
revoke the token and scrub all credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			f, err := newFlow(ctx)
			if err != nil {
				return err
			}
			defer f.close()

			if f.cfg.HeadBranch == "" {
				return fmt.Errorf("GHTOKEN_HEAD_BRANCH is required for rotate")
			}
			// The next rotation only closes branches carrying the prefix;
			// a head branch without it would never be cleaned up.
			if !strings.HasPrefix(f.cfg.HeadBranch, f.cfg.BranchPrefix) {
				return fmt.Errorf("GHTOKEN_HEAD_BRANCH %q must carry the branch prefix %q",
					f.cfg.HeadBranch, f.cfg.BranchPrefix)
			}
			title := f.cfg.Title
			if title == "" {
				title = fmt.Sprintf("chore: update %s", f.cfg.Repository)
			}

			if err := f.fetchKey(ctx); err != nil {
				return err
			}

			installID, err := f.resolveInstallation(ctx)
			if err != nil {
				return err
			}

			transport, token, err := f.transport(ctx, installID)
			if err != nil {
				return err
			}

			rotator, err := rotate.New(
				&http.Client{Transport: transport, Timeout: f.cfg.Timeout},
				f.cfg.Endpoint, f.logger)
			if err != nil {
				return err
			}

			owner, repo := f.cfg.ownerRepo()

			closed, err := rotator.CloseStale(ctx, owner, repo, f.cfg.BranchPrefix)
			if err != nil {
				return err
			}
			f.logger.InfoContext(ctx, "closed stale pull requests", slog.Int("count", closed))

			pr, err := rotator.OpenUpdate(ctx, owner, repo, rotate.UpdateParams{
				Head:  f.cfg.HeadBranch,
				Base:  f.cfg.BaseBranch,
				Title: title,
				Body:  f.cfg.Body,
			})
			if err != nil {
				return err
			}

			// Best-effort: the token would expire on its own within the
			// hour, revoking merely shrinks the window.
			if err := token.Revoke(ctx); err != nil {
				f.logger.WarnContext(ctx, "failed to revoke token", slog.String("error", err.Error()))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "opened pull request #%d %s\n", pr.GetNumber(), pr.GetHTMLURL())
			return nil
		},
	}
}

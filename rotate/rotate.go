// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

// Package rotate updates the fleet's pull requests using an installation
// scoped client: stale update PRs opened by the bot are closed and a fresh
// one is opened. All GitHub calls are authenticated by the caller's http
// client, typically a [github.com/sdkfleet/ghtoken.Transport].
package rotate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v55/github"
)

// prPageSize is page size for listing open pull requests.
const prPageSize = 100

// Rotator closes stale update pull requests and opens new ones for a
// single repository.
type Rotator struct {
	client *github.Client
	logger *slog.Logger
}

// UpdateParams describes the pull request to open.
type UpdateParams struct {
	// Head is the branch carrying the update, typically prefixed with
	// the bot's branch prefix.
	Head string

	// Base is the branch to merge into, typically the default branch.
	Base string

	Title string
	Body  string
}

// New returns a Rotator. The http client must authenticate as the target
// installation. Endpoint is a REST API base URL for testing, empty means
// the public endpoint. A nil logger discards logs.
func New(httpClient *http.Client, endpoint string, logger *slog.Logger) (*Rotator, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("rotate: http client is required")
	}

	client := github.NewClient(httpClient)
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("rotate: invalid endpoint: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Rotator{client: client, logger: logger}, nil
}

// CloseStale closes open pull requests whose head branch carries the bot's
// branch prefix and deletes their head refs. Returns the number of pull
// requests closed. PRs from other authors or branches are left alone.
func (r *Rotator) CloseStale(ctx context.Context, owner, repo, branchPrefix string) (int, error) {
	if branchPrefix == "" {
		return 0, fmt.Errorf("rotate: branch prefix is required")
	}

	var stale []*github.PullRequest
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: prPageSize},
	}
	for {
		page, resp, err := r.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return 0, fmt.Errorf("rotate: failed to list pull requests: %w", err)
		}
		for _, pr := range page {
			if strings.HasPrefix(pr.GetHead().GetRef(), branchPrefix) {
				stale = append(stale, pr)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for _, pr := range stale {
		num := pr.GetNumber()
		_, _, err := r.client.PullRequests.Edit(ctx, owner, repo, num, &github.PullRequest{
			State: github.String("closed"),
		})
		if err != nil {
			return 0, fmt.Errorf("rotate: failed to close pull request #%d: %w", num, err)
		}

		ref := pr.GetHead().GetRef()
		_, err = r.client.Git.DeleteRef(ctx, owner, repo, "heads/"+ref)
		if err != nil {
			// The branch may already be gone or protected. The PR is
			// closed, which is what matters.
			r.logger.WarnContext(ctx, "failed to delete stale branch",
				slog.String("branch", ref), slog.String("error", err.Error()))
		}

		r.logger.InfoContext(ctx, "closed stale pull request",
			slog.Int("number", num), slog.String("branch", ref))
	}

	return len(stale), nil
}

// OpenUpdate opens the update pull request and returns it.
func (r *Rotator) OpenUpdate(ctx context.Context, owner, repo string, p UpdateParams) (*github.PullRequest, error) {
	if p.Head == "" || p.Base == "" {
		return nil, fmt.Errorf("rotate: head and base branches are required")
	}
	if p.Title == "" {
		return nil, fmt.Errorf("rotate: title is required")
	}

	pr, _, err := r.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title:               github.String(p.Title),
		Head:                github.String(p.Head),
		Base:                github.String(p.Base),
		Body:                github.String(p.Body),
		MaintainerCanModify: github.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("rotate: failed to create pull request: %w", err)
	}

	r.logger.InfoContext(ctx, "opened pull request",
		slog.Int("number", pr.GetNumber()), slog.String("url", pr.GetHTMLURL()))

	return pr, nil
}

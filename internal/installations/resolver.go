// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

// Package installations resolves the GitHub App installation id for a
// repository.
//
// Resolution order: explicit configuration wins, then the secret-store
// cache keyed by repository full name, then remote discovery (app JWT,
// paginated installation listing, owner match, repository coverage check).
// Newly discovered and verified ids are written back through the store so
// later isolated invocations skip the discovery round trips.
package installations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sdkfleet/ghtoken/internal/api"
	"github.com/sdkfleet/ghtoken/internal/secrets"
)

// installationsPerPage is page size for listing app installations.
const installationsPerPage = 100

// ErrNoInstallation is returned when the app is not installed for the
// requested owner, or its installation does not cover the repository.
const ErrNoInstallation = resolverError("installations: app is not installed for owner")

type resolverError string

func (e resolverError) Error() string {
	return string(e)
}

// Resolver resolves repository owners to installation ids.
//
// The http client must authenticate requests as the app (JWT), for example
// via a [github.com/sdkfleet/ghtoken.Transport] with no installation
// configured.
type Resolver struct {
	store   secrets.Store
	client  *http.Client
	baseURL *url.URL
	logger  *slog.Logger
}

// New returns a Resolver. The endpoint must be a GitHub REST API base URL;
// empty means the public endpoint. A nil logger discards logs.
func New(store secrets.Store, client *http.Client, endpoint string, logger *slog.Logger) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("installations: store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("installations: http client is required")
	}
	if endpoint == "" {
		endpoint = api.DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("installations: invalid endpoint: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{store: store, client: client, baseURL: u, logger: logger}, nil
}

// CacheSecretName returns the secret name caching the installation id for
// a repository. Secret Manager names permit [A-Za-z0-9_-], repository dots
// are folded to dashes.
func CacheSecretName(owner, repo string) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '-'
			}
		}, s)
	}
	return "ghtoken-install-" + sanitize(owner) + "-" + sanitize(repo)
}

// Resolve returns the installation id for owner/repo, consulting the
// cache before discovery. Cache write-back failures are logged, not fatal;
// the id in hand is still good for this invocation.
func (r *Resolver) Resolve(ctx context.Context, owner, repo string) (uint64, error) {
	name := CacheSecretName(owner, repo)

	payload, err := r.store.GetLatest(ctx, name)
	switch {
	case err == nil:
		id, perr := strconv.ParseUint(strings.TrimSpace(string(payload)), 10, 64)
		if perr == nil && id != 0 {
			r.logger.DebugContext(ctx, "installation id from cache",
				slog.String("secret", name), slog.Uint64("installation_id", id))
			return id, nil
		}
		r.logger.WarnContext(ctx, "cached installation id is malformed, rediscovering",
			slog.String("secret", name))
	case errors.Is(err, secrets.ErrNotFound):
	default:
		return 0, fmt.Errorf("installations: cache probe failed: %w", err)
	}

	id, err := r.discover(ctx, owner)
	if err != nil {
		return 0, err
	}

	// The owner's installation may not cover this repository (per-repo
	// installs). Verify before caching, a stale per-repo secret would make
	// every later invocation fail at the exchange instead of here.
	verified, err := r.verifyRepository(ctx, owner, repo)
	if err != nil {
		return 0, err
	}
	if verified != id {
		r.logger.WarnContext(ctx, "repository is covered by a different installation",
			slog.Uint64("owner_installation_id", id),
			slog.Uint64("repository_installation_id", verified))
		id = verified
	}

	if err := r.store.Add(ctx, name, []byte(strconv.FormatUint(id, 10))); err != nil {
		r.logger.WarnContext(ctx, "failed to cache installation id",
			slog.String("secret", name), slog.String("error", err.Error()))
	}

	return id, nil
}

// discover pages through the app's installations and matches the owner.
func (r *Resolver) discover(ctx context.Context, owner string) (uint64, error) {
	for page := 1; ; page++ {
		u := r.baseURL.JoinPath("app", "installations")
		q := u.Query()
		q.Set("per_page", strconv.Itoa(installationsPerPage))
		q.Set("page", strconv.Itoa(page))
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return 0, fmt.Errorf("installations: failed to build request: %w", err)
		}
		req.Header.Set(api.AcceptHeader, api.AcceptHeaderValue)
		req.Header.Set(api.VersionHeader, api.VersionHeaderValue)

		installations, err := r.listPage(req)
		if err != nil {
			return 0, err
		}

		for _, install := range installations {
			if install == nil || install.ID == nil || install.Account == nil || install.Account.Login == nil {
				continue
			}
			if strings.EqualFold(*install.Account.Login, owner) {
				return uint64(*install.ID), nil
			}
		}

		if len(installations) < installationsPerPage {
			return 0, fmt.Errorf("%w: %s", ErrNoInstallation, owner)
		}
	}
}

// verifyRepository confirms the app's installation covers owner/repo and
// returns the installation id GitHub reports for the repository.
func (r *Resolver) verifyRepository(ctx context.Context, owner, repo string) (uint64, error) {
	u := r.baseURL.JoinPath("repos", owner, repo, "installation")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("installations: failed to build request: %w", err)
	}
	req.Header.Set(api.AcceptHeader, api.AcceptHeaderValue)
	req.Header.Set(api.VersionHeader, api.VersionHeaderValue)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("installations: repository check failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("installations: failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, fmt.Errorf("%w: installation does not cover %s/%s",
			ErrNoInstallation, owner, repo)
	default:
		errResp := &api.ErrorResponse{}
		if json.Unmarshal(data, errResp) == nil && errResp.Message != "" {
			return 0, fmt.Errorf("installations: %s(%s)", errResp.Message, resp.Status)
		}
		return 0, fmt.Errorf("installations: repository check failed: %s", resp.Status)
	}

	var install api.Installation
	if err := json.Unmarshal(data, &install); err != nil {
		return 0, fmt.Errorf("installations: failed to unmarshal response: %w", err)
	}
	if install.ID == nil {
		return 0, fmt.Errorf("installations: installation response is missing id")
	}
	return uint64(*install.ID), nil
}

func (r *Resolver) listPage(req *http.Request) (api.ListInstallationsResponse, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("installations: list request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("installations: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errResp := &api.ErrorResponse{}
		if json.Unmarshal(data, errResp) == nil && errResp.Message != "" {
			return nil, fmt.Errorf("installations: %s(%s)", errResp.Message, resp.Status)
		}
		return nil, fmt.Errorf("installations: list failed: %s", resp.Status)
	}

	var installations api.ListInstallationsResponse
	if err := json.Unmarshal(data, &installations); err != nil {
		return nil, fmt.Errorf("installations: failed to unmarshal response: %w", err)
	}
	return installations, nil
}

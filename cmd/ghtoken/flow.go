// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/sdkfleet/ghtoken"
	"github.com/sdkfleet/ghtoken/internal/installations"
	"github.com/sdkfleet/ghtoken/internal/scrub"
	"github.com/sdkfleet/ghtoken/internal/secrets"
)

// flow carries the state of one token issuance invocation:
// FETCH_KEY -> BUILD_JWT -> EXCHANGE_TOKEN -> USE_TOKEN -> SCRUB.
// Everything it holds dies with the process.
type flow struct {
	cfg      *config
	scrubber *scrub.Scrubber
	logger   *slog.Logger
	manager  *secrets.Manager // nil in key-file mode
	store    secrets.Store
	key      *rsa.PrivateKey
}

// newFlow loads configuration, sets up redacted logging and connects the
// secret store. Callers must defer [flow.close].
func newFlow(ctx context.Context) (*flow, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	scrubber := &scrub.Scrubber{}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(scrub.NewRedactingHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}), scrubber))

	f := &flow{cfg: cfg, scrubber: scrubber, logger: logger}

	if cfg.ProjectID != "" {
		f.manager, err = secrets.NewManager(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		f.store = f.manager
	} else {
		// Key-file mode has no remote store; discovered installation ids
		// are still cached, just not beyond this invocation.
		f.store = &secrets.Memory{}
	}

	return f, nil
}

// close scrubs credentials and releases the secret store client. Always
// runs, success or failure.
func (f *flow) close() {
	if err := f.scrubber.Scrub(); err != nil {
		f.logger.Warn("credential scrub reported errors", slog.String("error", err.Error()))
	}
	if f.manager != nil {
		if err := f.manager.Close(); err != nil {
			f.logger.Warn("failed to close secret store client", slog.String("error", err.Error()))
		}
	}
}

// fetchKey loads and parses the app private key. The PEM is registered
// with the scrubber before parsing so it is zeroed and redacted even when
// parsing fails.
func (f *flow) fetchKey(ctx context.Context) error {
	var pemBytes []byte
	var err error

	if f.cfg.KeyFile != "" {
		f.logger.DebugContext(ctx, "reading app key from file", slog.String("path", f.cfg.KeyFile))
		pemBytes, err = os.ReadFile(f.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to read key file: %w", err)
		}
	} else {
		f.logger.DebugContext(ctx, "fetching app key", slog.String("secret", f.cfg.KeySecret))
		pemBytes, err = f.store.GetLatest(ctx, f.cfg.KeySecret)
		if err != nil {
			return fmt.Errorf("failed to fetch app key: %w", err)
		}
	}

	f.scrubber.SecretBytes(pemBytes)

	key, err := secrets.ParsePrivateKey(pemBytes)
	if err != nil {
		return fmt.Errorf("%w: %w", ghtoken.ErrConfiguration, err)
	}
	f.key = key
	return nil
}

// resolveInstallation returns the installation id for the configured
// repository: the explicitly configured id when present, otherwise the
// secret-store cache with remote discovery fallback.
func (f *flow) resolveInstallation(ctx context.Context) (uint64, error) {
	if f.cfg.InstallationID != 0 {
		return f.cfg.InstallationID, nil
	}

	owner, repo := f.cfg.ownerRepo()

	// App-only transport: JWT auth, no installation bound yet.
	appTransport, err := ghtoken.NewTransport(ctx, f.cfg.AppID, f.key,
		ghtoken.WithEndpoint(f.cfg.Endpoint))
	if err != nil {
		return 0, err
	}

	resolver, err := installations.New(f.store,
		&http.Client{Transport: appTransport, Timeout: f.cfg.Timeout},
		f.cfg.Endpoint, f.logger)
	if err != nil {
		return 0, err
	}

	return resolver.Resolve(ctx, owner, repo)
}

// transport builds the installation scoped transport and mints the token,
// registering all credential material with the scrubber.
func (f *flow) transport(ctx context.Context, installID uint64) (*ghtoken.Transport, ghtoken.InstallationToken, error) {
	t, err := ghtoken.NewTransport(ctx, f.cfg.AppID, f.key,
		ghtoken.WithEndpoint(f.cfg.Endpoint),
		ghtoken.WithInstallationID(installID),
		ghtoken.WithRepository(f.cfg.Repository),
		ghtoken.WithPermissions(f.cfg.Permissions...),
	)
	if err != nil {
		return nil, ghtoken.InstallationToken{}, err
	}

	// The exchange already happened while building the transport; Token
	// reuses it. The signed JWT served that exchange and was discarded by
	// the transport.
	token, err := t.Token(ctx)
	if err != nil {
		return nil, ghtoken.InstallationToken{}, err
	}
	f.scrubber.Secret(token.Token)

	f.logger.InfoContext(ctx, "issued installation token", slog.Any("token", &token))
	return t, token, nil
}

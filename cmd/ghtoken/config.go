// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix is the prefix for all configuration environment variables,
// e.g. GHTOKEN_APP_ID.
const envPrefix = "ghtoken"

// config is supplied by the build/scheduling layer through environment
// variables. The flow has no other inputs.
type config struct {
	// ProjectID is the Google Cloud project holding the app key and the
	// per-repository installation id secrets.
	ProjectID string `envconfig:"PROJECT_ID"`

	// AppID is the GitHub App id.
	AppID uint64 `envconfig:"APP_ID" required:"true"`

	// KeySecret is the Secret Manager secret holding the app's RSA
	// private key (PEM).
	KeySecret string `envconfig:"KEY_SECRET" default:"sdk-updater-app-key"`

	// KeyFile overrides KeySecret with a local PEM file. Development
	// only, scheduled builds always use the secret store.
	KeyFile string `envconfig:"KEY_FILE"`

	// Repository is the target in owner/name form.
	Repository string `envconfig:"REPOSITORY" required:"true"`

	// InstallationID short-circuits installation discovery when the
	// per-repository secret already provided it.
	InstallationID uint64 `envconfig:"INSTALLATION_ID"`

	// Endpoint overrides the GitHub REST API base URL. Empty means the
	// public endpoint.
	Endpoint string `envconfig:"ENDPOINT"`

	// Permissions are the token's scoped permissions.
	Permissions []string `envconfig:"PERMISSIONS" default:"contents:write,pull_requests:write"`

	// BranchPrefix marks branches owned by the update bot. Stale PR
	// cleanup only ever touches branches carrying this prefix.
	BranchPrefix string `envconfig:"BRANCH_PREFIX" default:"sdk-update/"`

	// HeadBranch, BaseBranch, Title and Body describe the update pull
	// request opened by the rotate command.
	HeadBranch string `envconfig:"HEAD_BRANCH"`
	BaseBranch string `envconfig:"BASE_BRANCH" default:"main"`
	Title      string `envconfig:"TITLE"`
	Body       string `envconfig:"BODY"`

	// Timeout bounds every blocking HTTP call; the whole invocation is
	// additionally bounded by the external build timeout.
	Timeout time.Duration `envconfig:"TIMEOUT" default:"60s"`

	// Debug enables debug logging.
	Debug bool `envconfig:"DEBUG"`
}

// loadConfig reads configuration from the environment and validates the
// pieces envconfig cannot express.
func loadConfig() (*config, error) {
	cfg := &config{}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	owner, name, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("GHTOKEN_REPOSITORY must be in owner/name form: %q", cfg.Repository)
	}

	if cfg.KeyFile == "" && cfg.ProjectID == "" {
		return nil, fmt.Errorf("GHTOKEN_PROJECT_ID is required unless GHTOKEN_KEY_FILE is set")
	}

	return cfg, nil
}

// ownerRepo splits the configured repository. loadConfig already validated
// the form.
func (c *config) ownerRepo() (string, string) {
	owner, name, _ := strings.Cut(c.Repository, "/")
	return owner, name
}

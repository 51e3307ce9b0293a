// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package ghtoken

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sdkfleet/ghtoken/internal/api"
)

var (
	_ slog.LogValuer = (*InstallationToken)(nil)
)

// DefaultEndpoint is default GitHub REST API endpoint.
const DefaultEndpoint = api.DefaultEndpoint

// InstallationToken is an installation access token from GitHub. It is
// scoped to a single installation, expires roughly one hour after issue
// and is held in process memory only.
type InstallationToken struct {
	// Installation access token. Typically starts with "ghs_".
	Token string `json:"token" yaml:"token"`

	// GitHub API endpoint. This is also used for token revocation.
	Server string `json:"server,omitempty" yaml:"server,omitempty"`

	// GitHub app ID.
	AppID uint64 `json:"app_id,omitempty" yaml:"appID,omitempty"`

	// GitHub app name.
	AppName string `json:"app_name,omitempty" yaml:"appName,omitempty"`

	// Installation ID for the app.
	InstallationID uint64 `json:"installation_id,omitempty" yaml:"installationID,omitempty"`

	// Token exp time. Approximately one hour from issue.
	Exp time.Time `json:"exp,omitempty" yaml:"exp,omitempty"`

	// Installation owner. This is owner of the installation.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`

	// Repositories which can be accessed with the token. This may be empty
	// if scoped token is not requested. In such cases, token will have
	// access to all repositories accessible by the installation.
	Repositories []string `json:"repositories,omitempty" yaml:"repositories,omitempty"`

	// Permissions available for the token. This may be omitted if scoped
	// permissions are not requested. In such cases token has all permissions
	// available to the installation.
	Permissions map[string]string `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	// BotUsername is app's github username.
	BotUsername string `json:"bot_username,omitempty" yaml:"botUsername,omitempty"`

	// BotCommitterEmail is committer email to use to attribute commits
	// to the bot.
	BotCommitterEmail string `json:"bot_committer_email,omitempty" yaml:"botCommitterEmail,omitempty"`
}

// LogValue implements [log/slog.LogValuer]. The token itself is never logged.
func (t *InstallationToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server", t.Server),
		slog.Uint64("app_id", t.AppID),
		slog.String("app_name", t.AppName),
		slog.Uint64("installation_id", t.InstallationID),
		slog.Any("repositories", t.Repositories),
		slog.String("token", "REDACTED"),
		slog.Time("exp", t.Exp),
		slog.Any("permissions", t.Permissions),
	)
}

// IsValid checks if [InstallationToken] is valid for at-least 60 seconds.
func (t *InstallationToken) IsValid() bool {
	return t.Token != "" && t.Exp.After(time.Now().Add(time.Minute))
}

// Revoke revokes the installation access token. Tokens expire naturally
// about an hour after issue, revocation simply shrinks the window.
func (t *InstallationToken) Revoke(ctx context.Context) error {
	return t.revoke(ctx, nil)
}

// revoke is internal version of Revoke which supports custom round tripper
// for testing.
func (t *InstallationToken) revoke(ctx context.Context, rt http.RoundTripper) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !t.IsValid() {
		return fmt.Errorf("%w: cannot revoke already invalid token", ErrConfiguration)
	}

	server := t.Server
	if t.Server == "" {
		server = DefaultEndpoint
	}
	u, err := url.Parse(server)
	if err != nil {
		return fmt.Errorf("%w: invalid server url: %w", ErrConfiguration, err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("%w: invalid url scheme: %s (%s)", ErrConfiguration, u.Scheme, server)
	}

	if u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("%w: server url cannot have fragments or queries: %s",
			ErrConfiguration, server)
	}

	u = u.JoinPath("installation", "token")

	r, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: failed to build revoke request: %w", ErrConfiguration, err)
	}

	r.Header.Set(api.VersionHeader, api.VersionHeaderValue)
	r.Header.Set(api.AuthzHeader, "token "+t.Token)
	r.Header.Add(api.AcceptHeader, api.AcceptHeaderValue)
	r.Header.Add(api.UAHeader, api.UAHeaderValue)

	client := http.Client{
		Timeout: time.Minute,
	}
	if rt != nil {
		client.Transport = rt
	}

	resp, err := client.Do(r)
	if err != nil {
		return fmt.Errorf("%w: failed to revoke token: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: failed to revoke token, expected(204) but got %s",
			ErrAuth, resp.Status)
	}

	// If successful indicate token is no longer valid.
	t.Exp = time.Now()

	return nil
}

// NewInstallationToken returns new installation access token.
// This takes same options as [NewTransport]. Each call builds a fresh
// transport and returns the token minted during its construction, so
// successive calls return distinct tokens and no signed JWT is exchanged
// more than once. Tokens are never cached across invocations.
func NewInstallationToken(ctx context.Context, appid uint64, signer crypto.Signer, opts ...Option) (InstallationToken, error) {
	t, err := NewTransport(ctx, appid, signer, opts...)
	if err != nil {
		return InstallationToken{}, err
	}
	return t.Token(ctx)
}

// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package ghtoken

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sdkfleet/ghtoken/internal/api"
)

var (
	_ http.RoundTripper = (*Transport)(nil)
)

// ctxJWTKey is context key to indicate round tripper needs to use jwt
// instead of installation token.
type ctxJWTKey struct{}

// ctxWithJWTKey adds ctxJWTKey to context to indicate round tripper should
// use JWT. This is required because fetching app metadata, resolving
// installations and creating installation tokens all authenticate as the
// app itself.
func ctxWithJWTKey(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxJWTKey{}, struct{}{})
}

// ctxHasJWTKey checks if context has ctxJWTKey. This is used to re-use the
// same transport for token renewals.
func ctxHasJWTKey(ctx context.Context) bool {
	return ctx.Value(ctxJWTKey{}) != nil
}

// retryBackoff is the wait before the single retry on transient exchange
// failures. Bounded well within the JWT validity window.
const retryBackoff = 2 * time.Second

// Transport provides a [http.RoundTripper] by wrapping an existing
// http.RoundTripper and authenticates either as a GitHub App (JWT) or as
// a GitHub app installation (installation access token).
//
// 'Authorization' header is automatically populated with a suitable
// installation token or JWT for all requests. Token renewal requests
// always override 'Accept' and "X-GitHub-Api-Version" headers.
type Transport struct {
	appID       uint64            // app ID
	appSlug     string            // app slug/name
	installID   uint64            // installation id
	owner       string            // installation owner
	repo        string            // target repository name, without owner
	ua          string            // user agent
	next        http.RoundTripper // next round tripper
	baseURL     *url.URL          // REST API v3 base URL
	minter      jwtMinter         // jwt minter
	jwt         atomic.Value      // current app jwt
	token       atomic.Value      // current installation token
	botUsername string            // bot user.name
	botEmail    string            // bot user.email
	scopes      map[string]string // scoped permissions
}

// NewTransport creates a new [Transport] for authenticating as an
// app/installation.
//
// How [Transport] authenticates depends on installation options specified.
//
//   - If no installation options are specified, [Transport] can only
//     authenticate as the app (using JWT). That is sufficient only for
//     app-level endpoints like listing installations.
//   - Use [WithInstallationID] when the installation id is already known,
//     typically from the per-repository secret.
//   - Use [WithRepository] to scope the installation token to a single
//     repository. The owner is derived from the repository's full name.
//   - [WithPermissions] limits the scope of permissions available to the
//     access token.
//
// Access token and JWT are automatically refreshed whenever required within
// a single invocation. Nothing is cached across processes.
//
// If only an installation access token or JWT is required but not the round
// tripper, use [NewInstallationToken] or [NewJWT] respectively.
func NewTransport(ctx context.Context, appid uint64, signer crypto.Signer, opts ...Option) (*Transport, error) {
	var err error
	if signer == nil {
		err = errors.Join(err, errors.New("no signer provided"))
	}

	if appid == 0 {
		err = errors.Join(err, errors.New("app id cannot be zero"))
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	// Apply all options.
	t := &Transport{
		appID: appid,
	}

	for i := range opts {
		if opts[i] != nil {
			err = errors.Join(err, opts[i].apply(t))
		}
	}

	// If only a repository name is given, but not the owner.
	if t.repo != "" && t.owner == "" {
		err = errors.Join(err, errors.New("owner not specified"))
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	// If there is no existing round tripper, use DefaultTransport.
	if t.next == nil {
		t.next = http.DefaultTransport
	}

	// If there is no custom user agent specified, use default.
	if t.ua == "" {
		t.ua = api.UAHeaderValue
	}

	// If endpoint is not configured, use default endpoint.
	if t.baseURL == nil {
		t.baseURL, _ = url.Parse(api.DefaultEndpoint)
	}

	// If context is nil, assign a default context.
	if ctx == nil {
		ctx = context.Background()
	}

	t.minter, err = newJWTMinter(signer)
	if err != nil {
		return nil, err
	}

	// Shared client for init operations.
	client := &http.Client{
		Transport: t,
	}

	// Verify app id and signer are both valid.
	err = t.checkApp(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to verify app: %w", err)
	}

	// t.owner is populated by WithRepository or WithOwner. t.installID is
	// only populated if installation id is specified.
	if t.owner != "" || t.installID != 0 {
		// Check installation.
		err = t.checkInstallation(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to verify installation: %w", err)
		}

		// Fetch bot user metadata.
		err = t.fetchBotUserID(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch bot user metadata: %w", err)
		}
	}

	return t, nil
}

// AppID returns the GitHub app id.
func (t *Transport) AppID() uint64 {
	return t.appID
}

// AppName returns the GitHub app slug.
func (t *Transport) AppName() string {
	return t.appSlug
}

// BotUsername returns the GitHub app's username.
func (t *Transport) BotUsername() string {
	return t.botUsername
}

// BotCommitterEmail returns the GitHub app's no-reply email to use for git metadata.
func (t *Transport) BotCommitterEmail() string {
	return t.botEmail
}

// InstallationID returns the GitHub installation id. If no repository or
// owner is configured, this will return 0.
func (t *Transport) InstallationID() uint64 {
	return t.installID
}

// Owner returns the installation owner.
func (t *Transport) Owner() string {
	return t.owner
}

// Repository returns the repository name the transport is scoped to,
// without the owner prefix. Empty if the token is installation-wide.
func (t *Transport) Repository() string {
	return t.repo
}

// ScopedPermissions returns permissions configured for the transport.
// This is not the same as app permissions. This will return nil if
// no scoped permissions are set.
func (t *Transport) ScopedPermissions() map[string]string {
	return maps.Clone(t.scopes)
}

// checkApp verifies app id and signer both are valid. This also populates
// the app's name.
func (t *Transport) checkApp(ctx context.Context, client *http.Client) error {
	u := t.baseURL.JoinPath("app")

	// Set context to use JWT.
	r, _ := http.NewRequestWithContext(ctxWithJWTKey(ctx), http.MethodGet, u.String(), nil)

	// Verify the key is valid by making a request to /app.
	// See - https://docs.github.com/en/rest/apps/apps?apiVersion=2022-11-28
	resp, err := client.Do(r)
	if err != nil {
		return fmt.Errorf("%w: failed to verify key for app id %d: %w", ErrTransient, t.appID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusUnauthorized, http.StatusNotFound:
		return fmt.Errorf("%w: invalid app id or credentials: %s", ErrAuth, resp.Status)
	default:
		return fmt.Errorf("%w: failed to verify key for app id %d: %s",
			ErrTransient, t.appID, resp.Status)
	}

	// Populate app's slug.
	appResp := api.App{}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrTransient, err)
	}

	err = json.Unmarshal(data, &appResp)
	if err != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %w", ErrTransient, err)
	}

	if appResp.Slug != nil {
		t.appSlug = *appResp.Slug
	}
	return nil
}

// checkInstallation gets installation for a repo/owner and verifies
// permissions on the installation match the requested scopes (app
// permissions can be updated independent of installation).
//
// https://docs.github.com/en/rest/apps/apps?apiVersion=2022-11-28#get-a-repository-installation-for-the-authenticated-app
func (t *Transport) checkInstallation(ctx context.Context, client *http.Client) error {
	var u *url.URL
	switch {
	case t.installID != 0:
		u = t.baseURL.JoinPath("app", "installations", strconv.FormatUint(t.installID, 10))
	case t.repo != "":
		u = t.baseURL.JoinPath("repos", t.owner, t.repo, "installation")
	default:
		u = t.baseURL.JoinPath("users", t.owner, "installation")
	}

	// Set context to use JWT.
	r, _ := http.NewRequestWithContext(ctxWithJWTKey(ctx), http.MethodGet, u.String(), nil)
	resp, err := client.Do(r)
	if err != nil {
		return fmt.Errorf("%w: error fetching installation for %s: %w", ErrTransient, t.owner, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %w", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		sentinel := ErrTransient
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			sentinel = ErrAuth
		}
		errResp := &api.ErrorResponse{}
		err = json.Unmarshal(data, errResp)
		if err == nil && errResp.Message != "" {
			return fmt.Errorf("%w: %s(%s)", sentinel, errResp.Message, resp.Status)
		}
		return fmt.Errorf("%w: %s", sentinel, resp.Status)
	}

	getInstallationResp := api.Installation{}
	err = json.Unmarshal(data, &getInstallationResp)
	if err != nil {
		return fmt.Errorf("%w: failed to unmarshal response body: %w", ErrTransient, err)
	}

	if getInstallationResp.ID == nil {
		return fmt.Errorf("%w: installation response is missing id", ErrTransient)
	}

	// Check if installation is suspended.
	if getInstallationResp.SuspendedAt != nil {
		if getInstallationResp.SuspendedAt.Time.Before(time.Now()) {
			return fmt.Errorf("%w: installation id %d is not active",
				ErrAuth, *getInstallationResp.ID)
		}
	}

	// Check scoped permissions are supported by the app's installation.
	// Permissions on the app itself are not checked as effective permissions
	// depend on those granted by installation and scopes defined.
	err = t.checkInstallationPermissions(getInstallationResp.Permissions)
	if err != nil {
		return err
	}

	// Save installation ID.
	if t.installID == 0 {
		t.installID = uint64(*getInstallationResp.ID)
	} else if t.installID != uint64(*getInstallationResp.ID) {
		return fmt.Errorf("%w: configured installation id %d, does not match actual value %d",
			ErrConfiguration, t.installID, *getInstallationResp.ID)
	}

	// Save owner if not specified. This is the case where only installation
	// id is given.
	if t.owner == "" && getInstallationResp.Account != nil && getInstallationResp.Account.Login != nil {
		t.owner = *getInstallationResp.Account.Login
	}

	// Try to create a new installation token for scopes and repository
	// specified. This is immediately used to fetch bot metadata.
	_, err = t.installationAuthzHeaderValue(ctx)
	if err != nil {
		return err
	}

	return nil
}

// fetchBotUserID fetches bot's GitHub user id.
func (t *Transport) fetchBotUserID(ctx context.Context, client *http.Client) error {
	u := t.baseURL.JoinPath("users", fmt.Sprintf("%s[bot]", t.appSlug))
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %w", ErrConfiguration, err)
	}

	resp, err := client.Do(r)
	if err != nil {
		return fmt.Errorf("%w: request failed: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrTransient, err)
	}

	// If the API responds with non 200 status, try to read the error message
	// in the response.
	if resp.StatusCode != http.StatusOK {
		errResp := &api.ErrorResponse{}
		err = json.Unmarshal(data, errResp)
		if err == nil && errResp.Message != "" {
			return fmt.Errorf("%w: %s(%s)", ErrTransient, errResp.Message, resp.Status)
		}
		return fmt.Errorf("%w: %s", ErrTransient, resp.Status)
	}

	user := api.User{}
	err = json.Unmarshal(data, &user)
	if err != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %w", ErrTransient, err)
	}

	if user.ID == nil || user.Login == nil {
		return fmt.Errorf("%w: missing user id or login in API response", ErrTransient)
	}

	t.botUsername = *user.Login
	t.botEmail = fmt.Sprintf("%d+%s@users.noreply.github.com", *user.ID, *user.Login)
	return nil
}

// checkInstallationPermissions checks if installation permissions support
// scoped permissions.
//
// This is a separate method to make unit testing easier. Do not fold it
// into checkInstallation.
func (t *Transport) checkInstallationPermissions(permissions map[string]string) error {
	// No scoped permissions are specified, app's default permissions apply,
	// no additional validation is required.
	if len(t.scopes) == 0 {
		return nil
	}

	missing := make([]string, 0, len(t.scopes))
	for scopeName, scopeLevel := range t.scopes {
		// Lookup if installation permission has that scope.
		installLevel, ok := permissions[scopeName]
		if !ok {
			missing = append(missing, scopeName)
			continue
		}

		// Installation permissions can be read/write/admin. So for scoped
		// permissions, if admin level is requested, installation permission
		// must also be admin. If write level is requested, installation
		// permission can be 'write' or 'admin'. If read level is requested,
		// installation permission can be 'read', 'write' or 'admin'.
		switch scopeLevel {
		case api.PermissionLevelAdmin:
			if installLevel != api.PermissionLevelAdmin {
				missing = append(missing, fmt.Sprintf("%s:%s", scopeName, scopeLevel))
			}
		case api.PermissionLevelWrite:
			switch installLevel {
			case api.PermissionLevelWrite, api.PermissionLevelAdmin:
			default:
				missing = append(missing, fmt.Sprintf("%s:%s", scopeName, scopeLevel))
			}
		case api.PermissionLevelRead:
			switch installLevel {
			case api.PermissionLevelRead, api.PermissionLevelWrite, api.PermissionLevelAdmin:
			default:
				missing = append(missing, fmt.Sprintf("%s:%s", scopeName, scopeLevel))
			}
		default:
			return fmt.Errorf("%w: unknown %s level - %s", ErrConfiguration, scopeName, scopeLevel)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing requested permissions: %v", ErrAuth, missing)
	}
	return nil
}

// JWT returns already existing JWT bearer token or mints a new one.
func (t *Transport) JWT(ctx context.Context) (JWT, error) {
	v := t.jwt.Load()
	if v != nil {
		if bearer, _ := v.(JWT); bearer.IsValid() {
			return bearer, nil
		}
	}

	bearer, err := t.minter.Mint(ctx, t.appID, time.Now())
	if err != nil {
		return JWT{}, err
	}

	// Mint returns bearer token without the app slug, add it.
	bearer.AppName = t.appSlug
	t.jwt.Store(bearer)
	return bearer, nil
}

// Token returns the installation token minted while the transport was
// built, exchanging a fresh JWT only after that token expires. This is the
// accessor for flows where one invocation must perform exactly one
// exchange; use [Transport.InstallationToken] to force a fresh token.
func (t *Transport) Token(ctx context.Context) (InstallationToken, error) {
	if t.installID == 0 {
		return InstallationToken{}, fmt.Errorf("%w: installation id is not configured",
			ErrConfiguration)
	}

	v := t.token.Load()
	if v != nil {
		if token, _ := v.(InstallationToken); token.IsValid() {
			return token, nil
		}
	}

	token, err := t.InstallationToken(ctx)
	if err != nil {
		return InstallationToken{}, err
	}
	t.token.Store(token)
	return token, nil
}

// InstallationToken returns a new installation access token. This always
// returns a new token, thus callers can safely revoke the token whenever
// required. Transient failures (network errors and 5xx responses) are
// retried exactly once after a short backoff; 4xx responses are fatal.
func (t *Transport) InstallationToken(ctx context.Context) (InstallationToken, error) {
	if t.installID == 0 {
		return InstallationToken{}, fmt.Errorf("%w: installation id is not configured",
			ErrConfiguration)
	}

	token, err := t.exchangeToken(ctx)
	if err != nil && errors.Is(err, ErrTransient) {
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return InstallationToken{}, fmt.Errorf("%w: %w", ErrTransient, context.Cause(ctx))
		}
		token, err = t.exchangeToken(ctx)
	}
	return token, err
}

// exchangeToken performs a single JWT to installation token exchange.
func (t *Transport) exchangeToken(ctx context.Context) (InstallationToken, error) {
	var repos []string
	if t.repo != "" {
		repos = []string{t.repo}
	}

	buf, err := json.Marshal(api.InstallationTokenRequest{
		Repositories: repos,
		Permissions:  t.scopes,
	})
	if err != nil {
		return InstallationToken{},
			fmt.Errorf("%w: failed to marshal token request: %w", ErrConfiguration, err)
	}

	tokenURL := t.baseURL.JoinPath(
		"app", "installations",
		strconv.FormatUint(t.installID, 10),
		"access_tokens")

	// Force using JWT via ctxWithJWTKey.
	r, err := http.NewRequestWithContext(
		ctxWithJWTKey(ctx), http.MethodPost, tokenURL.String(), bytes.NewBuffer(buf))
	if err != nil {
		return InstallationToken{},
			fmt.Errorf("%w: failed to build token request: %w", ErrConfiguration, err)
	}

	client := http.Client{
		Transport: t,
	}

	resp, err := client.Do(r)
	if err != nil {
		return InstallationToken{},
			fmt.Errorf("%w: failed to get installation token: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return InstallationToken{},
			fmt.Errorf("%w: failed to read response: %w", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusCreated {
		sentinel := ErrTransient
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
			http.StatusUnprocessableEntity:
			sentinel = ErrAuth
		}

		// Try to decode error message if possible.
		// GitHub API error response JSON is inconsistent.
		errResp := &api.ErrorResponse{}
		err = json.Unmarshal(data, errResp)
		if err == nil && errResp.Message != "" {
			// Error string MUST include response code or response status
			// for operator diagnosis.
			return InstallationToken{},
				fmt.Errorf("%w: %s(%s)", sentinel, errResp.Message, resp.Status)
		}
		return InstallationToken{},
			fmt.Errorf("%w: failed to get installation token: %s", sentinel, resp.Status)
	}

	tokenResp := api.InstallationTokenResponse{}
	err = json.Unmarshal(data, &tokenResp)
	if err != nil {
		return InstallationToken{},
			fmt.Errorf("%w: failed to unmarshal response: %w", ErrTransient, err)
	}

	token := InstallationToken{
		Server:         t.baseURL.String(),
		AppID:          t.appID,
		AppName:        t.appSlug,
		InstallationID: t.installID,
		Token:          tokenResp.Token,
		Owner:          t.owner,
	}

	if tokenResp.Exp != nil {
		token.Exp = tokenResp.Exp.Time
	}

	if tokenResp.Repositories != nil {
		token.Repositories = make([]string, 0, len(tokenResp.Repositories))
		for _, item := range tokenResp.Repositories {
			if item != nil && item.Name != nil {
				token.Repositories = append(token.Repositories, *item.Name)
			}
		}
	}

	token.BotCommitterEmail = t.botEmail
	token.BotUsername = t.botUsername
	if tokenResp.Permissions != nil {
		token.Permissions = tokenResp.Permissions
	}

	// The signed JWT has served its one successful exchange, drop it so
	// the next exchange mints a fresh one.
	t.jwt.Store(JWT{})

	return token, nil
}

// installationAuthzHeaderValue returns Authorization header value to be used
// for accessing API as installation. The token is automatically refreshed
// whenever required within this invocation. This already includes prefix
// Bearer and can be directly used with [net/http.Header.Set]. If error
// occurs during creating a new token, header string value is empty.
func (t *Transport) installationAuthzHeaderValue(ctx context.Context) (string, error) {
	token, err := t.Token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token.Token, nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrConfiguration)
	}

	if !strings.EqualFold(t.baseURL.Host, req.URL.Host) {
		return nil,
			fmt.Errorf("%w: host for round tripper(%s) does not match host for request(%s)",
				ErrConfiguration, t.baseURL.Host, req.URL.Host)
	}

	ctx := req.Context()
	clone := cloneRequest(req) // RoundTripper should not modify request

	// ctxHasJWTKey is only set for app endpoints and token renewals.
	if ctxHasJWTKey(ctx) {
		// Always ignore 'Accept' and 'X-GitHub-Api-Version' headers if
		// any and always use library defaults.
		clone.Header.Set(api.AcceptHeader, api.AcceptHeaderValue)
		clone.Header.Set(api.VersionHeader, api.VersionHeaderValue)
	}

	// Use fallback User Agent header if it is missing.
	if clone.Header.Get(api.UAHeader) == "" {
		clone.Header.Set(api.UAHeader, t.ua)
	}

	// Installation id is populated when WithRepository, WithOwner or
	// WithInstallationID are used. If the context key is set or no
	// installation is configured, transport uses JWT for authentication.
	// Otherwise, it uses the installation access token.
	if t.installID == 0 || ctxHasJWTKey(ctx) {
		jwt, err := t.JWT(ctx)
		if err != nil {
			return nil, err
		}
		clone.Header.Set(api.AuthzHeader, api.AuthzHeaderValue(jwt.Token))
	} else {
		authzHeaderValue, err := t.installationAuthzHeaderValue(ctx)
		if err != nil {
			return nil, err
		}
		clone.Header.Set(api.AuthzHeader, authzHeaderValue)
	}

	//nolint:wrapcheck // don't wrap errors returned by underlying round-tripper.
	return t.next.RoundTrip(clone)
}

// cloneRequest returns a clone of the provided *http.Request.
// The clone is a shallow copy of the struct and its shallow copy of
// the Header map.
func cloneRequest(r *http.Request) *http.Request {
	// shallow copy of the struct
	clone := new(http.Request)
	*clone = *r

	// shallow copy of the Headers.
	clone.Header = maps.Clone(r.Header)
	return clone
}

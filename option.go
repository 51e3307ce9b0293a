// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package ghtoken

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Options takes a variadic slice of [Option] and returns a single [Option]
// which includes all the given options. This is useful for sharing presets.
// If conflicting options are specified, last one specified wins. As a
// special case, if no options are specified or all specified options are
// nil, this will return nil.
func Options(options ...Option) Option {
	nils := 0
	for i := range options {
		if options[i] == nil {
			nils++
		}
	}
	if len(options) == nils {
		return nil
	}

	return &funcOption{
		f: func(t *Transport) error {
			var err error
			for i := range options {
				if options[i] != nil {
					err = errors.Join(err, options[i].apply(t))
				}
			}
			return err
		},
	}
}

// Option is option to apply for [Transport].
type Option interface {
	apply(t *Transport) error
}

// funcOption wraps a function that is applied to the Transport during its
// initial configuration. It implements [Option] interface.
type funcOption struct {
	f func(*Transport) error
}

func (opt *funcOption) apply(t *Transport) error {
	return opt.f(t)
}

var (
	repoNameRegExp  = regexp.MustCompile("^(((.)[a-z-0-9-.]+)|([a-z0-9-]([a-z0-9-.]+)?))$")
	userNameRegExp  = regexp.MustCompile("^([a-z0-9]([a-z0-9-]+)?)$")
	permissionRegEx = regexp.MustCompile("^[a-z]([a-z_]+[a-z])?[:|=](read|write|admin)$")
)

// WithEndpoint configures [Transport] to use custom REST API(v3) endpoint
// for authenticating as app, obtaining installation metadata and creating
// installation access tokens.
//
// When not specified or empty, "https://api.github.com/" is used.
func WithEndpoint(endpoint string) Option {
	if endpoint == "" {
		return nil
	}
	return &funcOption{
		f: func(t *Transport) error {
			u, err := url.Parse(endpoint)
			if err != nil {
				return fmt.Errorf("invalid endpoint url: %w", err)
			}
			switch u.Scheme {
			case "http", "https":
			default:
				return fmt.Errorf("invalid url scheme: %s (%s)", u.Scheme, endpoint)
			}

			if u.Fragment != "" || u.RawQuery != "" {
				return fmt.Errorf("endpoint cannot have fragments or queries: %s", endpoint)
			}

			t.baseURL = u
			return nil
		},
	}
}

// WithRoundTripper configures [Transport] to use next as next
// [http.RoundTripper].
//
// This can be used to further customize headers or add logging. This only
// applies to authentication API calls and not the http client using the
// [Transport].
func WithRoundTripper(next http.RoundTripper) Option {
	if next == nil {
		return nil
	}
	return &funcOption{
		f: func(t *Transport) error {
			t.next = next
			return nil
		},
	}
}

// WithUserAgent configures user agent header to use for token related API
// requests.
func WithUserAgent(ua string) Option {
	if strings.TrimSpace(ua) == "" {
		return nil
	}
	return &funcOption{
		f: func(t *Transport) error {
			t.ua = ua
			return nil
		},
	}
}

// WithRepository scopes the installation token to a single repository.
// Accepts "owner/name" or a bare repository name if [WithOwner] is also
// given. Each build invocation targets exactly one repository, so unlike
// app-wide tooling there is no multi-repository form.
func WithRepository(repo string) Option {
	if repo == "" {
		return nil
	}
	return &funcOption{
		f: func(t *Transport) error {
			repo = strings.ToLower(repo)
			username, name, ok := strings.Cut(repo, "/")
			if ok {
				if !userNameRegExp.MatchString(username) {
					return fmt.Errorf("invalid repository owner: %s", repo)
				}

				// Owner may have been configured already via WithOwner,
				// ensure they do not conflict.
				if t.owner != "" && t.owner != username {
					return fmt.Errorf("repository owner(%s) conflicts with configured owner(%s)",
						username, t.owner)
				}
				t.owner = username
			} else {
				name = repo
			}

			if !repoNameRegExp.MatchString(name) {
				return fmt.Errorf("invalid repository name: %s", name)
			}

			if t.repo != "" && t.repo != name {
				return fmt.Errorf("repository is already configured(%s): %s", t.repo, name)
			}

			t.repo = name
			return nil
		},
	}
}

// WithOwner configures installation owner to use.
func WithOwner(username string) Option {
	return &funcOption{
		f: func(t *Transport) error {
			username = strings.ToLower(username)
			if !userNameRegExp.MatchString(username) {
				return fmt.Errorf("invalid username: %s", username)
			}

			// If owner was already set, it might have been extracted from
			// the repository. Ensure they do not conflict.
			if t.owner != "" && t.owner != username {
				return fmt.Errorf("owner is already configured(%s): %s", t.owner, username)
			}

			t.owner = username
			return nil
		},
	}
}

// WithInstallationID configures [Transport] to use installation id
// specified. This is the common path for scheduled builds, where the
// installation id comes from the per-repository secret and no discovery
// round trip is required.
func WithInstallationID(id uint64) Option {
	return &funcOption{
		f: func(t *Transport) error {
			if id == 0 {
				return fmt.Errorf("installation id cannot be zero")
			}

			// If installation id is already set, ensure they do not conflict.
			if t.installID != 0 && t.installID != id {
				return fmt.Errorf("installation id is already configured(%d): %d", t.installID, id)
			}

			t.installID = id
			return nil
		},
	}
}

// WithPermissions configures permission scopes. This is useful when app has
// a broader set of permissions and a scoped access token is required.
//
// Permissions MUST be specified in <scope>:<access> or <scope>=<access>
// format. Where scope is permission scope like "pull_requests" and access
// can be one of "read", "write" or "admin".
//
// For example, permission to manage pull requests and contents can be
// specified as,
//
//	ghtoken.WithPermissions("contents:write", "pull_requests:write")
func WithPermissions(permissions ...string) Option {
	if len(permissions) == 0 {
		return nil
	}
	return &funcOption{
		f: func(t *Transport) error {
			m := make(map[string]string, len(permissions))
			invalid := make([]string, 0, len(permissions))
			for _, item := range permissions {
				item = strings.ToLower(item)
				if permissionRegEx.MatchString(item) {
					// Replace = with :
					item = strings.ReplaceAll(item, "=", ":")

					// Ignore error checks as regex already validates that
					// permissions are in <scope>:<level> format.
					scope, level, _ := strings.Cut(item, ":")
					m[scope] = level
				} else {
					invalid = append(invalid, item)
				}
			}
			if len(invalid) != 0 {
				return fmt.Errorf("invalid permissions: %v", invalid)
			}
			t.scopes = m
			return nil
		},
	}
}

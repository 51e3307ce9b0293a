// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package ghtoken

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/sdkfleet/ghtoken/internal/testkeys"
)

// fakeGitHub emulates the subset of the GitHub REST API used by Transport.
type fakeGitHub struct {
	t *testing.T

	appID   uint64
	slug    string
	install int64
	owner   string
	repo    string

	// permissions granted to the installation.
	permissions map[string]string

	// tokenFailures is the number of 500 responses to serve for token
	// requests before succeeding. tokenStatus, when non-zero, is served
	// for all token requests instead.
	tokenFailures atomic.Int32
	tokenStatus   int

	tokenRequests atomic.Int32
	tokenCounter  atomic.Int32

	// exchangesByJWT counts successful token exchanges per signed JWT.
	mu             sync.Mutex
	exchangesByJWT map[string]int
}

// assertJWTSingleUse fails the test when any signed JWT served more than
// one successful token exchange.
func (f *fakeGitHub) assertJWTSingleUse(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.exchangesByJWT {
		if n > 1 {
			t.Errorf("a signed jwt served %d successful exchanges, expected at most 1", n)
		}
	}
}

// verifyJWT checks the Authorization header carries a JWT signed by the
// app key with GitHub's claim constraints.
func (f *fakeGitHub) verifyJWT(w http.ResponseWriter, r *http.Request) bool {
	f.t.Helper()

	value := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(value, "Bearer ")
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	token, err := gojwt.Parse(raw, func(*gojwt.Token) (any, error) {
		return testkeys.RSA2048().Public(), nil
	}, gojwt.WithIssuer(fmt.Sprintf("%d", f.appID)))
	if err != nil || !token.Valid {
		f.t.Logf("rejecting jwt: %v", err)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "bad credentials"})
		return false
	}

	exp, _ := token.Claims.GetExpirationTime()
	iat, _ := token.Claims.GetIssuedAt()
	if exp == nil || iat == nil || exp.Sub(iat.Time) > 10*time.Minute {
		f.t.Errorf("jwt lifetime exceeds 10 minutes")
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (f *fakeGitHub) installation() map[string]any {
	return map[string]any{
		"id":          f.install,
		"app_id":      f.appID,
		"account":     map[string]any{"login": f.owner, "id": 1000},
		"permissions": f.permissions,
	}
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /app", func(w http.ResponseWriter, r *http.Request) {
		if !f.verifyJWT(w, r) {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": f.appID, "slug": f.slug})
	})

	installHandler := func(w http.ResponseWriter, r *http.Request) {
		if !f.verifyJWT(w, r) {
			return
		}
		_ = json.NewEncoder(w).Encode(f.installation())
	}
	mux.HandleFunc(fmt.Sprintf("GET /app/installations/%d", f.install), installHandler)
	mux.HandleFunc(fmt.Sprintf("GET /repos/%s/%s/installation", f.owner, f.repo), installHandler)
	mux.HandleFunc(fmt.Sprintf("GET /users/%s/installation", f.owner), installHandler)

	mux.HandleFunc(fmt.Sprintf("POST /app/installations/%d/access_tokens", f.install),
		func(w http.ResponseWriter, r *http.Request) {
			f.tokenRequests.Add(1)
			if !f.verifyJWT(w, r) {
				return
			}

			if f.tokenStatus != 0 {
				w.WriteHeader(f.tokenStatus)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "token request rejected"})
				return
			}

			if f.tokenFailures.Load() > 0 {
				f.tokenFailures.Add(-1)
				w.WriteHeader(http.StatusBadGateway)
				return
			}

			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			f.mu.Lock()
			if f.exchangesByJWT == nil {
				f.exchangesByJWT = map[string]int{}
			}
			f.exchangesByJWT[raw]++
			f.mu.Unlock()

			n := f.tokenCounter.Add(1)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":        fmt.Sprintf("ghs_testtoken%d", n),
				"expires_at":   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
				"repositories": []map[string]any{{"name": f.repo, "id": 2000}},
				"permissions":  f.permissions,
			})
		})

	mux.HandleFunc(fmt.Sprintf("GET /users/%s[bot]", f.slug),
		func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"login": f.slug + "[bot]",
				"id":    41898282,
			})
		})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.t.Logf("fake github: unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
	})

	return mux
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	fake := &fakeGitHub{
		t:       t,
		appID:   1770057,
		slug:    "fleet-updater",
		install: 123,
		owner:   "org",
		repo:    "python-sdk",
		permissions: map[string]string{
			"metadata":      "read",
			"contents":      "write",
			"pull_requests": "write",
		},
	}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	return fake, server
}

func TestCtxJWTKey(t *testing.T) {
	ctx := context.Background()

	if ctxHasJWTKey(ctx) {
		t.Errorf("context.Background() should not have a value")
	}

	if !ctxHasJWTKey(ctxWithJWTKey(ctx)) {
		t.Errorf("ctxHasJWTKey(ctxWithJWTKey(ctx)) should return true")
	}
}

func TestNewTransport_InvalidOptions(t *testing.T) {
	type testCase struct {
		name    string
		appID   uint64
		signer  crypto.Signer
		options []Option
	}

	tt := []testCase{
		{
			name: "no-signer",
		},
		{
			name:   "no-app-id",
			signer: testkeys.RSA2048(),
		},
		{
			name:    "endpoint-unsupported-scheme",
			signer:  testkeys.RSA2048(),
			options: []Option{WithEndpoint("file://")},
			appID:   99,
		},
		{
			name:    "endpoint-with-query",
			signer:  testkeys.RSA2048(),
			options: []Option{WithEndpoint("https://localhost:9999/foo?test=1")},
			appID:   99,
		},
		{
			name:    "repo-without-owner",
			signer:  testkeys.RSA2048(),
			options: []Option{WithRepository("python-sdk")},
			appID:   99,
		},
		{
			name:    "invalid-owner",
			signer:  testkeys.RSA2048(),
			options: []Option{WithOwner("foo.bar")},
			appID:   99,
		},
		{
			name:    "unsupported-key-ecdsa",
			signer:  testkeys.ECP256(),
			options: []Option{WithRepository("org/python-sdk")},
			appID:   99,
		},
		{
			name:    "unsupported-key-rsa-1024",
			signer:  testkeys.RSA1024(),
			options: []Option{WithRepository("org/python-sdk")},
			appID:   99,
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			transport, err := NewTransport(context.Background(), tc.appID, tc.signer, tc.options...)
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
			if transport != nil {
				t.Errorf("transport must be nil on error, got %#v", transport)
			}
		})
	}
}

func TestNewTransport(t *testing.T) {
	t.Run("with-repository", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
			WithPermissions("contents:write", "pull_requests:write"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if transport.AppName() != "fleet-updater" {
			t.Errorf("expected app name fleet-updater, got %s", transport.AppName())
		}
		if transport.InstallationID() != 123 {
			t.Errorf("expected installation id 123, got %d", transport.InstallationID())
		}
		if transport.Owner() != "org" {
			t.Errorf("expected owner org, got %s", transport.Owner())
		}
		if transport.BotUsername() != "fleet-updater[bot]" {
			t.Errorf("unexpected bot username: %s", transport.BotUsername())
		}
		if !strings.Contains(transport.BotCommitterEmail(), "users.noreply.github.com") {
			t.Errorf("unexpected bot email: %s", transport.BotCommitterEmail())
		}
	})

	t.Run("with-installation-id", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithInstallationID(123),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		// Owner is learned from the installation.
		if transport.Owner() != "org" {
			t.Errorf("expected owner org, got %s", transport.Owner())
		}
	})

	t.Run("installation-id-mismatch", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		_, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithOwner("org"),
			WithInstallationID(999), // fake serves 404 for unknown installation
		)
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
	})

	t.Run("missing-permission", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		_, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
			WithPermissions("administration:admin"),
		)
		if !errors.Is(err, ErrAuth) {
			t.Errorf("expected ErrAuth, got %v", err)
		}
	})

	t.Run("installation-missing-id", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /app", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 99, "slug": "fleet-updater"})
		})
		mux.HandleFunc("GET /repos/org/python-sdk/installation", func(w http.ResponseWriter, _ *http.Request) {
			// 200 without an installation id must not panic.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"account": map[string]any{"login": "org"},
			})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		_, err := NewTransport(context.Background(), 99, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
		)
		if !errors.Is(err, ErrTransient) {
			t.Errorf("expected ErrTransient, got %v", err)
		}
	})

	t.Run("wrong-key", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		// Valid RSA key, but not the one the fake verifies against.
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("failed to generate key: %s", err)
		}
		_, err = NewTransport(context.Background(), fake.appID, other, WithEndpoint(server.URL))
		if !errors.Is(err, ErrAuth) {
			t.Errorf("expected ErrAuth, got %v", err)
		}
	})
}

func TestTransport_InstallationToken(t *testing.T) {
	t.Run("no-installation-configured", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		_, err = transport.InstallationToken(context.Background())
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("distinct-tokens", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		first, err := transport.InstallationToken(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		second, err := transport.InstallationToken(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if first.Token == "" || first.Token == second.Token {
			t.Errorf("successive calls must return distinct tokens: %q, %q", first.Token, second.Token)
		}
		if first.InstallationID != 123 {
			t.Errorf("expected installation id 123, got %d", first.InstallationID)
		}
		if len(first.Repositories) != 1 || first.Repositories[0] != "python-sdk" {
			t.Errorf("expected token scoped to python-sdk, got %v", first.Repositories)
		}
		if until := time.Until(first.Exp); until < 50*time.Minute || until > 70*time.Minute {
			t.Errorf("expected expiry about an hour out, got %s", until)
		}

		// Every exchange, including the one during construction, must
		// have used its own signed JWT.
		fake.assertJWTSingleUse(t)
	})

	t.Run("retry-on-transient", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		before := fake.tokenRequests.Load()

		// Next token request fails once with 502, retry must succeed.
		fake.tokenFailures.Store(1)
		token, err := transport.InstallationToken(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if token.Token == "" {
			t.Errorf("expected token after retry")
		}
		if got := fake.tokenRequests.Load() - before; got != 2 {
			t.Errorf("expected exactly 2 token requests, got %d", got)
		}
	})

	t.Run("transient-failure-exhausted", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		before := fake.tokenRequests.Load()

		fake.tokenFailures.Store(5)
		_, err = transport.InstallationToken(context.Background())
		if !errors.Is(err, ErrTransient) {
			t.Errorf("expected ErrTransient, got %v", err)
		}
		if got := fake.tokenRequests.Load() - before; got != 2 {
			t.Errorf("expected exactly 2 token requests (single retry), got %d", got)
		}
	})

	t.Run("auth-failure-no-retry", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		before := fake.tokenRequests.Load()

		fake.tokenStatus = http.StatusUnauthorized
		_, err = transport.InstallationToken(context.Background())
		if !errors.Is(err, ErrAuth) {
			t.Errorf("expected ErrAuth, got %v", err)
		}
		// Status and message must be surfaced for operator diagnosis.
		if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "token request rejected") {
			t.Errorf("error must carry status and message: %s", err)
		}
		if got := fake.tokenRequests.Load() - before; got != 1 {
			t.Errorf("4xx must not be retried, got %d requests", got)
		}
	})
}

func TestTransport_Token(t *testing.T) {
	t.Run("no-installation-configured", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL))
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		_, err = transport.Token(context.Background())
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("reuses-construction-exchange", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		first, err := transport.Token(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		second, err := transport.Token(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if first.Token == "" || first.Token != second.Token {
			t.Errorf("expected the construction token to be reused: %q, %q", first.Token, second.Token)
		}
		if got := fake.tokenRequests.Load(); got != 1 {
			t.Errorf("expected exactly 1 exchange for the whole invocation, got %d", got)
		}
		fake.assertJWTSingleUse(t)
	})
}

func TestTransport_RoundTrip(t *testing.T) {
	t.Run("host-mismatch", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		r, _ := http.NewRequest(http.MethodGet, "https://example.com/repos/org/python-sdk", nil)
		_, err = transport.RoundTrip(r) //nolint:bodyclose // error path returns nil body.
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("installation-auth", func(t *testing.T) {
		fake, server := newFakeGitHub(t)
		transport, err := NewTransport(context.Background(), fake.appID, testkeys.RSA2048(),
			WithEndpoint(server.URL),
			WithRepository("org/python-sdk"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		// Requests through the transport for non-app endpoints must carry
		// an installation token, not a JWT. The fake 404s unknown paths,
		// capture the header via a sniffing round tripper instead.
		var authz string
		sniffer := roundTripFunc(func(r *http.Request) (*http.Response, error) {
			authz = r.Header.Get("Authorization")
			return http.DefaultTransport.RoundTrip(r)
		})

		transport.next = sniffer
		client := &http.Client{Transport: transport}
		resp, err := client.Get(server.URL + "/repos/org/python-sdk/pulls")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		defer resp.Body.Close()

		if !strings.HasPrefix(authz, "Bearer ghs_testtoken") {
			t.Errorf("expected installation token auth, got %q", authz)
		}
	})
}

// roundTripFunc is an adapter to allow the use of ordinary functions as
// RoundTrippers, similar to [http.HandlerFunc].
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestTransport_checkInstallationPermissions(t *testing.T) {
	type testCase struct {
		name        string
		permissions map[string]string
		scopes      map[string]string
		ok          bool
	}
	tt := []testCase{
		{
			name: "missing-from-install",
			permissions: map[string]string{
				"contents": "read",
			},
			scopes: map[string]string{
				"actions": "write",
			},
		},
		{
			name: "all-scopes-missing",
			permissions: map[string]string{
				"metadata": "read",
			},
			scopes: map[string]string{
				"actions":  "write",
				"contents": "write",
				"issues":   "read",
			},
		},
		{
			name: "write-granted-admin-requested",
			permissions: map[string]string{
				"metadata": "read",
				"projects": "write",
			},
			scopes: map[string]string{
				"projects": "admin",
			},
		},
		{
			name: "read-granted-write-requested",
			permissions: map[string]string{
				"metadata": "read",
				"contents": "read",
			},
			scopes: map[string]string{
				"contents": "write",
			},
		},
		{
			name: "unknown-scope-level",
			permissions: map[string]string{
				"metadata": "read",
				"contents": "read",
			},
			scopes: map[string]string{
				"contents": "unknown_scope",
			},
		},
		{
			name: "empty-scope",
			permissions: map[string]string{
				"contents": "read",
			},
			ok: true,
		},
		{
			name: "same-scope",
			permissions: map[string]string{
				"contents": "read",
			},
			scopes: map[string]string{
				"contents": "read",
			},
			ok: true,
		},
		{
			name: "lesser-scopes",
			permissions: map[string]string{
				"contents": "write",
				"projects": "admin",
			},
			scopes: map[string]string{
				"contents": "read",
				"projects": "write",
			},
			ok: true,
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			transport := Transport{
				scopes: tc.scopes,
			}
			err := transport.checkInstallationPermissions(tc.permissions)
			if tc.ok {
				if err != nil {
					t.Errorf("unexpected error: %s", err)
				}
			} else {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
			}
		})
	}
}

// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package ghtoken

import (
	"maps"
	"net/http"
	"testing"
)

func TestOptions(t *testing.T) {
	t.Run("all-nil", func(t *testing.T) {
		if Options(nil, nil) != nil {
			t.Errorf("Options with all nil options must return nil")
		}
	})
	t.Run("no-options", func(t *testing.T) {
		if Options() != nil {
			t.Errorf("Options with no options must return nil")
		}
	})
	t.Run("mixed", func(t *testing.T) {
		transport := &Transport{}
		opt := Options(nil, WithOwner("example"), nil, WithInstallationID(99))
		if opt == nil {
			t.Fatalf("Options with non-nil options must not return nil")
		}
		if err := opt.apply(transport); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if transport.owner != "example" {
			t.Errorf("expected owner=example, got %s", transport.owner)
		}
		if transport.installID != 99 {
			t.Errorf("expected installID=99, got %d", transport.installID)
		}
	})
}

func TestWithEndpoint(t *testing.T) {
	type testCase struct {
		name     string
		endpoint string
		expect   string
		ok       bool
	}
	tt := []testCase{
		{name: "empty-is-nil-option", endpoint: "", ok: true},
		{name: "valid", endpoint: "https://github.example.com/api/v3/", expect: "https://github.example.com/api/v3/", ok: true},
		{name: "unsupported-scheme", endpoint: "file:///tmp/api"},
		{name: "has-query", endpoint: "https://localhost:9999/foo?test=1"},
		{name: "has-fragment", endpoint: "https://localhost:9999/foo#fragment"},
		{name: "not-a-url", endpoint: "https://  localhost/foo"},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			opt := WithEndpoint(tc.endpoint)
			if tc.endpoint == "" {
				if opt != nil {
					t.Fatalf("empty endpoint must return nil option")
				}
				return
			}

			transport := &Transport{}
			err := opt.apply(transport)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
				if transport.baseURL.String() != tc.expect {
					t.Errorf("expected baseURL=%s, got %s", tc.expect, transport.baseURL)
				}
			} else if err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestWithRepository(t *testing.T) {
	type testCase struct {
		name         string
		repo         string
		owner        string // pre-configured owner
		expectOwner  string
		expectRepo   string
		ok           bool
		expectNilOpt bool
	}
	tt := []testCase{
		{name: "empty-is-nil-option", expectNilOpt: true, ok: true},
		{name: "full-name", repo: "org/python-sdk", expectOwner: "org", expectRepo: "python-sdk", ok: true},
		{name: "uppercase-normalized", repo: "Org/Python-SDK", expectOwner: "org", expectRepo: "python-sdk", ok: true},
		{name: "bare-name-with-owner", repo: "go-sdk", owner: "org", expectOwner: "org", expectRepo: "go-sdk", ok: true},
		{name: "owner-conflict", repo: "other/go-sdk", owner: "org"},
		{name: "invalid-owner", repo: "-bad-/repo"},
		{name: "invalid-name", repo: "org/bad?name"},
		{name: "only-dot-is-reserved", repo: "org/."},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			opt := WithRepository(tc.repo)
			if tc.expectNilOpt {
				if opt != nil {
					t.Fatalf("empty repository must return nil option")
				}
				return
			}

			transport := &Transport{owner: tc.owner}
			err := opt.apply(transport)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
				if transport.owner != tc.expectOwner {
					t.Errorf("expected owner=%s, got %s", tc.expectOwner, transport.owner)
				}
				if transport.repo != tc.expectRepo {
					t.Errorf("expected repo=%s, got %s", tc.expectRepo, transport.repo)
				}
			} else if err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestWithOwner(t *testing.T) {
	type testCase struct {
		name     string
		username string
		existing string
		ok       bool
	}
	tt := []testCase{
		{name: "valid", username: "org", ok: true},
		{name: "valid-existing-same", username: "org", existing: "org", ok: true},
		{name: "conflict", username: "other", existing: "org"},
		{name: "empty", username: ""},
		{name: "has-dots", username: "foo.bar"},
		{name: "has-special-chars", username: "foo?"},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			transport := &Transport{owner: tc.existing}
			err := WithOwner(tc.username).apply(transport)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
			} else if err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestWithInstallationID(t *testing.T) {
	t.Run("zero", func(t *testing.T) {
		transport := &Transport{}
		if err := WithInstallationID(0).apply(transport); err == nil {
			t.Errorf("expected error, got nil")
		}
	})
	t.Run("conflict", func(t *testing.T) {
		transport := &Transport{installID: 1}
		if err := WithInstallationID(2).apply(transport); err == nil {
			t.Errorf("expected error, got nil")
		}
	})
	t.Run("valid", func(t *testing.T) {
		transport := &Transport{}
		if err := WithInstallationID(123).apply(transport); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if transport.installID != 123 {
			t.Errorf("expected installID=123, got %d", transport.installID)
		}
	})
}

func TestWithPermissions(t *testing.T) {
	type testCase struct {
		name        string
		permissions []string
		expect      map[string]string
		ok          bool
	}
	tt := []testCase{
		{
			name:        "colon-form",
			permissions: []string{"contents:write", "pull_requests:write"},
			expect:      map[string]string{"contents": "write", "pull_requests": "write"},
			ok:          true,
		},
		{
			name:        "equals-form",
			permissions: []string{"issues=read"},
			expect:      map[string]string{"issues": "read"},
			ok:          true,
		},
		{
			name:        "invalid-level",
			permissions: []string{"contents:root"},
		},
		{
			name:        "missing-level",
			permissions: []string{"contents"},
		},
		{
			name:        "invalid-scope",
			permissions: []string{"_contents:read"},
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			transport := &Transport{}
			err := WithPermissions(tc.permissions...).apply(transport)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %s", err)
				}
				if !maps.Equal(transport.scopes, tc.expect) {
					t.Errorf("expected scopes=%v, got %v", tc.expect, transport.scopes)
				}
			} else if err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestWithRoundTripper(t *testing.T) {
	t.Run("nil-is-nil-option", func(t *testing.T) {
		if WithRoundTripper(nil) != nil {
			t.Errorf("nil round tripper must return nil option")
		}
	})
	t.Run("valid", func(t *testing.T) {
		transport := &Transport{}
		if err := WithRoundTripper(http.DefaultTransport).apply(transport); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if transport.next == nil {
			t.Errorf("next round tripper not set")
		}
	})
}

func TestWithUserAgent(t *testing.T) {
	t.Run("blank-is-nil-option", func(t *testing.T) {
		if WithUserAgent("  ") != nil {
			t.Errorf("blank user agent must return nil option")
		}
	})
	t.Run("valid", func(t *testing.T) {
		transport := &Transport{}
		if err := WithUserAgent("fleet-updater/1").apply(transport); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if transport.ua != "fleet-updater/1" {
			t.Errorf("expected ua=fleet-updater/1, got %s", transport.ua)
		}
	})
}

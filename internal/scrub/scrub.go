// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

// Package scrub enforces the credential hygiene contract of the token
// issuance flow: at process exit, success or failure, no private key
// material, JWT or installation token remains in the environment, in
// writable files registered with the scrubber, or in log output.
package scrub

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Redacted replaces secret values in log output.
const Redacted = "[REDACTED]"

// Scrubber tracks credential material for end-of-invocation cleanup.
// Register everything that must not outlive the process, then defer
// [Scrubber.Scrub] before the first secret is fetched.
type Scrubber struct {
	mu      sync.Mutex
	secrets []string
	envVars []string
	paths   []string
	buffers [][]byte
}

// Secret registers a secret value for log redaction and memory zeroing.
// Empty values are ignored.
func (s *Scrubber) Secret(value string) {
	if value == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = append(s.secrets, value)
}

// SecretBytes registers a secret buffer to be zeroed on scrub. The string
// form is also registered for redaction.
func (s *Scrubber) SecretBytes(buf []byte) {
	if len(buf) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = append(s.secrets, string(buf))
	s.buffers = append(s.buffers, buf)
}

// Env registers an environment variable to unset on scrub. Its current
// value, if any, is also registered for redaction.
func (s *Scrubber) Env(name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envVars = append(s.envVars, name)
	if v := os.Getenv(name); v != "" {
		s.secrets = append(s.secrets, v)
	}
}

// Path registers a file to remove on scrub.
func (s *Scrubber) Path(path string) {
	if path == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
}

// Scrub unsets registered environment variables, zeroes registered buffers
// and removes registered files. Safe to call multiple times; errors are
// joined so a failing removal does not mask the others.
func (s *Scrubber) Scrub() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for _, name := range s.envVars {
		err = errors.Join(err, os.Unsetenv(name))
	}
	s.envVars = nil

	for _, buf := range s.buffers {
		for i := range buf {
			buf[i] = 0
		}
	}
	s.buffers = nil

	for _, path := range s.paths {
		rmErr := os.Remove(path)
		if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	s.paths = nil

	return err
}

// redact replaces all registered secret values in msg.
func (s *Scrubber) redact(msg string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, secret := range s.secrets {
		msg = strings.ReplaceAll(msg, secret, Redacted)
	}
	return msg
}

var _ slog.Handler = (*RedactingHandler)(nil)

// RedactingHandler is a [slog.Handler] middleware that masks registered
// secret values in record messages and string attribute values. Credential
// types already implement [slog.LogValuer], this handler is the backstop
// for error strings carrying raw API responses.
type RedactingHandler struct {
	next     slog.Handler
	scrubber *Scrubber
}

// NewRedactingHandler wraps next with redaction from s.
func NewRedactingHandler(next slog.Handler, s *Scrubber) *RedactingHandler {
	return &RedactingHandler{next: next, scrubber: s}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clone := slog.NewRecord(record.Time, record.Level, h.scrubber.redact(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clone.AddAttrs(h.redactAttr(attr))
		return true
	})
	//nolint:wrapcheck // middleware must not alter handler errors.
	return h.next.Handle(ctx, clone)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		redacted = append(redacted, h.redactAttr(attr))
	}
	return &RedactingHandler{next: h.next.WithAttrs(redacted), scrubber: h.scrubber}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), scrubber: h.scrubber}
}

func (h *RedactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		attr.Value = slog.StringValue(h.scrubber.redact(attr.Value.String()))
	case slog.KindGroup:
		group := attr.Value.Group()
		redacted := make([]slog.Attr, 0, len(group))
		for _, member := range group {
			redacted = append(redacted, h.redactAttr(member))
		}
		attr.Value = slog.GroupValue(redacted...)
	case slog.KindLogValuer:
		attr.Value = attr.Value.Resolve()
		return h.redactAttr(attr)
	default:
	}
	return attr
}

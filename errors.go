// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package ghtoken

var (
	_ error = Error("")
)

// Error is immutable error representation.
//
// Error strings themselves are NOT part of semver compatibility guarantees.
// Use exported symbols instead of directly using error strings.
type Error string

// Implements Error() interface.
func (e Error) Error() string {
	return string(e)
}

// Error taxonomy for the token issuance flow. All errors returned by this
// package wrap exactly one of these sentinels and are matchable with
// [errors.Is].
const (
	// ErrConfiguration indicates invalid or missing inputs like app id,
	// installation id, repository, endpoint or options. Fatal, never retried.
	ErrConfiguration = Error("ghtoken: invalid configuration")

	// ErrSigning indicates the private key could not be used to sign the
	// app JWT. Fatal, never retried.
	ErrSigning = Error("ghtoken: jwt signing error")

	// ErrAuth indicates GitHub rejected the JWT or the installation
	// (401/403/404). Fatal, surfaced with the HTTP status and the GitHub
	// error body.
	ErrAuth = Error("ghtoken: github rejected credentials")

	// ErrTransient indicates a network failure or a 5xx response. Eligible
	// for a single bounded retry within the JWT validity window.
	ErrTransient = Error("ghtoken: transient github api error")
)

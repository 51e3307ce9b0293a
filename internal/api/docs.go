// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

// Package api holds types and methods to serialize and deserialize
// requests to and from the GitHub REST API.
//
// Types cover only the app authentication endpoints this module needs and
// should be considered incomplete. Use [github.com/google/go-github/github]
// with [github.com/sdkfleet/ghtoken.Transport] for everything else.
package api

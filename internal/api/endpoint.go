// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

package api

// DefaultEndpoint is default GitHub REST API endpoint.
const DefaultEndpoint = "https://api.github.com/"

// SPDX-FileCopyrightText: Copyright 2025 SDK Fleet Authors
// SPDX-License-Identifier: MIT

// Command ghtoken issues short-lived GitHub App installation tokens for
// scheduled SDK repository builds and rotates the update pull requests
// those builds produce.
//
// It is invoked once per repository per build, reads its inputs from
// GHTOKEN_* environment variables and communicates outcome via exit code:
// 0 on success, non-zero on any failure. Credentials are scrubbed from the
// environment and logs before exit in either case.
package main

import (
	"fmt"
	"os"
)

func main() {
	rootCmd := buildRoot()
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ghtoken: %v\n", err)
		os.Exit(1)
	}
}

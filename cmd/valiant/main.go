// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

// Command valiant runs the guideline and journey engine.
//
// Usage:
//
//	# Serve the HTTP API for the agents under ./agents
//	valiant serve --config config.yaml
//
//	# Check agent definitions without starting anything
//	valiant validate ./agents
//
//	# Talk to an agent from the terminal
//	valiant chat --agent bookstore
package main

import (
	stderrors "errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var cliErr *CLIError
		if stderrors.As(err, &cliErr) {
			cliErr.PrintError(os.Stderr, rootFlags.JSON)
		} else {
			PrintSimpleError(os.Stderr, err, rootFlags.JSON)
		}
		os.Exit(1)
	}
}

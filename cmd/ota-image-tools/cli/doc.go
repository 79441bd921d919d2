// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for ota-image-tools.
//
// The central type is [Command]: a named subcommand with optional
// nested [Command.Subcommands], a [pflag.FlagSet] factory, and a Run
// function. The command tree is assembled in the commands package and
// dispatched via [Command.Execute], which handles flag parsing,
// subcommand routing, and structured help output with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match.
package cli

// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands assembles the ota-image-tools command tree.
package commands

import (
	"fmt"
	"os"

	"github.com/ota-foundation/otaimage/cmd/ota-image-tools/cli"
	"github.com/ota-foundation/otaimage/lib/version"
)

// Root returns the root of the command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "ota-image-tools",
		Summary: "build, inspect, verify, and deploy OTA image archives",
		Description: "ota-image-tools builds content-addressable OTA image archives,\n" +
			"verifies their signatures and blob stores, and deploys image\n" +
			"payloads onto a target filesystem.",
		Subcommands: []*cli.Command{
			buildCommand(),
			deployCommand(),
			verifyCommand(),
			inspectCommand(),
			imagesCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print the tool version",
		Run: func(args []string) error {
			_, err := fmt.Fprintln(os.Stdout, version.Full())
			return err
		},
	}
}

// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/ota-foundation/otaimage/cmd/ota-image-tools/cli"
	"github.com/ota-foundation/otaimage/lib/artifact"
	"github.com/ota-foundation/otaimage/lib/ocispec"
)

func inspectCommand() *cli.Command {
	var raw bool
	return &cli.Command{
		Name:    "inspect",
		Summary: "print an archive's image index",
		Description: "Inspect parses the archive and prints its image index. With --raw,\n" +
			"the exact index.json bytes are written instead (the form the\n" +
			"signature binds).",
		Usage: "ota-image-tools inspect [flags] <archive.zip>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flags.BoolVar(&raw, "raw", false, "print the exact index.json bytes")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("inspect: exactly one archive path is required")
			}
			reader, err := artifact.Open(args[0])
			if err != nil {
				return err
			}
			defer reader.Close()

			if raw {
				_, err := os.Stdout.Write(reader.IndexBytes())
				return err
			}
			_, signed := reader.Index().Annotations[ocispec.AnnotationImageSignedAt]
			return cli.WriteJSON(map[string]any{
				"index":  reader.Index(),
				"blobs":  reader.BlobCount(),
				"signed": signed,
			})
		},
	}
}

func imagesCommand() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:    "images",
		Summary: "list the image payloads in an archive",
		Usage:   "ota-image-tools images [flags] <archive.zip>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("images", pflag.ContinueOnError)
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("images: exactly one archive path is required")
			}
			reader, err := artifact.Open(args[0])
			if err != nil {
				return err
			}
			defer reader.Close()

			type imageRow struct {
				ECU        string `json:"ecu"`
				ReleaseKey string `json:"release_key"`
				Model      string `json:"hardware_model,omitempty"`
				Arch       string `json:"architecture,omitempty"`
			}
			var rows []imageRow
			for _, id := range reader.Index().ImageIdentifiers() {
				row := imageRow{ECU: id.ECUID, ReleaseKey: string(id.ReleaseKey)}
				if desc, ok := reader.Index().FindImage(id); ok {
					row.Model = desc.Annotations[ocispec.AnnotationECUHardwareModel]
					row.Arch = desc.Annotations[ocispec.AnnotationECUArchitecture]
				}
				rows = append(rows, row)
			}

			if asJSON {
				return cli.WriteJSON(rows)
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "ECU\tRELEASE\tMODEL\tARCH")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.ECU, row.ReleaseKey, row.Model, row.Arch)
			}
			return tw.Flush()
		},
	}
}

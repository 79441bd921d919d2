// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/pflag"

	"github.com/ota-foundation/otaimage/cmd/ota-image-tools/cli"
	"github.com/ota-foundation/otaimage/lib/artifact"
	"github.com/ota-foundation/otaimage/lib/deploy"
	"github.com/ota-foundation/otaimage/lib/resourcetable"
	"github.com/ota-foundation/otaimage/lib/signing"
)

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:    "verify",
		Summary: "verify an image archive",
		Subcommands: []*cli.Command{
			verifySignatureCommand(),
			verifyResourcesCommand(),
		},
	}
}

func verifySignatureCommand() *cli.Command {
	var caDir string
	return &cli.Command{
		Name:    "signature",
		Summary: "check the archive's index.jwt",
		Description: "Signature checks the ES256 signature under the token's own\n" +
			"certificate and confirms the signed descriptor matches the archive's\n" +
			"index.json bytes. With --ca-dir, the signing chain is additionally\n" +
			"validated against the trusted roots in that directory; without it,\n" +
			"nothing vouches for the signing key.",
		Usage: "ota-image-tools verify signature [--ca-dir <dir>] <archive.zip>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("signature", pflag.ContinueOnError)
			flags.StringVar(&caDir, "ca-dir", "", "directory of trusted CA certificates; chain check skipped when unset")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("verify signature: exactly one archive path is required")
			}
			verified, err := verifyArchiveSignature(args[0], caDir)
			if err != nil {
				return err
			}
			return cli.WriteJSON(map[string]any{
				"signer":          verified.EndEntity.Subject.CommonName,
				"issued_at":       verified.IssuedAt,
				"index_digest":    verified.Index.Digest,
				"chain_validated": caDir != "",
			})
		},
	}
}

// verifyArchiveSignature runs the signature check over an archive.
// Without a CA directory the chain validation step is skipped.
func verifyArchiveSignature(path, caDir string) (*signing.VerifiedIndex, error) {
	reader, err := artifact.Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	token, err := reader.IndexJWT()
	if err != nil {
		return nil, err
	}
	var cas *signing.CAStore
	if caDir != "" {
		cas, err = signing.LoadCADir(caDir)
		if err != nil {
			return nil, err
		}
	}
	verifier, err := signing.NewVerifier(signing.VerifierConfig{CAs: cas})
	if err != nil {
		return nil, err
	}
	return verifier.Verify(token, reader.IndexBytes())
}

func verifyResourcesCommand() *cli.Command {
	var workers int
	return &cli.Command{
		Name:    "resources",
		Summary: "check every blob in the archive against its resource_table",
		Description: "Resources extracts the archive's resource_table and checks the blob\n" +
			"store both ways: every table row must resolve to a blob with the\n" +
			"recorded digest and size, and every blob must be claimed by a row.\n" +
			"Exits 1 when any resource fails.",
		Usage: "ota-image-tools verify resources [flags] <archive.zip>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("resources", pflag.ContinueOnError)
			flags.IntVar(&workers, "workers", 0, "parallel verification workers (default: number of CPUs)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("verify resources: exactly one archive path is required")
			}
			logger := cli.NewCommandLogger().With("command", "verify/resources")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reader, err := artifact.Open(args[0])
			if err != nil {
				return err
			}
			defer reader.Close()

			rstDesc, ok := reader.Index().ResourceTable()
			if !ok {
				return fmt.Errorf("verify resources: index has no resource_table descriptor")
			}
			rstData, err := reader.ReadBlob(rstDesc)
			if err != nil {
				return err
			}
			workDir, err := os.MkdirTemp("", "ota-image-verify-*")
			if err != nil {
				return fmt.Errorf("verify resources: creating work directory: %w", err)
			}
			defer os.RemoveAll(workDir)

			rstPath := filepath.Join(workDir, "resource_table.sqlite3")
			if err := resourcetable.ExtractBlob(rstData, rstDesc.MediaType, rstPath); err != nil {
				return err
			}
			resources, err := resourcetable.Open(resourcetable.Config{Path: rstPath, ReadOnly: true, Logger: logger})
			if err != nil {
				return err
			}
			defer resources.Close()

			// The resource_table blob cannot claim itself.
			report, err := deploy.VerifyStore(ctx, deploy.VerifyConfig{
				Resources:   resources,
				Blobs:       reader,
				BlobDigests: reader.BlobDigests(),
				Exempt:      map[digest.Digest]bool{rstDesc.Digest: true},
				Workers:     workers,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			if !report.OK() {
				for _, failure := range report.Failures {
					fmt.Fprintf(os.Stderr, "failed: %s: %v\n", failure.Digest, failure.Err)
				}
				return &cli.ExitError{Code: 1}
			}
			return cli.WriteJSON(map[string]any{
				"verified": report.Verified,
				"blobs":    reader.BlobCount(),
			})
		},
	}
}

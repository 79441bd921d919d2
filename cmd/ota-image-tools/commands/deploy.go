// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ota-foundation/otaimage/cmd/ota-image-tools/cli"
	"github.com/ota-foundation/otaimage/lib/artifact"
	"github.com/ota-foundation/otaimage/lib/deploy"
	"github.com/ota-foundation/otaimage/lib/ocispec"
	"github.com/ota-foundation/otaimage/lib/signing"
)

type deployParams struct {
	ecuID             string
	releaseKey        string
	targetDir         string
	caDir             string
	allowUnsigned     bool
	workers           int
	abortOnError      bool
	preserveOwnership bool
}

func deployCommand() *cli.Command {
	params := &deployParams{}
	return &cli.Command{
		Name:    "deploy",
		Summary: "extract an image payload onto a target directory",
		Description: "Deploy verifies the archive signature against a CA directory,\n" +
			"extracts the selected payload's file_table, and materializes the\n" +
			"tree under --target. Every file is digest-verified on the way out.\n" +
			"Unsigned archives are rejected unless --allow-unsigned is set.",
		Usage: "ota-image-tools deploy [flags] <archive.zip>",
		Examples: []cli.Example{
			{
				Description: "deploy the dev payload for main-ecu",
				Command:     "ota-image-tools deploy --ecu main-ecu --ca-dir /etc/ota/ca --target /ota/slot-b image.zip",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
			flags.StringVar(&params.ecuID, "ecu", "", "ECU id of the payload to deploy")
			flags.StringVar(&params.releaseKey, "release", "dev", "release key of the payload (dev or prd)")
			flags.StringVar(&params.targetDir, "target", "", "target directory")
			flags.StringVar(&params.caDir, "ca-dir", "", "directory of trusted CA certificates")
			flags.BoolVar(&params.allowUnsigned, "allow-unsigned", false, "deploy even when the archive carries no signature")
			flags.IntVar(&params.workers, "workers", 0, "parallel extraction workers (default: number of CPUs)")
			flags.BoolVar(&params.abortOnError, "abort-on-error", false, "stop at the first entry failure")
			flags.BoolVar(&params.preserveOwnership, "preserve-ownership", false, "apply recorded uid/gid (needs privileges)")
			return flags
		},
		Run: func(args []string) error { return runDeploy(params, args) },
	}
}

func runDeploy(params *deployParams, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("deploy: exactly one archive path is required")
	}
	if params.ecuID == "" {
		return fmt.Errorf("deploy: --ecu is required")
	}
	if params.targetDir == "" {
		return fmt.Errorf("deploy: --target is required")
	}
	releaseKey := ocispec.ReleaseKey(params.releaseKey)

	logger := cli.NewCommandLogger().With("command", "deploy", "ecu", params.ecuID)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader, err := artifact.Open(args[0])
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := checkSignature(reader, params.caDir, params.allowUnsigned, logger); err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "ota-image-deploy-*")
	if err != nil {
		return fmt.Errorf("deploy: creating work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	id := ocispec.ImageIdentifier{ECUID: params.ecuID, ReleaseKey: releaseKey}
	prepared, err := deploy.PrepareFromArchive(reader, id, workDir, logger)
	if err != nil {
		return err
	}
	defer prepared.Close()

	deployer, err := deploy.New(deploy.Config{
		Table:             prepared.Table,
		Resources:         prepared.Resources,
		Blobs:             reader,
		TargetDir:         params.targetDir,
		Workers:           params.workers,
		AbortOnFirstError: params.abortOnError,
		PreserveOwnership: params.preserveOwnership,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	report, err := deployer.Deploy(ctx)
	if err != nil {
		return err
	}
	if !report.OK() {
		for _, failure := range report.Failures {
			fmt.Fprintf(os.Stderr, "failed: %s: %v\n", failure.Path, failure.Err)
		}
		fmt.Fprintf(os.Stderr, "%d of %d entries failed\n",
			len(report.Failures),
			report.Dirs+report.Regulars+report.NonRegulars+len(report.Failures))
		return &cli.ExitError{Code: 1}
	}
	logger.Info("deployment complete",
		"dirs", report.Dirs, "files", report.Regulars, "links", report.NonRegulars)
	return nil
}

// checkSignature verifies the archive's index.jwt against the CA
// directory. Unsigned archives pass only with allowUnsigned.
func checkSignature(reader *artifact.Reader, caDir string, allowUnsigned bool, logger *slog.Logger) error {
	token, err := reader.IndexJWT()
	if err != nil {
		if allowUnsigned {
			logger.Warn("archive is not signed, continuing per --allow-unsigned")
			return nil
		}
		return err
	}
	if caDir == "" {
		return fmt.Errorf("deploy: --ca-dir is required to verify a signed archive")
	}
	cas, err := signing.LoadCADir(caDir)
	if err != nil {
		return err
	}
	verifier, err := signing.NewVerifier(signing.VerifierConfig{CAs: cas})
	if err != nil {
		return err
	}
	verified, err := verifier.Verify(token, reader.IndexBytes())
	if err != nil {
		return err
	}
	logger.Info("signature verified",
		"signer", verified.EndEntity.Subject.CommonName,
		"issued_at", verified.IssuedAt)
	return nil
}

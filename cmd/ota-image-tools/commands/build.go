// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ota-foundation/otaimage/cmd/ota-image-tools/cli"
	"github.com/ota-foundation/otaimage/lib/artifact"
	"github.com/ota-foundation/otaimage/lib/ocispec"
	"github.com/ota-foundation/otaimage/lib/signing"
	"github.com/ota-foundation/otaimage/lib/version"
)

type buildParams struct {
	workDir    string
	images     []string
	signKey    string
	signChain  string
	noCompress bool
}

func buildCommand() *cli.Command {
	params := &buildParams{}
	return &cli.Command{
		Name:    "build",
		Summary: "build an image archive from payload trees",
		Description: "Build captures one or more ECU payload trees into a reproducible,\n" +
			"content-addressable image archive. Each --image flag describes one\n" +
			"payload as comma-separated key=value pairs (keys: ecu, rootfs, arch,\n" +
			"release, os, os-version, description, sys-config, hw-model,\n" +
			"hw-series). When --sign-key and --sign-chain are given, the index is\n" +
			"signed and the archive carries an index.jwt.",
		Usage: "ota-image-tools build [flags] <output.zip>",
		Examples: []cli.Example{
			{
				Description: "build a single-ECU development image",
				Command:     "ota-image-tools build --image ecu=main-ecu,rootfs=./rootfs,arch=arm64 image.zip",
			},
			{
				Description: "build and sign a production image",
				Command: "ota-image-tools build --image ecu=main-ecu,release=prd,rootfs=./rootfs,arch=arm64 \\\n" +
					"      --sign-key signer-key.pem --sign-chain signer-chain.pem image.zip",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("build", pflag.ContinueOnError)
			flags.StringVar(&params.workDir, "work-dir", "", "staging directory (default: a temporary directory)")
			flags.StringArrayVar(&params.images, "image", nil, "payload spec as key=value pairs; repeatable")
			flags.StringVar(&params.signKey, "sign-key", "", "PEM file with the ES256 signing key")
			flags.StringVar(&params.signChain, "sign-chain", "", "PEM file with the signing certificate chain, end-entity first")
			flags.BoolVar(&params.noCompress, "no-compress", false, "store all blobs unfiltered")
			return flags
		},
		Run: func(args []string) error { return runBuild(params, args) },
	}
}

func runBuild(params *buildParams, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("build: exactly one output path is required")
	}
	outputPath := args[0]
	if len(params.images) == 0 {
		return fmt.Errorf("build: at least one --image is required")
	}
	if (params.signKey == "") != (params.signChain == "") {
		return fmt.Errorf("build: --sign-key and --sign-chain must be given together")
	}

	logger := cli.NewCommandLogger().With("command", "build")
	ctx := context.Background()

	workDir := params.workDir
	if workDir == "" {
		var err error
		workDir, err = os.MkdirTemp("", "ota-image-build-*")
		if err != nil {
			return fmt.Errorf("build: creating staging directory: %w", err)
		}
		defer os.RemoveAll(workDir)
	}

	cfg := artifact.BuilderConfig{
		WorkDir:          workDir,
		BuildToolVersion: "ota-image-tools/" + version.Short(),
		Logger:           logger,
	}
	if params.noCompress {
		cfg.FilterThreshold = -1
	}
	builder, err := artifact.NewBuilder(cfg)
	if err != nil {
		return err
	}

	for _, spec := range params.images {
		payload, err := parseImageSpec(spec)
		if err != nil {
			return err
		}
		desc, err := builder.AddImage(ctx, payload)
		if err != nil {
			return err
		}
		logger.Info("payload captured", "ecu", payload.ECUID, "digest", desc.Digest)
	}
	if err := builder.Finalize(ctx); err != nil {
		return err
	}

	if params.signKey != "" {
		key, err := signing.LoadSigningKey(params.signKey)
		if err != nil {
			return err
		}
		chain, err := signing.LoadCertificates(params.signChain)
		if err != nil {
			return err
		}
		signer, err := signing.NewSigner(signing.SignerConfig{Key: key, Chain: chain})
		if err != nil {
			return err
		}
		if err := builder.Sign(signer); err != nil {
			return err
		}
	}

	if err := builder.WriteArchive(outputPath); err != nil {
		return err
	}
	logger.Info("archive written", "path", outputPath, "signed", params.signKey != "")
	return nil
}

// parseImageSpec decodes one --image value: comma-separated key=value
// pairs describing a payload.
func parseImageSpec(spec string) (artifact.ImagePayload, error) {
	payload := artifact.ImagePayload{}
	for _, pair := range strings.Split(spec, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return payload, fmt.Errorf("build: malformed --image pair %q (want key=value)", pair)
		}
		switch key {
		case "ecu":
			payload.ECUID = value
		case "release":
			payload.ReleaseKey = ocispec.ReleaseKey(value)
		case "rootfs":
			payload.RootDir = value
		case "arch":
			payload.Architecture = value
		case "os":
			payload.OS = value
		case "os-version":
			payload.OSVersion = value
		case "description":
			payload.Description = value
		case "sys-config":
			payload.SysConfigPath = value
		case "hw-model":
			payload.HardwareModel = value
		case "hw-series":
			payload.HardwareSeries = value
		default:
			return payload, fmt.Errorf("build: unknown --image key %q", key)
		}
	}
	if payload.ECUID == "" {
		return payload, fmt.Errorf("build: --image spec %q is missing ecu=", spec)
	}
	if payload.RootDir == "" {
		return payload, fmt.Errorf("build: --image spec %q is missing rootfs=", spec)
	}
	return payload, nil
}

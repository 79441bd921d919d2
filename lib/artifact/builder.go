// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/ota-foundation/otaimage/lib/blobstore"
	"github.com/ota-foundation/otaimage/lib/clock"
	"github.com/ota-foundation/otaimage/lib/filetable"
	"github.com/ota-foundation/otaimage/lib/ocispec"
	"github.com/ota-foundation/otaimage/lib/resourcetable"
	"github.com/ota-foundation/otaimage/lib/signing"
)

// Build-side size thresholds.
const (
	// DefaultInlineLimit is the largest file content stored inline in
	// the file_table instead of as a blob.
	DefaultInlineLimit = 512

	// DefaultFilterThreshold is the smallest blob the builder tries
	// the zstd filter on. Below it the frame overhead usually wins.
	DefaultFilterThreshold = 4096
)

// BuilderConfig holds the parameters for creating a Builder.
type BuilderConfig struct {
	// WorkDir is the staging directory: the blob store and the table
	// databases are assembled here. Required.
	WorkDir string

	// BuildToolVersion is recorded in the index annotations.
	BuildToolVersion string

	// InlineLimit overrides DefaultInlineLimit when positive.
	InlineLimit int

	// FilterThreshold overrides DefaultFilterThreshold when positive.
	// Negative disables the zstd filter entirely.
	FilterThreshold int

	// Clock provides image timestamps. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives build progress messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Builder assembles an OTA image: payload trees in, signed archive
// out. The expected call sequence is AddImage (once per ECU payload),
// Finalize, optionally Sign, then WriteArchive.
type Builder struct {
	workDir         string
	inlineLimit     int
	filterThreshold int
	clock           clock.Clock
	logger          *slog.Logger

	store     *blobstore.Store
	index     *ocispec.ImageIndex
	resources map[digest.Digest]resourcetable.Resource

	// Set by Sign. The archive must carry these exact index bytes:
	// re-marshalling after signing would void the signature.
	indexBytes []byte
	token      string
}

// ImagePayload describes one ECU's payload tree for AddImage.
type ImagePayload struct {
	// ECUID names the target ECU. Required.
	ECUID string

	// ReleaseKey is dev or prd. Defaults to dev.
	ReleaseKey ocispec.ReleaseKey

	// RootDir is the root of the filesystem tree to capture. Required.
	RootDir string

	// Architecture is the target CPU architecture (e.g. arm64).
	// Required.
	Architecture string

	// OS and OSVersion describe the target system.
	OS        string
	OSVersion string

	// Description is free text for the image config.
	Description string

	// SysConfigPath optionally points at a sys_config YAML file to
	// attach to the image.
	SysConfigPath string

	// HardwareModel and HardwareSeries annotate the manifest
	// descriptor.
	HardwareModel  string
	HardwareSeries string

	// Labels are carried verbatim into the image config.
	Labels map[string]string
}

// NewBuilder creates a Builder staging into cfg.WorkDir.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("artifact: WorkDir is required")
	}
	store, err := blobstore.NewStore(filepath.Join(cfg.WorkDir, "blobs", ocispec.DigestAlgorithm))
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}

	inlineLimit := cfg.InlineLimit
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	filterThreshold := cfg.FilterThreshold
	if filterThreshold == 0 {
		filterThreshold = DefaultFilterThreshold
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Builder{
		workDir:         cfg.WorkDir,
		inlineLimit:     inlineLimit,
		filterThreshold: filterThreshold,
		clock:           clk,
		logger:          logger,
		store:           store,
		index:           ocispec.NewIndex(cfg.BuildToolVersion),
		resources:       make(map[digest.Digest]resourcetable.Resource),
	}, nil
}

// Index returns the index under construction.
func (b *Builder) Index() *ocispec.ImageIndex {
	return b.index
}

// Store returns the staging blob store.
func (b *Builder) Store() *blobstore.Store {
	return b.store
}

// AddImage captures one payload tree: it builds the file_table, fills
// the blob store, writes the image config and manifest, and registers
// the manifest in the index under the payload's (ecu_id, release_key)
// identity.
func (b *Builder) AddImage(ctx context.Context, payload ImagePayload) (ocispec.Descriptor, error) {
	if payload.ECUID == "" {
		return ocispec.Descriptor{}, fmt.Errorf("artifact: ECUID is required")
	}
	if payload.Architecture == "" {
		return ocispec.Descriptor{}, fmt.Errorf("artifact: Architecture is required")
	}
	releaseKey := payload.ReleaseKey
	if releaseKey == "" {
		releaseKey = ocispec.ReleaseKeyDev
	}
	if _, err := ocispec.ParseReleaseKey(string(releaseKey)); err != nil {
		return ocispec.Descriptor{}, err
	}

	b.logger.Info("adding image payload",
		"ecu_id", payload.ECUID,
		"release_key", releaseKey,
		"root_dir", payload.RootDir,
	)

	// Build the file_table from the payload tree.
	tablePath := filepath.Join(b.workDir,
		fmt.Sprintf("file_table-%s-%s.sqlite3", payload.ECUID, releaseKey))
	table, err := filetable.Open(filetable.Config{Path: tablePath, Logger: b.logger})
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	stats, err := b.scanTree(ctx, table, payload.RootDir)
	if err != nil {
		table.Close()
		return ocispec.Descriptor{}, err
	}
	if err := table.Close(); err != nil {
		return ocispec.Descriptor{}, err
	}

	tableBlob, tableMediaType, err := filetable.EncodeBlob(tablePath, true)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	tableDesc, err := b.putBlob(tableBlob, tableMediaType, resourcetable.Resource{})
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	// Optional sys_config blob.
	var sysDesc *ocispec.Descriptor
	if payload.SysConfigPath != "" {
		raw, err := os.ReadFile(payload.SysConfigPath)
		if err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("artifact: reading sys_config: %w", err)
		}
		if _, err := ocispec.ParseSysConfig(raw); err != nil {
			return ocispec.Descriptor{}, err
		}
		desc, err := b.putBlob(raw, ocispec.MediaTypeSysConfig, resourcetable.Resource{})
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		sysDesc = &desc
	}

	// Image config.
	labels := make(map[string]string, len(payload.Labels)+6)
	for k, v := range payload.Labels {
		labels[k] = v
	}
	labels[ocispec.AnnotationRootfsDirsCount] = strconv.FormatInt(stats.dirs, 10)
	labels[ocispec.AnnotationRootfsRegularCount] = strconv.FormatInt(stats.regulars, 10)
	labels[ocispec.AnnotationRootfsNonRegularCount] = strconv.FormatInt(stats.nonRegulars, 10)
	labels[ocispec.AnnotationRootfsUniqueFilesCount] = strconv.FormatInt(stats.uniqueBlobs, 10)
	labels[ocispec.AnnotationRootfsUniqueFilesSize] = strconv.FormatInt(stats.uniqueSize, 10)
	labels[ocispec.AnnotationRootfsSize] = strconv.FormatInt(stats.totalSize, 10)

	config := &ocispec.ImageConfig{
		SchemaVersion:     1,
		MediaType:         ocispec.MediaTypeImageConfig,
		ResourceDigestAlg: ocispec.DigestAlgorithm,
		Description:       payload.Description,
		Created:           b.clock.Now().UTC().Format(time.RFC3339),
		Architecture:      payload.Architecture,
		OS:                payload.OS,
		OSVersion:         payload.OSVersion,
		SysConfig:         sysDesc,
		FileTable:         tableDesc,
		Labels:            labels,
	}
	configBytes, err := config.MarshalCanonical()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	configDesc, err := b.putBlob(configBytes, ocispec.MediaTypeImageConfig, resourcetable.Resource{})
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	// Image manifest.
	manifest := &ocispec.ImageManifest{
		SchemaVersion: 2,
		MediaType:     ocispec.MediaTypeImageManifest,
		ArtifactType:  ocispec.MediaTypeOTAImageArtifact,
		Config:        configDesc,
		Layers:        []ocispec.Descriptor{tableDesc},
	}
	manifestBytes, err := manifest.MarshalCanonical()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifestDesc, err := b.putBlob(manifestBytes, ocispec.MediaTypeImageManifest, resourcetable.Resource{})
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifestDesc.ArtifactType = ocispec.MediaTypeOTAImageArtifact
	manifestDesc.Annotations = map[string]string{
		ocispec.AnnotationECU:        payload.ECUID,
		ocispec.AnnotationReleaseKey: string(releaseKey),
	}
	if payload.HardwareModel != "" {
		manifestDesc.Annotations[ocispec.AnnotationECUHardwareModel] = payload.HardwareModel
	}
	if payload.HardwareSeries != "" {
		manifestDesc.Annotations[ocispec.AnnotationECUHardwareSeries] = payload.HardwareSeries
	}
	manifestDesc.Annotations[ocispec.AnnotationECUArchitecture] = payload.Architecture

	if err := b.index.AddImage(manifestDesc); err != nil {
		return ocispec.Descriptor{}, err
	}

	b.logger.Info("image payload added",
		"ecu_id", payload.ECUID,
		"release_key", releaseKey,
		"manifest_digest", manifestDesc.Digest,
		"dirs", stats.dirs,
		"regular_files", stats.regulars,
	)
	return manifestDesc, nil
}

// Finalize builds the resource_table over every blob staged so far,
// registers it in the index, and freezes the index with the blob
// statistics. No payloads can be added afterwards.
func (b *Builder) Finalize(ctx context.Context) error {
	if b.index.Finalized() {
		return fmt.Errorf("artifact: image is already finalized")
	}

	rstPath := filepath.Join(b.workDir, "resource_table.sqlite3")
	rst, err := resourcetable.Open(resourcetable.Config{Path: rstPath, Logger: b.logger})
	if err != nil {
		return err
	}

	sorted := make([]resourcetable.Resource, 0, len(b.resources))
	for _, res := range b.resources {
		sorted = append(sorted, res)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Digest < sorted[j].Digest })
	for _, res := range sorted {
		if err := rst.Add(ctx, res); err != nil {
			rst.Close()
			return err
		}
	}
	if err := rst.Close(); err != nil {
		return err
	}

	rstBlob, rstMediaType, err := resourcetable.EncodeBlob(rstPath, true)
	if err != nil {
		return err
	}
	// The resource_table cannot list itself; its blob goes into the
	// store unrecorded and is identified through the index descriptor.
	rstDigest, err := b.store.Put(rstBlob)
	if err != nil {
		return err
	}
	b.index.SetResourceTable(ocispec.Descriptor{
		MediaType: rstMediaType,
		Digest:    rstDigest,
		Size:      int64(len(rstBlob)),
	})

	count, size, err := b.store.Stats()
	if err != nil {
		return err
	}
	if err := b.index.Finalize(b.clock.Now(), count, size); err != nil {
		return err
	}

	b.logger.Info("image finalized", "blobs_count", count, "blobs_size", size)
	return nil
}

// Sign records the signing timestamp in the index, freezes the index
// bytes, and produces index.jwt over them. Must follow Finalize.
func (b *Builder) Sign(signer *signing.Signer) error {
	if err := b.index.MarkSigned(b.clock.Now()); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	indexBytes, err := b.index.MarshalCanonical()
	if err != nil {
		return err
	}
	token, err := signer.Sign(indexBytes)
	if err != nil {
		return err
	}
	b.indexBytes = indexBytes
	b.token = token
	return nil
}

// WriteArchive packs the finalized image into an archive file. When
// the image is signed, the archive carries the exact bytes the
// signature binds.
func (b *Builder) WriteArchive(path string) error {
	if !b.index.Finalized() {
		return fmt.Errorf("artifact: image must be finalized before packing")
	}
	indexBytes := b.indexBytes
	if indexBytes == nil {
		var err error
		indexBytes, err = b.index.MarshalCanonical()
		if err != nil {
			return err
		}
	}
	if err := PackFile(path, indexBytes, b.token, b.store); err != nil {
		return err
	}
	b.logger.Info("archive written", "path", path, "signed", b.token != "")
	return nil
}

// putBlob stores content and records its resource_table row. The
// template carries filter information for filtered resources; digest
// and size are filled from the stored bytes.
func (b *Builder) putBlob(content []byte, mediaType string, template resourcetable.Resource) (ocispec.Descriptor, error) {
	dgst, err := b.store.Put(content)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	template.Digest = dgst
	template.Size = int64(len(content))
	b.resources[dgst] = template
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      int64(len(content)),
	}, nil
}

// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ota-foundation/otaimage/lib/artifact"
	"github.com/ota-foundation/otaimage/lib/filetable"
	"github.com/ota-foundation/otaimage/lib/ocispec"
	"github.com/ota-foundation/otaimage/lib/resourcetable"
)

// Prepared bundles the read-only tables of one image payload, ready to
// hand to a Deployer.
type Prepared struct {
	Table     *filetable.FileTable
	Resources *resourcetable.ResourceTable
}

// Close closes both tables.
func (p *Prepared) Close() error {
	err := p.Table.Close()
	if rerr := p.Resources.Close(); err == nil {
		err = rerr
	}
	return err
}

// PrepareFromArchive extracts the file_table of the identified image
// payload and the archive's resource_table into workDir and opens both
// read-only. The caller owns workDir's lifetime; the extracted SQLite
// files live there until the Prepared is closed and the directory
// removed.
func PrepareFromArchive(reader *artifact.Reader, id ocispec.ImageIdentifier, workDir string, logger *slog.Logger) (*Prepared, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	manifestDesc, ok := reader.Index().FindImage(id)
	if !ok {
		return nil, fmt.Errorf("deploy: image payload %s not found in index", id)
	}
	manifest, err := reader.ReadManifest(manifestDesc)
	if err != nil {
		return nil, err
	}
	ftDesc, err := manifest.FileTable()
	if err != nil {
		return nil, err
	}
	ftData, err := reader.ReadBlob(ftDesc)
	if err != nil {
		return nil, err
	}
	ftPath := filepath.Join(workDir, "file_table.sqlite3")
	if err := filetable.ExtractBlob(ftData, ftDesc.MediaType, ftPath); err != nil {
		return nil, err
	}

	rstDesc, ok := reader.Index().ResourceTable()
	if !ok {
		return nil, fmt.Errorf("deploy: index has no resource_table descriptor")
	}
	rstData, err := reader.ReadBlob(rstDesc)
	if err != nil {
		return nil, err
	}
	rstPath := filepath.Join(workDir, "resource_table.sqlite3")
	if err := resourcetable.ExtractBlob(rstData, rstDesc.MediaType, rstPath); err != nil {
		return nil, err
	}

	table, err := filetable.Open(filetable.Config{Path: ftPath, ReadOnly: true, Logger: logger})
	if err != nil {
		return nil, err
	}
	resources, err := resourcetable.Open(resourcetable.Config{Path: rstPath, ReadOnly: true, Logger: logger})
	if err != nil {
		table.Close()
		return nil, err
	}

	logger.Info("payload prepared", "image", id.String(), "work_dir", workDir)
	return &Prepared{Table: table, Resources: resources}, nil
}

// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ota-foundation/otaimage/lib/blobstore"
)

// archiveEpoch is the fixed modification time of every archive entry.
// Reproducibility requires that the packing time never leaks into the
// bytes.
var archiveEpoch = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

// Pack writes a complete image archive to w: index.json first, the
// signature second (when token is non-empty), then every blob from the
// store in lexicographic name order. All entries are stored
// uncompressed with pinned metadata, so identical inputs produce
// byte-identical archives.
func Pack(w io.Writer, indexBytes []byte, token string, store *blobstore.Store) error {
	zw := zip.NewWriter(w)

	if err := writeStoredEntry(zw, indexEntryName, indexBytes); err != nil {
		return err
	}
	if token != "" {
		if err := writeStoredEntry(zw, jwtEntryName, []byte(token)); err != nil {
			return err
		}
	}

	digests, err := store.Digests()
	if err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	sort.Slice(digests, func(i, j int) bool {
		return digests[i].Encoded() < digests[j].Encoded()
	})
	for _, dgst := range digests {
		content, err := store.GetBlob(dgst)
		if err != nil {
			return fmt.Errorf("artifact: packing blob: %w", err)
		}
		if err := writeStoredEntry(zw, blobPrefix+dgst.Encoded(), content); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("artifact: finishing archive: %w", err)
	}
	return nil
}

// PackFile writes the archive to path via a temporary file and atomic
// rename.
func PackFile(path string, indexBytes []byte, token string, store *blobstore.Store) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return fmt.Errorf("artifact: creating temp archive: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := Pack(tmpFile, indexBytes, token, store); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("artifact: closing archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("artifact: renaming archive into place: %w", err)
	}
	success = true
	return nil
}

func writeStoredEntry(zw *zip.Writer, name string, content []byte) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: archiveEpoch,
	}
	header.SetMode(0o644)
	entry, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("artifact: creating entry %s: %w", name, err)
	}
	if _, err := entry.Write(content); err != nil {
		return fmt.Errorf("artifact: writing entry %s: %w", name, err)
	}
	return nil
}

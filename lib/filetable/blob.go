// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

import (
	"fmt"
	"os"

	"github.com/ota-foundation/otaimage/lib/compress"
	"github.com/ota-foundation/otaimage/lib/ocispec"
)

// EncodeBlob reads a finished file_table database file and returns the
// blob bytes together with their media type. With compression enabled
// the blob is a zstd frame and the media type carries the +zstd
// suffix. The table must be closed before encoding: an open WAL would
// leak uncheckpointed rows.
func EncodeBlob(path string, compressTable bool) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("filetable: reading table file: %w", err)
	}
	if !compressTable {
		return data, ocispec.MediaTypeFileTable, nil
	}
	return compress.Zstd(data), ocispec.MediaTypeFileTableZstd, nil
}

// ExtractBlob writes a file_table blob to destPath as a plain SQLite
// file, reversing zstd when the media type carries the +zstd suffix.
// Media types other than the two file_table types are rejected.
func ExtractBlob(data []byte, mediaType, destPath string) error {
	switch mediaType {
	case ocispec.MediaTypeFileTable:
	case ocispec.MediaTypeFileTableZstd:
		var err error
		data, err = compress.UnZstd(data)
		if err != nil {
			return fmt.Errorf("filetable: decompressing table blob: %w", err)
		}
	default:
		return fmt.Errorf("filetable: unexpected media type %q", mediaType)
	}
	if err := os.WriteFile(destPath, data, 0o600); err != nil {
		return fmt.Errorf("filetable: writing table file: %w", err)
	}
	return nil
}

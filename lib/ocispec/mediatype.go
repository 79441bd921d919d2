// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package ocispec

// OCI media types, per the OCI image specification.
const (
	MediaTypeImageIndex    = "application/vnd.oci.image.index.v1+json"
	MediaTypeImageManifest = "application/vnd.oci.image.manifest.v1+json"
)

// OTA image media types. The +zstd variants indicate that the stored
// blob is a zstd-compressed SQLite database; consumers decompress
// before opening it as a relational store.
const (
	MediaTypeOTAImageArtifact = "application/vnd.tier4.ota.file-based-ota-image.v1"

	MediaTypeFileTable     = "application/vnd.tier4.ota.file-based-ota-image.file_table.v1.sqlite3"
	MediaTypeFileTableZstd = "application/vnd.tier4.ota.file-based-ota-image.file_table.v1.sqlite3+zstd"

	MediaTypeResourceTable     = "application/vnd.tier4.ota.file-based-ota-image.resource_table.v1.sqlite3"
	MediaTypeResourceTableZstd = "application/vnd.tier4.ota.file-based-ota-image.resource_table.v1.sqlite3+zstd"

	MediaTypeImageConfig = "application/vnd.tier4.ota.file-based-ota-image.config.v1+json"
	MediaTypeSysConfig   = "application/vnd.tier4.ota.file-based-ota-image.config.v1+yaml"
)

// DigestAlgorithm is the only digest algorithm the v1 image format
// supports. It appears in the image config as resource_digest_alg and
// determines the blob storage directory name inside the artifact.
const DigestAlgorithm = "sha256"

// CompressionZstd is the only resource filter the v1 image format
// supports. It appears in resource_table rows as filter_applied and in
// the +zstd media type suffix.
const CompressionZstd = "zstd"

// IsZstdMediaType reports whether the media type carries the +zstd
// suffix, meaning the blob must be decompressed before use.
func IsZstdMediaType(mediaType string) bool {
	return mediaType == MediaTypeFileTableZstd || mediaType == MediaTypeResourceTableZstd
}

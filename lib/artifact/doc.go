// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact implements the OTA image archive: a single ZIP
// container holding index.json, the detached index.jwt signature, and
// the content-addressable blob section.
//
// # Layout
//
// Entries appear in a fixed order:
//
//	index.json                 the image index (always first)
//	index.jwt                  the ES256 signature (second, if signed)
//	blobs/sha256/<hex>         one entry per blob, lexicographic
//
// All entries are stored uncompressed (ZIP method Store): blobs carry
// their own compression as format-level filters, and double
// compression would only burn CPU on the vehicle. Timestamps are
// pinned and permissions fixed, so packing the same content twice
// yields byte-identical archives.
//
// [Reader] is the verification- and deployment-side view: digest-
// verified random access to blobs. [Builder] is the build-side
// orchestrator: it scans payload trees into file_tables, fills the
// blob store, assembles the config/manifest/index documents, and packs
// the archive.
package artifact

// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package ocispec defines the typed metadata model of an OTA image:
// OCI-style descriptors, the image index, per-ECU image manifests, and
// the image config. These are the wire-contract documents stored inside
// the artifact (index.json and metadata blobs).
//
// All documents are validated at the parse boundary: ParseIndex,
// ParseManifest, and ParseConfig reject wrong schemaVersion, wrong
// mediaType, and missing required fields with ErrSchemaViolation
// instead of deferring failures to first use.
//
// Marshalling is deterministic: struct field order is fixed and
// annotation maps serialize in sorted key order, so identical inputs
// always produce identical bytes. The artifact packer and the signing
// subsystem both rely on this.
package ocispec

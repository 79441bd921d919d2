// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package ocispec

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrSchemaViolation is the base error for every parse-boundary
// rejection: wrong schemaVersion, wrong mediaType, malformed digest,
// or a missing required field. Callers match it with errors.Is.
var ErrSchemaViolation = errors.New("ocispec: schema violation")

// Descriptor is an OCI-style content descriptor: a reference to a byte
// payload by media type, digest, and size. Two descriptors refer to
// the same content iff digest and size match; annotations carry
// auxiliary metadata and never participate in equality.
type Descriptor struct {
	MediaType    string            `json:"mediaType"`
	Digest       digest.Digest     `json:"digest"`
	Size         int64             `json:"size"`
	ArtifactType string            `json:"artifactType,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// NewDescriptor computes a descriptor over the given payload bytes
// with the canonical (sha256) digest algorithm.
func NewDescriptor(mediaType string, payload []byte) Descriptor {
	return Descriptor{
		MediaType: mediaType,
		Digest:    digest.Canonical.FromBytes(payload),
		Size:      int64(len(payload)),
	}
}

// SameContent reports whether two descriptors reference the same
// payload: equal digest and equal size, annotations ignored.
func (d Descriptor) SameContent(other Descriptor) bool {
	return d.Digest == other.Digest && d.Size == other.Size
}

// Validate checks the structural invariants of a descriptor: a
// well-formed, supported digest and a non-negative size.
func (d Descriptor) Validate() error {
	if d.MediaType == "" {
		return fmt.Errorf("%w: descriptor has empty mediaType", ErrSchemaViolation)
	}
	if err := d.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: descriptor digest %q: %v", ErrSchemaViolation, d.Digest, err)
	}
	if d.Digest.Algorithm() != digest.SHA256 {
		return fmt.Errorf("%w: unsupported digest algorithm %q (only %s)",
			ErrSchemaViolation, d.Digest.Algorithm(), DigestAlgorithm)
	}
	if d.Size < 0 {
		return fmt.Errorf("%w: descriptor has negative size %d", ErrSchemaViolation, d.Size)
	}
	return nil
}

// Annotation returns the value of an annotation key, or "" when the
// key is absent or the descriptor carries no annotations.
func (d Descriptor) Annotation(key string) string {
	if d.Annotations == nil {
		return ""
	}
	return d.Annotations[key]
}

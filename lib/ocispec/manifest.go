// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package ocispec

import (
	"encoding/json"
	"fmt"
)

// ImageManifest is one image payload: the image config descriptor plus
// the layer descriptors. For the file-based OTA image format the first
// (and only) layer is the file_table database blob.
type ImageManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	ArtifactType  string            `json:"artifactType,omitempty"`
	Config        Descriptor        `json:"config"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// ParseManifest parses and validates an image manifest document.
func ParseManifest(data []byte) (*ImageManifest, error) {
	var manifest ImageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: parsing image manifest: %v", ErrSchemaViolation, err)
	}
	if manifest.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: image manifest schemaVersion is %d, want 2",
			ErrSchemaViolation, manifest.SchemaVersion)
	}
	if manifest.MediaType != MediaTypeImageManifest {
		return nil, fmt.Errorf("%w: image manifest mediaType is %q, want %q",
			ErrSchemaViolation, manifest.MediaType, MediaTypeImageManifest)
	}
	if err := manifest.Config.Validate(); err != nil {
		return nil, fmt.Errorf("image manifest config: %w", err)
	}
	if len(manifest.Layers) == 0 {
		return nil, fmt.Errorf("%w: image manifest has no layers", ErrSchemaViolation)
	}
	for i, layer := range manifest.Layers {
		if err := layer.Validate(); err != nil {
			return nil, fmt.Errorf("image manifest layer %d: %w", i, err)
		}
	}
	return &manifest, nil
}

// MarshalCanonical serializes the manifest to its canonical JSON form.
func (m *ImageManifest) MarshalCanonical() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling image manifest: %w", err)
	}
	return data, nil
}

// FileTable returns the file_table layer descriptor: the first layer
// whose media type is the file_table database (plain or zstd).
func (m *ImageManifest) FileTable() (Descriptor, error) {
	for _, layer := range m.Layers {
		if layer.MediaType == MediaTypeFileTable || layer.MediaType == MediaTypeFileTableZstd {
			return layer, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: image manifest has no file_table layer", ErrSchemaViolation)
}

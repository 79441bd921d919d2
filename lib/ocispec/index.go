// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package ocispec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ReleaseKey distinguishes development and production image payloads
// for the same ECU.
type ReleaseKey string

const (
	ReleaseKeyDev ReleaseKey = "dev"
	ReleaseKeyPrd ReleaseKey = "prd"
)

// ParseReleaseKey validates a release key string.
func ParseReleaseKey(s string) (ReleaseKey, error) {
	switch ReleaseKey(s) {
	case ReleaseKeyDev, ReleaseKeyPrd:
		return ReleaseKey(s), nil
	default:
		return "", fmt.Errorf("%w: unknown release key %q (want dev or prd)", ErrSchemaViolation, s)
	}
}

// ImageIdentifier uniquely identifies one image payload within an
// index: the target ECU plus the release key. The index enforces
// uniqueness of this pair across all image-payload manifests.
type ImageIdentifier struct {
	ECUID      string
	ReleaseKey ReleaseKey
}

func (id ImageIdentifier) String() string {
	return id.ECUID + "/" + string(id.ReleaseKey)
}

// ImageIndex is the top-level index.json document: the ordered list of
// manifest descriptors plus image-wide annotations.
type ImageIndex struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Manifests     []Descriptor      `json:"manifests"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// NewIndex creates an empty, unfinalized image index.
func NewIndex(buildToolVersion string) *ImageIndex {
	return &ImageIndex{
		SchemaVersion: 2,
		MediaType:     MediaTypeImageIndex,
		Manifests:     []Descriptor{},
		Annotations: map[string]string{
			AnnotationBuildToolVersion: buildToolVersion,
		},
	}
}

// ParseIndex parses and validates an index.json document.
func ParseIndex(data []byte) (*ImageIndex, error) {
	var index ImageIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("%w: parsing image index: %v", ErrSchemaViolation, err)
	}
	if index.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: image index schemaVersion is %d, want 2",
			ErrSchemaViolation, index.SchemaVersion)
	}
	if index.MediaType != MediaTypeImageIndex {
		return nil, fmt.Errorf("%w: image index mediaType is %q, want %q",
			ErrSchemaViolation, index.MediaType, MediaTypeImageIndex)
	}
	for i, manifest := range index.Manifests {
		if err := manifest.Validate(); err != nil {
			return nil, fmt.Errorf("manifest descriptor %d: %w", i, err)
		}
	}
	return &index, nil
}

// MarshalCanonical serializes the index to its canonical JSON byte
// form. Field order is fixed by the struct definition and map keys
// serialize sorted, so the output is reproducible.
func (x *ImageIndex) MarshalCanonical() ([]byte, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("marshaling image index: %w", err)
	}
	return data, nil
}

// Finalized reports whether the image has been finalized. Once the
// created-at annotation is set, no further manifests may be added.
func (x *ImageIndex) Finalized() bool {
	return x.annotation(AnnotationImageCreatedAt) != ""
}

// Signed reports whether the image carries the signed-at annotation.
// The authoritative signature is index.jwt; this annotation only
// records that signing happened.
func (x *ImageIndex) Signed() bool {
	return x.annotation(AnnotationImageSignedAt) != ""
}

// Finalize freezes the index: it records the creation timestamp and
// the blob storage statistics. Adding manifests after finalization is
// an error.
func (x *ImageIndex) Finalize(now time.Time, blobsCount int, blobsSize int64) error {
	if x.Finalized() {
		return fmt.Errorf("image index is already finalized")
	}
	x.setAnnotation(AnnotationImageCreatedAt, strconv.FormatInt(now.Unix(), 10))
	x.setAnnotation(AnnotationImageBlobsCount, strconv.Itoa(blobsCount))
	x.setAnnotation(AnnotationImageBlobsSize, strconv.FormatInt(blobsSize, 10))
	return nil
}

// MarkSigned records the signing timestamp. The index must be
// finalized first: the signature binds the exact index bytes, so any
// post-signing edit invalidates it.
func (x *ImageIndex) MarkSigned(now time.Time) error {
	if !x.Finalized() {
		return fmt.Errorf("image index must be finalized before signing")
	}
	x.setAnnotation(AnnotationImageSignedAt, strconv.FormatInt(now.Unix(), 10))
	return nil
}

// AddImage appends an image-payload manifest descriptor. The
// descriptor must carry the OTA image artifact type and the ECU
// annotation; the (ecu_id, release_key) pair must be unique among the
// image payloads already present. Both violations are build-time
// errors.
func (x *ImageIndex) AddImage(desc Descriptor) error {
	if x.Finalized() {
		return fmt.Errorf("cannot add manifest to a finalized image")
	}
	if desc.ArtifactType != MediaTypeOTAImageArtifact {
		return fmt.Errorf("%w: manifest descriptor artifactType is %q, want %q",
			ErrSchemaViolation, desc.ArtifactType, MediaTypeOTAImageArtifact)
	}
	id, err := identifierOf(desc)
	if err != nil {
		return err
	}
	if _, ok := x.FindImage(id); ok {
		return fmt.Errorf("image payload %s is already present in the index", id)
	}
	x.Manifests = append(x.Manifests, desc)
	return nil
}

// FindImage returns the manifest descriptor for the given image
// identifier, if present.
func (x *ImageIndex) FindImage(id ImageIdentifier) (Descriptor, bool) {
	for _, desc := range x.Manifests {
		if desc.ArtifactType != MediaTypeOTAImageArtifact {
			continue
		}
		descID, err := identifierOf(desc)
		if err != nil {
			continue
		}
		if descID == id {
			return desc, true
		}
	}
	return Descriptor{}, false
}

// ImageIdentifiers lists the identifiers of every image payload in the
// index, in manifest order.
func (x *ImageIndex) ImageIdentifiers() []ImageIdentifier {
	var ids []ImageIdentifier
	for _, desc := range x.Manifests {
		if desc.ArtifactType != MediaTypeOTAImageArtifact {
			continue
		}
		if id, err := identifierOf(desc); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// ResourceTable returns the resource_table descriptor carried in the
// manifests list, if any.
func (x *ImageIndex) ResourceTable() (Descriptor, bool) {
	for _, desc := range x.Manifests {
		if desc.MediaType == MediaTypeResourceTable || desc.MediaType == MediaTypeResourceTableZstd {
			return desc, true
		}
	}
	return Descriptor{}, false
}

// SetResourceTable replaces the resource_table descriptor, or adds it
// when none is present. Called when a new image payload changes the
// blob set.
func (x *ImageIndex) SetResourceTable(desc Descriptor) {
	for i, existing := range x.Manifests {
		if existing.MediaType == MediaTypeResourceTable || existing.MediaType == MediaTypeResourceTableZstd {
			x.Manifests[i] = desc
			return
		}
	}
	x.Manifests = append(x.Manifests, desc)
}

// identifierOf extracts the (ecu_id, release_key) identifier from a
// manifest descriptor's annotations. The release key defaults to dev
// when absent, matching the wire contract.
func identifierOf(desc Descriptor) (ImageIdentifier, error) {
	ecuID := desc.Annotation(AnnotationECU)
	if ecuID == "" {
		return ImageIdentifier{}, fmt.Errorf("%w: manifest descriptor is missing the %s annotation",
			ErrSchemaViolation, AnnotationECU)
	}
	releaseKey := ReleaseKeyDev
	if raw := desc.Annotation(AnnotationReleaseKey); raw != "" {
		parsed, err := ParseReleaseKey(raw)
		if err != nil {
			return ImageIdentifier{}, err
		}
		releaseKey = parsed
	}
	return ImageIdentifier{ECUID: ecuID, ReleaseKey: releaseKey}, nil
}

func (x *ImageIndex) annotation(key string) string {
	if x.Annotations == nil {
		return ""
	}
	return x.Annotations[key]
}

func (x *ImageIndex) setAnnotation(key, value string) {
	if x.Annotations == nil {
		x.Annotations = map[string]string{}
	}
	x.Annotations[key] = value
}

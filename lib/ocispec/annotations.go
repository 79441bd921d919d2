// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package ocispec

// Annotation keys used in the image index, manifest descriptors, and
// image config labels. Keys are stable wire-contract strings; renaming
// one breaks compatibility with existing images.

// Platform annotations on manifest descriptors and manifests.
const (
	AnnotationPlatform           = "vnd.tier4.pilot-auto.platform"
	AnnotationECU                = "vnd.tier4.pilot-auto.platform.ecu"
	AnnotationECUHardwareModel   = "vnd.tier4.pilot-auto.platform.ecu.hardware-model"
	AnnotationECUHardwareSeries  = "vnd.tier4.pilot-auto.platform.ecu.hardware-series"
	AnnotationECUArchitecture    = "vnd.tier4.pilot-auto.platform.ecu.architecture"
	AnnotationProject            = "vnd.tier4.pilot-auto.project"
	AnnotationProjectVersion     = "vnd.tier4.pilot-auto.project.version"
	AnnotationProjectSourceRepo  = "vnd.tier4.pilot-auto.project.source-repo"
	AnnotationProjectCommit      = "vnd.tier4.pilot-auto.project.release-commit"
	AnnotationProjectBranch      = "vnd.tier4.pilot-auto.project.release-branch"
)

// OTA release annotations on the image index.
const (
	AnnotationBuildToolVersion = "vnd.tier4.ota.ota-image-builder.version"
	AnnotationReleaseKey       = "vnd.tier4.ota.release-key"
	AnnotationImageCreatedAt   = "vnd.tier4.ota.image.created-at"
	AnnotationImageSignedAt    = "vnd.tier4.ota.image.signed-at"
	AnnotationImageBlobsCount  = "vnd.tier4.ota.image.blobs-count"
	AnnotationImageBlobsSize   = "vnd.tier4.ota.image.blobs-size"
)

// System image annotations on the image config labels.
const (
	AnnotationBaseImage               = "vnd.tier4.image.base-image"
	AnnotationOS                      = "vnd.tier4.image.os"
	AnnotationOSVersion               = "vnd.tier4.image.os.version"
	AnnotationRootfsRegularCount      = "vnd.tier4.image.rootfs.regular-files-count"
	AnnotationRootfsNonRegularCount   = "vnd.tier4.image.rootfs.non-regular-files-count"
	AnnotationRootfsDirsCount         = "vnd.tier4.image.rootfs.dirs-count"
	AnnotationRootfsUniqueFilesCount  = "vnd.tier4.image.rootfs.unique-files-entries-count"
	AnnotationRootfsUniqueFilesSize   = "vnd.tier4.image.rootfs.unique-files-entries-size"
	AnnotationRootfsSize              = "vnd.tier4.image.rootfs.size"
)

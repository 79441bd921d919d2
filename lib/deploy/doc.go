// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package deploy materializes an image payload onto a target
// directory and verifies blob stores against their resource_table.
//
// Deployment runs in three phases. Directories are created first, in
// path order, so parents exist before children. Non-regular entries
// (symlinks) come second. Regular files are extracted last, in
// parallel across a bounded worker pool: each file is fetched from
// the blob store with digest verification, de-filtered if the
// resource_table says so, written to a temporary name, and renamed
// into place, so a crashed deployment never leaves a half-written
// file under a final path.
//
// Failures are collected per entry rather than aborting the whole
// run (unless configured otherwise): a deployment report names every
// path that could not be installed and why. Cancellation via context
// stops the pool cooperatively.
package deploy

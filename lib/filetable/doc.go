// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package filetable implements the file_table: the SQLite database
// that describes one image's filesystem tree. It is the bridge between
// the content-addressable blob store (which holds bytes, keyed by
// digest) and the deployed filesystem (which holds paths, owners,
// modes, and link structure).
//
// # Schema
//
// Five tables:
//
//   - ft_inode: shared metadata (uid, gid, mode, links_count, xattrs).
//     Hardlinked paths reference the same inode row.
//   - ft_resource: per-unique-content rows (digest, size) with an
//     optional inlined contents column for small files, so deploying
//     many tiny files does not round-trip through the blob store.
//   - ft_dir: directory paths.
//   - ft_regular: regular file paths, each referencing an inode and a
//     resource.
//   - ft_non_regular: everything else (symlinks, device nodes), with
//     type-specific metadata such as the symlink target.
//
// Paths are absolute, slash-separated, and unique across the three
// entry tables. All iteration is in lexicographic path order, which
// makes traversal deterministic and guarantees parents sort before
// children.
package filetable

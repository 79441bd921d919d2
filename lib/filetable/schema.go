// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

// schema is applied to every new file_table database. The CREATE
// statements are idempotent so reopening an existing table for
// continued building is safe.
const schema = `
CREATE TABLE IF NOT EXISTS ft_inode (
	inode_id    INTEGER PRIMARY KEY,
	uid         INTEGER NOT NULL,
	gid         INTEGER NOT NULL,
	mode        INTEGER NOT NULL,
	links_count INTEGER NOT NULL DEFAULT 1,
	xattrs      BLOB
);

CREATE TABLE IF NOT EXISTS ft_resource (
	resource_id INTEGER PRIMARY KEY,
	digest      TEXT NOT NULL UNIQUE,
	size        INTEGER NOT NULL,
	contents    BLOB
);

CREATE TABLE IF NOT EXISTS ft_dir (
	path     TEXT PRIMARY KEY,
	inode_id INTEGER NOT NULL REFERENCES ft_inode(inode_id)
);

CREATE TABLE IF NOT EXISTS ft_regular (
	path        TEXT PRIMARY KEY,
	inode_id    INTEGER NOT NULL REFERENCES ft_inode(inode_id),
	resource_id INTEGER NOT NULL REFERENCES ft_resource(resource_id)
);

CREATE TABLE IF NOT EXISTS ft_non_regular (
	path     TEXT PRIMARY KEY,
	inode_id INTEGER NOT NULL REFERENCES ft_inode(inode_id),
	meta     BLOB
);
`

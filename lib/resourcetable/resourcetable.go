// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package resourcetable implements the resource_table: the SQLite
// manifest of every blob in the image's store. Where the file_table is
// per-image, the resource_table spans the whole archive — one row per
// unique blob, recording its digest, stored size, and the filter (if
// any) that must be reversed to recover the original bytes.
//
// The store-wide verification pass walks this table: every row must
// resolve to a blob whose bytes hash to the recorded digest, and every
// blob in the store must be claimed by a row.
package resourcetable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/opencontainers/go-digest"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ota-foundation/otaimage/lib/compress"
	"github.com/ota-foundation/otaimage/lib/ocispec"
	"github.com/ota-foundation/otaimage/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS rst_manifest (
	resource_id    INTEGER PRIMARY KEY,
	digest         TEXT NOT NULL,
	size           INTEGER NOT NULL,
	filter_applied TEXT,
	meta           BLOB
);

CREATE UNIQUE INDEX IF NOT EXISTS rst_manifest_digest ON rst_manifest(digest);
`

// Resource is one row of the manifest: a blob in the store. Digest and
// Size describe the stored bytes (after any filter). Filter names the
// transform to reverse at deployment time; empty means the blob is the
// resource verbatim.
type Resource struct {
	Digest digest.Digest
	Size   int64
	Filter string
	Meta   []byte
}

// FilterMeta is the meta payload attached to filtered resources: the
// digest and size of the bytes before the filter was applied, so a
// deployer can check the reversed output independently of the blob
// digest.
type FilterMeta struct {
	OriginalDigest digest.Digest `json:"original_digest"`
	OriginalSize   int64         `json:"original_size"`
}

// Encode serializes the meta payload for storage in the meta column.
func (m FilterMeta) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("resourcetable: encoding filter meta: %w", err)
	}
	return data, nil
}

// DecodeFilterMeta parses a meta column payload.
func DecodeFilterMeta(data []byte) (FilterMeta, error) {
	var m FilterMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return FilterMeta{}, fmt.Errorf("resourcetable: decoding filter meta: %w", err)
	}
	return m, nil
}

// Config holds the parameters for opening a resource_table database.
type Config struct {
	Path     string
	ReadOnly bool
	PoolSize int
	Logger   *slog.Logger
}

// ResourceTable is an open resource_table database. Safe for
// concurrent use.
type ResourceTable struct {
	pool *sqlitepool.Pool
}

// Open opens (and, unless read-only, initializes) a resource_table
// database.
func Open(cfg Config) (*ResourceTable, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var onConnect func(conn *sqlite.Conn) error
	if !cfg.ReadOnly {
		onConnect = func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		}
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Path,
		PoolSize:  cfg.PoolSize,
		ReadOnly:  cfg.ReadOnly,
		Logger:    logger,
		OnConnect: onConnect,
	})
	if err != nil {
		return nil, fmt.Errorf("resourcetable: %w", err)
	}
	return &ResourceTable{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (t *ResourceTable) Close() error {
	return t.pool.Close()
}

// Add inserts a resource row. The filter name, when set, must be one
// the format defines; unknown filters are rejected here rather than at
// deployment time on the vehicle. Adding a digest that is already
// present is an error: one blob, one row.
func (t *ResourceTable) Add(ctx context.Context, res Resource) error {
	if res.Filter != "" && res.Filter != compress.FilterZstd {
		return fmt.Errorf("resourcetable: unsupported filter %q for %s", res.Filter, res.Digest)
	}
	if err := res.Digest.Validate(); err != nil {
		return fmt.Errorf("resourcetable: invalid digest: %w", err)
	}

	conn, err := t.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer t.pool.Put(conn)

	var filter any
	if res.Filter != "" {
		filter = res.Filter
	}
	// A nil []byte binds as a zero-length blob; absent meta must be
	// stored as NULL so readers see a nil slice.
	var meta any
	if res.Meta != nil {
		meta = res.Meta
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO rst_manifest (digest, size, filter_applied, meta) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{res.Digest.String(), res.Size, filter, meta},
		})
	if err != nil {
		return fmt.Errorf("resourcetable: inserting %s: %w", res.Digest, err)
	}
	return nil
}

// Lookup returns the resource row for a digest, if present.
func (t *ResourceTable) Lookup(ctx context.Context, dgst digest.Digest) (Resource, bool, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return Resource{}, false, err
	}
	defer t.pool.Put(conn)

	var res Resource
	found := false
	err = sqlitex.Execute(conn,
		`SELECT digest, size, filter_applied, meta FROM rst_manifest WHERE digest = ?`,
		&sqlitex.ExecOptions{
			Args: []any{dgst.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				res = resourceFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Resource{}, false, fmt.Errorf("resourcetable: looking up %s: %w", dgst, err)
	}
	return res, found, nil
}

// IterAll calls fn for every resource row in digest order.
func (t *ResourceTable) IterAll(ctx context.Context, fn func(Resource) error) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer t.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT digest, size, filter_applied, meta FROM rst_manifest ORDER BY digest`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				return fn(resourceFromRow(stmt))
			},
		})
	if err != nil {
		return fmt.Errorf("resourcetable: iterating resources: %w", err)
	}
	return nil
}

// Count returns the number of resource rows.
func (t *ResourceTable) Count(ctx context.Context) (int64, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer t.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM rst_manifest`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("resourcetable: counting resources: %w", err)
	}
	return count, nil
}

func resourceFromRow(stmt *sqlite.Stmt) Resource {
	res := Resource{
		Digest: digest.Digest(stmt.ColumnText(0)),
		Size:   stmt.ColumnInt64(1),
	}
	if stmt.ColumnType(2) != sqlite.TypeNull {
		res.Filter = stmt.ColumnText(2)
	}
	if stmt.ColumnType(3) != sqlite.TypeNull {
		res.Meta = make([]byte, stmt.ColumnLen(3))
		stmt.ColumnBytes(3, res.Meta)
	}
	return res
}

// EncodeBlob reads a finished resource_table database file and returns
// the blob bytes together with their media type.
func EncodeBlob(path string, compressTable bool) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("resourcetable: reading table file: %w", err)
	}
	if !compressTable {
		return data, ocispec.MediaTypeResourceTable, nil
	}
	return compress.Zstd(data), ocispec.MediaTypeResourceTableZstd, nil
}

// ExtractBlob writes a resource_table blob to destPath as a plain
// SQLite file, reversing zstd when the media type carries the +zstd
// suffix.
func ExtractBlob(data []byte, mediaType, destPath string) error {
	switch mediaType {
	case ocispec.MediaTypeResourceTable:
	case ocispec.MediaTypeResourceTableZstd:
		var err error
		data, err = compress.UnZstd(data)
		if err != nil {
			return fmt.Errorf("resourcetable: decompressing table blob: %w", err)
		}
	default:
		return fmt.Errorf("resourcetable: unexpected media type %q", mediaType)
	}
	if err := os.WriteFile(destPath, data, 0o600); err != nil {
		return fmt.Errorf("resourcetable: writing table file: %w", err)
	}
	return nil
}

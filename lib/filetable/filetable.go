// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package filetable

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/opencontainers/go-digest"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ota-foundation/otaimage/lib/sqlitepool"
)

// Unix file type bits, as stored in the mode column. Only the subset
// the deployment engine understands is named here; anything else in
// ft_non_regular is rejected at deploy time.
const (
	modeTypeMask = 0o170000
	modeSymlink  = 0o120000
	modeRegular  = 0o100000
	modeDir      = 0o040000
)

// Inode is the shared metadata of one or more paths. Hardlinked
// regular files reference the same inode row; LinksCount records how
// many paths do.
type Inode struct {
	UID        uint32
	GID        uint32
	Mode       uint32
	LinksCount uint32
	Xattrs     map[string]string
}

// Perm returns the permission bits as an fs.FileMode.
func (i Inode) Perm() fs.FileMode {
	return fs.FileMode(i.Mode & 0o7777)
}

// IsSymlink reports whether the mode's type bits mark a symlink.
func (i Inode) IsSymlink() bool {
	return i.Mode&modeTypeMask == modeSymlink
}

// DirEntry is one directory path with its inode metadata.
type DirEntry struct {
	Path  string
	Inode Inode
}

// RegularEntry is one regular file path: inode metadata plus the
// resource that holds its content. Contents is non-nil when the
// content is inlined in the table instead of stored as a blob.
// InodeID identifies the shared inode row, letting a deployer
// reconstruct hardlink groups.
type RegularEntry struct {
	Path     string
	InodeID  int64
	Inode    Inode
	Digest   digest.Digest
	Size     int64
	Contents []byte
}

// Inlined reports whether the entry's content travels inside the
// file_table rather than the blob store.
func (e RegularEntry) Inlined() bool {
	return e.Contents != nil
}

// NonRegularEntry is a path that is neither a directory nor a regular
// file. For symlinks, Meta holds the link target.
type NonRegularEntry struct {
	Path  string
	Inode Inode
	Meta  []byte
}

// SymlinkTarget returns the link target for symlink entries.
func (e NonRegularEntry) SymlinkTarget() (string, error) {
	if !e.Inode.IsSymlink() {
		return "", fmt.Errorf("filetable: %s is not a symlink (mode %o)", e.Path, e.Inode.Mode)
	}
	if len(e.Meta) == 0 {
		return "", fmt.Errorf("filetable: symlink %s has no target", e.Path)
	}
	return string(e.Meta), nil
}

// Stats summarizes a file_table.
type Stats struct {
	Dirs        int64
	Regulars    int64
	NonRegulars int64
	Resources   int64
}

// Config holds the parameters for opening a file_table database.
type Config struct {
	// Path is the filesystem path of the SQLite file.
	Path string

	// ReadOnly opens the table without write access and skips schema
	// creation. Deployment always opens read-only.
	ReadOnly bool

	// PoolSize is the connection pool size. Defaults per sqlitepool.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// FileTable is an open file_table database.
//
// FileTable is safe for concurrent use; every method borrows its own
// pool connection.
type FileTable struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (and, unless read-only, initializes) a file_table
// database.
func Open(cfg Config) (*FileTable, error) {
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
		return nil, fmt.Errorf("filetable: %w", err)
	}
	return &FileTable{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (t *FileTable) Close() error {
	return t.pool.Close()
}

// PutInode inserts an inode row and returns its id.
func (t *FileTable) PutInode(ctx context.Context, inode Inode) (int64, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer t.pool.Put(conn)

	var xattrs []byte
	if len(inode.Xattrs) > 0 {
		xattrs, err = json.Marshal(inode.Xattrs)
		if err != nil {
			return 0, fmt.Errorf("filetable: marshaling xattrs: %w", err)
		}
	}

	linksCount := inode.LinksCount
	if linksCount == 0 {
		linksCount = 1
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO ft_inode (uid, gid, mode, links_count, xattrs) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{inode.UID, inode.GID, inode.Mode, linksCount, blobOrNull(xattrs)},
		})
	if err != nil {
		return 0, fmt.Errorf("filetable: inserting inode: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// PutResource inserts a resource row, deduplicating on digest: if the
// digest is already present, the existing resource id is returned and
// nothing is written. Pass contents to inline small payloads into the
// table.
func (t *FileTable) PutResource(ctx context.Context, dgst digest.Digest, size int64, contents []byte) (int64, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer t.pool.Put(conn)

	var existing int64 = -1
	err = sqlitex.Execute(conn,
		`SELECT resource_id FROM ft_resource WHERE digest = ?`,
		&sqlitex.ExecOptions{
			Args: []any{dgst.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existing = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("filetable: looking up resource %s: %w", dgst, err)
	}
	if existing >= 0 {
		return existing, nil
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO ft_resource (digest, size, contents) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{dgst.String(), size, blobOrNull(contents)},
		})
	if err != nil {
		return 0, fmt.Errorf("filetable: inserting resource %s: %w", dgst, err)
	}
	return conn.LastInsertRowID(), nil
}

// PutDir inserts a directory path.
func (t *FileTable) PutDir(ctx context.Context, path string, inodeID int64) error {
	return t.putPath(ctx,
		`INSERT INTO ft_dir (path, inode_id) VALUES (?, ?)`,
		path, []any{path, inodeID})
}

// PutRegular inserts a regular file path referencing an inode and a
// resource.
func (t *FileTable) PutRegular(ctx context.Context, path string, inodeID, resourceID int64) error {
	return t.putPath(ctx,
		`INSERT INTO ft_regular (path, inode_id, resource_id) VALUES (?, ?, ?)`,
		path, []any{path, inodeID, resourceID})
}

// PutNonRegular inserts a non-regular path. For symlinks, meta is the
// link target.
func (t *FileTable) PutNonRegular(ctx context.Context, path string, inodeID int64, meta []byte) error {
	return t.putPath(ctx,
		`INSERT INTO ft_non_regular (path, inode_id, meta) VALUES (?, ?, ?)`,
		path, []any{path, inodeID, blobOrNull(meta)})
}

// blobOrNull returns a bind argument that stores SQL NULL for an
// absent payload. A nil []byte in ExecOptions.Args binds as a
// zero-length blob, which readers cannot tell apart from real empty
// content.
func blobOrNull(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func (t *FileTable) putPath(ctx context.Context, query, path string, args []any) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer t.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("filetable: inserting %s: %w", path, err)
	}
	return nil
}

// IterDirs calls fn for every directory entry in lexicographic path
// order. Returning an error from fn stops the iteration and propagates
// the error.
func (t *FileTable) IterDirs(ctx context.Context, fn func(DirEntry) error) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer t.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		SELECT d.path, i.uid, i.gid, i.mode, i.links_count, i.xattrs
		FROM ft_dir AS d JOIN ft_inode AS i ON i.inode_id = d.inode_id
		ORDER BY d.path`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inode, err := inodeFromRow(stmt, 1)
				if err != nil {
					return err
				}
				return fn(DirEntry{Path: stmt.ColumnText(0), Inode: inode})
			},
		})
	if err != nil {
		return fmt.Errorf("filetable: iterating directories: %w", err)
	}
	return nil
}

// IterRegular calls fn for every regular file entry in lexicographic
// path order.
func (t *FileTable) IterRegular(ctx context.Context, fn func(RegularEntry) error) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer t.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		SELECT f.path, i.uid, i.gid, i.mode, i.links_count, i.xattrs,
		       r.digest, r.size, r.contents, f.inode_id
		FROM ft_regular AS f
		JOIN ft_inode AS i ON i.inode_id = f.inode_id
		JOIN ft_resource AS r ON r.resource_id = f.resource_id
		ORDER BY f.path`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inode, err := inodeFromRow(stmt, 1)
				if err != nil {
					return err
				}
				entry := RegularEntry{
					Path:    stmt.ColumnText(0),
					InodeID: stmt.ColumnInt64(9),
					Inode:   inode,
					Digest:  digest.Digest(stmt.ColumnText(6)),
					Size:    stmt.ColumnInt64(7),
				}
				if stmt.ColumnType(8) != sqlite.TypeNull {
					entry.Contents = make([]byte, stmt.ColumnLen(8))
					stmt.ColumnBytes(8, entry.Contents)
				}
				return fn(entry)
			},
		})
	if err != nil {
		return fmt.Errorf("filetable: iterating regular files: %w", err)
	}
	return nil
}

// IterNonRegular calls fn for every non-regular entry in lexicographic
// path order.
func (t *FileTable) IterNonRegular(ctx context.Context, fn func(NonRegularEntry) error) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer t.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		SELECT n.path, i.uid, i.gid, i.mode, i.links_count, i.xattrs, n.meta
		FROM ft_non_regular AS n JOIN ft_inode AS i ON i.inode_id = n.inode_id
		ORDER BY n.path`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inode, err := inodeFromRow(stmt, 1)
				if err != nil {
					return err
				}
				entry := NonRegularEntry{Path: stmt.ColumnText(0), Inode: inode}
				if stmt.ColumnType(6) != sqlite.TypeNull {
					entry.Meta = make([]byte, stmt.ColumnLen(6))
					stmt.ColumnBytes(6, entry.Meta)
				}
				return fn(entry)
			},
		})
	if err != nil {
		return fmt.Errorf("filetable: iterating non-regular entries: %w", err)
	}
	return nil
}

// ResourceDigests calls fn for every unique resource digest that is
// not inlined, in digest order. The image builder uses this to decide
// which blobs the archive must carry.
func (t *FileTable) ResourceDigests(ctx context.Context, fn func(dgst digest.Digest, size int64) error) error {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer t.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT digest, size FROM ft_resource WHERE contents IS NULL ORDER BY digest`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				return fn(digest.Digest(stmt.ColumnText(0)), stmt.ColumnInt64(1))
			},
		})
	if err != nil {
		return fmt.Errorf("filetable: iterating resource digests: %w", err)
	}
	return nil
}

// Stats counts the table's entries.
func (t *FileTable) Stats(ctx context.Context) (Stats, error) {
	conn, err := t.pool.Take(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer t.pool.Put(conn)

	var stats Stats
	counts := []struct {
		query string
		field *int64
	}{
		{`SELECT COUNT(*) FROM ft_dir`, &stats.Dirs},
		{`SELECT COUNT(*) FROM ft_regular`, &stats.Regulars},
		{`SELECT COUNT(*) FROM ft_non_regular`, &stats.NonRegulars},
		{`SELECT COUNT(*) FROM ft_resource`, &stats.Resources},
	}
	for _, c := range counts {
		err := sqlitex.Execute(conn, c.query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				*c.field = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return Stats{}, fmt.Errorf("filetable: counting entries: %w", err)
		}
	}
	return stats, nil
}

// inodeFromRow decodes the inode columns starting at column index
// base: uid, gid, mode, links_count, xattrs.
func inodeFromRow(stmt *sqlite.Stmt, base int) (Inode, error) {
	inode := Inode{
		UID:        uint32(stmt.ColumnInt64(base)),
		GID:        uint32(stmt.ColumnInt64(base + 1)),
		Mode:       uint32(stmt.ColumnInt64(base + 2)),
		LinksCount: uint32(stmt.ColumnInt64(base + 3)),
	}
	// Tables written by other tools may carry an empty blob where
	// this package writes NULL; both mean no xattrs.
	if stmt.ColumnType(base+4) != sqlite.TypeNull && stmt.ColumnLen(base+4) > 0 {
		raw := make([]byte, stmt.ColumnLen(base+4))
		stmt.ColumnBytes(base+4, raw)
		if err := json.Unmarshal(raw, &inode.Xattrs); err != nil {
			return Inode{}, fmt.Errorf("filetable: decoding xattrs: %w", err)
		}
	}
	return inode, nil
}

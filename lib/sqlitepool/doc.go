// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool used by the
// OTA image metadata tables.
//
// Both metadata databases of an image — the file_table and the
// resource_table — are SQLite files stored as blobs. This package
// wraps zombiezen.com/go/sqlite with defaults suited to how the
// toolkit uses them: WAL journal mode during image builds, busy
// timeout to absorb write contention from concurrent table builders,
// and a read-only mode for deployment, where the tables come out of a
// verified archive and must never be modified.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for the
// duration of its work.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     filepath.Join(workDir, "file_table.sqlite3"),
//	    PoolSize: 4,
//	    Logger:   logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// # Design
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. There is no attempt
// to abstract away SQLite's connection model or invent a query
// builder. The table packages write SQL, use sqlitex.Execute for
// cached statements, and manage transactions with
// sqlitex.ImmediateTransaction.
package sqlitepool

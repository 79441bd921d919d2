// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore implements the content-addressable blob storage of
// an OTA image: a flat digest-keyed namespace where every read
// re-verifies the content hash. The archive is assumed hostile or
// corruptible in transit, so digest verification on read is mandatory,
// not optional.
package blobstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Errors returned by blob reads. Both are per-blob conditions: the
// caller decides whether one bad blob aborts the whole operation.
var (
	// ErrDigestNotFound indicates the requested digest has no stored
	// blob.
	ErrDigestNotFound = errors.New("blobstore: digest not found")

	// ErrDigestMismatch indicates the stored bytes do not hash to the
	// requested digest. The blob is corrupt or tampered with; it is
	// never returned to the caller.
	ErrDigestMismatch = errors.New("blobstore: digest mismatch")
)

// Getter is the read contract of a blob store: fetch a blob by digest
// with mandatory content verification. Implemented by *Store for
// directory-backed stores and by artifact.Reader for archives.
// Implementations must be safe for concurrent use.
type Getter interface {
	GetBlob(dgst digest.Digest) ([]byte, error)
}

// Store is a directory-backed content-addressable blob store. Blobs
// live in a flat namespace keyed by hex digest (<root>/<hex>). It is
// the build-time staging area that the artifact packer turns into the
// archive's blob section, and the deployment-side resource directory.
//
// Store is safe for concurrent reads. Writes are idempotent: storing
// already-present content is a no-op that returns the existing digest.
type Store struct {
	root string
}

// NewStore creates a Store rooted at the given directory, creating it
// if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob store directory %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the filesystem path a digest's blob is (or would be)
// stored at.
func (s *Store) Path(dgst digest.Digest) string {
	return filepath.Join(s.root, dgst.Encoded())
}

// Has reports whether a blob for the digest is present. It does not
// verify content; use GetBlob for verified reads.
func (s *Store) Has(dgst digest.Digest) bool {
	_, err := os.Stat(s.Path(dgst))
	return err == nil
}

// Put stores content and returns its digest. Content already present
// is detected by digest and not written again (deduplication), so the
// blob count never exceeds the number of unique payloads.
func (s *Store) Put(content []byte) (digest.Digest, error) {
	dgst := digest.Canonical.FromBytes(content)
	if s.Has(dgst) {
		return dgst, nil
	}
	if err := s.writeBlob(dgst, bytes.NewReader(content)); err != nil {
		return "", err
	}
	return dgst, nil
}

// PutFile streams a file into the store, hashing it exactly once.
// Returns the digest and the stored size.
func (s *Store) PutFile(path string) (digest.Digest, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	digester := digest.Canonical.Digester()
	size, err := io.Copy(digester.Hash(), file)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	dgst := digester.Digest()

	if s.Has(dgst) {
		return dgst, size, nil
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewinding %s: %w", path, err)
	}
	if err := s.writeBlob(dgst, file); err != nil {
		return "", 0, err
	}
	return dgst, size, nil
}

// GetBlob reads a blob and verifies its content against the requested
// digest. A blob whose stored bytes do not hash to the digest is never
// returned: the caller gets ErrDigestMismatch instead.
func (s *Store) GetBlob(dgst digest.Digest) ([]byte, error) {
	content, err := os.ReadFile(s.Path(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDigestNotFound, dgst)
		}
		return nil, fmt.Errorf("reading blob %s: %w", dgst, err)
	}
	return content, VerifyContent(dgst, content)
}

// Stats returns the number of stored blobs and their total byte size.
// Used to finalize the image index annotations.
func (s *Store) Stats() (count int, totalSize int64, err error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, 0, fmt.Errorf("listing blob store: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, 0, fmt.Errorf("stating blob %s: %w", entry.Name(), err)
		}
		count++
		totalSize += info.Size()
	}
	return count, totalSize, nil
}

// Digests lists the digests of all stored blobs, in directory order.
func (s *Store) Digests() ([]digest.Digest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing blob store: %w", err)
	}
	digests := make([]digest.Digest, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		digests = append(digests, digest.NewDigestFromEncoded(digest.Canonical, entry.Name()))
	}
	return digests, nil
}

// VerifyContent checks that content hashes to the expected digest,
// returning ErrDigestMismatch otherwise.
func VerifyContent(expected digest.Digest, content []byte) error {
	actual := digest.Canonical.FromBytes(content)
	if actual != expected {
		return fmt.Errorf("%w: requested %s, stored content hashes to %s",
			ErrDigestMismatch, expected, actual)
	}
	return nil
}

// writeBlob writes blob content via a temporary file and atomic
// rename, so a crashed write never leaves a half-written blob under a
// valid digest name.
func (s *Store) writeBlob(dgst digest.Digest, content io.Reader) error {
	tmpFile, err := os.CreateTemp(s.root, ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp blob file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, content); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing blob %s: %w", dgst, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing blob %s: %w", dgst, err)
	}
	if err := os.Rename(tmpPath, s.Path(dgst)); err != nil {
		return fmt.Errorf("renaming blob %s into place: %w", dgst, err)
	}
	success = true
	return nil
}

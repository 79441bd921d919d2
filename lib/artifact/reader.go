// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ota-foundation/otaimage/lib/blobstore"
	"github.com/ota-foundation/otaimage/lib/ocispec"
)

// Archive layout constants. Wire contract: changing them breaks every
// deployed verifier.
const (
	indexEntryName = "index.json"
	jwtEntryName   = "index.jwt"
	blobPrefix     = "blobs/" + ocispec.DigestAlgorithm + "/"
)

var (
	// ErrArchiveCorrupt indicates the file is not a readable image
	// archive: not a ZIP, missing index.json, or structurally broken.
	ErrArchiveCorrupt = errors.New("artifact: archive corrupt")

	// ErrNotSigned indicates the archive carries no index.jwt entry.
	ErrNotSigned = errors.New("artifact: archive is not signed")
)

// Reader provides digest-verified access to an image archive. It
// implements blobstore.Getter over the archive's blob section.
//
// Reader is safe for concurrent use: the deployment engine reads many
// blobs in parallel through a single Reader.
type Reader struct {
	zrc        *zip.ReadCloser
	index      *ocispec.ImageIndex
	indexBytes []byte
	jwt        string
	blobs      map[digest.Digest]*zip.File
}

// Open opens an image archive and parses its index. The index.jwt
// signature, if present, is loaded but NOT verified — pair Open with a
// signing.Verifier before trusting anything the index says.
func Open(path string) (*Reader, error) {
	zrc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrArchiveCorrupt, path, err)
	}

	reader := &Reader{
		zrc:   zrc,
		blobs: make(map[digest.Digest]*zip.File),
	}
	var indexFile, jwtFile *zip.File
	for _, file := range zrc.File {
		switch {
		case file.Name == indexEntryName:
			indexFile = file
		case file.Name == jwtEntryName:
			jwtFile = file
		case strings.HasPrefix(file.Name, blobPrefix):
			encoded := strings.TrimPrefix(file.Name, blobPrefix)
			dgst := digest.NewDigestFromEncoded(digest.Canonical, encoded)
			if err := dgst.Validate(); err != nil {
				zrc.Close()
				return nil, fmt.Errorf("%w: blob entry %q has a malformed name", ErrArchiveCorrupt, file.Name)
			}
			reader.blobs[dgst] = file
		default:
			zrc.Close()
			return nil, fmt.Errorf("%w: unexpected entry %q", ErrArchiveCorrupt, file.Name)
		}
	}
	if indexFile == nil {
		zrc.Close()
		return nil, fmt.Errorf("%w: no %s entry", ErrArchiveCorrupt, indexEntryName)
	}

	reader.indexBytes, err = readEntry(indexFile)
	if err != nil {
		zrc.Close()
		return nil, err
	}
	reader.index, err = ocispec.ParseIndex(reader.indexBytes)
	if err != nil {
		zrc.Close()
		return nil, err
	}

	if jwtFile != nil {
		raw, err := readEntry(jwtFile)
		if err != nil {
			zrc.Close()
			return nil, err
		}
		reader.jwt = strings.TrimSpace(string(raw))
	}
	return reader, nil
}

// Close releases the underlying archive file.
func (r *Reader) Close() error {
	return r.zrc.Close()
}

// Index returns the parsed image index.
func (r *Reader) Index() *ocispec.ImageIndex {
	return r.index
}

// IndexBytes returns the exact index.json bytes, the form the
// signature binds.
func (r *Reader) IndexBytes() []byte {
	return r.indexBytes
}

// IndexJWT returns the index.jwt compact serialization, or
// ErrNotSigned when the archive has none.
func (r *Reader) IndexJWT() (string, error) {
	if r.jwt == "" {
		return "", ErrNotSigned
	}
	return r.jwt, nil
}

// GetBlob reads a blob from the archive and verifies its bytes hash
// to the requested digest. Missing blobs return
// blobstore.ErrDigestNotFound; corrupt ones blobstore.ErrDigestMismatch.
func (r *Reader) GetBlob(dgst digest.Digest) ([]byte, error) {
	file, ok := r.blobs[dgst]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrDigestNotFound, dgst)
	}
	content, err := readEntry(file)
	if err != nil {
		return nil, err
	}
	return content, blobstore.VerifyContent(dgst, content)
}

// ReadBlob reads the blob a descriptor points at. The size comparison
// runs first: a length mismatch rules the blob out without hashing it.
func (r *Reader) ReadBlob(desc ocispec.Descriptor) ([]byte, error) {
	file, ok := r.blobs[desc.Digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrDigestNotFound, desc.Digest)
	}
	if int64(file.UncompressedSize64) != desc.Size {
		return nil, fmt.Errorf("%w: blob %s is %d bytes, descriptor says %d",
			blobstore.ErrDigestMismatch, desc.Digest, file.UncompressedSize64, desc.Size)
	}
	content, err := readEntry(file)
	if err != nil {
		return nil, err
	}
	return content, blobstore.VerifyContent(desc.Digest, content)
}

// ReadManifest reads and parses the image manifest a descriptor points
// at.
func (r *Reader) ReadManifest(desc ocispec.Descriptor) (*ocispec.ImageManifest, error) {
	content, err := r.ReadBlob(desc)
	if err != nil {
		return nil, err
	}
	return ocispec.ParseManifest(content)
}

// ReadConfig reads and parses the image config a descriptor points at.
func (r *Reader) ReadConfig(desc ocispec.Descriptor) (*ocispec.ImageConfig, error) {
	content, err := r.ReadBlob(desc)
	if err != nil {
		return nil, err
	}
	return ocispec.ParseConfig(content)
}

// BlobDigests lists every blob in the archive.
func (r *Reader) BlobDigests() []digest.Digest {
	digests := make([]digest.Digest, 0, len(r.blobs))
	for dgst := range r.blobs {
		digests = append(digests, dgst)
	}
	return digests
}

// BlobCount returns the number of blobs in the archive.
func (r *Reader) BlobCount() int {
	return len(r.blobs)
}

func readEntry(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening entry %s: %v", ErrArchiveCorrupt, file.Name, err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading entry %s: %v", ErrArchiveCorrupt, file.Name, err)
	}
	return content, nil
}

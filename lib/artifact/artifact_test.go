// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package artifact_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/ota-foundation/otaimage/lib/artifact"
	"github.com/ota-foundation/otaimage/lib/blobstore"
	"github.com/ota-foundation/otaimage/lib/clock"
	"github.com/ota-foundation/otaimage/lib/filetable"
	"github.com/ota-foundation/otaimage/lib/ocispec"
	"github.com/ota-foundation/otaimage/lib/resourcetable"
	"github.com/ota-foundation/otaimage/lib/signing/signingtest"
)

var buildTime = time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

// writePayloadTree creates a small but representative payload: nested
// directories, a large compressible file, a small inline file, an
// empty file, and a symlink.
func writePayloadTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	mustMkdir := func(path string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Join(root, path), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite := func(path, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(root, path), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mustMkdir("usr/bin")
	mustMkdir("etc")
	mustWrite("usr/bin/agent", strings.Repeat("compressible autonomy stack binary ", 500))
	mustWrite("etc/agent.conf", "mode = production\n")
	mustWrite("etc/empty.flag", "")
	if err := os.Symlink("agent", filepath.Join(root, "usr/bin/agent-latest")); err != nil {
		t.Fatal(err)
	}
	return root
}

func buildTestImage(t *testing.T, workDir string, payloads ...artifact.ImagePayload) *artifact.Builder {
	t.Helper()
	builder, err := artifact.NewBuilder(artifact.BuilderConfig{
		WorkDir:          workDir,
		BuildToolVersion: "test",
		Clock:            clock.Fake(buildTime),
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	ctx := context.Background()
	for _, payload := range payloads {
		if _, err := builder.AddImage(ctx, payload); err != nil {
			t.Fatalf("AddImage(%s): %v", payload.ECUID, err)
		}
	}
	if err := builder.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return builder
}

func defaultPayload(t *testing.T) artifact.ImagePayload {
	t.Helper()
	return artifact.ImagePayload{
		ECUID:        "main-ecu",
		RootDir:      writePayloadTree(t),
		Architecture: "arm64",
		OS:           "linux",
	}
}

func TestBuildAndReadArchive(t *testing.T) {
	builder := buildTestImage(t, t.TempDir(), defaultPayload(t))
	archivePath := filepath.Join(t.TempDir(), "image.zip")
	if err := builder.WriteArchive(archivePath); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	reader, err := artifact.Open(archivePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	index := reader.Index()
	if !index.Finalized() {
		t.Error("archive index is not finalized")
	}

	// The payload is findable and its manifest/config resolve.
	manifestDesc, ok := index.FindImage(ocispec.ImageIdentifier{
		ECUID: "main-ecu", ReleaseKey: ocispec.ReleaseKeyDev,
	})
	if !ok {
		t.Fatal("image payload missing from index")
	}
	manifest, err := reader.ReadManifest(manifestDesc)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	config, err := reader.ReadConfig(manifest.Config)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if config.Architecture != "arm64" {
		t.Errorf("config architecture = %q, want arm64", config.Architecture)
	}

	// The file_table blob extracts into a usable database.
	tableDesc, err := manifest.FileTable()
	if err != nil {
		t.Fatal(err)
	}
	tableBlob, err := reader.ReadBlob(tableDesc)
	if err != nil {
		t.Fatalf("reading file_table blob: %v", err)
	}
	tablePath := filepath.Join(t.TempDir(), "file_table.sqlite3")
	if err := filetable.ExtractBlob(tableBlob, tableDesc.MediaType, tablePath); err != nil {
		t.Fatalf("ExtractBlob: %v", err)
	}
	table, err := filetable.Open(filetable.Config{Path: tablePath, ReadOnly: true, PoolSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer table.Close()
	stats, err := table.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dirs != 3 { // /usr, /usr/bin, /etc
		t.Errorf("file_table dirs = %d, want 3", stats.Dirs)
	}
	if stats.Regulars != 3 {
		t.Errorf("file_table regulars = %d, want 3", stats.Regulars)
	}
	if stats.NonRegulars != 1 {
		t.Errorf("file_table non-regulars = %d, want 1", stats.NonRegulars)
	}

	// The resource_table covers every blob except itself.
	rstDesc, ok := index.ResourceTable()
	if !ok {
		t.Fatal("index has no resource_table descriptor")
	}
	rstBlob, err := reader.ReadBlob(rstDesc)
	if err != nil {
		t.Fatal(err)
	}
	rstPath := filepath.Join(t.TempDir(), "resource_table.sqlite3")
	if err := resourcetable.ExtractBlob(rstBlob, rstDesc.MediaType, rstPath); err != nil {
		t.Fatal(err)
	}
	rst, err := resourcetable.Open(resourcetable.Config{Path: rstPath, ReadOnly: true, PoolSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer rst.Close()
	for _, dgst := range reader.BlobDigests() {
		if dgst == rstDesc.Digest {
			continue
		}
		if _, found, err := rst.Lookup(context.Background(), dgst); err != nil || !found {
			t.Errorf("blob %s not claimed by the resource_table (err=%v)", dgst, err)
		}
	}

	// Blob statistics annotations match the archive contents.
	if got := index.Annotations[ocispec.AnnotationImageBlobsCount]; got == "" {
		t.Error("index is missing the blobs-count annotation")
	}
}

func TestArchiveReproducible(t *testing.T) {
	payloadRoot := writePayloadTree(t)
	payload := artifact.ImagePayload{
		ECUID:        "main-ecu",
		RootDir:      payloadRoot,
		Architecture: "arm64",
	}

	pack := func() []byte {
		builder := buildTestImage(t, t.TempDir(), payload)
		var buf bytes.Buffer
		indexBytes, err := builder.Index().MarshalCanonical()
		if err != nil {
			t.Fatal(err)
		}
		if err := artifact.Pack(&buf, indexBytes, "", builder.Store()); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	first := pack()
	second := pack()
	if !bytes.Equal(first, second) {
		t.Error("two builds of the same payload produced different archive bytes")
	}
}

func TestSignedArchiveRoundtrip(t *testing.T) {
	pki := signingtest.New(t, buildTime)
	builder := buildTestImage(t, t.TempDir(), defaultPayload(t))
	if err := builder.Sign(pki.Signer(t, clock.Fake(buildTime))); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "image.zip")
	if err := builder.WriteArchive(archivePath); err != nil {
		t.Fatal(err)
	}

	reader, err := artifact.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	token, err := reader.IndexJWT()
	if err != nil {
		t.Fatalf("IndexJWT: %v", err)
	}
	verified, err := pki.Verifier(t, clock.Fake(buildTime)).Verify(token, reader.IndexBytes())
	if err != nil {
		t.Fatalf("signature verification failed on a freshly signed archive: %v", err)
	}
	if verified.EndEntity.Subject.CommonName != "test-image-signer" {
		t.Errorf("signer CN = %q", verified.EndEntity.Subject.CommonName)
	}
	if !reader.Index().Signed() {
		t.Error("signed archive index lacks the signed-at annotation")
	}
}

func TestUnsignedArchiveHasNoJWT(t *testing.T) {
	builder := buildTestImage(t, t.TempDir(), defaultPayload(t))
	archivePath := filepath.Join(t.TempDir(), "image.zip")
	if err := builder.WriteArchive(archivePath); err != nil {
		t.Fatal(err)
	}

	reader, err := artifact.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if _, err := reader.IndexJWT(); !errors.Is(err, artifact.ErrNotSigned) {
		t.Errorf("IndexJWT on unsigned archive = %v, want ErrNotSigned", err)
	}
}

func TestOpenRejectsNonArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-zip")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := artifact.Open(path); !errors.Is(err, artifact.ErrArchiveCorrupt) {
		t.Errorf("Open(non-zip) = %v, want ErrArchiveCorrupt", err)
	}
}

// writeRawArchive builds a zip by hand, bypassing the Builder, to
// craft structurally invalid archives.
func writeRawArchive(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(file)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}
}

func minimalIndexBytes(t *testing.T) []byte {
	t.Helper()
	data, err := ocispec.NewIndex("test").MarshalCanonical()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestOpenRejectsMissingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-index.zip")
	writeRawArchive(t, path, map[string][]byte{
		"blobs/sha256/" + digest.FromString("x").Encoded(): []byte("x"),
	})
	if _, err := artifact.Open(path); !errors.Is(err, artifact.ErrArchiveCorrupt) {
		t.Errorf("Open without index.json = %v, want ErrArchiveCorrupt", err)
	}
}

func TestOpenRejectsStrayEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stray.zip")
	writeRawArchive(t, path, map[string][]byte{
		"index.json": minimalIndexBytes(t),
		"README.txt": []byte("does not belong here"),
	})
	if _, err := artifact.Open(path); !errors.Is(err, artifact.ErrArchiveCorrupt) {
		t.Errorf("Open with stray entry = %v, want ErrArchiveCorrupt", err)
	}
}

func TestGetBlobDetectsMisnamedContent(t *testing.T) {
	// A blob entry whose name does not match its content: the zip is
	// internally consistent, so only digest verification catches it.
	lied := digest.FromString("claimed content")
	path := filepath.Join(t.TempDir(), "lying.zip")
	writeRawArchive(t, path, map[string][]byte{
		"index.json": minimalIndexBytes(t),
		"blobs/sha256/" + lied.Encoded(): []byte("actual content"),
	})

	reader, err := artifact.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if _, err := reader.GetBlob(lied); !errors.Is(err, blobstore.ErrDigestMismatch) {
		t.Errorf("GetBlob on misnamed blob = %v, want ErrDigestMismatch", err)
	}
	if _, err := reader.GetBlob(digest.FromString("absent")); !errors.Is(err, blobstore.ErrDigestNotFound) {
		t.Errorf("GetBlob on absent blob = %v, want ErrDigestNotFound", err)
	}
}

func TestReadBlobRejectsSizeMismatch(t *testing.T) {
	// The blob's bytes hash to the descriptor's digest, so only the
	// size comparison can catch the disagreement.
	builder := buildTestImage(t, t.TempDir(), defaultPayload(t))
	archivePath := filepath.Join(t.TempDir(), "image.zip")
	if err := builder.WriteArchive(archivePath); err != nil {
		t.Fatal(err)
	}
	reader, err := artifact.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	rstDesc, ok := reader.Index().ResourceTable()
	if !ok {
		t.Fatal("index has no resource_table descriptor")
	}
	if _, err := reader.ReadBlob(rstDesc); err != nil {
		t.Fatalf("ReadBlob with matching descriptor: %v", err)
	}

	lied := rstDesc
	lied.Size++
	if _, err := reader.ReadBlob(lied); !errors.Is(err, blobstore.ErrDigestMismatch) {
		t.Errorf("ReadBlob with wrong size = %v, want ErrDigestMismatch", err)
	}

	lied = rstDesc
	lied.Digest = digest.FromString("absent")
	if _, err := reader.ReadBlob(lied); !errors.Is(err, blobstore.ErrDigestNotFound) {
		t.Errorf("ReadBlob with absent digest = %v, want ErrDigestNotFound", err)
	}
}

func TestAddImageAfterFinalizeRejected(t *testing.T) {
	builder := buildTestImage(t, t.TempDir(), defaultPayload(t))
	_, err := builder.AddImage(context.Background(), artifact.ImagePayload{
		ECUID:        "late-ecu",
		RootDir:      writePayloadTree(t),
		Architecture: "arm64",
	})
	if err == nil {
		t.Error("AddImage after Finalize was accepted")
	}
}

func TestMultiECUImage(t *testing.T) {
	root := writePayloadTree(t)
	builder := buildTestImage(t, t.TempDir(),
		artifact.ImagePayload{ECUID: "main-ecu", RootDir: root, Architecture: "arm64"},
		artifact.ImagePayload{ECUID: "perception-ecu", RootDir: root, Architecture: "arm64"},
	)

	ids := builder.Index().ImageIdentifiers()
	if len(ids) != 2 {
		t.Fatalf("index carries %d payloads, want 2", len(ids))
	}

	archivePath := filepath.Join(t.TempDir(), "image.zip")
	if err := builder.WriteArchive(archivePath); err != nil {
		t.Fatal(err)
	}
	reader, err := artifact.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	// Both payloads resolve independently through the archive.
	for _, ecu := range []string{"main-ecu", "perception-ecu"} {
		desc, ok := reader.Index().FindImage(ocispec.ImageIdentifier{
			ECUID: ecu, ReleaseKey: ocispec.ReleaseKeyDev,
		})
		if !ok {
			t.Fatalf("payload %s missing from archive index", ecu)
		}
		if _, err := reader.ReadManifest(desc); err != nil {
			t.Errorf("payload %s manifest unreadable: %v", ecu, err)
		}
	}
}

// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package deploy_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/ota-foundation/otaimage/lib/artifact"
	"github.com/ota-foundation/otaimage/lib/blobstore"
	"github.com/ota-foundation/otaimage/lib/deploy"
	"github.com/ota-foundation/otaimage/lib/filetable"
	"github.com/ota-foundation/otaimage/lib/ocispec"
	"github.com/ota-foundation/otaimage/lib/resourcetable"
)

// buildTestTree lays out a payload tree with a bit of everything the
// deployer has to handle: directories, a small inlineable file, a
// large compressible file, a symlink, and a hardlink pair.
func buildTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	for _, dir := range []string{"etc", "usr", "usr/bin", "var/log"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "etc", "hostname"), []byte("vehicle-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	large := []byte(strings.Repeat("perception pipeline configuration\n", 400))
	if err := os.WriteFile(filepath.Join(root, "usr", "bin", "app"), large, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hostname", filepath.Join(root, "etc", "hostname.link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(filepath.Join(root, "usr", "bin", "app"), filepath.Join(root, "usr", "bin", "app-v2")); err != nil {
		t.Fatal(err)
	}
	return root
}

// buildTestArchive packs the tree into an (unsigned) image archive and
// returns its path.
func buildTestArchive(t *testing.T, root string) string {
	t.Helper()
	ctx := context.Background()

	builder, err := artifact.NewBuilder(artifact.BuilderConfig{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	_, err = builder.AddImage(ctx, artifact.ImagePayload{
		ECUID:        "main-ecu",
		ReleaseKey:   ocispec.ReleaseKeyDev,
		RootDir:      root,
		Architecture: "arm64",
		OS:           "linux",
	})
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if err := builder.Finalize(ctx); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	archivePath := filepath.Join(t.TempDir(), "image.zip")
	if err := builder.WriteArchive(archivePath); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	return archivePath
}

func TestDeployFromArchive(t *testing.T) {
	root := buildTestTree(t)
	archivePath := buildTestArchive(t, root)

	reader, err := artifact.Open(archivePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	prepared, err := deploy.PrepareFromArchive(reader,
		ocispec.ImageIdentifier{ECUID: "main-ecu", ReleaseKey: ocispec.ReleaseKeyDev},
		t.TempDir(), nil)
	if err != nil {
		t.Fatalf("PrepareFromArchive: %v", err)
	}
	defer prepared.Close()

	targetDir := t.TempDir()
	deployer, err := deploy.New(deploy.Config{
		Table:     prepared.Table,
		Resources: prepared.Resources,
		Blobs:     reader,
		TargetDir: targetDir,
		Workers:   4,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report, err := deployer.Deploy(context.Background())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !report.OK() {
		t.Fatalf("deployment failures: %+v", report.Failures)
	}
	if report.Dirs != 5 {
		t.Errorf("Dirs = %d, want 5", report.Dirs)
	}
	if report.Regulars != 3 {
		t.Errorf("Regulars = %d, want 3", report.Regulars)
	}
	if report.NonRegulars != 1 {
		t.Errorf("NonRegulars = %d, want 1", report.NonRegulars)
	}

	// Content matches the source tree.
	for _, rel := range []string{"etc/hostname", "usr/bin/app", "usr/bin/app-v2"} {
		want, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(filepath.Join(targetDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("reading deployed %s: %v", rel, err)
		}
		if string(got) != string(want) {
			t.Errorf("deployed %s does not match the source", rel)
		}
	}

	// Modes survive.
	info, err := os.Stat(filepath.Join(targetDir, "usr", "bin", "app"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("app mode = %o, want 755", info.Mode().Perm())
	}

	// Symlink is recreated, not resolved.
	linkTarget, err := os.Readlink(filepath.Join(targetDir, "etc", "hostname.link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if linkTarget != "hostname" {
		t.Errorf("symlink target = %q, want %q", linkTarget, "hostname")
	}

	// The hardlink pair shares an inode on the target too.
	appInfo, err := os.Stat(filepath.Join(targetDir, "usr", "bin", "app"))
	if err != nil {
		t.Fatal(err)
	}
	v2Info, err := os.Stat(filepath.Join(targetDir, "usr", "bin", "app-v2"))
	if err != nil {
		t.Fatal(err)
	}
	appStat := appInfo.Sys().(*syscall.Stat_t)
	v2Stat := v2Info.Sys().(*syscall.Stat_t)
	if appStat.Ino != v2Stat.Ino {
		t.Error("app and app-v2 do not share an inode after deployment")
	}
}

func TestDeployCollectsEntryFailures(t *testing.T) {
	ctx := context.Background()
	table := openScratchTable(t)

	// One good inline file, one entry whose blob does not exist.
	goodContent := []byte("present\n")
	addRegular(t, table, "good.txt", digest.FromBytes(goodContent), goodContent)
	addRegular(t, table, "missing.txt", digest.FromBytes([]byte("never stored")), nil)

	store := emptyStore(t)
	targetDir := t.TempDir()
	deployer, err := deploy.New(deploy.Config{
		Table:     table,
		Blobs:     store,
		TargetDir: targetDir,
	})
	if err != nil {
		t.Fatal(err)
	}
	report, err := deployer.Deploy(ctx)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("got %d failures, want 1: %+v", len(report.Failures), report.Failures)
	}
	if report.Failures[0].Path != "missing.txt" {
		t.Errorf("failed path = %q, want missing.txt", report.Failures[0].Path)
	}
	if !errors.Is(report.Failures[0].Err, deploy.ErrMissingBlob) {
		t.Errorf("failure error = %v, want ErrMissingBlob", report.Failures[0].Err)
	}
	if report.Regulars != 1 {
		t.Errorf("Regulars = %d, want 1", report.Regulars)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "good.txt")); err != nil {
		t.Errorf("good.txt was not deployed: %v", err)
	}
}

func TestDeployAbortOnFirstError(t *testing.T) {
	table := openScratchTable(t)
	addRegular(t, table, "missing.txt", digest.FromBytes([]byte("never stored")), nil)

	deployer, err := deploy.New(deploy.Config{
		Table:             table,
		Blobs:             emptyStore(t),
		TargetDir:         t.TempDir(),
		AbortOnFirstError: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	report, err := deployer.Deploy(context.Background())
	if err == nil {
		t.Fatal("Deploy succeeded, want abort error")
	}
	if len(report.Failures) != 1 {
		t.Errorf("got %d failures, want 1", len(report.Failures))
	}
}

func TestDeployCancellation(t *testing.T) {
	table := openScratchTable(t)
	content := []byte("content\n")
	addRegular(t, table, "file.txt", digest.FromBytes(content), content)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deployer, err := deploy.New(deploy.Config{
		Table:     table,
		Blobs:     emptyStore(t),
		TargetDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := deployer.Deploy(ctx); err == nil {
		t.Fatal("Deploy succeeded with a cancelled context")
	}
}

func TestVerifyStore(t *testing.T) {
	ctx := context.Background()
	store := emptyStore(t)

	contents := [][]byte{
		[]byte("first blob\n"),
		[]byte("second blob\n"),
	}
	resources := openScratchResources(t)
	var digests []digest.Digest
	for _, content := range contents {
		dgst, err := store.Put(content)
		if err != nil {
			t.Fatal(err)
		}
		digests = append(digests, dgst)
		err = resources.Add(ctx, resourcetable.Resource{Digest: dgst, Size: int64(len(content))})
		if err != nil {
			t.Fatal(err)
		}
	}

	report, err := deploy.VerifyStore(ctx, deploy.VerifyConfig{
		Resources:   resources,
		Blobs:       store,
		BlobDigests: digests,
	})
	if err != nil {
		t.Fatalf("VerifyStore: %v", err)
	}
	if !report.OK() {
		t.Fatalf("verification failures: %+v", report.Failures)
	}
	if report.Verified != 2 {
		t.Errorf("Verified = %d, want 2", report.Verified)
	}
}

func TestVerifyStoreReportsProblems(t *testing.T) {
	ctx := context.Background()
	store := emptyStore(t)

	// A row whose blob is missing, a row with the wrong size, and a
	// blob no row claims.
	missingDigest := digest.FromBytes([]byte("never stored"))
	resources := openScratchResources(t)
	if err := resources.Add(ctx, resourcetable.Resource{Digest: missingDigest, Size: 12}); err != nil {
		t.Fatal(err)
	}

	sized := []byte("sized blob\n")
	sizedDigest, err := store.Put(sized)
	if err != nil {
		t.Fatal(err)
	}
	if err := resources.Add(ctx, resourcetable.Resource{Digest: sizedDigest, Size: int64(len(sized)) + 1}); err != nil {
		t.Fatal(err)
	}

	orphan := []byte("orphan blob\n")
	orphanDigest, err := store.Put(orphan)
	if err != nil {
		t.Fatal(err)
	}

	report, err := deploy.VerifyStore(ctx, deploy.VerifyConfig{
		Resources:   resources,
		Blobs:       store,
		BlobDigests: []digest.Digest{sizedDigest, orphanDigest},
	})
	if err != nil {
		t.Fatalf("VerifyStore: %v", err)
	}
	if len(report.Failures) != 3 {
		t.Fatalf("got %d failures, want 3: %+v", len(report.Failures), report.Failures)
	}
}

func TestVerifyStoreExemptsDigests(t *testing.T) {
	ctx := context.Background()
	store := emptyStore(t)
	resources := openScratchResources(t)

	exempt := []byte("the resource_table blob itself\n")
	exemptDigest, err := store.Put(exempt)
	if err != nil {
		t.Fatal(err)
	}

	report, err := deploy.VerifyStore(ctx, deploy.VerifyConfig{
		Resources:   resources,
		Blobs:       store,
		BlobDigests: []digest.Digest{exemptDigest},
		Exempt:      map[digest.Digest]bool{exemptDigest: true},
	})
	if err != nil {
		t.Fatalf("VerifyStore: %v", err)
	}
	if !report.OK() {
		t.Fatalf("verification failures: %+v", report.Failures)
	}
}

func openScratchTable(t *testing.T) *filetable.FileTable {
	t.Helper()
	table, err := filetable.Open(filetable.Config{
		Path: filepath.Join(t.TempDir(), "file_table.sqlite3"),
	})
	if err != nil {
		t.Fatalf("filetable.Open: %v", err)
	}
	t.Cleanup(func() { table.Close() })
	return table
}

func openScratchResources(t *testing.T) *resourcetable.ResourceTable {
	t.Helper()
	resources, err := resourcetable.Open(resourcetable.Config{
		Path: filepath.Join(t.TempDir(), "resource_table.sqlite3"),
	})
	if err != nil {
		t.Fatalf("resourcetable.Open: %v", err)
	}
	t.Cleanup(func() { resources.Close() })
	return resources
}

func emptyStore(t *testing.T) *blobstore.Store {
	t.Helper()
	store, err := blobstore.NewStore(filepath.Join(t.TempDir(), "blobs", "sha256"))
	if err != nil {
		t.Fatalf("blobstore.NewStore: %v", err)
	}
	return store
}

// addRegular inserts one regular file entry. Pass contents to inline
// the payload; nil leaves the content in the blob store.
func addRegular(t *testing.T, table *filetable.FileTable, path string, dgst digest.Digest, contents []byte) {
	t.Helper()
	ctx := context.Background()

	inodeID, err := table.PutInode(ctx, filetable.Inode{Mode: 0o100644, LinksCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	size := int64(len(contents))
	if contents == nil {
		size = 12
	}
	resourceID, err := table.PutResource(ctx, dgst, size, contents)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.PutRegular(ctx, path, inodeID, resourceID); err != nil {
		t.Fatal(err)
	}
}

// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "blobs", "sha256"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func TestPutAndGetBlob(t *testing.T) {
	store := newTestStore(t)
	content := []byte("rootfs fragment")

	dgst, err := store.Put(content)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if want := digest.FromBytes(content); dgst != want {
		t.Errorf("Put returned digest %s, want %s", dgst, want)
	}

	got, err := store.GetBlob(dgst)
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("GetBlob returned %q, want %q", got, content)
	}
}

func TestPutDeduplicates(t *testing.T) {
	store := newTestStore(t)
	content := []byte("shared library payload")

	first, err := store.Put(content)
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Put(content)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("repeated Put returned different digests: %s vs %s", first, second)
	}

	count, size, err := store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("store holds %d blobs after duplicate Put, want 1", count)
	}
	if size != int64(len(content)) {
		t.Errorf("store size is %d, want %d", size, len(content))
	}
}

func TestPutFile(t *testing.T) {
	store := newTestStore(t)
	content := []byte("file payload")
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	dgst, size, err := store.PutFile(path)
	if err != nil {
		t.Fatalf("PutFile failed: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("PutFile reported size %d, want %d", size, len(content))
	}
	if want := digest.FromBytes(content); dgst != want {
		t.Errorf("PutFile returned digest %s, want %s", dgst, want)
	}
	if !store.Has(dgst) {
		t.Error("blob not present after PutFile")
	}
}

func TestGetBlobNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetBlob(digest.FromString("never stored"))
	if !errors.Is(err, ErrDigestNotFound) {
		t.Errorf("GetBlob on absent digest = %v, want ErrDigestNotFound", err)
	}
}

func TestGetBlobDetectsCorruption(t *testing.T) {
	store := newTestStore(t)
	dgst, err := store.Put([]byte("original content"))
	if err != nil {
		t.Fatal(err)
	}

	// Flip the stored bytes behind the store's back.
	if err := os.WriteFile(store.Path(dgst), []byte("tampered content"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = store.GetBlob(dgst)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("GetBlob on corrupted blob = %v, want ErrDigestMismatch", err)
	}
}

func TestStatsAndDigests(t *testing.T) {
	store := newTestStore(t)
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var total int64
	for _, p := range payloads {
		if _, err := store.Put(p); err != nil {
			t.Fatal(err)
		}
		total += int64(len(p))
	}

	count, size, err := store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if count != len(payloads) {
		t.Errorf("Stats count = %d, want %d", count, len(payloads))
	}
	if size != total {
		t.Errorf("Stats size = %d, want %d", size, total)
	}

	digests, err := store.Digests()
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != len(payloads) {
		t.Fatalf("Digests returned %d entries, want %d", len(digests), len(payloads))
	}
	for _, d := range digests {
		if _, err := store.GetBlob(d); err != nil {
			t.Errorf("listed digest %s is not readable: %v", d, err)
		}
	}
}

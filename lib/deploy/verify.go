// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/ota-foundation/otaimage/lib/blobstore"
	"github.com/ota-foundation/otaimage/lib/resourcetable"
)

// VerifyConfig holds the parameters for a whole-store verification
// pass.
type VerifyConfig struct {
	// Resources is the resource_table the store is checked against.
	// Required.
	Resources *resourcetable.ResourceTable

	// Blobs serves the store's blob reads. Required.
	Blobs blobstore.Getter

	// BlobDigests lists every blob actually present in the store.
	// Required: the pass checks both directions, table rows against
	// blobs and blobs against table rows.
	BlobDigests []digest.Digest

	// Exempt marks blobs the table is not expected to claim. The
	// resource_table blob itself is the usual entry: it cannot list
	// its own digest.
	Exempt map[digest.Digest]bool

	// Workers bounds the parallel verification pool. Defaults to
	// runtime.NumCPU().
	Workers int

	// Logger receives progress messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// ResourceFailure records one digest that failed verification.
type ResourceFailure struct {
	Digest digest.Digest
	Err    error
}

// VerifyReport summarizes a verification pass.
type VerifyReport struct {
	Verified int
	Failures []ResourceFailure
}

// OK reports whether every resource verified.
func (r *VerifyReport) OK() bool {
	return len(r.Failures) == 0
}

// VerifyStore checks a blob store against its resource_table: every
// table row must resolve to a blob whose bytes hash to the recorded
// digest and match the recorded size, and every blob in the store must
// be claimed by a row (or be exempt). Rows are checked in parallel
// across a bounded pool; failures are collected, not fatal. The
// returned error covers only infrastructure problems (table reads,
// cancellation).
func VerifyStore(ctx context.Context, cfg VerifyConfig) (*VerifyReport, error) {
	if cfg.Resources == nil {
		return nil, fmt.Errorf("deploy: Resources is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("deploy: Blobs is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var resources []resourcetable.Resource
	err := cfg.Resources.IterAll(ctx, func(res resourcetable.Resource) error {
		resources = append(resources, res)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report VerifyReport
	)
	fail := func(dgst digest.Digest, err error) {
		mu.Lock()
		report.Failures = append(report.Failures, ResourceFailure{Digest: dgst, Err: err})
		mu.Unlock()
		logger.Warn("resource failed verification", "digest", dgst, "error", err)
	}

	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(workers)
	for _, res := range resources {
		pool.Go(func() error {
			if err := poolCtx.Err(); err != nil {
				return err
			}
			content, err := cfg.Blobs.GetBlob(res.Digest)
			if err != nil {
				fail(res.Digest, err)
				return nil
			}
			if int64(len(content)) != res.Size {
				fail(res.Digest, fmt.Errorf("blob is %d bytes, resource_table says %d", len(content), res.Size))
				return nil
			}
			mu.Lock()
			report.Verified++
			mu.Unlock()
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return nil, err
	}

	// Reverse direction: blobs the table does not claim.
	claimed := make(map[digest.Digest]bool, len(resources))
	for _, res := range resources {
		claimed[res.Digest] = true
	}
	for _, dgst := range cfg.BlobDigests {
		if claimed[dgst] || cfg.Exempt[dgst] {
			continue
		}
		fail(dgst, fmt.Errorf("blob is not listed in the resource_table"))
	}

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].Digest < report.Failures[j].Digest
	})
	logger.Info("store verification finished",
		"verified", report.Verified, "failures", len(report.Failures))
	return &report, nil
}

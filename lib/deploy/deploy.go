// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ota-foundation/otaimage/lib/blobstore"
	"github.com/ota-foundation/otaimage/lib/clock"
	"github.com/ota-foundation/otaimage/lib/compress"
	"github.com/ota-foundation/otaimage/lib/filetable"
	"github.com/ota-foundation/otaimage/lib/resourcetable"
)

// writeAttempts is how many times a file write is retried before the
// entry is recorded as failed. Retries cover transient I/O errors on
// flaky target media, not content errors: a digest mismatch fails
// immediately.
const writeAttempts = 3

// retryDelay is the base backoff between write attempts.
const retryDelay = 100 * time.Millisecond

// ErrMissingBlob marks a file_table entry whose blob is absent from
// the store. It is recorded per entry, not raised as a fatal error.
var ErrMissingBlob = errors.New("deploy: blob missing for entry")

// Config holds the parameters for creating a Deployer.
type Config struct {
	// Table is the payload's file_table, opened read-only. Required.
	Table *filetable.FileTable

	// Resources is the archive's resource_table. Required when any
	// blob carries a filter; without it, filtered resources fail
	// deployment.
	Resources *resourcetable.ResourceTable

	// Blobs serves digest-verified blob reads. Usually an
	// artifact.Reader. Required.
	Blobs blobstore.Getter

	// TargetDir is the directory the tree is materialized under.
	// Required; created if missing.
	TargetDir string

	// Workers bounds the parallel file-extraction pool. Defaults to
	// runtime.NumCPU().
	Workers int

	// AbortOnFirstError stops the deployment at the first entry
	// failure instead of collecting them all.
	AbortOnFirstError bool

	// PreserveOwnership applies uid/gid from the file_table. Needs
	// privileges; without this flag entries keep the deploying user.
	PreserveOwnership bool

	// Logger receives progress messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger

	// Clock paces write retries. Defaults to the real clock.
	Clock clock.Clock
}

// EntryFailure records one path that could not be deployed.
type EntryFailure struct {
	Path string
	Err  error
}

// Report summarizes a deployment run.
type Report struct {
	Dirs        int
	Regulars    int
	NonRegulars int
	Failures    []EntryFailure
}

// OK reports whether every entry deployed.
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

// Deployer extracts one image payload onto a target directory.
type Deployer struct {
	table     *filetable.FileTable
	resources *resourcetable.ResourceTable
	blobs     blobstore.Getter
	targetDir string
	workers   int
	abort     bool
	ownership bool
	logger    *slog.Logger
	clock     clock.Clock

	mu     sync.Mutex
	report Report
}

// New validates the configuration and returns a Deployer.
func New(cfg Config) (*Deployer, error) {
	if cfg.Table == nil {
		return nil, fmt.Errorf("deploy: Table is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("deploy: Blobs is required")
	}
	if cfg.TargetDir == "" {
		return nil, fmt.Errorf("deploy: TargetDir is required")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Deployer{
		table:     cfg.Table,
		resources: cfg.Resources,
		blobs:     cfg.Blobs,
		targetDir: cfg.TargetDir,
		workers:   workers,
		abort:     cfg.AbortOnFirstError,
		ownership: cfg.PreserveOwnership,
		logger:    logger,
		clock:     clk,
	}, nil
}

// Deploy materializes the payload. It returns an error for fatal
// conditions (unusable target, cancellation, abort-on-first-error);
// per-entry problems land in the report's Failures list. The report
// is returned even alongside an error, describing what was done up to
// that point.
func (d *Deployer) Deploy(ctx context.Context) (*Report, error) {
	if err := os.MkdirAll(d.targetDir, 0o755); err != nil {
		return d.snapshot(), fmt.Errorf("deploy: creating target directory: %w", err)
	}

	d.logger.Info("deployment started", "target", d.targetDir, "workers", d.workers)

	if err := d.deployDirs(ctx); err != nil {
		return d.snapshot(), err
	}
	if err := d.deployNonRegulars(ctx); err != nil {
		return d.snapshot(), err
	}
	if err := d.deployRegulars(ctx); err != nil {
		return d.snapshot(), err
	}

	report := d.snapshot()
	d.logger.Info("deployment finished",
		"dirs", report.Dirs,
		"regular_files", report.Regulars,
		"non_regular_files", report.NonRegulars,
		"failures", len(report.Failures),
	)
	return report, nil
}

// deployDirs creates every directory, parents before children (the
// iterator's path order guarantees it).
func (d *Deployer) deployDirs(ctx context.Context) error {
	return d.table.IterDirs(ctx, func(entry filetable.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := d.targetPath(entry.Path)
		if err := os.Mkdir(target, entry.Inode.Perm()); err != nil && !os.IsExist(err) {
			return d.fail(entry.Path, err)
		}
		// Mkdir perm is masked by umask; set the recorded mode
		// explicitly.
		if err := os.Chmod(target, entry.Inode.Perm()); err != nil {
			return d.fail(entry.Path, err)
		}
		if err := d.chown(target, entry.Inode, false); err != nil {
			return d.fail(entry.Path, err)
		}
		d.mu.Lock()
		d.report.Dirs++
		d.mu.Unlock()
		return nil
	})
}

// deployNonRegulars creates symlinks. Other non-regular kinds (device
// nodes, FIFOs) are recorded as failures: installing them is outside
// what an unprivileged deployer can promise.
func (d *Deployer) deployNonRegulars(ctx context.Context) error {
	return d.table.IterNonRegular(ctx, func(entry filetable.NonRegularEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Inode.IsSymlink() {
			return d.fail(entry.Path, fmt.Errorf("unsupported non-regular entry (mode %o)", entry.Inode.Mode))
		}
		target, err := entry.SymlinkTarget()
		if err != nil {
			return d.fail(entry.Path, err)
		}
		linkPath := d.targetPath(entry.Path)
		if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
			return d.fail(entry.Path, err)
		}
		if err := os.Symlink(target, linkPath); err != nil {
			return d.fail(entry.Path, err)
		}
		if err := d.chown(linkPath, entry.Inode, true); err != nil {
			return d.fail(entry.Path, err)
		}
		d.mu.Lock()
		d.report.NonRegulars++
		d.mu.Unlock()
		return nil
	})
}

// deployRegulars extracts regular files through a bounded worker
// pool. Hardlink groups are handled after the parallel phase: the
// first path of each group is written normally, the rest are linked
// to it.
func (d *Deployer) deployRegulars(ctx context.Context) error {
	var singles []filetable.RegularEntry
	groups := make(map[int64][]filetable.RegularEntry)
	err := d.table.IterRegular(ctx, func(entry filetable.RegularEntry) error {
		if entry.Inode.LinksCount > 1 {
			groups[entry.InodeID] = append(groups[entry.InodeID], entry)
			return nil
		}
		singles = append(singles, entry)
		return nil
	})
	if err != nil {
		return err
	}

	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(d.workers)
	for _, entry := range singles {
		pool.Go(func() error {
			if err := poolCtx.Err(); err != nil {
				return err
			}
			if err := d.deployFile(poolCtx, entry); err != nil {
				return d.fail(entry.Path, err)
			}
			d.mu.Lock()
			d.report.Regulars++
			d.mu.Unlock()
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}

	// Hardlink groups, iterated in inode order for determinism.
	inodeIDs := make([]int64, 0, len(groups))
	for id := range groups {
		inodeIDs = append(inodeIDs, id)
	}
	sort.Slice(inodeIDs, func(i, j int) bool { return inodeIDs[i] < inodeIDs[j] })
	for _, id := range inodeIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.deployLinkGroup(ctx, groups[id]); err != nil {
			return err
		}
	}
	return nil
}

// deployLinkGroup writes the first path of a hardlink group and links
// the remaining paths to it.
func (d *Deployer) deployLinkGroup(ctx context.Context, entries []filetable.RegularEntry) error {
	first := entries[0]
	if err := d.deployFile(ctx, first); err != nil {
		return d.fail(first.Path, err)
	}
	d.mu.Lock()
	d.report.Regulars++
	d.mu.Unlock()

	firstPath := d.targetPath(first.Path)
	for _, entry := range entries[1:] {
		linkPath := d.targetPath(entry.Path)
		if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
			return d.fail(entry.Path, err)
		}
		if err := os.Link(firstPath, linkPath); err != nil {
			if ferr := d.fail(entry.Path, err); ferr != nil {
				return ferr
			}
			continue
		}
		d.mu.Lock()
		d.report.Regulars++
		d.mu.Unlock()
	}
	return nil
}

// deployFile fetches one file's content and installs it atomically.
func (d *Deployer) deployFile(ctx context.Context, entry filetable.RegularEntry) error {
	content, err := d.fileContent(ctx, entry)
	if err != nil {
		return err
	}
	return d.writeWithRetry(entry, content)
}

// fileContent resolves an entry's bytes: inline contents verbatim,
// otherwise a verified blob read with the resource_table filter
// reversed.
func (d *Deployer) fileContent(ctx context.Context, entry filetable.RegularEntry) ([]byte, error) {
	if entry.Inlined() {
		return entry.Contents, blobstore.VerifyContent(entry.Digest, entry.Contents)
	}

	content, err := d.blobs.GetBlob(entry.Digest)
	if err != nil {
		if errors.Is(err, blobstore.ErrDigestNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrMissingBlob, err)
		}
		return nil, err
	}

	filter := ""
	var meta []byte
	if d.resources != nil {
		res, found, err := d.resources.Lookup(ctx, entry.Digest)
		if err != nil {
			return nil, err
		}
		if found {
			filter = res.Filter
			meta = res.Meta
		}
	}
	if filter == "" {
		return content, nil
	}

	restored, err := compress.Reverse(filter, content)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		fm, err := resourcetable.DecodeFilterMeta(meta)
		if err != nil {
			return nil, err
		}
		if err := blobstore.VerifyContent(fm.OriginalDigest, restored); err != nil {
			return nil, fmt.Errorf("de-filtered content: %w", err)
		}
	}
	return restored, nil
}

// writeWithRetry installs content at the entry's path via a temporary
// file and rename, retrying transient write errors with backoff.
func (d *Deployer) writeWithRetry(entry filetable.RegularEntry, content []byte) error {
	target := d.targetPath(entry.Path)
	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		lastErr = d.writeFile(target, entry.Inode, content)
		if lastErr == nil {
			return nil
		}
		if attempt < writeAttempts {
			d.clock.Sleep(time.Duration(attempt) * retryDelay)
		}
	}
	return fmt.Errorf("after %d attempts: %w", writeAttempts, lastErr)
}

func (d *Deployer) writeFile(target string, inode filetable.Inode, content []byte) error {
	dir := filepath.Dir(target)
	tmpFile, err := os.CreateTemp(dir, ".deploy-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(content); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(inode.Perm()); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := d.chown(tmpPath, inode, false); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return err
	}
	success = true
	return nil
}

func (d *Deployer) chown(path string, inode filetable.Inode, symlink bool) error {
	if !d.ownership {
		return nil
	}
	if symlink {
		return os.Lchown(path, int(inode.UID), int(inode.GID))
	}
	return os.Chown(path, int(inode.UID), int(inode.GID))
}

// targetPath maps an absolute image path onto the target directory.
func (d *Deployer) targetPath(imagePath string) string {
	return filepath.Join(d.targetDir, filepath.FromSlash(imagePath))
}

// fail records an entry failure. It returns a non-nil error only in
// abort-on-first-error mode, which stops the surrounding iteration or
// pool.
func (d *Deployer) fail(path string, err error) error {
	d.mu.Lock()
	d.report.Failures = append(d.report.Failures, EntryFailure{Path: path, Err: err})
	d.mu.Unlock()
	d.logger.Warn("entry failed", "path", path, "error", err)
	if d.abort {
		return fmt.Errorf("deploy: %s: %w", path, err)
	}
	return nil
}

// snapshot returns a copy of the report with failures sorted by path.
func (d *Deployer) snapshot() *Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	report := d.report
	report.Failures = append([]EntryFailure(nil), d.report.Failures...)
	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].Path < report.Failures[j].Path
	})
	return &report
}

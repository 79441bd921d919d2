// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/opencontainers/go-digest"

	"github.com/ota-foundation/otaimage/lib/compress"
	"github.com/ota-foundation/otaimage/lib/filetable"
	"github.com/ota-foundation/otaimage/lib/resourcetable"
)

// scanStats accumulates per-payload tree statistics for the image
// config labels.
type scanStats struct {
	dirs        int64
	regulars    int64
	nonRegulars int64
	uniqueBlobs int64
	uniqueSize  int64
	totalSize   int64
}

// scanTree walks a payload tree and records every entry in the
// file_table, storing regular file contents as blobs (or inline for
// small files). Hardlinked paths share one inode row, keyed by the
// source filesystem's inode number.
func (b *Builder) scanTree(ctx context.Context, table *filetable.FileTable, rootDir string) (scanStats, error) {
	var stats scanStats
	inodeIDs := make(map[uint64]int64)

	err := filepath.WalkDir(rootDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == rootDir {
			return nil
		}

		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}
		imagePath := "/" + filepath.ToSlash(rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}
		inode, sysInode := inodeOf(info)

		// Hardlinked regular files share an inode row.
		if !entry.IsDir() && sysInode != 0 {
			if existingID, ok := inodeIDs[sysInode]; ok {
				return b.addLinkedEntry(ctx, table, imagePath, path, entry, existingID, &stats)
			}
		}

		inodeID, err := table.PutInode(ctx, inode)
		if err != nil {
			return err
		}
		if sysInode != 0 && inode.LinksCount > 1 {
			inodeIDs[sysInode] = inodeID
		}
		return b.addEntry(ctx, table, imagePath, path, entry, inodeID, &stats)
	})
	if err != nil {
		return scanStats{}, fmt.Errorf("artifact: scanning %s: %w", rootDir, err)
	}
	return stats, nil
}

// addEntry records one tree entry under a fresh inode.
func (b *Builder) addEntry(ctx context.Context, table *filetable.FileTable, imagePath, fsPath string, entry fs.DirEntry, inodeID int64, stats *scanStats) error {
	switch {
	case entry.IsDir():
		stats.dirs++
		return table.PutDir(ctx, imagePath, inodeID)

	case entry.Type()&fs.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return err
		}
		stats.nonRegulars++
		return table.PutNonRegular(ctx, imagePath, inodeID, []byte(target))

	case entry.Type().IsRegular():
		resourceID, size, err := b.storeFile(ctx, table, fsPath, stats)
		if err != nil {
			return err
		}
		stats.regulars++
		stats.totalSize += size
		return table.PutRegular(ctx, imagePath, inodeID, resourceID)

	default:
		// Device nodes, FIFOs, sockets: path and inode only.
		stats.nonRegulars++
		return table.PutNonRegular(ctx, imagePath, inodeID, nil)
	}
}

// addLinkedEntry records a path whose inode is already in the table
// (a hardlink to an earlier path).
func (b *Builder) addLinkedEntry(ctx context.Context, table *filetable.FileTable, imagePath, fsPath string, entry fs.DirEntry, inodeID int64, stats *scanStats) error {
	if !entry.Type().IsRegular() {
		stats.nonRegulars++
		return table.PutNonRegular(ctx, imagePath, inodeID, nil)
	}
	resourceID, size, err := b.storeFile(ctx, table, fsPath, stats)
	if err != nil {
		return err
	}
	stats.regulars++
	stats.totalSize += size
	return table.PutRegular(ctx, imagePath, inodeID, resourceID)
}

// storeFile captures one regular file's content: inline for small
// files, otherwise as a blob with the zstd filter applied when it
// pays off. Returns the ft_resource row id and the file's original
// size.
func (b *Builder) storeFile(ctx context.Context, table *filetable.FileTable, fsPath string, stats *scanStats) (int64, int64, error) {
	content, err := os.ReadFile(fsPath)
	if err != nil {
		return 0, 0, err
	}
	originalDigest := digest.Canonical.FromBytes(content)
	originalSize := int64(len(content))

	if len(content) <= b.inlineLimit {
		if content == nil {
			content = []byte{}
		}
		resourceID, err := table.PutResource(ctx, originalDigest, originalSize, content)
		return resourceID, originalSize, err
	}

	stored := content
	res := resourcetable.Resource{}
	if b.filterThreshold >= 0 && len(content) >= b.filterThreshold {
		// The filter must earn its keep: a frame that barely shrinks
		// costs decompression on every deployment.
		compressed := compress.Zstd(content)
		if len(compressed)*10 < len(content)*9 {
			stored = compressed
			res.Filter = compress.FilterZstd
			meta, err := resourcetable.FilterMeta{
				OriginalDigest: originalDigest,
				OriginalSize:   originalSize,
			}.Encode()
			if err != nil {
				return 0, 0, err
			}
			res.Meta = meta
		}
	}

	wasNew := !b.store.Has(digest.Canonical.FromBytes(stored))
	desc, err := b.putBlob(stored, "", res)
	if err != nil {
		return 0, 0, err
	}
	if wasNew {
		stats.uniqueBlobs++
		stats.uniqueSize += desc.Size
	}

	resourceID, err := table.PutResource(ctx, desc.Digest, desc.Size, nil)
	return resourceID, originalSize, err
}

// inodeOf extracts the inode metadata and the source filesystem inode
// number. On platforms without Stat_t the inode number is zero, which
// disables hardlink grouping.
func inodeOf(info fs.FileInfo) (filetable.Inode, uint64) {
	inode := filetable.Inode{
		Mode:       modeBits(info),
		LinksCount: 1,
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		inode.UID = st.Uid
		inode.GID = st.Gid
		inode.Mode = uint32(st.Mode)
		inode.LinksCount = uint32(st.Nlink)
		return inode, st.Ino
	}
	return inode, 0
}

// modeBits reconstructs Unix mode bits from an fs.FileMode for the
// no-Stat_t fallback.
func modeBits(info fs.FileInfo) uint32 {
	mode := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		mode |= 0o040000
	case info.Mode()&fs.ModeSymlink != 0:
		mode |= 0o120000
	case info.Mode().IsRegular():
		mode |= 0o100000
	}
	return mode
}

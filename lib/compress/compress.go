// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress implements the blob filters of the OTA image
// format. A filter transforms a resource's bytes before they enter the
// blob store; the deployment engine reverses it before installation.
// The format currently defines exactly one filter, zstd, and rejects
// everything else by name so that an image built with a future filter
// fails loudly on an older deployer.
package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// FilterZstd is the name of the zstd filter, as recorded in the
// resource_table's filter_applied column and in +zstd media type
// suffixes.
const FilterZstd = "zstd"

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Zstd compresses data at the default level.
func Zstd(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

// UnZstd decompresses a zstd frame.
func UnZstd(data []byte) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd decompress: %w", err)
	}
	return result, nil
}

// Apply runs the named filter over data. An empty filter name is the
// identity.
func Apply(filter string, data []byte) ([]byte, error) {
	switch filter {
	case "":
		return data, nil
	case FilterZstd:
		return Zstd(data), nil
	default:
		return nil, fmt.Errorf("compress: unsupported filter %q", filter)
	}
}

// Reverse undoes the named filter, recovering the original resource
// bytes. An empty filter name is the identity.
func Reverse(filter string, data []byte) ([]byte, error) {
	switch filter {
	case "":
		return data, nil
	case FilterZstd:
		return UnZstd(data)
	default:
		return nil, fmt.Errorf("compress: unsupported filter %q", filter)
	}
}

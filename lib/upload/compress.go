// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how the request body is encoded. The string
// form is the Content-Encoding token.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

// String returns the Content-Encoding token, or "none".
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name. The empty string means
// none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none", "identity":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("upload: unknown compression %q", name)
	}
}

// zstdEncoder and zstdDecoder are safe for concurrent use and are
// reused across requests.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("upload: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("upload: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress encodes data with c. CompressionNone returns data
// unchanged.
func Compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case CompressionLZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("upload: lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("upload: lz4 compress: %w", err)
		}
		return buffer.Bytes(), nil
	default:
		return nil, fmt.Errorf("upload: unsupported compression %d", c)
	}
}

// Decompress reverses Compress. limit bounds the decoded size; zero
// means no bound.
func Decompress(data []byte, c Compression, limit int64) ([]byte, error) {
	switch c {
	case CompressionNone:
		if limit > 0 && int64(len(data)) > limit {
			return nil, fmt.Errorf("upload: body exceeds %d bytes", limit)
		}
		return data, nil
	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("upload: zstd decompress: %w", err)
		}
		if limit > 0 && int64(len(decoded)) > limit {
			return nil, fmt.Errorf("upload: body exceeds %d bytes", limit)
		}
		return decoded, nil
	case CompressionLZ4:
		var reader io.Reader = lz4.NewReader(bytes.NewReader(data))
		if limit > 0 {
			reader = io.LimitReader(reader, limit+1)
		}
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("upload: lz4 decompress: %w", err)
		}
		if limit > 0 && int64(len(decoded)) > limit {
			return nil, fmt.Errorf("upload: body exceeds %d bytes", limit)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("upload: unsupported compression %d", c)
	}
}

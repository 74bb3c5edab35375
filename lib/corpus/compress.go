// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored text blob layout: a 1-byte codec tag followed by the payload.
// The decompressed size lives in the text_length column, not the blob.
const (
	textCodecRaw  = 0
	textCodecZstd = 1
)

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
		panic("corpus: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("corpus: zstd decoder initialization failed: " + err.Error())
	}
}

// compressText encodes entry text for storage. Text that zstd cannot
// shrink (short chunks, mostly) is stored raw so the blob is never
// larger than the text plus the tag byte.
func compressText(text string) []byte {
	compressed := zstdEncoder.EncodeAll([]byte(text), make([]byte, 1, len(text)/2+1))
	compressed[0] = textCodecZstd
	if len(compressed) >= len(text)+1 {
		blob := make([]byte, len(text)+1)
		blob[0] = textCodecRaw
		copy(blob[1:], text)
		return blob
	}
	return compressed
}

// decompressText decodes a blob produced by [compressText].
// textLength is the expected decompressed size from the entry row.
func decompressText(blob []byte, textLength int) (string, error) {
	if len(blob) == 0 {
		return "", fmt.Errorf("empty text blob")
	}
	switch blob[0] {
	case textCodecRaw:
		if len(blob)-1 != textLength {
			return "", fmt.Errorf("raw text blob is %d bytes, expected %d", len(blob)-1, textLength)
		}
		return string(blob[1:]), nil

	case textCodecZstd:
		text, err := zstdDecoder.DecodeAll(blob[1:], make([]byte, 0, textLength))
		if err != nil {
			return "", fmt.Errorf("zstd decompress: %w", err)
		}
		if len(text) != textLength {
			return "", fmt.Errorf("decompressed %d bytes, expected %d", len(text), textLength)
		}
		return string(text), nil

	default:
		return "", fmt.Errorf("unknown text codec %d", blob[0])
	}
}

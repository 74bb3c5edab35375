// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package embedding

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pierrec/lz4/v4"
)

// Vector blob layout: a 5-byte header (uint32 little-endian element
// count, then a 1-byte codec tag) followed by the payload. These are
// storage constants — changing them invalidates every stored vector.
const (
	vectorHeaderSize = 5

	codecRaw    = 0
	codecBG4LZ4 = 1
)

// PackVector encodes a float32 vector for storage. The float bytes
// are grouped by position (all low bytes, then the next, and so on)
// so the low-entropy exponent bytes form long compressible runs, then
// LZ4 block compressed. When compression does not shrink the payload
// the raw little-endian bytes are stored instead, so the blob is
// never larger than the header plus the raw encoding.
func PackVector(vector []float32) []byte {
	raw := float32sToBytes(vector)
	transposed := bg4Transpose(raw)

	compressed := make([]byte, lz4.CompressBlockBound(len(transposed)))
	written, err := lz4.CompressBlock(transposed, compressed, nil)
	if err != nil || written == 0 || written >= len(raw) {
		// Incompressible (or empty): store raw.
		blob := make([]byte, vectorHeaderSize+len(raw))
		binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
		blob[4] = codecRaw
		copy(blob[vectorHeaderSize:], raw)
		return blob
	}

	blob := make([]byte, vectorHeaderSize+written)
	binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
	blob[4] = codecBG4LZ4
	copy(blob[vectorHeaderSize:], compressed[:written])
	return blob
}

// UnpackVector decodes a blob produced by [PackVector].
func UnpackVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorHeaderSize {
		return nil, fmt.Errorf("embedding: vector blob too short: %d bytes", len(blob))
	}
	count := int(binary.LittleEndian.Uint32(blob))
	payload := blob[vectorHeaderSize:]

	var raw []byte
	switch blob[4] {
	case codecRaw:
		if len(payload) != 4*count {
			return nil, fmt.Errorf("embedding: raw vector payload is %d bytes, want %d", len(payload), 4*count)
		}
		raw = payload

	case codecBG4LZ4:
		transposed := make([]byte, 4*count)
		read, err := lz4.UncompressBlock(payload, transposed)
		if err != nil {
			return nil, fmt.Errorf("embedding: lz4 decompress: %w", err)
		}
		if read != 4*count {
			return nil, fmt.Errorf("embedding: decompressed %d bytes, want %d", read, 4*count)
		}
		raw = bg4Untranspose(transposed)

	default:
		return nil, fmt.Errorf("embedding: unknown vector codec %d", blob[4])
	}

	vector := make([]float32, count)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vector, nil
}

// Cosine returns the cosine similarity of two vectors in [-1, 1].
// Mismatched lengths or a zero-magnitude input yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magnitudeA, magnitudeB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magnitudeA += x * x
		magnitudeB += y * y
	}
	if magnitudeA == 0 || magnitudeB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magnitudeA) * math.Sqrt(magnitudeB))
}

func float32sToBytes(values []float32) []byte {
	result := make([]byte, 4*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint32(result[4*i:], math.Float32bits(value))
	}
	return result
}

// bg4Transpose groups the i-th byte of every 4-byte word together:
// all byte-0s first, then byte-1s, byte-2s, byte-3s. Input length is
// always a multiple of 4 here since vectors are whole float32s.
func bg4Transpose(data []byte) []byte {
	groupCount := len(data) / 4
	output := make([]byte, len(data))
	for i := 0; i < groupCount; i++ {
		output[i] = data[i*4]
		output[groupCount+i] = data[i*4+1]
		output[groupCount*2+i] = data[i*4+2]
		output[groupCount*3+i] = data[i*4+3]
	}
	return output
}

// bg4Untranspose reverses bg4Transpose.
func bg4Untranspose(data []byte) []byte {
	groupCount := len(data) / 4
	output := make([]byte, len(data))
	for i := 0; i < groupCount; i++ {
		output[i*4] = data[i]
		output[i*4+1] = data[groupCount+i]
		output[i*4+2] = data[groupCount*2+i]
		output[i*4+3] = data[groupCount*3+i]
	}
	return output
}

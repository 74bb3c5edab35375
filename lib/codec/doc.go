// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides lore's standard CBOR encoding configuration.
//
// lore uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the conversation HTTP API, model
//     provider wire formats, CLI output, and the models seed file.
//   - CBOR for internal state: the corpus ingest manifest and other
//     on-disk records no other program reads.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every lore package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Example: the corpus ingest manifest.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: API response types,
//     types used in CLI --json output.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec

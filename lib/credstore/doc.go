// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package credstore stores provider API keys encrypted at rest.
//
// Each credential is keyed by (user, provider) and sealed with
// XChaCha20-Poly1305 under a key derived from the deployment master
// key via HKDF-SHA256. The user and provider identities are bound
// into the ciphertext as additional authenticated data, so a blob
// copied onto another row fails authentication. A keyed BLAKE3
// fingerprint of the plaintext key is stored alongside for display;
// it is deployment-specific and reveals nothing without the master
// key.
//
// [Store] satisfies the credential source interface the model
// catalog consumes: [Store.APIKey] decrypts the active key for a
// turn, [Store.HasActive] answers listing queries without touching
// ciphertext. Revocation and expiry are metadata operations; the
// ciphertext stays in place so [Store.Restore] can undo a revoke.
//
// Bundles move credentials between machines: [Store.ExportBundle]
// decrypts a user's active keys and seals them to age recipients via
// lib/sealed, [Store.ImportBundle] reverses it, and
// [Store.ImportEnv] ingests keys from a dotenv file.
//
// Master keys and decrypted keys live in lib/secret buffers (mmap,
// mlock, zeroed on close) except at API boundaries that require
// strings.
package credstore

// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/loreworks/lore/lib/secret"
)

// KeySize is the size in bytes of the master key and every key
// derived from it.
const KeySize = 32

// blobVersion is the version byte prepended to every encrypted
// credential. Included in the AEAD additional authenticated data, so
// tampering with it causes authentication failure.
const blobVersion byte = 0x01

// blobOverhead is the byte overhead per encrypted credential:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// HKDF info strings: the "info" parameter to HKDF-SHA256, providing
// domain separation between derivation paths. Changing either
// invalidates everything encrypted or fingerprinted under it.
var (
	hkdfInfoCredential  = []byte("lore.credential.enc.v1")
	hkdfInfoFingerprint = []byte("lore.credential.fp.v1")
)

// fingerprintLength is the length in hex characters of a displayed
// credential fingerprint.
const fingerprintLength = 16

// KeySet holds the credential master key in guarded memory and
// performs all per-credential derivation, encryption, and
// fingerprinting. Derived keys are not cached; each operation runs a
// fresh HKDF derivation, which costs about a microsecond.
//
// Close zeroes and releases the master key. After Close, all methods
// panic (via secret.Buffer's closed check).
type KeySet struct {
	masterKey *secret.Buffer
}

// NewKeySet creates a key set from master key material. The buffer
// may hold either the raw 32-byte key or its 64-character hex
// encoding (the format written by key files); hex input is decoded
// into a fresh guarded buffer and the original is closed.
//
// The KeySet owns the master key and closes it on Close. The caller
// must not use the buffer after passing it in.
func NewKeySet(masterKey *secret.Buffer) (*KeySet, error) {
	switch masterKey.Len() {
	case KeySize:
		return &KeySet{masterKey: masterKey}, nil
	case 2 * KeySize:
		raw := make([]byte, KeySize)
		if _, err := hex.Decode(raw, masterKey.Bytes()); err != nil {
			secret.Zero(raw)
			return nil, fmt.Errorf("decoding hex master key: %w", err)
		}
		decoded, err := secret.NewFromBytes(raw)
		if err != nil {
			secret.Zero(raw)
			return nil, fmt.Errorf("protecting master key: %w", err)
		}
		masterKey.Close()
		return &KeySet{masterKey: decoded}, nil
	default:
		return nil, fmt.Errorf("master key must be %d raw or %d hex bytes, got %d",
			KeySize, 2*KeySize, masterKey.Len())
	}
}

// Close zeroes and releases the master key. Idempotent.
func (keySet *KeySet) Close() error {
	return keySet.masterKey.Close()
}

// GenerateMasterKey returns a fresh random master key as 64 hex
// characters in a guarded buffer, ready to be written to a key file.
func GenerateMasterKey() (*secret.Buffer, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	encoded := make([]byte, hex.EncodedLen(KeySize))
	hex.Encode(encoded, raw)
	secret.Zero(raw)
	// NewFromBytes zeros the encoded copy.
	return secret.NewFromBytes(encoded)
}

// encrypt seals an API key for one (user, provider) row using
// XChaCha20-Poly1305 in the standard blob format:
//
//	[Version: 1 byte (0x01)] [Nonce: 24 bytes (random)] [Ciphertext+Tag]
//
// The encryption key is derived per credential from the master key
// and the row identity, and the identity is bound into the AAD, so a
// blob moved to a different row fails authentication.
func (keySet *KeySet) encrypt(userID, provider string, plaintext []byte) ([]byte, error) {
	identity := credentialIdentity(userID, provider)
	encryptionKey, err := keySet.deriveCredentialKey(identity)
	if err != nil {
		return nil, err
	}
	defer encryptionKey.Close()

	aead, err := chacha20poly1305.NewX(encryptionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	aad := buildAAD(blobVersion, identity)

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, len(plaintext)+blobOverhead)
	output[0] = blobVersion
	copy(output[1:], nonce[:])
	return aead.Seal(output, nonce[:], plaintext, aad), nil
}

// decrypt opens a blob produced by encrypt for the same (user,
// provider) row. The plaintext is returned in a guarded buffer that
// the caller must close.
//
// Fails if the blob is truncated, carries an unknown version byte,
// or does not authenticate (wrong key, tampered data, or a blob
// belonging to a different row).
func (keySet *KeySet) decrypt(userID, provider string, blob []byte) (*secret.Buffer, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("encrypted credential is %d bytes, minimum is %d (version + nonce + tag)",
			len(blob), blobOverhead)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("encrypted credential version %d is not supported (expected %d)",
			blob[0], blobVersion)
	}

	identity := credentialIdentity(userID, provider)
	encryptionKey, err := keySet.deriveCredentialKey(identity)
	if err != nil {
		return nil, err
	}
	defer encryptionKey.Close()

	aead, err := chacha20poly1305.NewX(encryptionKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	aad := buildAAD(blobVersion, identity)

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed (wrong key, tampered data, or mismatched row): %w", err)
	}

	// NewFromBytes copies into mmap and zeros the heap slice.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted credential: %w", err)
	}
	return buffer, nil
}

// fingerprint computes the displayed fingerprint of a plaintext API
// key: a keyed BLAKE3 hash under a key derived from the master key,
// truncated to 16 hex characters. Deterministic per deployment, so
// re-setting the same key shows an unchanged fingerprint, and opaque
// without the master key.
func (keySet *KeySet) fingerprint(plaintext []byte) (string, error) {
	fingerprintKey, err := deriveKey(keySet.masterKey.Bytes(), hkdfInfoFingerprint)
	if err != nil {
		return "", err
	}
	defer fingerprintKey.Close()

	hasher, err := blake3.NewKeyed(fingerprintKey.Bytes())
	if err != nil {
		return "", fmt.Errorf("initializing keyed BLAKE3: %w", err)
	}
	hasher.Write(plaintext)
	return hex.EncodeToString(hasher.Sum(nil))[:fingerprintLength], nil
}

// deriveCredentialKey derives the per-credential encryption key from
// the master key and the row identity hash.
func (keySet *KeySet) deriveCredentialKey(identity [32]byte) (*secret.Buffer, error) {
	info := make([]byte, len(hkdfInfoCredential)+len(identity))
	copy(info, hkdfInfoCredential)
	copy(info[len(hkdfInfoCredential):], identity[:])
	return deriveKey(keySet.masterKey.Bytes(), info)
}

// credentialIdentity hashes the (user, provider) pair into the fixed
// identity used for key derivation and AAD binding. Hashing avoids
// delimiter ambiguity between the two free-form strings.
func credentialIdentity(userID, provider string) [32]byte {
	return blake3.Sum256([]byte(userID + "\x00" + provider))
}

func deriveKey(inputKeyMaterial []byte, info []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	// NewFromBytes copies into mmap and zeros the heap slice.
	return secret.NewFromBytes(derived)
}

// buildAAD constructs the additional authenticated data for AEAD
// operations: the version byte followed by the row identity hash.
func buildAAD(version byte, identity [32]byte) []byte {
	aad := make([]byte, 1+len(identity))
	aad[0] = version
	copy(aad[1:], identity[:])
	return aad
}

// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/loreworks/lore/lib/secret"
)

func testKeySet(t *testing.T, seed byte) *KeySet {
	t.Helper()
	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	master, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	keySet, err := NewKeySet(master)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	t.Cleanup(func() { keySet.Close() })
	return keySet
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keySet := testKeySet(t, 1)

	blob, err := keySet.encrypt("alice", "openai", []byte("sk-test-12345"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(blob) != len("sk-test-12345")+blobOverhead {
		t.Errorf("blob length = %d, want %d", len(blob), len("sk-test-12345")+blobOverhead)
	}
	if blob[0] != blobVersion {
		t.Errorf("blob version = %d, want %d", blob[0], blobVersion)
	}

	plaintext, err := keySet.decrypt("alice", "openai", blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	defer plaintext.Close()
	if plaintext.String() != "sk-test-12345" {
		t.Errorf("decrypt = %q, want %q", plaintext.String(), "sk-test-12345")
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	keySet := testKeySet(t, 1)

	first, err := keySet.encrypt("alice", "openai", []byte("sk-test"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := keySet.encrypt("alice", "openai", []byte("sk-test"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(first) == string(second) {
		t.Error("two encryptions of the same key produced identical blobs")
	}
}

func TestDecryptRejectsWrongRow(t *testing.T) {
	keySet := testKeySet(t, 1)

	blob, err := keySet.encrypt("alice", "openai", []byte("sk-test"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := keySet.decrypt("alice", "anthropic", blob); err == nil {
		t.Error("decrypt with wrong provider should fail")
	}
	if _, err := keySet.decrypt("bob", "openai", blob); err == nil {
		t.Error("decrypt with wrong user should fail")
	}
}

func TestDecryptRejectsWrongMasterKey(t *testing.T) {
	keySet := testKeySet(t, 1)
	otherKeySet := testKeySet(t, 99)

	blob, err := keySet.encrypt("alice", "openai", []byte("sk-test"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := otherKeySet.decrypt("alice", "openai", blob); err == nil {
		t.Error("decrypt with wrong master key should fail")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	keySet := testKeySet(t, 1)

	blob, err := keySet.encrypt("alice", "openai", []byte("sk-test"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := keySet.decrypt("alice", "openai", tampered); err == nil {
		t.Error("decrypt of tampered ciphertext should fail")
	}

	wrongVersion := append([]byte(nil), blob...)
	wrongVersion[0] = 0x7f
	_, err = keySet.decrypt("alice", "openai", wrongVersion)
	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("decrypt with unknown version: error = %v, want version error", err)
	}

	if _, err := keySet.decrypt("alice", "openai", blob[:blobOverhead-1]); err == nil {
		t.Error("decrypt of truncated blob should fail")
	}
}

func TestNewKeySetHex(t *testing.T) {
	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	encoded := make([]byte, hex.EncodedLen(KeySize))
	hex.Encode(encoded, raw)

	rawBuffer, err := secret.NewFromBytes(append([]byte(nil), raw...))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	rawKeySet, err := NewKeySet(rawBuffer)
	if err != nil {
		t.Fatalf("NewKeySet(raw): %v", err)
	}
	defer rawKeySet.Close()

	hexBuffer, err := secret.NewFromBytes(encoded)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	hexKeySet, err := NewKeySet(hexBuffer)
	if err != nil {
		t.Fatalf("NewKeySet(hex): %v", err)
	}
	defer hexKeySet.Close()

	// Both forms hold the same key: one encrypts, the other decrypts.
	blob, err := rawKeySet.encrypt("alice", "openai", []byte("sk-test"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := hexKeySet.decrypt("alice", "openai", blob)
	if err != nil {
		t.Fatalf("decrypt with hex-loaded key: %v", err)
	}
	defer plaintext.Close()
	if plaintext.String() != "sk-test" {
		t.Errorf("decrypt = %q, want %q", plaintext.String(), "sk-test")
	}
}

func TestNewKeySetRejectsBadMaterial(t *testing.T) {
	tests := []struct {
		name     string
		material []byte
	}{
		{"too short", make([]byte, 16)},
		{"odd length", make([]byte, 63)},
		{"not hex", []byte(strings.Repeat("zz", KeySize))},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			material := append([]byte(nil), test.material...)
			buffer, err := secret.NewFromBytes(material)
			if err != nil {
				t.Fatalf("NewFromBytes: %v", err)
			}
			defer buffer.Close()
			if _, err := NewKeySet(buffer); err == nil {
				t.Error("NewKeySet should reject bad material")
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	keySet := testKeySet(t, 1)

	first, err := keySet.fingerprint([]byte("sk-test-12345"))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if len(first) != fingerprintLength {
		t.Errorf("fingerprint length = %d, want %d", len(first), fingerprintLength)
	}

	// Same key, same fingerprint.
	again, err := keySet.fingerprint([]byte("sk-test-12345"))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if again != first {
		t.Errorf("fingerprint not deterministic: %q then %q", first, again)
	}

	// Different key, different fingerprint.
	other, err := keySet.fingerprint([]byte("sk-test-67890"))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if other == first {
		t.Error("different keys produced the same fingerprint")
	}

	// Different deployment (master key), different fingerprint.
	otherDeployment := testKeySet(t, 99)
	elsewhere, err := otherDeployment.fingerprint([]byte("sk-test-12345"))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if elsewhere == first {
		t.Error("fingerprint is not deployment-specific")
	}
}

func TestGenerateMasterKey(t *testing.T) {
	first, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	defer first.Close()

	if first.Len() != 2*KeySize {
		t.Errorf("key length = %d, want %d", first.Len(), 2*KeySize)
	}
	if _, err := hex.DecodeString(first.String()); err != nil {
		t.Errorf("key is not hex: %v", err)
	}

	second, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	if second.String() == first.String() {
		t.Error("two generated master keys are identical")
	}

	// The generated form loads directly.
	keySet, err := NewKeySet(second)
	if err != nil {
		t.Fatalf("NewKeySet(generated): %v", err)
	}
	keySet.Close()
}

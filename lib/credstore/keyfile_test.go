// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credstore_test

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loreworks/lore/lib/credstore"
)

func TestLoadKeyFileCreatesAndReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "credentials.key")

	first, err := credstore.LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile (create): %v", err)
	}
	defer first.Close()

	if first.Len() != credstore.KeySize {
		t.Errorf("key length = %d, want %d", first.Len(), credstore.KeySize)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("key file mode = %o, want 0600", got)
	}

	// The file is one hex line.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading key file: %v", err)
	}
	text := strings.TrimSpace(string(data))
	if got, want := text, hex.EncodeToString(first.Bytes()); got != want {
		t.Errorf("file content = %q, want hex of key", got)
	}

	// A second load returns the same key rather than generating a
	// new one.
	second, err := credstore.LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile (reload): %v", err)
	}
	defer second.Close()

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("reloaded key differs from created key")
	}
}

func TestLoadKeyFileRejectsBadContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"not_hex", "zz-not-hex-zz\n"},
		{"wrong_length", hex.EncodeToString([]byte("short")) + "\n"},
		{"empty", "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "credentials.key")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("writing key file: %v", err)
			}

			if _, err := credstore.LoadKeyFile(path); err == nil {
				t.Error("LoadKeyFile accepted malformed key file")
			}
		})
	}
}

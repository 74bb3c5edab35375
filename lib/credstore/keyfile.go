// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/loreworks/lore/lib/secret"
)

// LoadKeyFile returns the master key stored at path, generating and
// persisting a fresh one when the file does not exist yet. The file
// holds the key hex-encoded on one line and is created with mode
// 0600. The returned buffer must be closed by the caller.
func LoadKeyFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := decodeKeyFile(data)
		if err != nil {
			return nil, fmt.Errorf("credential key %s: %w", path, err)
		}
		return key, nil
	case errors.Is(err, fs.ErrNotExist):
		return createKeyFile(path)
	default:
		return nil, fmt.Errorf("credential key: reading %s: %w", path, err)
	}
}

func decodeKeyFile(data []byte) (*secret.Buffer, error) {
	text := strings.TrimSpace(string(data))
	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("not hex encoded: %w", err)
	}
	if len(raw) != KeySize {
		secret.Zero(raw)
		return nil, fmt.Errorf("decodes to %d bytes, want %d", len(raw), KeySize)
	}
	// NewFromBytes copies into locked memory and zeros raw.
	return secret.NewFromBytes(raw)
}

func createKeyFile(path string) (*secret.Buffer, error) {
	key, err := GenerateMasterKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		key.Close()
		return nil, fmt.Errorf("credential key: creating directory for %s: %w", path, err)
	}
	encoded := hex.EncodeToString(key.Bytes()) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		key.Close()
		return nil, fmt.Errorf("credential key: writing %s: %w", path, err)
	}
	return key, nil
}

// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/credstore"
	"github.com/loreworks/lore/lib/sealed"
)

func TestExportImportBundle(t *testing.T) {
	ctx := context.Background()
	source := openTestStore(t, testMasterKey(t, 1), clock.Fake(time.Unix(1700000000, 0)))

	setKey(t, source, "alice", "openai", "sk-openai-123", time.Time{})
	setKey(t, source, "alice", "anthropic", "sk-ant-456", time.Time{})

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })

	ciphertext, err := source.ExportBundle(ctx, "alice", []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}

	// Import into a store under a different master key: the bundle
	// carries plaintext inside the age envelope, so the destination
	// re-encrypts under its own key.
	destination := openTestStore(t, testMasterKey(t, 99), clock.Fake(time.Unix(1800000000, 0)))

	providers, err := destination.ImportBundle(ctx, "alice", ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("ImportBundle: %v", err)
	}
	if len(providers) != 2 || providers[0] != "anthropic" || providers[1] != "openai" {
		t.Errorf("ImportBundle providers = %v, want [anthropic openai]", providers)
	}

	key, err := destination.APIKey(ctx, "alice", "openai")
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-openai-123" {
		t.Errorf("imported openai key = %q, want %q", key, "sk-openai-123")
	}
	key, err = destination.APIKey(ctx, "alice", "anthropic")
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-ant-456" {
		t.Errorf("imported anthropic key = %q, want %q", key, "sk-ant-456")
	}
}

func TestExportBundleSkipsUnusable(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Unix(1700000000, 0))
	source := openTestStore(t, testMasterKey(t, 1), fake)

	setKey(t, source, "alice", "openai", "sk-openai", time.Time{})
	setKey(t, source, "alice", "anthropic", "sk-ant", time.Time{})
	setKey(t, source, "alice", "mistral", "sk-mistral", fake.Now().Add(time.Minute))
	if err := source.Revoke(ctx, "alice", "anthropic"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	fake.Advance(time.Hour)

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })

	ciphertext, err := source.ExportBundle(ctx, "alice", []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}

	destination := openTestStore(t, testMasterKey(t, 99), clock.Fake(time.Unix(1800000000, 0)))
	providers, err := destination.ImportBundle(ctx, "alice", ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("ImportBundle: %v", err)
	}
	// Revoked and expired credentials stay home.
	if len(providers) != 1 || providers[0] != "openai" {
		t.Errorf("ImportBundle providers = %v, want [openai]", providers)
	}
}

func TestExportBundleEmpty(t *testing.T) {
	source := openTestStore(t, testMasterKey(t, 1), clock.Fake(time.Unix(1700000000, 0)))

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })

	if _, err := source.ExportBundle(context.Background(), "alice", []string{keypair.PublicKey}); err == nil {
		t.Error("ExportBundle with no credentials should fail")
	}
}

func TestImportBundleWrongIdentity(t *testing.T) {
	ctx := context.Background()
	source := openTestStore(t, testMasterKey(t, 1), clock.Fake(time.Unix(1700000000, 0)))
	setKey(t, source, "alice", "openai", "sk-test", time.Time{})

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	wrongKeypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { wrongKeypair.Close() })

	ciphertext, err := source.ExportBundle(ctx, "alice", []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}

	if _, err := source.ImportBundle(ctx, "alice", ciphertext, wrongKeypair.PrivateKey); err == nil {
		t.Error("ImportBundle with wrong identity should fail")
	}
}

func TestImportEnv(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, testMasterKey(t, 1), clock.Fake(time.Unix(1700000000, 0)))

	path := filepath.Join(t.TempDir(), ".env")
	content := "# provider keys\n" +
		"OPENAI_API_KEY=sk-openai-123\n" +
		"ANTHROPIC_API_KEY=\"sk-ant-456\"\n" +
		"DATABASE_URL=postgres://ignored\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing env file: %v", err)
	}

	providers, err := store.ImportEnv(ctx, "alice", path)
	if err != nil {
		t.Fatalf("ImportEnv: %v", err)
	}
	if len(providers) != 2 || providers[0] != "anthropic" || providers[1] != "openai" {
		t.Errorf("ImportEnv providers = %v, want [anthropic openai]", providers)
	}

	key, err := store.APIKey(ctx, "alice", "anthropic")
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-ant-456" {
		t.Errorf("anthropic key = %q, want %q", key, "sk-ant-456")
	}
	key, err = store.APIKey(ctx, "alice", "openai")
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-openai-123" {
		t.Errorf("openai key = %q, want %q", key, "sk-openai-123")
	}
}

func TestImportEnvNoKeys(t *testing.T) {
	store := openTestStore(t, testMasterKey(t, 1), clock.Fake(time.Unix(1700000000, 0)))

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DATABASE_URL=postgres://x\n"), 0o600); err != nil {
		t.Fatalf("writing env file: %v", err)
	}

	if _, err := store.ImportEnv(context.Background(), "alice", path); err == nil {
		t.Error("ImportEnv with no provider keys should fail")
	}
}

func TestImportEnvMissingFile(t *testing.T) {
	store := openTestStore(t, testMasterKey(t, 1), clock.Fake(time.Unix(1700000000, 0)))

	if _, err := store.ImportEnv(context.Background(), "alice", filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Error("ImportEnv with missing file should fail")
	}
}

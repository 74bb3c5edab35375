// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import "testing"

func TestCheckProvider(t *testing.T) {
	for _, provider := range []string{"anthropic", "openai"} {
		if err := checkProvider(provider); err != nil {
			t.Errorf("checkProvider(%q) = %v, want nil", provider, err)
		}
	}

	if err := checkProvider("ollama"); err == nil {
		t.Error("checkProvider(ollama) = nil, want error for the credential-free provider")
	}
	if err := checkProvider("mistral"); err == nil {
		t.Error("checkProvider(mistral) = nil, want error for an unknown provider")
	}
}

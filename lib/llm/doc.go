// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm provides a provider-agnostic interface for language
// model APIs with streaming completion and embedding support.
//
// The primary abstraction is [Provider], which supports blocking
// completion and streaming responses. Providers that expose an
// embedding endpoint additionally implement [Embedder]; callers
// discover the capability with a type assertion and degrade to
// lexical-only retrieval when it is absent.
//
// All HTTP requests go through a caller-supplied [net/http.Client].
// API keys are resolved per call site by the credential store and
// injected at construction; this package never persists them.
//
// Streaming from the hosted providers uses Server-Sent Events, parsed
// by [SSEScanner]; Ollama streams newline-delimited JSON. Either way
// the [EventStream] type wraps the response, yielding [StreamEvent]
// values as they arrive while accumulating the complete [Response]
// internally, including the partial text a cancelled turn persists.
//
// Current provider implementations:
//   - [Anthropic]: Claude models via the Messages API (chat only)
//   - [OpenAI]: Chat Completions plus /v1/embeddings
//   - [Ollama]: local models via /api/chat and /api/embed
package llm

// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP serving scaffold for lore-service.
//
// The conversation service is a standalone binary serving a JSON API
// with one streaming endpoint. This package extracts the lifecycle
// scaffolding around it: bind a TCP listener, signal readiness,
// serve until the context is cancelled, then drain in-flight requests
// within a shutdown timeout. The caller provides the http.Handler;
// routing and request handling live with the binary, not here.
//
// The server deliberately sets no write timeout. The message endpoint
// answers with a token stream whose duration is bounded by the model,
// not the transport, so cutting writes at a fixed deadline would
// truncate healthy generations. Slow-client protection comes from the
// read and idle timeouts.
package service

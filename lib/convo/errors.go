// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package convo

import (
	"errors"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/llm"
)

// ErrModelUnavailable aliases the catalog sentinel so callers can
// match turn failures without importing the catalog. Fatal to the
// turn, not the conversation; the caller must resubmit with another
// model.
var ErrModelUnavailable = catalog.ErrModelUnavailable

// ErrUnknownConversation is returned for a conversation id that does
// not exist or belongs to another user.
var ErrUnknownConversation = errors.New("convo: unknown conversation")

// ErrConversationBusy is returned when a turn is already in flight on
// the conversation. Fatal to the concurrent call only; the caller
// should wait for the in-flight turn rather than auto-retry.
var ErrConversationBusy = errors.New("convo: conversation busy")

// ErrPersistenceFailure is returned when the turn commit failed twice.
// The transaction is rolled back whole, so no partial turn is visible.
var ErrPersistenceFailure = errors.New("convo: persistence failure")

// ErrEmptyMessage is returned for a post whose text is empty or
// whitespace.
var ErrEmptyMessage = errors.New("convo: empty message")

// Retryable reports whether resubmitting the same request may succeed
// without caller action. Persistence failures and transient provider
// errors (rate limits, overload, 5xx) are retryable; validation
// failures — unavailable model, busy conversation, unknown
// conversation — demand a different request and are not.
func Retryable(err error) bool {
	if errors.Is(err, ErrPersistenceFailure) {
		return true
	}
	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient()
	}
	return false
}

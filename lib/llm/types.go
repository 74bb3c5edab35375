// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package llm

// Role identifies the author of a conversation message. It is a closed
// set: values outside the three constants below are rejected at the
// storage boundary, so invalid roles cannot flow through the system.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the three known values.
func (role Role) Valid() bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single conversation turn in provider-neutral form.
type Message struct {
	Role Role
	Text string
}

// UserMessage builds a user-role message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// Request is a provider-neutral completion request. Provider
// implementations translate it to their wire format.
type Request struct {
	// Model is the provider-specific model identifier.
	Model string

	// System is the system preamble. Providers that represent the
	// system prompt as a message (OpenAI-compatible APIs) prepend it;
	// providers with a dedicated field (Anthropic) pass it through.
	System string

	// MaxTokens caps the generated output length.
	MaxTokens int

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// StopSequences end generation early when emitted by the model.
	StopSequences []string

	// Messages is the conversation history, oldest first.
	Messages []Message
}

// StopReason describes why generation ended.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Usage reports token consumption for a single request.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Response is the complete result of a generation request.
type Response struct {
	// Text is the generated assistant text.
	Text string

	// StopReason is the provider's reported termination cause.
	StopReason StopReason

	// Model is the model that actually served the request, as reported
	// by the provider (may differ from the requested alias).
	Model string

	// Usage is the provider-reported token accounting.
	Usage Usage
}

// EventType discriminates [StreamEvent] values.
type EventType string

const (
	// EventTextDelta carries an incremental piece of generated text.
	EventTextDelta EventType = "text_delta"

	// EventDone signals the end of a successful stream. The
	// accumulated [Response] is complete once this event is seen.
	EventDone EventType = "done"

	// EventPing is a keepalive with no payload.
	EventPing EventType = "ping"

	// EventError carries a mid-stream provider error.
	EventError EventType = "error"
)

// StreamEvent is a single event from a generation stream.
type StreamEvent struct {
	Type EventType

	// Text is set for EventTextDelta.
	Text string

	// Error is set for EventError.
	Error error
}

// EmbedRequest asks a provider for vector representations of one or
// more input texts in a single call.
type EmbedRequest struct {
	// Model is the provider-specific embedding model identifier.
	Model string

	// Input is the batch of texts to embed.
	Input []string
}

// EmbedResponse carries one vector per input, in input order. All
// vectors from one model have the same length.
type EmbedResponse struct {
	Vectors [][]float32
	Model   string
	Usage   Usage
}

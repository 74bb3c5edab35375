// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Provider is the interface for language-model API backends.
// Implementations translate between the common types in this package
// and each vendor's wire format.
type Provider interface {
	// Name returns the provider identifier used in model
	// configurations and credential records (e.g., "openai").
	Name() string

	// Complete sends a request and blocks until the full response is
	// available. Use this when streaming is not needed (summarization,
	// title generation).
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns an [EventStream] that yields
	// events as they arrive. The caller must call [EventStream.Close]
	// when done, even if iteration ended early.
	Stream(ctx context.Context, request Request) (*EventStream, error)
}

// Embedder is the optional embedding capability of a provider. A
// provider without an embedding endpoint (Anthropic) simply does not
// implement it; callers discover the capability with a type assertion
// and degrade to lexical-only retrieval when it is absent.
type Embedder interface {
	Embed(ctx context.Context, request EmbedRequest) (*EmbedResponse, error)
}

// nextFunc is the iteration function for an EventStream. Returns
// io.EOF when the stream is complete.
type nextFunc func() (StreamEvent, error)

// EventStream reads streaming events from a generation response. It
// yields [StreamEvent] values via [Next] while accumulating the
// complete [Response] internally. After Next returns [io.EOF], call
// [Response] to retrieve the accumulated result.
//
// An EventStream is lazy, finite, single-consumer, and not
// restartable. It is not safe for concurrent use.
type EventStream struct {
	next     nextFunc
	closer   io.Closer
	response Response
	mutex    sync.Mutex
	done     bool
}

// NewEventStream creates an EventStream from a provider-specific
// iteration function and an io.Closer for the underlying resource
// (typically the HTTP response body).
//
// The next function must return (event, nil) for each event and
// (zero, io.EOF) when the stream is complete. The EventStream
// accumulates the complete Response from text delta events.
func NewEventStream(next nextFunc, closer io.Closer) *EventStream {
	return &EventStream{
		next:   next,
		closer: closer,
	}
}

// Next returns the next event from the stream. Returns io.EOF when
// the stream is complete. After io.EOF, call [Response] to get the
// accumulated result.
//
//	for {
//	    event, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    // process event
//	}
//	response := stream.Response()
func (stream *EventStream) Next() (StreamEvent, error) {
	if stream.done {
		return StreamEvent{}, io.EOF
	}

	event, err := stream.next()
	if err != nil {
		if err == io.EOF {
			stream.done = true
		}
		return event, err
	}

	if event.Type == EventTextDelta {
		stream.mutex.Lock()
		stream.response.Text += event.Text
		stream.mutex.Unlock()
	}
	return event, nil
}

// Response returns the accumulated response. Only complete after
// [Next] has returned [io.EOF]; before that it returns whatever has
// been accumulated so far, which is exactly what a cancelled turn
// needs to persist.
func (stream *EventStream) Response() Response {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	return stream.response
}

// Close releases the underlying resources (HTTP response body).
// Must be called when done with the stream, even if iteration
// ended early due to an error or cancellation.
func (stream *EventStream) Close() error {
	if stream.closer != nil {
		return stream.closer.Close()
	}
	return nil
}

// SetStopReason sets the stop reason on the accumulated response.
// Called by provider implementations during stream parsing.
func (stream *EventStream) SetStopReason(reason StopReason) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.StopReason = reason
}

// SetUsage sets the usage statistics on the accumulated response.
// Called by provider implementations during stream parsing.
func (stream *EventStream) SetUsage(usage Usage) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Usage = usage
}

// SetModel sets the model name on the accumulated response.
// Called by provider implementations during stream parsing.
func (stream *EventStream) SetModel(model string) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Model = model
}

// AddOutputTokens increments the output token count. Called by
// provider implementations that receive usage incrementally
// (Anthropic's message_delta event includes only output_tokens).
func (stream *EventStream) AddOutputTokens(count int64) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Usage.OutputTokens += count
}

// ProviderError is returned when a provider API responds with an error.
type ProviderError struct {
	// Provider is the provider identifier ("anthropic", "openai", "ollama").
	Provider string

	// StatusCode is the HTTP status code.
	StatusCode int

	// Type is the provider-specific error type string
	// (e.g., "invalid_request_error", "rate_limit_error").
	Type string

	// Message is the human-readable error description.
	Message string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm/%s: HTTP %d: %s: %s", err.Provider, err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm/%s: HTTP %d: %s", err.Provider, err.StatusCode, err.Message)
}

// IsRateLimited returns true if the error is a rate limit response (HTTP 429).
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == 429
}

// IsOverloaded returns true if the error is a server overload response (HTTP 529).
func (err *ProviderError) IsOverloaded() bool {
	return err.StatusCode == 529
}

// Transient reports whether retrying the same request may succeed:
// rate limits, overload, and 5xx server errors.
func (err *ProviderError) Transient() bool {
	return err.IsRateLimited() || err.IsOverloaded() || err.StatusCode >= 500
}

// doProviderRequest marshals wireRequest as JSON, POSTs it to endpoint
// via httpClient, and returns the HTTP response. Returns a ProviderError
// for non-200 status codes. When streaming is true, the Accept header is
// set to text/event-stream. The headers map carries provider auth
// headers (x-api-key, Authorization) and is applied after Content-Type.
//
// On success the caller is responsible for closing the response body.
// On error the body is already closed.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string, wireRequest any, provider string, streaming bool, headers map[string]string) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("llm/%s: marshaling request: %w", provider, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm/%s: creating request: %w", provider, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}
	for name, value := range headers {
		httpRequest.Header.Set(name, value)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("llm/%s: sending request: %w", provider, err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse, provider)
	}

	return httpResponse, nil
}

// wireResponse is implemented by pointer-to-struct types that can
// convert themselves from JSON wire format to the common Response.
type wireResponse[T any] interface {
	*T
	toResponse() *Response
}

// decodeResponse reads an HTTP response body as JSON into a
// provider-specific wire response type and converts it to the common
// Response. The HTTP response body is closed when this function returns.
func decodeResponse[T any, P wireResponse[T]](httpResponse *http.Response, provider string) (*Response, error) {
	defer httpResponse.Body.Close()

	wireResp := P(new(T))
	if err := json.NewDecoder(httpResponse.Body).Decode(wireResp); err != nil {
		return nil, fmt.Errorf("llm/%s: decoding response: %w", provider, err)
	}

	return wireResp.toResponse(), nil
}

// readProviderError parses an error response body in the common provider
// error format used by Anthropic, OpenAI, and compatible APIs:
// {"error":{"type":"...","message":"..."}}. Ollama uses a flat
// {"error":"..."} shape, handled as a fallback. Extra fields in the
// error object (such as OpenAI's "code" and "param") are ignored.
func readProviderError(httpResponse *http.Response, provider string) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			Provider:   provider,
			StatusCode: httpResponse.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
		}
	}

	var flatError struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &flatError) == nil && flatError.Error != "" {
		return &ProviderError{
			Provider:   provider,
			StatusCode: httpResponse.StatusCode,
			Message:    flatError.Error,
		}
	}

	return &ProviderError{
		Provider:   provider,
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
}

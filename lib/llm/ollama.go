// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Ollama implements [Provider] and [Embedder] for a local Ollama
// server. Unlike the hosted providers, Ollama streams chat responses
// as newline-delimited JSON rather than SSE, and requires no API key.
type Ollama struct {
	httpClient *http.Client
	baseURL    string
}

// NewOllama creates an Ollama provider. baseURL is the server root
// (http://localhost:11434 by default).
func NewOllama(httpClient *http.Client, baseURL string) *Ollama {
	return &Ollama{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// Name returns the provider identifier.
func (provider *Ollama) Name() string { return "ollama" }

// Complete sends a non-streaming request and returns the full response.
func (provider *Ollama) Complete(ctx context.Context, request Request) (*Response, error) {
	wireRequest := provider.buildRequest(request, false)

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.baseURL+"/api/chat", wireRequest, "ollama", false, nil)
	if err != nil {
		return nil, err
	}

	return decodeResponse[ollamaChatResponse](httpResponse, "ollama")
}

// Stream sends a streaming request and returns an [EventStream] fed
// from the NDJSON line stream.
func (provider *Ollama) Stream(ctx context.Context, request Request) (*EventStream, error) {
	wireRequest := provider.buildRequest(request, true)

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.baseURL+"/api/chat", wireRequest, "ollama", false, nil)
	if err != nil {
		return nil, err
	}

	return provider.newEventStream(httpResponse.Body), nil
}

// Embed requests vectors for a batch of inputs via /api/embed.
func (provider *Ollama) Embed(ctx context.Context, request EmbedRequest) (*EmbedResponse, error) {
	wireRequest := ollamaEmbedRequest{
		Model: request.Model,
		Input: request.Input,
	}

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.baseURL+"/api/embed", wireRequest, "ollama", false, nil)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wireResponse ollamaEmbedResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return nil, fmt.Errorf("llm/ollama: decoding embeddings: %w", err)
	}

	return &EmbedResponse{
		Vectors: wireResponse.Embeddings,
		Model:   wireResponse.Model,
		Usage:   Usage{InputTokens: wireResponse.PromptEvalCount},
	}, nil
}

// buildRequest converts our types to the Ollama chat wire format.
// Generation knobs ride in the options object.
func (provider *Ollama) buildRequest(request Request, stream bool) ollamaChatRequest {
	wireRequest := ollamaChatRequest{
		Model:  request.Model,
		Stream: stream,
	}

	options := ollamaOptions{}
	hasOptions := false
	if request.MaxTokens > 0 {
		options.NumPredict = request.MaxTokens
		hasOptions = true
	}
	if request.Temperature != nil {
		options.Temperature = request.Temperature
		hasOptions = true
	}
	if len(request.StopSequences) > 0 {
		options.Stop = request.StopSequences
		hasOptions = true
	}
	if hasOptions {
		wireRequest.Options = &options
	}

	if request.System != "" {
		wireRequest.Messages = append(wireRequest.Messages, ollamaMessage{
			Role:    "system",
			Content: request.System,
		})
	}
	for _, message := range request.Messages {
		wireRequest.Messages = append(wireRequest.Messages, ollamaMessage{
			Role:    string(message.Role),
			Content: message.Text,
		})
	}

	return wireRequest
}

// newEventStream creates an EventStream that parses the NDJSON chat
// stream. Each line is a chunk; the final line has done=true and
// carries the token counts.
func (provider *Ollama) newEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	stream := NewEventStream(nil, body)

	stream.next = func() (StreamEvent, error) {
		for {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return StreamEvent{}, fmt.Errorf("llm/ollama: reading stream: %w", err)
				}
				return StreamEvent{}, io.EOF
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				return StreamEvent{}, fmt.Errorf("llm/ollama: parsing chunk: %w", err)
			}

			if chunk.Error != "" {
				return StreamEvent{
					Type:  EventError,
					Error: fmt.Errorf("llm/ollama: stream error: %s", chunk.Error),
				}, nil
			}

			if chunk.Model != "" {
				stream.SetModel(chunk.Model)
			}

			if chunk.Done {
				stream.SetStopReason(mapOllamaDoneReason(chunk.DoneReason))
				stream.SetUsage(Usage{
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
				})
				return StreamEvent{Type: EventDone}, nil
			}

			if chunk.Message.Content != "" {
				return StreamEvent{
					Type: EventTextDelta,
					Text: chunk.Message.Content,
				}, nil
			}

			continue
		}
	}

	return stream
}

// --- Ollama wire types ---

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ollamaChatResponse doubles as the non-streaming response body and a
// single NDJSON stream chunk; the formats are identical except that
// chunks carry partial message content.
type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int64       `json:"prompt_eval_count"`
}

func (wireResponse *ollamaChatResponse) toResponse() *Response {
	return &Response{
		Text:       wireResponse.Message.Content,
		StopReason: mapOllamaDoneReason(wireResponse.DoneReason),
		Model:      wireResponse.Model,
		Usage: Usage{
			InputTokens:  wireResponse.PromptEvalCount,
			OutputTokens: wireResponse.EvalCount,
		},
	}
}

func mapOllamaDoneReason(reason string) StopReason {
	switch reason {
	case "stop", "":
		return StopReasonEndTurn
	case "length":
		return StopReasonMaxTokens
	default:
		return StopReason(reason)
	}
}

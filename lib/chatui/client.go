// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/convo"
	"github.com/loreworks/lore/lib/llm"
	"github.com/loreworks/lore/lib/retrieval"
)

// APIError is a non-2xx response from the conversation service.
// Retryable mirrors the service's own judgment: true for transient
// failures, false where the caller has to change something first.
type APIError struct {
	Status    int
	Message   string
	Retryable bool
}

func (err *APIError) Error() string {
	return fmt.Sprintf("service returned %d: %s", err.Status, err.Message)
}

// Client talks to the conversation service's HTTP API on behalf of
// one user. Safe for concurrent use.
type Client struct {
	baseURL    string
	user       string
	httpClient *http.Client
}

// ClientConfig configures a service client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. "http://127.0.0.1:7700".
	BaseURL string

	// User is sent as the X-Lore-User header on every request.
	// Empty means the service's default user.
	User string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewClient returns a client for the conversation service.
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		user:       config.User,
		httpClient: httpClient,
	}
}

func (client *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if client.user != "" {
		request.Header.Set("X-Lore-User", client.user)
	}
	return request, nil
}

// doJSON runs a request and decodes the JSON response into out (which
// may be nil for responses without a useful body). Non-2xx responses
// come back as [APIError].
func (client *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	request, err := client.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeAPIError(response)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeAPIError(response *http.Response) error {
	apiError := &APIError{Status: response.StatusCode}
	var body struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err == nil && body.Error != "" {
		apiError.Message = body.Error
		apiError.Retryable = body.Retryable
	} else {
		apiError.Message = http.StatusText(response.StatusCode)
	}
	return apiError
}

// Health is the service's self-report: overall status, build
// version, database reachability, and catalog size.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Models   int    `json:"models"`
}

// Health fetches the service health report. A degraded service
// answers 503, which surfaces as an *APIError.
func (client *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := client.doJSON(ctx, "GET", "/api/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Models lists the models the service considers usable for this user.
func (client *Client) Models(ctx context.Context) ([]catalog.ModelStatus, error) {
	var response struct {
		Models []catalog.ModelStatus `json:"models"`
	}
	if err := client.doJSON(ctx, "GET", "/api/models", nil, &response); err != nil {
		return nil, err
	}
	return response.Models, nil
}

// Conversations lists the user's conversations, most recently updated
// first.
func (client *Client) Conversations(ctx context.Context) ([]convo.Conversation, error) {
	var response struct {
		Conversations []convo.Conversation `json:"conversations"`
	}
	if err := client.doJSON(ctx, "GET", "/api/conversations", nil, &response); err != nil {
		return nil, err
	}
	return response.Conversations, nil
}

// Conversation fetches one conversation with its recent messages.
func (client *Client) Conversation(ctx context.Context, conversationID string) (*convo.ConversationDetail, error) {
	var detail convo.ConversationDetail
	path := "/api/conversations/" + url.PathEscape(conversationID)
	if err := client.doJSON(ctx, "GET", path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// CreateConversation creates an empty conversation.
func (client *Client) CreateConversation(ctx context.Context, title, modelID string) (*convo.Conversation, error) {
	var conversation convo.Conversation
	body := map[string]string{"title": title, "model": modelID}
	if err := client.doJSON(ctx, "POST", "/api/conversations", body, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

// DeleteConversation removes a conversation and everything under it.
func (client *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID)
	return client.doJSON(ctx, "DELETE", path, nil, nil)
}

// Search previews retrieval for a query against a model's embedding
// space, without generating anything.
func (client *Client) Search(ctx context.Context, query, modelID string) (*retrieval.Result, error) {
	values := url.Values{"q": {query}, "model": {modelID}}
	var result retrieval.Result
	if err := client.doJSON(ctx, "GET", "/api/search?"+values.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StreamEventType discriminates the events a message stream yields.
type StreamEventType string

const (
	StreamEventToken   StreamEventType = "token"
	StreamEventWarning StreamEventType = "warning"
	StreamEventFinal   StreamEventType = "final"
)

// StreamEvent is one event from the message endpoint.
type StreamEvent struct {
	Type StreamEventType

	// Token and TokenCount are set for token events.
	Token      string
	TokenCount int

	// Warning is set for warning events.
	Warning convo.Warning

	// Final is set for the terminating final event.
	Final *convo.TurnResult
}

// TurnFailedError is a turn that failed after streaming began: the
// service reported it through a terminal error event rather than an
// HTTP status.
type TurnFailedError struct {
	Message   string
	Retryable bool
}

func (err *TurnFailedError) Error() string {
	return err.Message
}

// MessageStream delivers one turn's events. Close releases the
// response body; cancelling the request context cancels the
// generation (the service keeps the partial reply).
type MessageStream struct {
	body    io.ReadCloser
	scanner *llm.SSEScanner
}

// PostMessage submits a user message to an existing conversation
// (CreateConversation first for a new one). modelID may be empty to
// use the conversation's model. Validation failures surface as
// [APIError] before any stream exists.
func (client *Client) PostMessage(ctx context.Context, conversationID, text, modelID string) (*MessageStream, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	body := map[string]string{"text": text, "model": modelID}
	request, err := client.newRequest(ctx, "POST", path, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, decodeAPIError(response)
	}
	return &MessageStream{
		body:    response.Body,
		scanner: llm.NewSSEScanner(response.Body),
	}, nil
}

// Next returns the next event. io.EOF follows the final event; a
// [TurnFailedError] reports a turn the service abandoned mid-stream.
func (stream *MessageStream) Next() (StreamEvent, error) {
	for stream.scanner.Next() {
		event := stream.scanner.Event()
		switch event.Type {
		case "token":
			var payload struct {
				Token      string `json:"token"`
				TokenCount int    `json:"tokenCount"`
			}
			if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
				return StreamEvent{}, fmt.Errorf("decoding token event: %w", err)
			}
			return StreamEvent{
				Type:       StreamEventToken,
				Token:      payload.Token,
				TokenCount: payload.TokenCount,
			}, nil

		case "warning":
			var payload struct {
				Warning convo.Warning `json:"warning"`
			}
			if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
				return StreamEvent{}, fmt.Errorf("decoding warning event: %w", err)
			}
			return StreamEvent{Type: StreamEventWarning, Warning: payload.Warning}, nil

		case "final":
			var result convo.TurnResult
			if err := json.Unmarshal([]byte(event.Data), &result); err != nil {
				return StreamEvent{}, fmt.Errorf("decoding final event: %w", err)
			}
			return StreamEvent{Type: StreamEventFinal, Final: &result}, nil

		case "error":
			var payload struct {
				Error     string `json:"error"`
				Retryable bool   `json:"retryable"`
			}
			if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
				return StreamEvent{}, fmt.Errorf("decoding error event: %w", err)
			}
			return StreamEvent{}, &TurnFailedError{
				Message:   payload.Error,
				Retryable: payload.Retryable,
			}

		default:
			// Ignore unknown event types so the protocol can grow.
		}
	}
	if err := stream.scanner.Err(); err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{}, io.EOF
}

// Close releases the stream. Safe to call more than once.
func (stream *MessageStream) Close() error {
	return stream.body.Close()
}

// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loreworks/lore/lib/catalog"
	"github.com/loreworks/lore/lib/convo"
	"github.com/loreworks/lore/lib/corpus"
	"github.com/loreworks/lore/lib/retrieval"
	"github.com/loreworks/lore/lib/sqlitepool"
	"github.com/loreworks/lore/lib/version"
)

// defaultUser is assumed when a request carries no X-Lore-User header.
const defaultUser = "local"

// Server adapts HTTP requests onto the conversation service. The
// message endpoint streams turn events back as server-sent events;
// everything else is plain JSON.
type Server struct {
	conversations *convo.Service
	models        *catalog.Orchestrator
	search        *retrieval.Engine
	corpus        *corpus.Store
	pool          *sqlitepool.Pool
	logger        *slog.Logger
}

// ServerConfig wires the API onto the running pipeline.
type ServerConfig struct {
	Conversations *convo.Service
	Models        *catalog.Orchestrator
	Search        *retrieval.Engine
	Corpus        *corpus.Store

	// Pool is only pinged by the health endpoint.
	Pool *sqlitepool.Pool

	Logger *slog.Logger
}

// NewServer returns the API server.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		conversations: config.Conversations,
		models:        config.Models,
		search:        config.Search,
		corpus:        config.Corpus,
		pool:          config.Pool,
		logger:        logger,
	}
}

// Handler returns the route table.
func (server *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", server.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations", server.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", server.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", server.handleDeleteConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", server.handlePostMessage)
	mux.HandleFunc("GET /api/models", server.handleModels)
	mux.HandleFunc("GET /api/search", server.handleSearch)
	mux.HandleFunc("GET /api/corpus/status", server.handleCorpusStatus)
	mux.HandleFunc("GET /api/health", server.handleHealth)
	return mux
}

// userID resolves the caller's identity. There is no authentication
// layer; the header scopes conversations and credentials per user on
// a trusted-local deployment.
func userID(request *http.Request) string {
	if user := strings.TrimSpace(request.Header.Get("X-Lore-User")); user != "" {
		return user
	}
	return defaultUser
}

func (server *Server) handleCreateConversation(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Title string `json:"title"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, fmt.Sprintf("decoding request body: %v", err))
		return
	}

	conversation, err := server.conversations.CreateConversation(
		request.Context(), userID(request), body.Title, body.Model)
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	writeJSON(writer, http.StatusCreated, conversation)
}

func (server *Server) handleListConversations(writer http.ResponseWriter, request *http.Request) {
	conversations, err := server.conversations.ListConversations(request.Context(), userID(request))
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	if conversations == nil {
		conversations = []convo.Conversation{}
	}
	writeJSON(writer, http.StatusOK, struct {
		Conversations []convo.Conversation `json:"conversations"`
	}{conversations})
}

func (server *Server) handleGetConversation(writer http.ResponseWriter, request *http.Request) {
	detail, err := server.conversations.GetConversation(
		request.Context(), userID(request), request.PathValue("id"))
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, detail)
}

func (server *Server) handleDeleteConversation(writer http.ResponseWriter, request *http.Request) {
	err := server.conversations.DeleteConversation(
		request.Context(), userID(request), request.PathValue("id"))
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// handlePostMessage runs one turn. Validation errors surface as JSON
// with a mapped status; once the first token is due the response
// switches to text/event-stream and any later failure arrives as a
// terminal error event instead.
func (server *Server) handlePostMessage(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, fmt.Sprintf("decoding request body: %v", err))
		return
	}

	stream, err := server.conversations.PostMessage(request.Context(), convo.PostMessageRequest{
		ConversationID: request.PathValue("id"),
		UserID:         userID(request),
		Text:           body.Text,
		ModelID:        body.Model,
	})
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	defer stream.Close()

	flusher, ok := writer.(http.Flusher)
	if !ok {
		writeError(writer, http.StatusInternalServerError, "response writer does not support streaming")
		return
	}
	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		event, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Status and headers are already on the wire. Client
			// disconnects land here too once the context unwinds;
			// writing to a dead connection is harmless.
			sendEvent(writer, flusher, "error", errorResponse{
				Error:     err.Error(),
				Retryable: convo.Retryable(err),
			})
			return
		}
		switch event.Type {
		case convo.TurnEventToken:
			sendEvent(writer, flusher, "token", struct {
				Token      string `json:"token"`
				TokenCount int    `json:"tokenCount"`
			}{event.Token, event.TokenCount})
		case convo.TurnEventWarning:
			sendEvent(writer, flusher, "warning", struct {
				Warning convo.Warning `json:"warning"`
			}{event.Warning})
		case convo.TurnEventFinal:
			sendEvent(writer, flusher, "final", event.Final)
		}
	}
}

func (server *Server) handleModels(writer http.ResponseWriter, request *http.Request) {
	models, err := server.models.ListUsableModels(request.Context(), userID(request))
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	if models == nil {
		models = []catalog.ModelStatus{}
	}
	writeJSON(writer, http.StatusOK, struct {
		Models []catalog.ModelStatus `json:"models"`
	}{models})
}

// handleSearch previews retrieval for a query without generating
// anything: the same scoring a turn would use, exposed for corpus
// debugging and the TUI's search view.
func (server *Server) handleSearch(writer http.ResponseWriter, request *http.Request) {
	query := strings.TrimSpace(request.URL.Query().Get("q"))
	if query == "" {
		writeError(writer, http.StatusBadRequest, "missing q parameter")
		return
	}
	modelID := request.URL.Query().Get("model")
	if modelID == "" {
		writeError(writer, http.StatusBadRequest, "missing model parameter")
		return
	}

	resolution, err := server.models.Resolve(request.Context(), userID(request), modelID)
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	result, err := server.search.Retrieve(request.Context(), retrieval.Query{
		Text:     query,
		Provider: resolution.Config.Provider,
		Gateway:  resolution.Gateway,
	})
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	if result.Contexts == nil {
		result.Contexts = []retrieval.Context{}
	}
	writeJSON(writer, http.StatusOK, result)
}

func (server *Server) handleCorpusStatus(writer http.ResponseWriter, request *http.Request) {
	stats, err := server.corpus.Stats(request.Context())
	if err != nil {
		server.writeServiceError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, stats)
}

func (server *Server) handleHealth(writer http.ResponseWriter, request *http.Request) {
	health := struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Database string `json:"database"`
		Models   int    `json:"models"`
	}{Status: "ok", Version: version.Info(), Database: "ok"}
	status := http.StatusOK

	if err := server.pingDatabase(request.Context()); err != nil {
		health.Status = "degraded"
		health.Database = err.Error()
		status = http.StatusServiceUnavailable
	}

	models, err := server.models.ListModels(request.Context(), defaultUser)
	if err != nil {
		health.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		health.Models = len(models)
	}

	writeJSON(writer, status, health)
}

func (server *Server) pingDatabase(ctx context.Context) error {
	conn, err := server.pool.Take(ctx)
	if err != nil {
		return err
	}
	server.pool.Put(conn)
	return nil
}

// errorResponse is the JSON body of every non-2xx response and of the
// terminal SSE error event. Retryable tells clients whether backing
// off and resubmitting could succeed.
type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeServiceError maps conversation-service sentinels onto HTTP
// statuses. Anything unrecognized is an internal error and gets
// logged; the sentinels are the caller's fault and do not.
func (server *Server) writeServiceError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, convo.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, convo.ErrUnknownConversation):
		status = http.StatusNotFound
	case errors.Is(err, convo.ErrModelUnavailable):
		status = http.StatusConflict
	case errors.Is(err, convo.ErrConversationBusy):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		server.logger.Error("request failed", "error", err)
	}
	writeJSON(writer, status, errorResponse{Error: err.Error(), Retryable: convo.Retryable(err)})
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, errorResponse{Error: message})
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(payload)
}

// sendEvent writes one server-sent event and flushes so each token
// reaches the client as the model produces it.
func sendEvent(writer http.ResponseWriter, flusher http.Flusher, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", name, data)
	flusher.Flush()
}

// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package convo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loreworks/lore/lib/clock"
	"github.com/loreworks/lore/lib/llm"
	"github.com/loreworks/lore/lib/sqlitepool"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	model_id   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS conversations_user ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
	text            TEXT NOT NULL CHECK (length(text) > 0),
	model_id        TEXT NOT NULL DEFAULT '',
	tokens          INTEGER NOT NULL DEFAULT 0,
	incomplete      INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	UNIQUE (conversation_id, seq),
	CHECK (role != 'assistant' OR length(model_id) > 0)
);

CREATE TABLE IF NOT EXISTS summaries (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	text            TEXT NOT NULL,
	message_count   INTEGER NOT NULL CHECK (message_count >= 2),
	tokens          INTEGER NOT NULL,
	tokens_saved    INTEGER NOT NULL,
	model_id        TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1,
	created_at      INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS summaries_one_active
	ON summaries(conversation_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS knowledge_contexts (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	entry_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	score      REAL NOT NULL,
	rank       INTEGER NOT NULL,
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS knowledge_contexts_message ON knowledge_contexts(message_id);
CREATE INDEX IF NOT EXISTS knowledge_contexts_age ON knowledge_contexts(created_at);
`

// Store persists conversations, their messages, summaries, and the
// knowledge contexts attached to assistant messages. Safe for
// concurrent use.
type Store struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
}

// OpenStore creates the schema if needed. The pool is shared with the
// other stores and not closed by this one.
func OpenStore(ctx context.Context, pool *sqlitepool.Pool, ticker clock.Clock) (*Store, error) {
	if ticker == nil {
		ticker = clock.Real()
	}
	store := &Store{pool: pool, clock: ticker}

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, storeSchema, nil); err != nil {
		return nil, fmt.Errorf("convo store: creating schema: %w", err)
	}
	return store, nil
}

// CreateConversation inserts a new conversation. Title and modelID
// may be empty.
func (store *Store) CreateConversation(ctx context.Context, userID, title, modelID string) (*Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("convo store: create: user id is empty")
	}

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: create: %w", err)
	}
	defer store.pool.Put(conn)

	conversation := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		ModelID:   modelID,
		CreatedAt: store.clock.Now().UnixMilli(),
	}
	conversation.UpdatedAt = conversation.CreatedAt

	err = sqlitex.Execute(conn, `INSERT INTO conversations
		(id, user_id, title, model_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			conversation.ID,
			conversation.UserID,
			conversation.Title,
			conversation.ModelID,
			conversation.CreatedAt,
			conversation.UpdatedAt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: create: %w", err)
	}
	return &conversation, nil
}

// GetConversation returns one conversation, or ErrUnknownConversation.
func (store *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: get: %w", err)
	}
	defer store.pool.Put(conn)

	return getConversation(conn, id)
}

func getConversation(conn *sqlite.Conn, id string) (*Conversation, error) {
	var conversation *Conversation
	err := sqlitex.Execute(conn, `SELECT id, user_id, title, model_id, created_at, updated_at
		FROM conversations WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned := scanConversation(stmt)
			conversation = &scanned
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: get %s: %w", id, err)
	}
	if conversation == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return conversation, nil
}

// ListConversations returns the user's conversations, most recently
// updated first.
func (store *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: list: %w", err)
	}
	defer store.pool.Put(conn)

	var conversations []Conversation
	err = sqlitex.Execute(conn, `SELECT id, user_id, title, model_id, created_at, updated_at
		FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id`, &sqlitex.ExecOptions{
		Args: []any{userID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			conversations = append(conversations, scanConversation(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: list: %w", err)
	}
	return conversations, nil
}

// DeleteConversation removes a conversation; messages, summaries, and
// knowledge contexts cascade away with it.
func (store *Store) DeleteConversation(ctx context.Context, id string) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("convo store: delete: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM conversations WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	})
	if err != nil {
		return fmt.Errorf("convo store: delete %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return nil
}

// Messages returns every message of a conversation in creation order.
func (store *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: messages: %w", err)
	}
	defer store.pool.Put(conn)

	var messages []Message
	err = sqlitex.Execute(conn, `SELECT id, conversation_id, seq, role, text, model_id,
		tokens, incomplete, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{conversationID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			messages = append(messages, scanMessage(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: messages %s: %w", conversationID, err)
	}
	return messages, nil
}

// RecentMessages returns the last limit messages of a conversation in
// creation order.
func (store *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: recent messages: %w", err)
	}
	defer store.pool.Put(conn)

	var messages []Message
	err = sqlitex.Execute(conn, `SELECT id, conversation_id, seq, role, text, model_id,
		tokens, incomplete, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{conversationID, limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			messages = append(messages, scanMessage(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: recent messages %s: %w", conversationID, err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ActiveSummary returns the conversation's active summary, or nil
// when none exists.
func (store *Store) ActiveSummary(ctx context.Context, conversationID string) (*Summary, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: active summary: %w", err)
	}
	defer store.pool.Put(conn)

	var summary *Summary
	err = sqlitex.Execute(conn, `SELECT id, conversation_id, text, message_count, tokens,
		tokens_saved, model_id, active, created_at
		FROM summaries WHERE conversation_id = ? AND active = 1`, &sqlitex.ExecOptions{
		Args: []any{conversationID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned := scanSummary(stmt)
			summary = &scanned
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: active summary %s: %w", conversationID, err)
	}
	return summary, nil
}

// Contexts returns the knowledge contexts persisted for a message,
// best rank first.
func (store *Store) Contexts(ctx context.Context, messageID string) ([]KnowledgeContext, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: contexts: %w", err)
	}
	defer store.pool.Put(conn)

	var contexts []KnowledgeContext
	err = sqlitex.Execute(conn, `SELECT id, message_id, entry_id, title, score, rank, text, created_at
		FROM knowledge_contexts WHERE message_id = ? ORDER BY rank`, &sqlitex.ExecOptions{
		Args: []any{messageID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			contexts = append(contexts, scanContext(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: contexts %s: %w", messageID, err)
	}
	return contexts, nil
}

// PruneContexts deletes knowledge contexts created before the cutoff
// and returns how many were removed. They are audit data regenerable
// from the corpus, so expiry loses nothing durable.
func (store *Store) PruneContexts(ctx context.Context, before time.Time) (int, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("convo store: prune contexts: %w", err)
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM knowledge_contexts WHERE created_at < ?", &sqlitex.ExecOptions{
		Args: []any{before.UnixMilli()},
	})
	if err != nil {
		return 0, fmt.Errorf("convo store: prune contexts: %w", err)
	}
	return conn.Changes(), nil
}

// MessageDraft is a message as the turn pipeline hands it to
// CommitTurn, before the store assigns identity and order.
type MessageDraft struct {
	Role       llm.Role
	Text       string
	ModelID    string
	Tokens     int
	Incomplete bool
}

// ContextDraft is one knowledge context to persist with the turn's
// assistant message.
type ContextDraft struct {
	EntryID string
	Title   string
	Score   float64
	Rank    int
	Text    string
}

// SummaryDraft is a freshly generated summary to persist with the
// turn, superseding the conversation's active one.
type SummaryDraft struct {
	Text         string
	MessageCount int
	Tokens       int
	TokensSaved  int
	ModelID      string
}

// TurnCommit is everything one turn persists.
type TurnCommit struct {
	// ConversationID names the conversation; it must exist.
	ConversationID string

	// ModelID becomes the conversation's selected model.
	ModelID string

	// Title fills the conversation title when it is still empty. An
	// empty Title leaves the stored title alone.
	Title string

	// User is the user message, required.
	User MessageDraft

	// Assistant is the generated reply. Nil when generation was
	// cancelled before any text arrived; the user message still
	// persists so the conversation keeps what the user typed.
	Assistant *MessageDraft

	// Contexts are the knowledge contexts that grounded Assistant.
	Contexts []ContextDraft

	// Summary, when non-nil, supersedes the conversation's active
	// summary.
	Summary *SummaryDraft
}

// Turn is a committed TurnCommit with identities and timestamps
// assigned.
type Turn struct {
	Conversation Conversation
	User         Message
	Assistant    *Message
	Contexts     []KnowledgeContext
	Summary      *Summary
}

func (commit *TurnCommit) validate() error {
	if commit.ConversationID == "" {
		return fmt.Errorf("conversation id is empty")
	}
	if commit.ModelID == "" {
		return fmt.Errorf("model id is empty")
	}
	if commit.User.Role != llm.RoleUser || commit.User.Text == "" {
		return fmt.Errorf("user message is invalid")
	}
	if commit.Assistant != nil {
		if commit.Assistant.Role != llm.RoleAssistant || commit.Assistant.Text == "" {
			return fmt.Errorf("assistant message is invalid")
		}
		if commit.Assistant.ModelID == "" {
			return fmt.Errorf("assistant message names no model")
		}
	}
	if commit.Assistant == nil && len(commit.Contexts) > 0 {
		return fmt.Errorf("contexts without an assistant message")
	}
	if commit.Summary != nil && commit.Summary.MessageCount < 2 {
		return fmt.Errorf("summary covers fewer than 2 messages")
	}
	return nil
}

// CommitTurn persists one turn atomically: both messages, the
// assistant's knowledge contexts, the superseding summary when one
// was generated, and the conversation's model selection and update
// time. Either everything lands or nothing does.
func (store *Store) CommitTurn(ctx context.Context, commit TurnCommit) (*Turn, error) {
	if err := commit.validate(); err != nil {
		return nil, fmt.Errorf("convo store: commit: %w", err)
	}

	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("convo store: commit: %w", err)
	}
	defer store.pool.Put(conn)

	return store.commitTurn(conn, commit)
}

func (store *Store) commitTurn(conn *sqlite.Conn, commit TurnCommit) (turn *Turn, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("convo store: commit: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := store.clock.Now().UnixMilli()

	err = sqlitex.Execute(conn, `UPDATE conversations SET
			model_id = ?,
			title = CASE WHEN title = '' AND ? != '' THEN ? ELSE title END,
			updated_at = ?
		WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{commit.ModelID, commit.Title, commit.Title, now, commit.ConversationID},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: commit: updating conversation: %w", err)
	}
	if conn.Changes() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, commit.ConversationID)
	}

	var lastSeq int64
	err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?", &sqlitex.ExecOptions{
		Args: []any{commit.ConversationID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			lastSeq = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convo store: commit: reading sequence: %w", err)
	}

	turn = &Turn{}
	turn.User, err = insertMessage(conn, commit.ConversationID, lastSeq+1, commit.User, now)
	if err != nil {
		return nil, err
	}

	if commit.Assistant != nil {
		var assistant Message
		assistant, err = insertMessage(conn, commit.ConversationID, lastSeq+2, *commit.Assistant, now)
		if err != nil {
			return nil, err
		}
		turn.Assistant = &assistant

		for _, draft := range commit.Contexts {
			persisted := KnowledgeContext{
				ID:        uuid.NewString(),
				MessageID: assistant.ID,
				EntryID:   draft.EntryID,
				Title:     draft.Title,
				Score:     draft.Score,
				Rank:      draft.Rank,
				Text:      draft.Text,
				CreatedAt: now,
			}
			err = sqlitex.Execute(conn, `INSERT INTO knowledge_contexts
				(id, message_id, entry_id, title, score, rank, text, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{
					persisted.ID,
					persisted.MessageID,
					persisted.EntryID,
					persisted.Title,
					persisted.Score,
					persisted.Rank,
					persisted.Text,
					persisted.CreatedAt,
				},
			})
			if err != nil {
				return nil, fmt.Errorf("convo store: commit: inserting context: %w", err)
			}
			turn.Contexts = append(turn.Contexts, persisted)
		}
	}

	if commit.Summary != nil {
		err = sqlitex.Execute(conn, "UPDATE summaries SET active = 0 WHERE conversation_id = ? AND active = 1", &sqlitex.ExecOptions{
			Args: []any{commit.ConversationID},
		})
		if err != nil {
			return nil, fmt.Errorf("convo store: commit: deactivating summary: %w", err)
		}

		summary := Summary{
			ID:             uuid.NewString(),
			ConversationID: commit.ConversationID,
			Text:           commit.Summary.Text,
			MessageCount:   commit.Summary.MessageCount,
			Tokens:         commit.Summary.Tokens,
			TokensSaved:    commit.Summary.TokensSaved,
			ModelID:        commit.Summary.ModelID,
			Active:         true,
			CreatedAt:      now,
		}
		err = sqlitex.Execute(conn, `INSERT INTO summaries
			(id, conversation_id, text, message_count, tokens, tokens_saved, model_id, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				summary.ID,
				summary.ConversationID,
				summary.Text,
				summary.MessageCount,
				summary.Tokens,
				summary.TokensSaved,
				summary.ModelID,
				summary.CreatedAt,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("convo store: commit: inserting summary: %w", err)
		}
		turn.Summary = &summary
	}

	conversation, err := getConversation(conn, commit.ConversationID)
	if err != nil {
		return nil, err
	}
	turn.Conversation = *conversation
	return turn, nil
}

func insertMessage(conn *sqlite.Conn, conversationID string, seq int64, draft MessageDraft, now int64) (Message, error) {
	message := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Seq:            seq,
		Role:           draft.Role,
		Text:           draft.Text,
		ModelID:        draft.ModelID,
		Tokens:         draft.Tokens,
		Incomplete:     draft.Incomplete,
		CreatedAt:      now,
	}

	err := sqlitex.Execute(conn, `INSERT INTO messages
		(id, conversation_id, seq, role, text, model_id, tokens, incomplete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			message.ID,
			message.ConversationID,
			message.Seq,
			string(message.Role),
			message.Text,
			message.ModelID,
			message.Tokens,
			boolToInt(message.Incomplete),
			message.CreatedAt,
		},
	})
	if err != nil {
		return Message{}, fmt.Errorf("convo store: commit: inserting %s message: %w", draft.Role, err)
	}
	return message, nil
}

func scanConversation(stmt *sqlite.Stmt) Conversation {
	return Conversation{
		ID:        stmt.ColumnText(0),
		UserID:    stmt.ColumnText(1),
		Title:     stmt.ColumnText(2),
		ModelID:   stmt.ColumnText(3),
		CreatedAt: stmt.ColumnInt64(4),
		UpdatedAt: stmt.ColumnInt64(5),
	}
}

func scanMessage(stmt *sqlite.Stmt) Message {
	return Message{
		ID:             stmt.ColumnText(0),
		ConversationID: stmt.ColumnText(1),
		Seq:            stmt.ColumnInt64(2),
		Role:           llm.Role(stmt.ColumnText(3)),
		Text:           stmt.ColumnText(4),
		ModelID:        stmt.ColumnText(5),
		Tokens:         stmt.ColumnInt(6),
		Incomplete:     stmt.ColumnInt(7) != 0,
		CreatedAt:      stmt.ColumnInt64(8),
	}
}

func scanSummary(stmt *sqlite.Stmt) Summary {
	return Summary{
		ID:             stmt.ColumnText(0),
		ConversationID: stmt.ColumnText(1),
		Text:           stmt.ColumnText(2),
		MessageCount:   stmt.ColumnInt(3),
		Tokens:         stmt.ColumnInt(4),
		TokensSaved:    stmt.ColumnInt(5),
		ModelID:        stmt.ColumnText(6),
		Active:         stmt.ColumnInt(7) != 0,
		CreatedAt:      stmt.ColumnInt64(8),
	}
}

func scanContext(stmt *sqlite.Stmt) KnowledgeContext {
	return KnowledgeContext{
		ID:        stmt.ColumnText(0),
		MessageID: stmt.ColumnText(1),
		EntryID:   stmt.ColumnText(2),
		Title:     stmt.ColumnText(3),
		Score:     stmt.ColumnFloat(4),
		Rank:      stmt.ColumnInt(5),
		Text:      stmt.ColumnText(6),
		CreatedAt: stmt.ColumnInt64(7),
	}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

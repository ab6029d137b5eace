package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mlx93/TribalKnowledge/internal/llm"
)

// DefaultMaxContextAge is how long a thread context survives since its last
// update before CleanupOldContexts evicts it.
const DefaultMaxContextAge = 24 * time.Hour

// DefaultMaxMessagesForLLM is the default trailing-window size fed to the
// model by GetMessagesForLLM.
const DefaultMaxMessagesForLLM = 20

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Message is one turn of a thread's conversation, as durably stored.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     string          `json:"user_id,omitempty"`
	ToolCalls  []llm.ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ThreadContext is the durable conversation log for one (channel, thread)
// pair.
type ThreadContext struct {
	ChannelID string
	ThreadTS  string
	UserID    string
	Messages  []Message
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func threadKey(channelID, threadTS string) string {
	return channelID + ":" + threadTS
}

// ThreadContextStore is the durable, TTL-evicted conversation log keyed by
// (channel_id, thread_ts). All reads and writes are serialized behind a
// single store-wide mutex: contention is expected to be low (one Slack
// workspace, few concurrent threads), and a read-modify-write such as
// AppendMessage cannot interleave with another write to the same row.
type ThreadContextStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewThreadContextStore wraps an already-migrated database handle.
func NewThreadContextStore(db *sql.DB) *ThreadContextStore {
	return &ThreadContextStore{db: db}
}

// GetOrCreate returns the existing context for (channelID, threadTS), or
// creates and persists an empty one.
func (s *ThreadContextStore) GetOrCreate(ctx context.Context, channelID, threadTS, userID string) (*ThreadContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc, err := s.get(ctx, channelID, threadTS)
	if err == nil {
		return tc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	tc = &ThreadContext{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		UserID:    userID,
		Messages:  nil,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// Get returns the context for (channelID, threadTS), or ErrNotFound.
func (s *ThreadContextStore) Get(ctx context.Context, channelID, threadTS string) (*ThreadContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, channelID, threadTS)
}

func (s *ThreadContextStore) get(ctx context.Context, channelID, threadTS string) (*ThreadContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_id, thread_ts, user_id, messages, metadata, created_at, updated_at
		FROM thread_contexts WHERE thread_key = ?`, threadKey(channelID, threadTS))

	var tc ThreadContext
	var userID sql.NullString
	var messagesJSON, metadataJSON string
	if err := row.Scan(&tc.ChannelID, &tc.ThreadTS, &userID, &messagesJSON, &metadataJSON, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get thread context: %w", err)
	}
	tc.UserID = userID.String
	if err := json.Unmarshal([]byte(messagesJSON), &tc.Messages); err != nil {
		return nil, fmt.Errorf("store: decode messages: %w", err)
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &tc.Metadata); err != nil {
			return nil, fmt.Errorf("store: decode metadata: %w", err)
		}
	}
	return &tc, nil
}

// Save upserts a thread context by its (channel_id, thread_ts) identity.
func (s *ThreadContextStore) Save(ctx context.Context, tc *ThreadContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, tc)
}

func (s *ThreadContextStore) save(ctx context.Context, tc *ThreadContext) error {
	messagesJSON, err := json.Marshal(tc.Messages)
	if err != nil {
		return fmt.Errorf("store: encode messages: %w", err)
	}
	metadataJSON, err := json.Marshal(tc.Metadata)
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	tc.UpdatedAt = time.Now()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = tc.UpdatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_contexts (thread_key, channel_id, thread_ts, user_id, messages, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_key) DO UPDATE SET
			user_id = excluded.user_id,
			messages = excluded.messages,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, threadKey(tc.ChannelID, tc.ThreadTS), tc.ChannelID, tc.ThreadTS, nullString(tc.UserID), messagesJSON, metadataJSON, tc.CreatedAt, tc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: save thread context: %w", err)
	}
	return nil
}

// AppendMessage loads, appends, and persists a single message in one
// serialized step.
func (s *ThreadContextStore) AppendMessage(ctx context.Context, channelID, threadTS string, msg Message) (*ThreadContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc, err := s.get(ctx, channelID, threadTS)
	if errors.Is(err, ErrNotFound) {
		now := time.Now()
		tc = &ThreadContext{ChannelID: channelID, ThreadTS: threadTS, Metadata: map[string]string{}, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}
	tc.Messages = append(tc.Messages, msg)
	if err := s.save(ctx, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// Delete removes a thread context entirely.
func (s *ThreadContextStore) Delete(ctx context.Context, channelID, threadTS string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_contexts WHERE thread_key = ?`, threadKey(channelID, threadTS))
	if err != nil {
		return fmt.Errorf("store: delete thread context: %w", err)
	}
	return nil
}

// CleanupOldContexts deletes every context whose updated_at is older than
// maxAge, returning the number of rows removed.
func (s *ThreadContextStore) CleanupOldContexts(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxContextAge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM thread_contexts WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup thread contexts: %w", err)
	}
	return res.RowsAffected()
}

// ThreadContextStats summarizes store-wide state for diagnostics.
type ThreadContextStats struct {
	TotalContexts   int64
	TotalMessages   int64
	OldestUpdatedAt time.Time
	NewestUpdatedAt time.Time
}

// GetStats reports aggregate counts across all stored contexts.
func (s *ThreadContextStore) GetStats(ctx context.Context) (*ThreadContextStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats ThreadContextStats
	var oldest, newest sql.NullTime
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(updated_at), MAX(updated_at) FROM thread_contexts`)
	if err := row.Scan(&stats.TotalContexts, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestUpdatedAt = oldest.Time
	}
	if newest.Valid {
		stats.NewestUpdatedAt = newest.Time
	}

	rows, err := s.db.QueryContext(ctx, `SELECT messages FROM thread_contexts`)
	if err != nil {
		return nil, fmt.Errorf("store: stats messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messagesJSON string
		if err := rows.Scan(&messagesJSON); err != nil {
			return nil, fmt.Errorf("store: stats scan: %w", err)
		}
		var msgs []Message
		if err := json.Unmarshal([]byte(messagesJSON), &msgs); err == nil {
			stats.TotalMessages += int64(len(msgs))
		}
	}
	return &stats, rows.Err()
}

// GetMessagesForLLM returns the trailing window of at most maxMessages
// messages, converted to the llm package's wire shape. The window never
// starts mid tool-call/tool-result pair: if a naive tail cut would open on a
// "tool" message, the window is grown backward to include the assistant
// turn that issued the call.
func GetMessagesForLLM(tc *ThreadContext, maxMessages int) []llm.Message {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessagesForLLM
	}
	msgs := tc.Messages
	start := 0
	if len(msgs) > maxMessages {
		start = len(msgs) - maxMessages
	}
	for start > 0 && msgs[start].Role == llm.RoleTool {
		start--
	}

	out := make([]llm.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

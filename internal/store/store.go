// Package store is the PostgreSQL persistence layer: conversations,
// messages, uploads, background tasks, and the per-email demo quota
// counter. The quota counter is the single source of truth for demo
// usage; clients only ever cache figures the server handed them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezzyhealth/rezzy/internal/log"
)

var (
	// ErrNotFound covers both missing rows and rows owned by someone
	// else: ownership failures must be indistinguishable from absence.
	ErrNotFound = errors.New("store: not found")

	// ErrQuotaExhausted means the atomic quota consume found no headroom.
	ErrQuotaExhausted = errors.New("store: demo quota exhausted")
)

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ID             uuid.UUID
	UserID         string
	Title          string
	LastResponseID string // upstream continuation id of the latest turn
	Metadata       ConversationMetadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConversationMetadata rides alongside the continuation id: the files
// attached to the thread and the model that produced the latest turn.
type ConversationMetadata struct {
	FileIDs []string `json:"fileIds,omitempty"`
	Model   string   `json:"model,omitempty"`
}

// Message is one persisted turn. Only final content is stored; deltas
// never touch the database.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Content        string
	ResponseID     string
	Metadata       MessageMetadata
	CreatedAt      time.Time
}

// MessageMetadata captures everything the client watched stream beyond
// the text itself, so a later re-fetch of persisted truth returns the
// same turn: reasoning, executed tool calls, image previews, files.
type MessageMetadata struct {
	Reasoning     string               `json:"reasoning,omitempty"`
	Citations     []string             `json:"citations,omitempty"`
	FunctionCalls []FunctionCallRecord `json:"functionCalls,omitempty"`
	Confidence    string               `json:"confidence,omitempty"`
	Images        []string             `json:"images,omitempty"`
	FileIDs       []string             `json:"fileIds,omitempty"`
}

// FunctionCallRecord is one tool call executed during a turn.
type FunctionCallRecord struct {
	CallID    string          `json:"callId,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Upload records a file forwarded to the upstream provider.
type Upload struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	FileName       string
	MimeType       string
	SizeBytes      int64
	UpstreamFileID string
	CreatedAt      time.Time
}

// Task is a background analysis job polled via normal data refresh.
type Task struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	UserID         string
	TaskType       string
	Status         string
	Prompt         string
	Result         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Task statuses.
const (
	TaskQueued     = "queued"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Store wraps a pgx pool. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Connect opens a pool against databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string, logger log.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool, logger), nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports database reachability, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureConversation is the single idempotent entry point both the chat
// path and the upload path call: with a zero id it creates a conversation
// for the user; with an id it verifies existence and ownership. Two
// concurrent callers with a zero id create two conversations, which is
// fine; two callers with the same id always converge on one row.
func (s *Store) EnsureConversation(ctx context.Context, userID string, id uuid.UUID, title string) (*Conversation, error) {
	if id == uuid.Nil {
		return s.createConversation(ctx, userID, title)
	}

	var c Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(title, ''), COALESCE(last_response_id, ''), metadata, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.LastResponseID, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *Store) createConversation(ctx context.Context, userID, title string) (*Conversation, error) {
	var titlePtr *string
	if title != "" {
		titlePtr = &title
	}

	var c Conversation
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id, title)
		VALUES ($1, $2)
		RETURNING id, user_id, COALESCE(title, ''), COALESCE(last_response_id, ''), metadata, created_at, updated_at`,
		userID, titlePtr,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.LastResponseID, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", c.ID, "user", userID)
	return &c, nil
}

// ListConversations returns the user's conversations, most recently
// active first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, COALESCE(title, ''), COALESCE(last_response_id, ''), metadata, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.LastResponseID, &c.Metadata, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and, via cascade, its
// messages and uploads. Deleting someone else's conversation (or a
// missing one) is ErrNotFound.
func (s *Store) DeleteConversation(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecentMessages returns the most recent limit messages of the
// conversation in chronological order, for assembling upstream history.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(response_id, ''), metadata, created_at
		FROM (
			SELECT id, conversation_id, role, content, response_id, metadata, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ResponseID, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMessage persists one finalized message and bumps the
// conversation's activity timestamp.
func (s *Store) CreateMessage(ctx context.Context, conversationID uuid.UUID, role, content, responseID string, meta MessageMetadata) (*Message, error) {
	var respPtr *string
	if responseID != "" {
		respPtr = &responseID
	}

	var m Message
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, response_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, conversation_id, role, content, COALESCE(response_id, ''), metadata, created_at`,
		conversationID, role, content, respPtr, meta,
	).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ResponseID, &m.Metadata, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		s.logger.Warn("bump conversation updated_at", "error", err, "conversation", conversationID)
	}
	return &m, nil
}

// UpdateConversationTurn stores the continuation id of the latest
// completed turn, plus the thread-level metadata that goes with it,
// so the next turn can chain context without resending full history.
func (s *Store) UpdateConversationTurn(ctx context.Context, conversationID uuid.UUID, responseID string, meta ConversationMetadata) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET last_response_id = $2, metadata = $3, updated_at = now()
		WHERE id = $1`,
		conversationID, responseID, meta,
	)
	if err != nil {
		return fmt.Errorf("update continuation id: %w", err)
	}
	return nil
}

// CreateUpload records a forwarded file.
func (s *Store) CreateUpload(ctx context.Context, conversationID uuid.UUID, fileName, mimeType string, sizeBytes int64, upstreamFileID string) (*Upload, error) {
	var u Upload
	err := s.pool.QueryRow(ctx, `
		INSERT INTO uploads (conversation_id, file_name, mime_type, size_bytes, upstream_file_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, conversation_id, file_name, mime_type, size_bytes, upstream_file_id, created_at`,
		conversationID, fileName, mimeType, sizeBytes, upstreamFileID,
	).Scan(&u.ID, &u.ConversationID, &u.FileName, &u.MimeType, &u.SizeBytes, &u.UpstreamFileID, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	return &u, nil
}

// ListUploads returns a conversation's uploads, oldest first.
func (s *Store) ListUploads(ctx context.Context, conversationID uuid.UUID) ([]Upload, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, file_name, mime_type, size_bytes, upstream_file_id, created_at
		FROM uploads
		WHERE conversation_id = $1
		ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.ID, &u.ConversationID, &u.FileName, &u.MimeType, &u.SizeBytes, &u.UpstreamFileID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateTask enqueues a background analysis job in status queued.
func (s *Store) CreateTask(ctx context.Context, userID string, conversationID uuid.UUID, taskType, prompt string) (*Task, error) {
	var convPtr *uuid.UUID
	if conversationID != uuid.Nil {
		convPtr = &conversationID
	}

	var t Task
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (conversation_id, user_id, task_type, prompt)
		VALUES ($1, $2, $3, $4)
		RETURNING id, COALESCE(conversation_id, '00000000-0000-0000-0000-000000000000'::uuid),
		          user_id, task_type, status, prompt, COALESCE(result, ''), created_at, updated_at`,
		convPtr, userID, taskType, prompt,
	).Scan(&t.ID, &t.ConversationID, &t.UserID, &t.TaskType, &t.Status, &t.Prompt, &t.Result, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// GetTask fetches one task; ownership is part of the key.
func (s *Store) GetTask(ctx context.Context, userID string, id uuid.UUID) (*Task, error) {
	var t Task
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(conversation_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       user_id, task_type, status, prompt, COALESCE(result, ''), created_at, updated_at
		FROM tasks
		WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(&t.ID, &t.ConversationID, &t.UserID, &t.TaskType, &t.Status, &t.Prompt, &t.Result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns the user's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(conversation_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       user_id, task_type, status, prompt, COALESCE(result, ''), created_at, updated_at
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.UserID, &t.TaskType, &t.Status, &t.Prompt, &t.Result, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus transitions a task and optionally stores its result.
func (s *Store) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status, result string) error {
	var resPtr *string
	if result != "" {
		resPtr = &result
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, result = COALESCE($3, result), updated_at = now()
		WHERE id = $1`,
		id, status, resPtr,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

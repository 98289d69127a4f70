package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// doJSON issues an authenticated request and decodes a JSON response
// into out (out nil skips decoding).
func (o *Orchestrator) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.endpoint(path), rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: DecodeErrorResponse(resp)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (o *Orchestrator) endpoint(path string) string {
	base := o.cfg.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}

// APIError is a non-2xx relay response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %d: %s", e.StatusCode, e.Message)
}

// ListConversations returns the user's conversations, newest activity
// first. Results are cached until a send or delete invalidates them.
func (o *Orchestrator) ListConversations(ctx context.Context) ([]Conversation, error) {
	o.mu.Lock()
	if o.convFresh {
		cached := make([]Conversation, len(o.convCache))
		copy(cached, o.convCache)
		o.mu.Unlock()
		return cached, nil
	}
	o.mu.Unlock()

	var body struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := o.doJSON(ctx, http.MethodGet, "/api/v1/conversations", nil, &body); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.convCache = body.Conversations
	o.convFresh = true
	o.mu.Unlock()
	return body.Conversations, nil
}

// ListMessages returns the messages of one conversation, oldest first.
func (o *Orchestrator) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var body struct {
		Messages []Message `json:"messages"`
	}
	path := "/api/v1/conversations/" + conversationID + "/messages"
	if err := o.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// DeleteConversation removes a conversation and clears it as the active
// thread if it was.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := o.doJSON(ctx, http.MethodDelete, "/api/v1/conversations/"+conversationID, nil, nil); err != nil {
		return err
	}
	o.mu.Lock()
	o.convFresh = false
	if o.conversationID == conversationID {
		o.conversationID = ""
	}
	o.mu.Unlock()
	return nil
}

// Task mirrors the relay's task resource.
type Task struct {
	ID       string `json:"id"`
	TaskType string `json:"taskType"`
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
}

// StartBackgroundTask submits a long-running analysis and returns the
// accepted task; poll GetTask for the result.
func (o *Orchestrator) StartBackgroundTask(ctx context.Context, taskType, prompt, conversationID string) (*Task, error) {
	req := map[string]any{
		"taskType": taskType,
		"prompt":   prompt,
	}
	if conversationID != "" {
		req["conversationId"] = conversationID
	}
	var task Task
	if err := o.doJSON(ctx, http.MethodPost, "/api/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches a task's current status and result.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := o.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

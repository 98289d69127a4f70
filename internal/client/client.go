// Package client is the chat orchestrator used by the terminal UI. It
// owns the single active streaming session, validates input before any
// network call, and keeps the conversation list cache coherent.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/security"
	"github.com/rezzyhealth/rezzy/internal/sse"
	"github.com/rezzyhealth/rezzy/internal/stream"
)

// Config holds the relay connection settings for one orchestrator.
type Config struct {
	BaseURL string
	Token   string
}

// Options tunes a single send.
type Options struct {
	ReasoningEffort         string `json:"reasoningEffort,omitempty"`
	IncludeReasoningSummary bool   `json:"includeReasoningSummary"`
	MaxTokens               int    `json:"maxTokens,omitempty"`
}

// Orchestrator drives authenticated chat against the relay. At most one
// stream is active per instance: starting a new send cancels the prior
// session as a single atomic operation.
type Orchestrator struct {
	cfg    Config
	http   *http.Client
	logger log.Logger

	mu             sync.Mutex
	session        *stream.Session
	conversationID string
	showReasoning  bool

	// onEvent, when set, is called after each applied event so a UI can
	// repaint. Called from the reader goroutine.
	onEvent func()

	// cached conversation list; invalidated by sends and deletes.
	convCache []Conversation
	convFresh bool
}

// Conversation mirrors the relay's conversation listing.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	LastResponseID string    `json:"lastResponseId"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Message mirrors the relay's message listing.
type Message struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Metadata  MessageMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
}

// MessageMetadata is the persisted per-turn detail beyond the text:
// what the user watched stream survives a re-fetch.
type MessageMetadata struct {
	Reasoning     string         `json:"reasoning,omitempty"`
	Citations     []string       `json:"citations,omitempty"`
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
	Confidence    string         `json:"confidence,omitempty"`
	Images        []string       `json:"images,omitempty"`
	FileIDs       []string       `json:"fileIds,omitempty"`
}

// FunctionCall is one tool call the relay executed during the turn.
type FunctionCall struct {
	CallID    string          `json:"callId,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// New creates an orchestrator. httpClient nil gets a default with no
// overall timeout; streams run as long as the server keeps talking.
func New(cfg Config, httpClient *http.Client, logger log.Logger) *Orchestrator {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Orchestrator{cfg: cfg, http: httpClient, logger: logger}
}

// OnEvent registers the UI notification hook.
func (o *Orchestrator) OnEvent(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onEvent = fn
}

// SetConversation switches the active thread. Empty means a new
// conversation will be created on the next send.
func (o *Orchestrator) SetConversation(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conversationID = id
}

// ConversationID returns the active thread id.
func (o *Orchestrator) ConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationID
}

// ToggleReasoning flips whether reasoning deltas are requested and shown.
// Takes effect on the next send.
func (o *Orchestrator) ToggleReasoning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.showReasoning = !o.showReasoning
	return o.showReasoning
}

// ValidationError is a pre-network rejection; it is shown inline and
// never leaves the client.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// SendMessage validates the message, atomically replaces any in-flight
// session, and starts streaming. The returned session accumulates state
// as events arrive; Snapshot it to render.
func (o *Orchestrator) SendMessage(ctx context.Context, message string, fileIDs []string, opts *Options) (*stream.Session, error) {
	if res := security.ValidateQuestion(message); !res.Valid {
		return nil, &ValidationError{Reason: res.Error}
	}

	o.mu.Lock()
	if o.session != nil {
		o.session.Cancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	session := stream.NewSession(cancel, o.showReasoning, o.logger)
	o.session = session
	convID := o.conversationID
	notify := o.onEvent
	o.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"message":        message,
		"conversationId": nullable(convID),
		"fileIds":        fileIDs,
		"options":        opts,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		o.endpoint("/api/v1/chat/stream"), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	go o.readStream(req, session, notify)
	return session, nil
}

// StopStreaming cancels the active stream. Safe to call at any time,
// including after completion or with nothing in flight.
func (o *Orchestrator) StopStreaming() {
	o.mu.Lock()
	session := o.session
	o.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
}

// readStream performs the request and folds the event stream into the
// session until the connection ends or the session is cancelled.
func (o *Orchestrator) readStream(req *http.Request, session *stream.Session, notify func()) {
	apply := func(ev sse.Event) {
		session.Apply(ev)
		if notify != nil {
			notify()
		}
	}

	resp, err := o.http.Do(req)
	if err != nil {
		if session.Cancelled() {
			return
		}
		apply(sse.Event{Type: sse.TypeError, Message: "Connection failed: " + err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apply(sse.Event{Type: sse.TypeError, Message: DecodeErrorResponse(resp)})
		return
	}

	var scanner sse.Scanner
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, payload := range scanner.Feed(buf[:n]) {
				o.applyFrame(payload, session, apply)
			}
		}
		if readErr != nil {
			for _, payload := range scanner.Flush() {
				o.applyFrame(payload, session, apply)
			}
			if readErr != io.EOF && !session.Cancelled() {
				o.logger.Debug("stream read ended", "error", readErr)
			}
			break
		}
		if scanner.Done() {
			break
		}
	}

	// A server that hangs up without a terminal event leaves the session
	// streaming; surface that as an error rather than spinning forever.
	if !session.Cancelled() && session.Snapshot().IsStreaming {
		apply(sse.Event{Type: sse.TypeError, Message: "Connection closed before the response finished"})
	}

	// A completed send changes the conversation list ordering and may
	// have created the thread, so the cache is stale either way.
	o.mu.Lock()
	o.convFresh = false
	o.mu.Unlock()
}

func (o *Orchestrator) applyFrame(payload []byte, session *stream.Session, apply func(sse.Event)) {
	ev, err := sse.Decode(payload)
	if err != nil {
		// One bad frame never kills the stream.
		o.logger.Debug("drop malformed frame", "error", err)
		return
	}
	if ev.Type == sse.TypeStarted && ev.ConversationID != "" {
		o.mu.Lock()
		if o.conversationID == "" {
			o.conversationID = ev.ConversationID
		}
		o.mu.Unlock()
	}
	apply(ev)
}

// DecodeErrorResponse extracts a user-facing message from a non-stream
// error response. A non-JSON body (an HTML gateway page, say) must not
// break the client: it falls back to "Server error: <status> <statusText>".
func DecodeErrorResponse(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return fmt.Sprintf("Server error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

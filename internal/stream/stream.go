// Package stream owns the per-send streaming state: the fold from decoded
// wire events into an accumulating StreamingState, and the session object
// that makes cancel-then-start an atomic operation for the orchestrator.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rezzyhealth/rezzy/internal/sse"
)

// Phase describes the coarse position of an in-flight stream for UI
// feedback.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseProcessing Phase = "processing"
	PhaseReasoning  Phase = "reasoning"
	PhaseGenerating Phase = "generating"
	PhaseFunction   Phase = "function_call"
	PhaseImage      Phase = "image"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// Progress is the human-facing progress descriptor.
type Progress struct {
	Phase      Phase
	Status     string
	Percentage *float64
}

// FunctionCall tracks one tool invocation surfaced on the stream.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string // accumulated argument JSON, may be partial while in flight
	Result    json.RawMessage
	Error     string // non-empty when the tool reported failure
	StartedAt time.Time
	Duration  time.Duration
}

// State is the ephemeral client-side streaming state. One instance exists
// per active send; it is never persisted. The server's message row, written
// once at stream completion, is the durable truth.
type State struct {
	Text      string
	Reasoning string

	CompletedCalls []FunctionCall
	// CurrentCall is the in-flight tool call shown to the user, nil when
	// no call is executing.
	CurrentCall *FunctionCall

	Images   []string
	Progress Progress

	IsStreaming bool

	// Set by the terminal events.
	Usage      *sse.Usage
	ResponseID string
	Remaining  *int
	// Err carries the terminal error message. Partial Text is preserved
	// alongside it: users may still want what was generated.
	Err string
	// DBWriteFailed marks that the server generated content but could not
	// persist it; the content itself is intact.
	DBWriteFailed bool
}

// Session folds events for one send and owns its cancellation. The
// orchestrator replaces the whole session on every new send; the old one is
// cancelled first, so at most one session is ever live per orchestrator.
//
// Session is safe for concurrent use: the network reader applies events
// while the UI may cancel or snapshot.
type Session struct {
	mu            sync.Mutex
	cancel        context.CancelFunc
	cancelled     bool
	showReasoning bool
	state         State
	inflight      map[string]*FunctionCall
	logger        *slog.Logger

	now func() time.Time // injectable for duration tests
}

// NewSession creates a session bound to the given cancel function.
// showReasoning gates whether reasoning deltas are accumulated for display.
func NewSession(cancel context.CancelFunc, showReasoning bool, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cancel:        cancel,
		showReasoning: showReasoning,
		inflight:      make(map[string]*FunctionCall),
		logger:        logger,
		now:           time.Now,
		state: State{
			// A session exists only while a send is in flight, so it is
			// streaming from birth until a terminal event or Cancel.
			IsStreaming: true,
			Progress:    Progress{Phase: PhaseConnecting, Status: "Connecting"},
		},
	}
}

// Cancel aborts the in-flight network read and marks the session dead.
// Idempotent: a second call is a no-op. Events that were already queued
// when the abort propagated are discarded by Apply's cancelled check.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.state.IsStreaming = false
	if s.cancel != nil {
		s.cancel()
	}
}

// Cancelled reports whether the session was explicitly stopped.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Snapshot returns a copy of the current state for rendering.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyState()
}

func (s *Session) copyState() State {
	st := s.state
	st.CompletedCalls = append([]FunctionCall(nil), s.state.CompletedCalls...)
	st.Images = append([]string(nil), s.state.Images...)
	if s.state.CurrentCall != nil {
		c := *s.state.CurrentCall
		st.CurrentCall = &c
	}
	return st
}

// Apply folds one decoded event into the state. Events are applied in
// arrival order — later deltas depend on earlier accumulated buffers — and
// a cancelled session applies nothing.
func (s *Session) Apply(ev sse.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}

	switch ev.Type {
	case sse.TypeStarted:
		s.state.IsStreaming = true
		s.setProgress(PhaseProcessing, "Request accepted")

	case sse.TypeProcessing:
		s.state.IsStreaming = true
		s.setProgress(PhaseProcessing, "Working")

	case sse.TypeTextDelta:
		s.state.IsStreaming = true
		s.state.Text += ev.Delta
		s.setProgress(PhaseGenerating, "Generating response")

	case sse.TypeReasoningDelta:
		// The phase advances either way; the buffer only grows when the
		// reasoning display is enabled.
		s.setProgress(PhaseReasoning, "Reasoning")
		if s.showReasoning {
			s.state.Reasoning += ev.Delta
		}

	case sse.TypeReasoningComplete:
		if s.showReasoning {
			s.state.Reasoning = ev.Summary
		}

	case sse.TypeFunctionArgsDelta:
		call, ok := s.inflight[ev.CallID]
		if !ok {
			call = &FunctionCall{
				CallID:    ev.CallID,
				Name:      ev.FunctionName,
				StartedAt: s.now(),
			}
			s.inflight[ev.CallID] = call
		}
		if call.Name == "" && ev.FunctionName != "" {
			call.Name = ev.FunctionName
		}
		call.Arguments += ev.Delta
		s.state.CurrentCall = call
		s.setProgress(PhaseFunction, "Running "+call.Name)

	case sse.TypeFunctionResult:
		call, ok := s.inflight[ev.CallID]
		if !ok {
			// Result for a call we never saw arguments for. Record it
			// anyway; the server executes tools, the client just displays.
			call = &FunctionCall{CallID: ev.CallID, StartedAt: s.now()}
		}
		delete(s.inflight, ev.CallID)
		call.Name = ev.FunctionName
		call.Result = ev.Result
		call.Error = ev.ResultError()
		call.Duration = s.now().Sub(call.StartedAt)
		s.state.CompletedCalls = append(s.state.CompletedCalls, *call)
		s.state.CurrentCall = nil

	case sse.TypeImagePreview:
		s.state.Images = append(s.state.Images, ev.PreviewURL)
		s.state.Progress = Progress{
			Phase:      PhaseImage,
			Status:     "Rendering image",
			Percentage: ev.Progress,
		}

	case sse.TypeResponseComplete:
		s.state.IsStreaming = false
		if ev.Content != "" && s.state.Text == "" {
			// Some terminal events carry the full content (e.g. when
			// persistence failed and deltas were cut short).
			s.state.Text = ev.Content
		}
		s.state.Usage = ev.Usage
		if ev.ResponseID != "" {
			s.state.ResponseID = ev.ResponseID
		}
		s.state.Remaining = ev.Remaining
		s.setProgress(PhaseComplete, "Complete")

	case sse.TypeError:
		if ev.Recoverable {
			s.logger.Debug("recoverable stream error", "message", ev.Message)
			return
		}
		// Terminal: stop streaming but keep whatever text accumulated.
		s.state.IsStreaming = false
		s.state.Err = ev.Message
		s.setProgress(PhaseFailed, ev.Message)

	case sse.TypeDBError:
		// Content was generated; only the write-back failed. Flag for
		// reconciliation, never hide the answer.
		s.state.DBWriteFailed = true
		s.logger.Warn("server persistence failed after generation", "details", ev.Details)
	}
}

func (s *Session) setProgress(phase Phase, status string) {
	s.state.Progress = Progress{Phase: phase, Status: status}
}

package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rezzyhealth/rezzy/internal/sse"
)

func newTestSession(t *testing.T, showReasoning bool) (*Session, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(cancel, showReasoning, nil)
	t.Cleanup(cancel)
	return s, ctx
}

func TestSession_TextAccumulation(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, false)
	s.Apply(sse.Event{Type: sse.TypeStarted})
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "Hel"})
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "lo "})
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "world"})

	st := s.Snapshot()
	if st.Text != "Hello world" {
		t.Fatalf("Text = %q, want %q", st.Text, "Hello world")
	}
	if !st.IsStreaming {
		t.Fatal("IsStreaming = false during deltas")
	}
	if st.Progress.Phase != PhaseGenerating {
		t.Fatalf("Phase = %q, want %q", st.Progress.Phase, PhaseGenerating)
	}
}

func TestSession_ReasoningToggle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		showReasoning bool
		wantReasoning string
	}{
		{"enabled accumulates", true, "final summary"},
		{"disabled stays empty", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, _ := newTestSession(t, tt.showReasoning)
			s.Apply(sse.Event{Type: sse.TypeReasoningDelta, Delta: "thinking about "})
			s.Apply(sse.Event{Type: sse.TypeReasoningDelta, Delta: "dosage"})
			s.Apply(sse.Event{Type: sse.TypeReasoningComplete, Summary: "final summary"})

			st := s.Snapshot()
			if st.Reasoning != tt.wantReasoning {
				t.Fatalf("Reasoning = %q, want %q", st.Reasoning, tt.wantReasoning)
			}
			// Phase advances regardless of the toggle.
			if st.Progress.Phase != PhaseReasoning {
				t.Fatalf("Phase = %q, want %q", st.Progress.Phase, PhaseReasoning)
			}
		})
	}
}

func TestSession_FunctionCallLifecycle(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, false)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	s.Apply(sse.Event{
		Type:         sse.TypeFunctionArgsDelta,
		CallID:       "call_1",
		FunctionName: "calculate_dosage",
		Delta:        `{"medication":"amox`,
	})
	s.Apply(sse.Event{Type: sse.TypeFunctionArgsDelta, CallID: "call_1", Delta: `icillin"}`})

	st := s.Snapshot()
	if st.CurrentCall == nil {
		t.Fatal("CurrentCall nil while call in flight")
	}
	if st.CurrentCall.Arguments != `{"medication":"amoxicillin"}` {
		t.Fatalf("Arguments = %q", st.CurrentCall.Arguments)
	}

	clock = base.Add(350 * time.Millisecond)
	s.Apply(sse.Event{
		Type:         sse.TypeFunctionResult,
		CallID:       "call_1",
		FunctionName: "calculate_dosage",
		Result:       json.RawMessage(`{"dose_mg_per_day":800}`),
	})

	st = s.Snapshot()
	if st.CurrentCall != nil {
		t.Fatal("CurrentCall should clear after result")
	}
	if len(st.CompletedCalls) != 1 {
		t.Fatalf("CompletedCalls = %d, want 1", len(st.CompletedCalls))
	}
	call := st.CompletedCalls[0]
	if call.Duration != 350*time.Millisecond {
		t.Fatalf("Duration = %v, want 350ms", call.Duration)
	}
	if call.Error != "" {
		t.Fatalf("Error = %q, want empty", call.Error)
	}
}

func TestSession_FunctionResultError(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, false)
	s.Apply(sse.Event{
		Type:         sse.TypeFunctionResult,
		CallID:       "call_2",
		FunctionName: "analyze_growth",
		Result:       json.RawMessage(`{"error":"age out of range"}`),
	})

	st := s.Snapshot()
	if len(st.CompletedCalls) != 1 {
		t.Fatalf("CompletedCalls = %d, want 1", len(st.CompletedCalls))
	}
	if st.CompletedCalls[0].Error != "age out of range" {
		t.Fatalf("Error = %q", st.CompletedCalls[0].Error)
	}
}

func TestSession_CancelIsIdempotentAndStopsFolding(t *testing.T) {
	t.Parallel()

	s, ctx := newTestSession(t, false)
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "partial"})

	s.Cancel()
	s.Cancel() // second cancel is a no-op

	if ctx.Err() == nil {
		t.Fatal("cancel did not abort the context")
	}
	if !s.Cancelled() {
		t.Fatal("Cancelled() = false after Cancel")
	}

	// Events racing the abort are discarded.
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: " more"})
	s.Apply(sse.Event{Type: sse.TypeResponseComplete})

	st := s.Snapshot()
	if st.Text != "partial" {
		t.Fatalf("Text = %q, want %q", st.Text, "partial")
	}
	if st.IsStreaming {
		t.Fatal("IsStreaming = true after cancel")
	}
}

func TestSession_TerminalErrorPreservesPartialText(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, false)
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "half an answer"})
	s.Apply(sse.Event{Type: sse.TypeError, Message: "upstream timeout", Recoverable: false})

	st := s.Snapshot()
	if st.Text != "half an answer" {
		t.Fatalf("partial text lost: %q", st.Text)
	}
	if st.Err != "upstream timeout" {
		t.Fatalf("Err = %q", st.Err)
	}
	if st.IsStreaming {
		t.Fatal("IsStreaming = true after terminal error")
	}
	if st.Progress.Phase != PhaseFailed {
		t.Fatalf("Phase = %q, want %q", st.Progress.Phase, PhaseFailed)
	}
}

func TestSession_RecoverableErrorDoesNotStop(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, false)
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "keep "})
	s.Apply(sse.Event{Type: sse.TypeError, Message: "hiccup", Recoverable: true})
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "going"})

	st := s.Snapshot()
	if st.Text != "keep going" {
		t.Fatalf("Text = %q", st.Text)
	}
	if st.Err != "" {
		t.Fatalf("Err = %q, want empty", st.Err)
	}
	if !st.IsStreaming {
		t.Fatal("recoverable error stopped the stream")
	}
}

func TestSession_DBErrorThenComplete(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, false)
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "the answer"})
	s.Apply(sse.Event{Type: sse.TypeDBError, Details: "insert failed"})
	s.Apply(sse.Event{Type: sse.TypeResponseComplete, ResponseID: "resp_9"})

	st := s.Snapshot()
	if !st.DBWriteFailed {
		t.Fatal("DBWriteFailed = false")
	}
	if st.Text != "the answer" {
		t.Fatalf("Text = %q", st.Text)
	}
	if st.IsStreaming {
		t.Fatal("stream did not complete after db_error")
	}
	if st.ResponseID != "resp_9" {
		t.Fatalf("ResponseID = %q", st.ResponseID)
	}
}

func TestSession_CompleteWithUsageAndRemaining(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, false)
	rem := 2
	s.Apply(sse.Event{Type: sse.TypeTextDelta, Delta: "done"})
	s.Apply(sse.Event{
		Type:       sse.TypeResponseComplete,
		ResponseID: "resp_1",
		Usage:      &sse.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		Remaining:  &rem,
	})

	st := s.Snapshot()
	if st.Usage == nil || st.Usage.TotalTokens != 30 {
		t.Fatalf("Usage = %+v", st.Usage)
	}
	if st.Remaining == nil || *st.Remaining != 2 {
		t.Fatalf("Remaining = %v", st.Remaining)
	}
	if st.Progress.Phase != PhaseComplete {
		t.Fatalf("Phase = %q", st.Progress.Phase)
	}
}

func TestSession_SnapshotIsACopy(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, false)
	s.Apply(sse.Event{Type: sse.TypeImagePreview, PreviewURL: "https://cdn.example/a.png"})

	st := s.Snapshot()
	st.Images[0] = "mutated"
	st.Text = "mutated"

	again := s.Snapshot()
	if again.Images[0] != "https://cdn.example/a.png" {
		t.Fatal("snapshot shares the images slice with the session")
	}
	if again.Text != "" {
		t.Fatal("snapshot mutation leaked into the session")
	}
}

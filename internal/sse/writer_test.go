package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriter_SendAndDone(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter() err = %v", err)
	}

	ctx := context.Background()
	if err := w.Send(ctx, Event{Type: TypeTextDelta, Delta: "Hi"}); err != nil {
		t.Fatalf("Send() err = %v", err)
	}
	if err := w.SendDone(); err != nil {
		t.Fatalf("SendDone() err = %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"type":"text_delta","delta":"Hi"}`) {
		t.Errorf("body missing delta frame: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body missing [DONE] sentinel: %q", body)
	}
}

// What the writer emits must round-trip through the scanner and decoder.
func TestWriter_RoundTrip(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, _ := NewWriter(rec)
	ctx := context.Background()

	events := []Event{
		{Type: TypeStarted},
		{Type: TypeTextDelta, Delta: "A"},
		{Type: TypeTextDelta, Delta: "B"},
		{Type: TypeResponseComplete, Content: "AB", ResponseID: "resp_1"},
	}
	for _, ev := range events {
		if err := w.Send(ctx, ev); err != nil {
			t.Fatalf("Send() err = %v", err)
		}
	}
	if err := w.SendDone(); err != nil {
		t.Fatalf("SendDone() err = %v", err)
	}

	var s Scanner
	var got []Event
	for _, p := range s.Feed(rec.Body.Bytes()) {
		ev, err := Decode(p)
		if err != nil {
			t.Fatalf("Decode() err = %v", err)
		}
		got = append(got, ev)
	}

	if len(got) != len(events) {
		t.Fatalf("round-tripped %d events, want %d", len(got), len(events))
	}
	if got[3].ResponseID != "resp_1" || got[3].Content != "AB" {
		t.Errorf("final event = %+v", got[3])
	}
	if !s.Done() {
		t.Error("scanner should report Done after sentinel")
	}
}

func TestWriter_CanceledContext(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, _ := NewWriter(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Send(ctx, Event{Type: TypeProcessing}); err == nil {
		t.Fatal("Send() with canceled context should fail")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("nothing should be written after cancellation, got %q", rec.Body.String())
	}
}

package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer wraps an http.ResponseWriter for event-stream responses. Every
// event is flushed immediately: the relay forwards upstream deltas as they
// arrive, never buffering a sentence before the client sees it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter creates an event-stream writer and sets the response headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flusher interface")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one event as a "data: <json>" frame and flushes.
// A write failure usually means the client disconnected.
func (w *Writer) Send(ctx context.Context, ev Event) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context canceled: %w", ctx.Err())
	default:
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "%s%s\n\n", dataPrefix, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SendDone writes the terminal [DONE] sentinel.
func (w *Writer) SendDone() error {
	if _, err := fmt.Fprintf(w.w, "%s%s\n\n", dataPrefix, doneSentinel); err != nil {
		return fmt.Errorf("write done sentinel: %w", err)
	}
	w.flusher.Flush()
	return nil
}

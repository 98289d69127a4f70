// Package testutil holds shared test helpers: a canonical-event stream
// parser for asserting on relay responses, and a scripted fake model
// provider.
package testutil

import (
	"strings"
	"testing"

	"github.com/rezzyhealth/rezzy/internal/sse"
)

// ParseEventStream decodes a complete text/event-stream body into the
// canonical event sequence. Fails the test on malformed frames: relay
// output is supposed to be clean even if upstream input is not.
func ParseEventStream(t *testing.T, body string) []sse.Event {
	t.Helper()

	var (
		scanner sse.Scanner
		events  []sse.Event
	)
	payloads := scanner.Feed([]byte(body))
	payloads = append(payloads, scanner.Flush()...)

	for _, p := range payloads {
		ev, err := sse.Decode(p)
		if err != nil {
			t.Fatalf("decode frame %q: %v", p, err)
		}
		events = append(events, ev)
	}
	return events
}

// EventTypes extracts just the type sequence, for order assertions.
func EventTypes(events []sse.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Type))
	}
	return out
}

// AccumulatedText folds all text deltas, mirroring what a client renders.
func AccumulatedText(events []sse.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == sse.TypeTextDelta {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

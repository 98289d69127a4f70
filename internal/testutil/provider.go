package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// ProviderScript is one scripted provider response: the raw JSON frames
// emitted on the stream, in order. Frames are provider-shaped events
// (response.output_text.delta etc.), matching what the real API sends.
type ProviderScript struct {
	Frames []string

	// Status, when non-zero, short-circuits the request with an error
	// response instead of a stream.
	Status     int
	ErrMessage string
	RetryAfter string
}

// TextScript builds a minimal happy-path script: created, a delta per
// chunk, completed with the given response id.
func TextScript(responseID string, chunks ...string) ProviderScript {
	frames := []string{
		fmt.Sprintf(`{"type":"response.created","response":{"id":%q}}`, responseID),
	}
	for _, c := range chunks {
		delta, _ := json.Marshal(c)
		frames = append(frames, fmt.Sprintf(`{"type":"response.output_text.delta","delta":%s}`, delta))
	}
	frames = append(frames, fmt.Sprintf(
		`{"type":"response.completed","response":{"id":%q,"usage":{"input_tokens":7,"output_tokens":11,"total_tokens":18}}}`,
		responseID))
	return ProviderScript{Frames: frames}
}

// FakeProvider is an httptest server speaking the provider's streaming
// protocol. Scripts are consumed in order, one per request; file uploads
// always succeed with sequential ids.
type FakeProvider struct {
	Server *httptest.Server

	mu       sync.Mutex
	scripts  []ProviderScript
	requests []json.RawMessage
	uploads  int
}

// NewFakeProvider starts the fake and registers cleanup.
func NewFakeProvider(t *testing.T, scripts ...ProviderScript) *FakeProvider {
	t.Helper()

	fp := &FakeProvider{scripts: scripts}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /responses", fp.responses)
	mux.HandleFunc("POST /files", fp.files)
	fp.Server = httptest.NewServer(mux)
	t.Cleanup(fp.Server.Close)
	return fp
}

// URL returns the provider base URL.
func (fp *FakeProvider) URL() string { return fp.Server.URL }

// Requests returns the raw request bodies seen so far.
func (fp *FakeProvider) Requests() []json.RawMessage {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]json.RawMessage(nil), fp.requests...)
}

func (fp *FakeProvider) responses(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		fp.requests = append(fp.requests, body)
	}
	if len(fp.scripts) == 0 {
		fp.mu.Unlock()
		http.Error(w, `{"error":{"message":"no script queued"}}`, http.StatusInternalServerError)
		return
	}
	script := fp.scripts[0]
	fp.scripts = fp.scripts[1:]
	fp.mu.Unlock()

	if script.Status != 0 {
		if script.RetryAfter != "" {
			w.Header().Set("Retry-After", script.RetryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(script.Status)
		fmt.Fprintf(w, `{"error":{"message":%q}}`, script.ErrMessage)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, frame := range script.Frames {
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (fp *FakeProvider) files(w http.ResponseWriter, _ *http.Request) {
	fp.mu.Lock()
	fp.uploads++
	n := fp.uploads
	fp.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"file_%d"}`, n)
}

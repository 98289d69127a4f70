package sse

import (
	"strings"
	"testing"
)

// feedAll pushes the whole input through the scanner in one chunk and
// returns the decoded payload strings.
func feedAll(t *testing.T, s *Scanner, input string) []string {
	t.Helper()
	var out []string
	for _, p := range s.Feed([]byte(input)) {
		out = append(out, string(p))
	}
	for _, p := range s.Flush() {
		out = append(out, string(p))
	}
	return out
}

func TestScanner_SingleChunk(t *testing.T) {
	t.Parallel()

	input := "data: {\"type\":\"started\"}\n\n" +
		": ping comment\n" +
		"event: something\n" +
		"data: {\"type\":\"text_delta\",\"delta\":\"Hi\"}\n\n" +
		"data: [DONE]\n\n"

	var s Scanner
	got := feedAll(t, &s, input)

	want := []string{`{"type":"started"}`, `{"type":"text_delta","delta":"Hi"}`}
	if len(got) != len(want) {
		t.Fatalf("payloads = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("payload[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !s.Done() {
		t.Error("scanner should have seen [DONE]")
	}
}

// Splitting the stream at any byte offset must yield the same events as
// parsing it whole.
func TestScanner_ArbitraryChunkBoundaries(t *testing.T) {
	t.Parallel()

	input := "data: {\"type\":\"text_delta\",\"delta\":\"Hi\"}\n\n"
	for cut := 0; cut <= len(input); cut++ {
		var s Scanner
		var got []string
		for _, p := range s.Feed([]byte(input[:cut])) {
			got = append(got, string(p))
		}
		for _, p := range s.Feed([]byte(input[cut:])) {
			got = append(got, string(p))
		}
		if len(got) != 1 || got[0] != `{"type":"text_delta","delta":"Hi"}` {
			t.Fatalf("cut at %d: payloads = %v", cut, got)
		}
	}
}

func TestScanner_CRLFLines(t *testing.T) {
	t.Parallel()

	var s Scanner
	got := feedAll(t, &s, "data: {\"type\":\"processing\"}\r\n\r\n")
	if len(got) != 1 || got[0] != `{"type":"processing"}` {
		t.Fatalf("payloads = %v", got)
	}
}

func TestScanner_IgnoresAfterDone(t *testing.T) {
	t.Parallel()

	var s Scanner
	got := feedAll(t, &s, "data: [DONE]\n\ndata: {\"type\":\"text_delta\",\"delta\":\"late\"}\n\n")
	if len(got) != 0 {
		t.Fatalf("payloads after [DONE] should be discarded, got %v", got)
	}
}

func TestScanner_FlushUnterminatedLine(t *testing.T) {
	t.Parallel()

	var s Scanner
	if p := s.Feed([]byte(`data: {"type":"started"}`)); len(p) != 0 {
		t.Fatalf("unterminated line must not yield a payload yet, got %v", p)
	}
	flushed := s.Flush()
	if len(flushed) != 1 || string(flushed[0]) != `{"type":"started"}` {
		t.Fatalf("Flush() = %v", flushed)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    EventType
		wantErr error
	}{
		{"started", `{"type":"started"}`, TypeStarted, nil},
		{"response_started alias", `{"type":"response_started"}`, TypeStarted, nil},
		{"text delta", `{"type":"text_delta","delta":"Hi"}`, TypeTextDelta, nil},
		{"reasoning delta", `{"type":"reasoning_delta","delta":"think"}`, TypeReasoningDelta, nil},
		{"reasoning complete", `{"type":"reasoning_complete","summary":"s"}`, TypeReasoningComplete, nil},
		{"function args", `{"type":"function_arguments_delta","callId":"c1","delta":"{"}`, TypeFunctionArgsDelta, nil},
		{"function result", `{"type":"function_result","callId":"c1","function_name":"calculate_dosage","result":{}}`, TypeFunctionResult, nil},
		{"image preview", `{"type":"image_preview","previewUrl":"https://x/y.png"}`, TypeImagePreview, nil},
		{"done alias", `{"type":"response.done"}`, TypeResponseComplete, nil},
		{"completed alias", `{"type":"response.completed"}`, TypeResponseComplete, nil},
		{"stream_error alias", `{"type":"stream_error","message":"boom"}`, TypeError, nil},
		{"db error", `{"type":"db_error","details":"insert failed"}`, TypeDBError, nil},

		{"not json", `{not json`, "", ErrMalformedFrame},
		{"unknown type", `{"type":"telemetry_blob"}`, "", ErrUnknownEvent},
		{"args without callId", `{"type":"function_arguments_delta","delta":"{"}`, "", ErrMissingField},
		{"result without name", `{"type":"function_result","callId":"c1"}`, "", ErrMissingField},
		{"preview without url", `{"type":"image_preview"}`, "", ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := Decode([]byte(tt.payload))
			if tt.wantErr != nil {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr.Error()) {
					t.Fatalf("Decode() err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() err = %v", err)
			}
			if ev.Type != tt.want {
				t.Errorf("Decode().Type = %q, want %q", ev.Type, tt.want)
			}
		})
	}
}

// A malformed frame between two valid frames must not poison its neighbors.
func TestScannerDecode_MalformedFrameIsIsolated(t *testing.T) {
	t.Parallel()

	input := "data: {\"type\":\"text_delta\",\"delta\":\"A\"}\n\n" +
		"data: {not json\n\n" +
		"data: {\"type\":\"text_delta\",\"delta\":\"B\"}\n\n"

	var s Scanner
	var decoded []Event
	var dropped int
	for _, p := range s.Feed([]byte(input)) {
		ev, err := Decode(p)
		if err != nil {
			dropped++
			continue
		}
		decoded = append(decoded, ev)
	}

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(decoded) != 2 || decoded[0].Delta != "A" || decoded[1].Delta != "B" {
		t.Fatalf("decoded = %+v, want deltas A then B", decoded)
	}
}

func TestEvent_ResultError(t *testing.T) {
	t.Parallel()

	ev := Event{Result: []byte(`{"error":"unknown medication"}`)}
	if got := ev.ResultError(); got != "unknown medication" {
		t.Errorf("ResultError() = %q", got)
	}
	ok := Event{Result: []byte(`{"dose":"800 mg/day"}`)}
	if got := ok.ResultError(); got != "" {
		t.Errorf("ResultError() = %q, want empty", got)
	}
}

// Package sse implements the event-stream wire protocol shared by the relay
// and its clients: chunk-boundary-safe frame scanning, a closed event
// vocabulary with a single validating decode, and the server-side writer.
//
// The logical unit of the stream is a UTF-8 text line. Only lines beginning
// with "data: " carry payload; everything else (comments, pings, blank
// lines) is ignored. A payload of "[DONE]" terminates the stream.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType discriminates the closed event union.
type EventType string

// Canonical event types. Aliases used by older upstream shapes are folded
// into these during Decode.
const (
	TypeStarted           EventType = "started"
	TypeProcessing        EventType = "processing"
	TypeTextDelta         EventType = "text_delta"
	TypeReasoningDelta    EventType = "reasoning_delta"
	TypeReasoningComplete EventType = "reasoning_complete"
	TypeFunctionArgsDelta EventType = "function_arguments_delta"
	TypeFunctionResult    EventType = "function_result"
	TypeImagePreview      EventType = "image_preview"
	TypeResponseComplete  EventType = "response_complete"
	TypeError             EventType = "error"
	TypeDBError           EventType = "db_error"
)

// Decode errors. A caller that is folding a live stream drops the frame and
// keeps going on ErrMalformedFrame; ErrUnknownEvent means the upstream
// vocabulary grew and should fail loudly in development.
var (
	ErrMalformedFrame = errors.New("malformed event frame")
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMissingField   = errors.New("event missing required field")
)

// Usage carries upstream token accounting on response_complete.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Event is the decoded form of one wire frame. Exactly the fields relevant
// to Type are populated; the rest stay zero.
type Event struct {
	Type EventType `json:"type"`

	// text_delta, reasoning_delta, function_arguments_delta
	Delta string `json:"delta,omitempty"`

	// reasoning_complete
	Summary string `json:"summary,omitempty"`

	// function_arguments_delta, function_result
	CallID       string          `json:"callId,omitempty"`
	FunctionName string          `json:"function_name,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`

	// image_preview
	PreviewURL string   `json:"previewUrl,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`

	// error
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// db_error
	Details string `json:"details,omitempty"`

	// started: the resolved conversation, so a client that sent a null
	// conversationId learns where the thread landed.
	ConversationID string `json:"conversationId,omitempty"`

	// response_complete
	Content    string `json:"content,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
	// Remaining is the authoritative demo quota figure, demo streams only.
	Remaining *int `json:"remaining,omitempty"`
}

// typeAliases folds upstream spellings into the canonical vocabulary.
var typeAliases = map[string]EventType{
	"started":            TypeStarted,
	"response_started":   TypeStarted,
	"processing":         TypeProcessing,
	"response_complete":  TypeResponseComplete,
	"response.done":      TypeResponseComplete,
	"response.completed": TypeResponseComplete,
	"error":              TypeError,
	"stream_error":       TypeError,
}

// Decode parses one frame payload into an Event. This is the only place
// frame JSON is interpreted: downstream folds switch exhaustively on
// Event.Type and never touch raw payloads.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if canonical, ok := typeAliases[string(ev.Type)]; ok {
		ev.Type = canonical
	}

	switch ev.Type {
	case TypeStarted, TypeProcessing, TypeResponseComplete:
		// No required fields.
	case TypeTextDelta, TypeReasoningDelta:
		// Empty deltas are legal (some upstreams emit them as keepalives).
	case TypeReasoningComplete:
		// Summary may legitimately be empty.
	case TypeFunctionArgsDelta:
		if ev.CallID == "" {
			return Event{}, fmt.Errorf("%w: function_arguments_delta.callId", ErrMissingField)
		}
	case TypeFunctionResult:
		if ev.CallID == "" || ev.FunctionName == "" {
			return Event{}, fmt.Errorf("%w: function_result callId/function_name", ErrMissingField)
		}
	case TypeImagePreview:
		if ev.PreviewURL == "" {
			return Event{}, fmt.Errorf("%w: image_preview.previewUrl", ErrMissingField)
		}
	case TypeError:
		if ev.Message == "" {
			ev.Message = "stream error"
		}
	case TypeDBError:
		// Details may be empty; presence of the event is the signal.
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}

	return ev, nil
}

// ResultError extracts the error string from a function_result payload, if
// any. A result with an "error" key marks the tool call as failed.
func (e Event) ResultError() string {
	if len(e.Result) == 0 {
		return ""
	}
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(e.Result, &probe); err != nil {
		return ""
	}
	return probe.Error
}

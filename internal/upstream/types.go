package upstream

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// InputItem is one entry of the request's input array: a chat message or
// a function call result being fed back for a follow-up round.
type InputItem struct {
	Type string `json:"type"` // "message" or "function_call_output"

	// Message fields.
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// Function output fields.
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`

	// File reference.
	FileID string `json:"file_id,omitempty"`
}

// MessageItem builds a chat message input entry.
func MessageItem(role, content string) InputItem {
	return InputItem{Type: "message", Role: role, Content: content}
}

// FunctionOutputItem builds a tool-result input entry.
func FunctionOutputItem(callID, output string) InputItem {
	return InputItem{Type: "function_call_output", CallID: callID, Output: output}
}

// FileItem references a previously uploaded file by provider file id.
func FileItem(fileID string) InputItem {
	return InputItem{Type: "input_file", FileID: fileID}
}

// ToolDef describes one callable function offered to the model.
type ToolDef struct {
	Type        string             `json:"type"` // always "function"
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// ReasoningOptions controls the optional reasoning stream.
type ReasoningOptions struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"` // "auto" to request summaries
}

// Request is the streaming generation request body.
type Request struct {
	Model              string            `json:"model"`
	Input              []InputItem       `json:"input"`
	Tools              []ToolDef         `json:"tools,omitempty"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int               `json:"max_output_tokens,omitempty"`
	Reasoning          *ReasoningOptions `json:"reasoning,omitempty"`
	Stream             bool              `json:"stream"`
}

// Provider event types observed on the upstream stream.
const (
	evCreated        = "response.created"
	evInProgress     = "response.in_progress"
	evTextDelta      = "response.output_text.delta"
	evReasoningDelta = "response.reasoning_summary_text.delta"
	evReasoningDone  = "response.reasoning_summary_text.done"
	evItemAdded      = "response.output_item.added"
	evFuncArgsDelta  = "response.function_call_arguments.delta"
	evFuncArgsDone   = "response.function_call_arguments.done"
	evImagePartial   = "response.image_generation_call.partial_image"
	evCompleted      = "response.completed"
	evFailed         = "response.failed"
	evErr            = "error"
)

// Usage is the token accounting attached to a completed response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Event is one decoded upstream stream event, normalized to a flat shape
// the relay can switch over.
type Event struct {
	Kind EventKind

	Delta   string // text/reasoning/argument fragment
	Summary string // finished reasoning summary

	// Function call identity. ItemID correlates argument deltas to the
	// call announced by an item-added event.
	ItemID    string
	CallID    string
	Name      string
	Arguments string // complete argument JSON, on ArgsDone

	ImageB64 string
	Progress *float64

	ResponseID string
	Usage      *Usage

	ErrMessage string
}

// EventKind enumerates the normalized upstream event kinds.
type EventKind int

const (
	KindIgnored EventKind = iota
	KindCreated
	KindInProgress
	KindTextDelta
	KindReasoningDelta
	KindReasoningDone
	KindFunctionCallStart
	KindFunctionArgsDelta
	KindFunctionArgsDone
	KindImagePartial
	KindCompleted
	KindFailed
)

// raw mirrors the provider's wire shape before normalization.
type rawEvent struct {
	Type      string   `json:"type"`
	Delta     string   `json:"delta"`
	Text      string   `json:"text"`
	ItemID    string   `json:"item_id"`
	Arguments string   `json:"arguments"`
	Progress  *float64 `json:"progress,omitempty"`

	PartialImageB64 string `json:"partial_image_b64"`

	Item *struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`

	Response *struct {
		ID    string `json:"id"`
		Usage *Usage `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// decodeEvent maps one upstream frame to a normalized Event. Unknown
// event types come back as KindIgnored: the provider adds event types
// routinely and the relay only forwards what it understands.
func decodeEvent(payload []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, err
	}

	switch raw.Type {
	case evCreated:
		ev := Event{Kind: KindCreated}
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
		}
		return ev, nil
	case evInProgress:
		return Event{Kind: KindInProgress}, nil
	case evTextDelta:
		return Event{Kind: KindTextDelta, Delta: raw.Delta}, nil
	case evReasoningDelta:
		return Event{Kind: KindReasoningDelta, Delta: raw.Delta}, nil
	case evReasoningDone:
		return Event{Kind: KindReasoningDone, Summary: raw.Text}, nil
	case evItemAdded:
		if raw.Item == nil || raw.Item.Type != "function_call" {
			return Event{Kind: KindIgnored}, nil
		}
		return Event{
			Kind:   KindFunctionCallStart,
			ItemID: raw.Item.ID,
			CallID: raw.Item.CallID,
			Name:   raw.Item.Name,
		}, nil
	case evFuncArgsDelta:
		return Event{Kind: KindFunctionArgsDelta, ItemID: raw.ItemID, Delta: raw.Delta}, nil
	case evFuncArgsDone:
		return Event{Kind: KindFunctionArgsDone, ItemID: raw.ItemID, Arguments: raw.Arguments}, nil
	case evImagePartial:
		return Event{Kind: KindImagePartial, ImageB64: raw.PartialImageB64, Progress: raw.Progress}, nil
	case evCompleted:
		ev := Event{Kind: KindCompleted}
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
			ev.Usage = raw.Response.Usage
		}
		return ev, nil
	case evFailed:
		ev := Event{Kind: KindFailed}
		if raw.Response != nil && raw.Response.Error != nil {
			ev.ErrMessage = raw.Response.Error.Message
		}
		return ev, nil
	case evErr:
		ev := Event{Kind: KindFailed}
		if raw.Error != nil {
			ev.ErrMessage = raw.Error.Message
		}
		return ev, nil
	default:
		return Event{Kind: KindIgnored}, nil
	}
}

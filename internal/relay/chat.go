package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/security"
	"github.com/rezzyhealth/rezzy/internal/sse"
	"github.com/rezzyhealth/rezzy/internal/store"
	"github.com/rezzyhealth/rezzy/internal/tools"
	"github.com/rezzyhealth/rezzy/internal/upstream"
)

// maxToolRounds bounds the tool-call loop: the model gets at most this
// many follow-up rounds before we stop feeding results back.
const maxToolRounds = 4

// chatRequest is the authenticated chat request body.
type chatRequest struct {
	Message        string          `json:"message"`
	ConversationID string          `json:"conversationId"`
	FileIDs        []string        `json:"fileIds"`
	PatientContext json.RawMessage `json:"patientContext,omitempty"`
	TaskType       string          `json:"taskType,omitempty"`
	Options        *chatOptions    `json:"options,omitempty"`
}

type chatOptions struct {
	ReasoningEffort         string `json:"reasoningEffort,omitempty"`
	IncludeReasoningSummary bool   `json:"includeReasoningSummary"`
	MaxTokens               int    `json:"maxTokens,omitempty"`
}

type chatHandler struct {
	logger     log.Logger
	store      Store
	upstream   Upstream
	tools      *tools.Registry
	maxHistory int
}

// stream handles POST /api/v1/chat/stream.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing user identity", h.logger)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", h.logger)
		return
	}

	if res := security.ValidateQuestion(req.Message); !res.Valid {
		writeError(w, http.StatusBadRequest, "invalid_question", res.Error, h.logger)
		return
	}

	var convID uuid.UUID
	if req.ConversationID != "" {
		parsed, err := uuid.Parse(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "conversationId is not a valid id", h.logger)
			return
		}
		convID = parsed
	}

	conv, err := h.store.EnsureConversation(r.Context(), userID, convID, titleFrom(req.Message))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "forbidden", "conversation not found", h.logger)
			return
		}
		h.logger.Error("ensure conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not resolve conversation", h.logger)
		return
	}

	// Persist the user's message before anything downstream can fail: the
	// question must survive even if the upstream call dies.
	userMeta := store.MessageMetadata{FileIDs: req.FileIDs}
	if _, err := h.store.CreateMessage(r.Context(), conv.ID, "user", req.Message, "", userMeta); err != nil {
		h.logger.Error("persist user message", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not persist message", h.logger)
		return
	}

	upReq, err := h.buildRequest(r.Context(), conv, req)
	if err != nil {
		h.logger.Error("build upstream request", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not assemble request", h.logger)
		return
	}

	h.runStream(w, r, upReq, &persistTarget{conversationID: conv.ID, fileIDs: req.FileIDs}, nil)
}

// persistTarget says where the finished assistant turn is written.
// nil target (demo) means the turn is ephemeral.
type persistTarget struct {
	conversationID uuid.UUID
	fileIDs        []string
}

// buildRequest assembles the upstream input. When a continuation id
// exists, history travels by reference and only the new turn is sent;
// otherwise the bounded recent window is replayed.
func (h *chatHandler) buildRequest(ctx context.Context, conv *store.Conversation, req chatRequest) (upstream.Request, error) {
	up := upstream.Request{
		Tools:              h.toolDefs(),
		PreviousResponseID: conv.LastResponseID,
	}

	if len(req.PatientContext) > 0 {
		up.Input = append(up.Input,
			upstream.MessageItem("system", "Patient context: "+string(req.PatientContext)))
	}
	if req.TaskType != "" {
		up.Input = append(up.Input,
			upstream.MessageItem("system", "Task type: "+req.TaskType))
	}

	if conv.LastResponseID == "" {
		history, err := h.store.ListRecentMessages(ctx, conv.ID, h.maxHistory)
		if err != nil {
			return upstream.Request{}, fmt.Errorf("load history: %w", err)
		}
		// The just-persisted user message is the window's last entry.
		for _, m := range history {
			up.Input = append(up.Input, upstream.MessageItem(m.Role, m.Content))
		}
	} else {
		up.Input = append(up.Input, upstream.MessageItem("user", req.Message))
	}

	for _, fid := range req.FileIDs {
		up.Input = append(up.Input, upstream.FileItem(fid))
	}

	if opts := req.Options; opts != nil {
		up.MaxOutputTokens = opts.MaxTokens
		if opts.ReasoningEffort != "" || opts.IncludeReasoningSummary {
			up.Reasoning = &upstream.ReasoningOptions{Effort: opts.ReasoningEffort}
			if opts.IncludeReasoningSummary {
				up.Reasoning.Summary = "auto"
			}
		}
	}
	return up, nil
}

func (h *chatHandler) toolDefs() []upstream.ToolDef {
	all := h.tools.All()
	defs := make([]upstream.ToolDef, 0, len(all))
	for _, t := range all {
		defs = append(defs, upstream.ToolDef{
			Type:        "function",
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// pendingCall is a tool call whose arguments finished streaming and now
// needs execution.
type pendingCall struct {
	callID string
	name   string
	args   string
}

// runStream drives the whole streaming turn: reshape upstream events,
// execute tools inline with follow-up rounds, persist the outcome, and
// always leave the client with a terminal event. remaining, when non-nil,
// is attached to response_complete (demo quota figure).
func (h *chatHandler) runStream(w http.ResponseWriter, r *http.Request, upReq upstream.Request, target *persistTarget, remaining *int) {
	ctx := r.Context()

	// Open the first upstream stream before committing to an event-stream
	// response: a rate-limited or failing provider becomes a plain JSON
	// error the client can show, with a retry hint when one was given.
	first, err := h.upstream.Stream(ctx, upReq)
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}

	out, err := sse.NewWriter(w)
	if err != nil {
		first.Close()
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", h.logger)
		return
	}

	// Everything worth persisting beyond the text passes through the
	// outgoing event stream, so the turn's metadata is collected here
	// rather than threaded out of each round.
	var (
		meta      store.MessageMetadata
		lastImage string
	)
	send := func(ev sse.Event) bool {
		switch ev.Type {
		case sse.TypeReasoningDelta:
			meta.Reasoning += ev.Delta
		case sse.TypeReasoningComplete:
			if ev.Summary != "" {
				meta.Reasoning = ev.Summary
			}
		case sse.TypeImagePreview:
			lastImage = ev.PreviewURL
		}
		if err := out.Send(ctx, ev); err != nil {
			h.logger.Debug("client gone mid-stream", "error", err)
			return false
		}
		return true
	}

	started := sse.Event{Type: sse.TypeStarted}
	if target != nil {
		started.ConversationID = target.conversationID.String()
	}
	if !send(started) {
		return
	}

	var (
		fullText   string
		responseID string
		usage      *sse.Usage
	)

	for round := 0; ; round++ {
		st := first
		first = nil
		if st == nil {
			st, err = h.upstream.Stream(ctx, upReq)
			if err != nil {
				h.streamFail(ctx, out, err)
				return
			}
		}

		text, calls, respID, roundUsage, err := h.streamRound(ctx, st, send)
		fullText += text
		if respID != "" {
			responseID = respID
		}
		if roundUsage != nil {
			usage = roundUsage
		}
		if err != nil {
			h.streamFail(ctx, out, err)
			return
		}

		if len(calls) == 0 || round >= maxToolRounds {
			break
		}

		// Execute each finished call and feed results into a follow-up
		// round chained on the continuation id.
		followUp := upstream.Request{
			Tools:              upReq.Tools,
			PreviousResponseID: responseID,
			MaxOutputTokens:    upReq.MaxOutputTokens,
			Reasoning:          upReq.Reasoning,
		}
		for _, call := range calls {
			result := h.tools.Execute(ctx, call.name, json.RawMessage(call.args))
			record := store.FunctionCallRecord{CallID: call.callID, Name: call.name, Result: result}
			if call.args != "" {
				record.Arguments = json.RawMessage(call.args)
			}
			meta.FunctionCalls = append(meta.FunctionCalls, record)
			if !send(sse.Event{
				Type:         sse.TypeFunctionResult,
				CallID:       call.callID,
				FunctionName: call.name,
				Result:       result,
			}) {
				return
			}
			followUp.Input = append(followUp.Input,
				upstream.FunctionOutputItem(call.callID, string(result)))
		}
		upReq = followUp
	}

	// Persist after generation. A write failure must not cost the user
	// the answer they already watched stream in.
	if target != nil {
		if lastImage != "" {
			meta.Images = []string{lastImage}
		}
		meta.FileIDs = target.fileIDs
		if _, err := h.store.CreateMessage(ctx, target.conversationID, "assistant", fullText, responseID, meta); err != nil {
			h.logger.Error("persist assistant message", "error", err, "conversation", target.conversationID)
			send(sse.Event{Type: sse.TypeDBError, Details: "failed to persist assistant message"})
		} else if responseID != "" {
			convMeta := store.ConversationMetadata{FileIDs: target.fileIDs, Model: h.upstream.Model()}
			if err := h.store.UpdateConversationTurn(ctx, target.conversationID, responseID, convMeta); err != nil {
				h.logger.Error("store continuation id", "error", err, "conversation", target.conversationID)
				send(sse.Event{Type: sse.TypeDBError, Details: "failed to store continuation id"})
			}
		}
	}

	send(sse.Event{
		Type:       sse.TypeResponseComplete,
		Content:    fullText,
		ResponseID: responseID,
		Usage:      usage,
		Remaining:  remaining,
	})
	if err := out.SendDone(); err != nil {
		h.logger.Debug("write done sentinel", "error", err)
	}
}

// streamRound runs one upstream stream to completion, forwarding events
// as they arrive. Returns accumulated text and any tool calls whose
// arguments completed during the round.
func (h *chatHandler) streamRound(ctx context.Context, st *upstream.Stream, send func(sse.Event) bool) (text string, calls []pendingCall, responseID string, usage *sse.Usage, err error) {
	defer st.Close()

	// item id → call identity, for correlating argument deltas.
	type callIdentity struct {
		callID string
		name   string
		args   string
	}
	inflight := make(map[string]*callIdentity)

	for {
		ev, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return text, calls, responseID, usage, err
		}

		switch ev.Kind {
		case upstream.KindCreated:
			if ev.ResponseID != "" {
				responseID = ev.ResponseID
			}
			if !send(sse.Event{Type: sse.TypeProcessing}) {
				return text, calls, responseID, usage, errClientGone
			}
		case upstream.KindInProgress:
			if !send(sse.Event{Type: sse.TypeProcessing}) {
				return text, calls, responseID, usage, errClientGone
			}
		case upstream.KindTextDelta:
			text += ev.Delta
			if !send(sse.Event{Type: sse.TypeTextDelta, Delta: ev.Delta}) {
				return text, calls, responseID, usage, errClientGone
			}
		case upstream.KindReasoningDelta:
			if !send(sse.Event{Type: sse.TypeReasoningDelta, Delta: ev.Delta}) {
				return text, calls, responseID, usage, errClientGone
			}
		case upstream.KindReasoningDone:
			if !send(sse.Event{Type: sse.TypeReasoningComplete, Summary: ev.Summary}) {
				return text, calls, responseID, usage, errClientGone
			}
		case upstream.KindFunctionCallStart:
			inflight[ev.ItemID] = &callIdentity{callID: ev.CallID, name: ev.Name}
		case upstream.KindFunctionArgsDelta:
			call, ok := inflight[ev.ItemID]
			if !ok {
				call = &callIdentity{callID: ev.ItemID}
				inflight[ev.ItemID] = call
			}
			call.args += ev.Delta
			if !send(sse.Event{
				Type:         sse.TypeFunctionArgsDelta,
				CallID:       call.callID,
				FunctionName: call.name,
				Delta:        ev.Delta,
			}) {
				return text, calls, responseID, usage, errClientGone
			}
		case upstream.KindFunctionArgsDone:
			call, ok := inflight[ev.ItemID]
			if !ok {
				call = &callIdentity{callID: ev.ItemID}
			}
			delete(inflight, ev.ItemID)
			if ev.Arguments != "" {
				call.args = ev.Arguments
			}
			calls = append(calls, pendingCall{callID: call.callID, name: call.name, args: call.args})
		case upstream.KindImagePartial:
			preview := "data:image/png;base64," + ev.ImageB64
			if !send(sse.Event{Type: sse.TypeImagePreview, PreviewURL: preview, Progress: ev.Progress}) {
				return text, calls, responseID, usage, errClientGone
			}
		case upstream.KindCompleted:
			if ev.ResponseID != "" {
				responseID = ev.ResponseID
			}
			if ev.Usage != nil {
				usage = &sse.Usage{
					InputTokens:  ev.Usage.InputTokens,
					OutputTokens: ev.Usage.OutputTokens,
					TotalTokens:  ev.Usage.TotalTokens,
				}
			}
		case upstream.KindFailed:
			msg := ev.ErrMessage
			if msg == "" {
				msg = "upstream generation failed"
			}
			return text, calls, responseID, usage, &upstreamFailure{message: msg}
		}
	}
	return text, calls, responseID, usage, nil
}

// errClientGone aborts the turn when the client hung up mid-stream.
var errClientGone = errors.New("client disconnected")

// upstreamFailure is a provider-reported stream failure.
type upstreamFailure struct {
	message string
}

func (e *upstreamFailure) Error() string { return e.message }

// writeUpstreamError maps a failed upstream open onto the JSON error
// envelope, before any stream bytes were written.
func (h *chatHandler) writeUpstreamError(w http.ResponseWriter, err error) {
	h.logger.Error("open upstream stream", "error", err)

	var se *upstream.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests {
			retry := int(se.RetryAfter.Seconds())
			if retry <= 0 {
				retry = 1
			}
			writeRetryError(w, http.StatusTooManyRequests, "rate_limited", se.Message, retry, h.logger)
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", se.Message, h.logger)
		return
	}
	writeError(w, http.StatusBadGateway, "upstream_error", "could not reach the model provider", h.logger)
}

// streamFail delivers a terminal error event. The headers are already
// out as text/event-stream, so errors after that point ride the stream.
func (h *chatHandler) streamFail(ctx context.Context, out *sse.Writer, err error) {
	if errors.Is(err, errClientGone) {
		return
	}
	h.logger.Error("stream turn failed", "error", err)

	msg := "upstream generation failed"
	var uf *upstreamFailure
	var se *upstream.StatusError
	switch {
	case errors.As(err, &uf):
		msg = uf.message
	case errors.As(err, &se):
		msg = se.Message
	}
	if sendErr := out.Send(ctx, sse.Event{Type: sse.TypeError, Message: msg}); sendErr != nil {
		h.logger.Debug("client gone before error event", "error", sendErr)
		return
	}
	if doneErr := out.SendDone(); doneErr != nil {
		h.logger.Debug("write done sentinel", "error", doneErr)
	}
}

// titleFrom derives a conversation title from the first message.
func titleFrom(message string) string {
	const maxTitle = 60
	if len(message) <= maxTitle {
		return message
	}
	// Truncate on a rune boundary so a multi-byte character is never
	// split mid-sequence.
	cut := maxTitle
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

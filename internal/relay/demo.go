package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/security"
	"github.com/rezzyhealth/rezzy/internal/store"
	"github.com/rezzyhealth/rezzy/internal/upstream"
)

// demoSystemPrompt frames the unauthenticated trial assistant.
const demoSystemPrompt = "You are a pediatric practice assistant answering a trial question. " +
	"Be concise and helpful. Do not provide definitive medical diagnoses; " +
	"recommend consulting a clinician for clinical decisions."

type demoRequest struct {
	Email    string `json:"email"`
	Question string `json:"question"`
}

// demoHandler is the stateless demo quota gate: per-request validation,
// atomic server-side quota consumption, then the same streaming contract
// as authenticated chat but with no persisted conversation.
type demoHandler struct {
	logger     log.Logger
	store      Store
	chat       *chatHandler
	queryLimit int
}

// handleChat handles POST /api/v1/demo/chat.
func (h *demoHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req demoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", h.logger)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !security.ValidateEmailFormat(email) {
		writeError(w, http.StatusBadRequest, "invalid_email", "Please enter a valid email address", h.logger)
		return
	}
	if !security.ValidateEmailDomain(email) {
		writeError(w, http.StatusBadRequest, "invalid_email_domain", "Please use a permanent email address", h.logger)
		return
	}
	if res := security.ValidateQuestion(req.Question); !res.Valid {
		writeError(w, http.StatusBadRequest, "invalid_question", res.Error, h.logger)
		return
	}

	// Consume before contacting the upstream model: an exhausted email
	// must cost nothing. The conditional increment is atomic, so two
	// simultaneous requests cannot both take the last slot.
	used, err := h.store.ConsumeEmailQuota(r.Context(), email, h.queryLimit)
	if err != nil {
		if errors.Is(err, store.ErrQuotaExhausted) {
			writeError(w, http.StatusForbidden, "queries_exhausted",
				"You have used all your free questions. Sign up to continue.", h.logger)
			return
		}
		h.logger.Error("consume demo quota", "error", err, "email", email)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not check quota", h.logger)
		return
	}
	remaining := h.queryLimit - used
	if remaining < 0 {
		remaining = 0
	}

	upReq := upstream.Request{
		Input: []upstream.InputItem{
			upstream.MessageItem("system", demoSystemPrompt),
			upstream.MessageItem("user", req.Question),
		},
		Tools: h.chat.toolDefs(),
	}

	// Ephemeral: no persist target, but the terminal event carries the
	// authoritative remaining count for the client to cache.
	h.chat.runStream(w, r, upReq, nil, &remaining)
}

// quota handles GET /api/v1/demo/quota. Lets a returning demo client
// re-seed its cached remaining count from the authority.
func (h *demoHandler) quota(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("email")))
	if !security.ValidateEmailFormat(email) {
		writeError(w, http.StatusBadRequest, "invalid_email", "Please enter a valid email address", h.logger)
		return
	}

	used, err := h.store.GetEmailQuotaUsed(r.Context(), email)
	if err != nil {
		h.logger.Error("get demo quota", "error", err, "email", email)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not check quota", h.logger)
		return
	}
	remaining := h.queryLimit - used
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, map[string]int{"remaining": remaining}, h.logger)
}

package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/store"
)

type conversationHandler struct {
	logger log.Logger
	store  Store
}

type conversationJSON struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	LastResponseID string    `json:"lastResponseId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type messageJSON struct {
	ID        string                `json:"id"`
	Role      string                `json:"role"`
	Content   string                `json:"content"`
	Metadata  store.MessageMetadata `json:"metadata"`
	CreatedAt time.Time             `json:"createdAt"`
}

// list handles GET /api/v1/conversations, most recently active first.
func (h *conversationHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	convs, err := h.store.ListConversations(r.Context(), userID)
	if err != nil {
		h.logger.Error("list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list conversations", h.logger)
		return
	}

	out := make([]conversationJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationJSON{
			ID:             c.ID.String(),
			Title:          c.Title,
			LastResponseID: c.LastResponseID,
			CreatedAt:      c.CreatedAt,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out}, h.logger)
}

// create handles POST /api/v1/conversations. Conversations are normally
// created lazily by the first chat or upload; this gives the client an
// explicit way to open an empty thread up front.
func (h *conversationHandler) create(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
			return
		}
	}

	conv, err := h.store.EnsureConversation(r.Context(), userID, uuid.Nil, req.Title)
	if err != nil {
		h.logger.Error("create conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create conversation", h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, conversationJSON{
		ID:        conv.ID.String(),
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}, h.logger)
}

// delete handles DELETE /api/v1/conversations/{id}. Messages and uploads
// go with it via cascade.
func (h *conversationHandler) delete(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id", h.logger)
		return
	}

	if err := h.store.DeleteConversation(r.Context(), userID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "forbidden", "conversation not found", h.logger)
			return
		}
		h.logger.Error("delete conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not delete conversation", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messages handles GET /api/v1/conversations/{id}/messages.
func (h *conversationHandler) messages(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id", h.logger)
		return
	}

	// Ownership gate before reading messages.
	if _, err := h.store.EnsureConversation(r.Context(), userID, id, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "forbidden", "conversation not found", h.logger)
			return
		}
		h.logger.Error("resolve conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load conversation", h.logger)
		return
	}

	const messagePageSize = 200
	msgs, err := h.store.ListRecentMessages(r.Context(), id, messagePageSize)
	if err != nil {
		h.logger.Error("list messages", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list messages", h.logger)
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:        m.ID.String(),
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out}, h.logger)
}

package relay

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/store"
)

// MaxUploadBytes is the hard per-file size limit. A file of exactly this
// size passes; one more byte fails.
const MaxUploadBytes = 20 << 20 // 20 MB

// allowedUploadTypes is the MIME allow-list for attachments.
var allowedUploadTypes = map[string]struct{}{
	"application/pdf": {},
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"text/plain":      {},
	"text/csv":        {},
}

// ValidateUpload checks name, declared type, and size against upload
// policy. Exported so the client can run the identical check before
// spending bandwidth.
func ValidateUpload(fileName, mimeType string, sizeBytes int64) error {
	if fileName == "" || fileName == "." || fileName == ".." ||
		fileName != filepath.Base(fileName) || strings.ContainsAny(fileName, "\x00") {
		return errors.New("invalid file name")
	}
	if _, ok := allowedUploadTypes[mimeType]; !ok {
		return fmt.Errorf("file type %s is not supported", mimeType)
	}
	if sizeBytes > MaxUploadBytes {
		return fmt.Errorf("file is too large: the limit is 20 MB")
	}
	return nil
}

type uploadHandler struct {
	logger   log.Logger
	store    Store
	upstream Upstream
}

type uploadJSON struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	FileName       string    `json:"fileName"`
	MimeType       string    `json:"mimeType"`
	SizeBytes      int64     `json:"sizeBytes"`
	UpstreamFileID string    `json:"fileId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// upload handles POST /api/v1/uploads (multipart form: file, optional
// conversationId). A missing conversation id creates one through the same
// idempotent step the chat path uses, so upload-first and send-first
// flows converge on a single conversation.
func (h *uploadHandler) upload(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	// One extra byte of headroom so an oversize body is distinguishable
	// from one at exactly the limit.
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not parse multipart form", h.logger)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing file field", h.logger)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if err := ValidateUpload(header.Filename, mimeType, header.Size); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_file", err.Error(), h.logger)
		return
	}

	var convID uuid.UUID
	if raw := r.FormValue("conversationId"); raw != "" {
		convID, err = uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id", h.logger)
			return
		}
	}
	conv, err := h.store.EnsureConversation(r.Context(), userID, convID, header.Filename)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "forbidden", "conversation not found", h.logger)
			return
		}
		h.logger.Error("ensure conversation for upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not resolve conversation", h.logger)
		return
	}

	fileID, err := h.upstream.UploadFile(r.Context(), header.Filename, file)
	if err != nil {
		h.logger.Error("forward upload", "error", err, "file", header.Filename)
		writeError(w, http.StatusBadGateway, "upstream_error", "could not store the file", h.logger)
		return
	}

	up, err := h.store.CreateUpload(r.Context(), conv.ID, header.Filename, mimeType, header.Size, fileID)
	if err != nil {
		h.logger.Error("persist upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not record the upload", h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, toUploadJSON(*up), h.logger)
}

// list handles GET /api/v1/conversations/{id}/uploads.
func (h *uploadHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id", h.logger)
		return
	}
	if _, err := h.store.EnsureConversation(r.Context(), userID, id, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "forbidden", "conversation not found", h.logger)
			return
		}
		h.logger.Error("resolve conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load conversation", h.logger)
		return
	}

	ups, err := h.store.ListUploads(r.Context(), id)
	if err != nil {
		h.logger.Error("list uploads", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list uploads", h.logger)
		return
	}

	out := make([]uploadJSON, 0, len(ups))
	for _, u := range ups {
		out = append(out, toUploadJSON(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": out}, h.logger)
}

func toUploadJSON(u store.Upload) uploadJSON {
	return uploadJSON{
		ID:             u.ID.String(),
		ConversationID: u.ConversationID.String(),
		FileName:       u.FileName,
		MimeType:       u.MimeType,
		SizeBytes:      u.SizeBytes,
		UpstreamFileID: u.UpstreamFileID,
		CreatedAt:      u.CreatedAt,
	}
}

package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rezzyhealth/rezzy/internal/log"
)

// errorBody is the wire shape of every non-stream error response.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

// writeJSON writes a JSON response. Encoding happens into a buffer first
// so a marshal failure can still produce a clean 500 instead of a
// half-written body.
func writeJSON(w http.ResponseWriter, status int, data any, logger log.Logger) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		logger.Error("encode JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are routine.
		logger.Debug("write response body", "error", err)
	}
}

// writeError writes the standard {error, message} envelope.
func writeError(w http.ResponseWriter, status int, code, message string, logger log.Logger) {
	writeJSON(w, status, errorBody{Error: code, Message: message}, logger)
}

// writeRetryError adds a retryAfter hint for rate-limit-class failures.
func writeRetryError(w http.ResponseWriter, status int, code, message string, retryAfter int, logger log.Logger) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, status, errorBody{Error: code, Message: message, RetryAfter: retryAfter}, logger)
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/security"
	"github.com/rezzyhealth/rezzy/internal/store"
	"github.com/rezzyhealth/rezzy/internal/upstream"
)

// taskTypes enumerates the accepted background analyses.
var taskTypes = map[string]struct{}{
	"medical_research":   {},
	"drug_interaction":   {},
	"diagnosis_analysis": {},
}

// taskTimeout bounds one background run; tasks are not interactive and
// do not get unlimited stream time.
const taskTimeout = 5 * time.Minute

type taskRequest struct {
	TaskType       string `json:"taskType"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversationId,omitempty"`
}

type taskJSON struct {
	ID        string    `json:"id"`
	TaskType  string    `json:"taskType"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// taskHandler runs long analyses out-of-band: the client submits a task,
// then sees the result through normal polling instead of a live stream.
type taskHandler struct {
	logger   log.Logger
	store    Store
	upstream Upstream
	baseCtx  context.Context
}

// create handles POST /api/v1/tasks.
func (h *taskHandler) create(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", h.logger)
		return
	}
	if _, ok := taskTypes[req.TaskType]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown task type", h.logger)
		return
	}
	if res := security.ValidateQuestion(req.Prompt); !res.Valid {
		writeError(w, http.StatusBadRequest, "invalid_question", res.Error, h.logger)
		return
	}

	var convID uuid.UUID
	if req.ConversationID != "" {
		parsed, err := uuid.Parse(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id", h.logger)
			return
		}
		if _, err := h.store.EnsureConversation(r.Context(), userID, parsed, ""); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusForbidden, "forbidden", "conversation not found", h.logger)
				return
			}
			h.logger.Error("resolve conversation", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "could not resolve conversation", h.logger)
			return
		}
		convID = parsed
	}

	task, err := h.store.CreateTask(r.Context(), userID, convID, req.TaskType, req.Prompt)
	if err != nil {
		h.logger.Error("create task", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not create task", h.logger)
		return
	}

	// The run outlives the request; it hangs off the server's context so
	// shutdown stops it.
	go h.run(task.ID, req.TaskType, req.Prompt)

	writeJSON(w, http.StatusAccepted, toTaskJSON(*task), h.logger)
}

// run executes one task against the upstream model and stores the result.
func (h *taskHandler) run(id uuid.UUID, taskType, prompt string) {
	ctx, cancel := context.WithTimeout(h.baseCtx, taskTimeout)
	defer cancel()

	if err := h.store.UpdateTaskStatus(ctx, id, store.TaskInProgress, ""); err != nil {
		h.logger.Error("mark task in progress", "error", err, "task", id)
		return
	}

	result, err := h.generate(ctx, taskType, prompt)
	if err != nil {
		h.logger.Error("task run failed", "error", err, "task", id)
		if uerr := h.store.UpdateTaskStatus(ctx, id, store.TaskFailed, err.Error()); uerr != nil {
			h.logger.Error("mark task failed", "error", uerr, "task", id)
		}
		return
	}

	if err := h.store.UpdateTaskStatus(ctx, id, store.TaskCompleted, result); err != nil {
		h.logger.Error("store task result", "error", err, "task", id)
	}
}

// generate streams one upstream turn and accumulates the text.
func (h *taskHandler) generate(ctx context.Context, taskType, prompt string) (string, error) {
	st, err := h.upstream.Stream(ctx, upstream.Request{
		Input: []upstream.InputItem{
			upstream.MessageItem("system", "Background analysis task: "+taskType),
			upstream.MessageItem("user", prompt),
		},
	})
	if err != nil {
		return "", err
	}
	defer st.Close()

	var text string
	for {
		ev, err := st.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return text, nil
			}
			return "", err
		}
		switch ev.Kind {
		case upstream.KindTextDelta:
			text += ev.Delta
		case upstream.KindFailed:
			msg := ev.ErrMessage
			if msg == "" {
				msg = "upstream generation failed"
			}
			return "", errors.New(msg)
		}
	}
}

// list handles GET /api/v1/tasks.
func (h *taskHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	tasks, err := h.store.ListTasks(r.Context(), userID)
	if err != nil {
		h.logger.Error("list tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list tasks", h.logger)
		return
	}

	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskJSON(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out}, h.logger)
}

// get handles GET /api/v1/tasks/{id}, the polling endpoint.
func (h *taskHandler) get(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid task id", h.logger)
		return
	}

	task, err := h.store.GetTask(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "forbidden", "task not found", h.logger)
			return
		}
		h.logger.Error("get task", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not load task", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, toTaskJSON(*task), h.logger)
}

func toTaskJSON(t store.Task) taskJSON {
	return taskJSON{
		ID:        t.ID.String(),
		TaskType:  t.TaskType,
		Status:    t.Status,
		Result:    t.Result,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

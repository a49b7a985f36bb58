// HTTP surface for the task engine:
//   - POST /api/v1/tasks             - create a task from a template
//   - POST /api/v1/tasks/auto        - create a task from an utterance
//   - POST /api/v1/tasks/execute     - dispatch delivery callback
//   - GET  /api/v1/tasks             - list tasks (optional ?status=)
//   - GET  /api/v1/tasks/{id}        - get task status and result
//   - POST /api/v1/tasks/{id}/cancel - cancel a task
//   - GET  /api/v1/stats             - engine load snapshot
package orchestration

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/taskforge-ai/taskforge/core"
	"github.com/taskforge-ai/taskforge/registry"
	"github.com/taskforge-ai/taskforge/schema"
)

// APIHandler exposes the orchestrator over HTTP.
type APIHandler struct {
	orchestrator *Orchestrator
	store        *TaskStore
	maintenance  *Maintenance
	contexts     *ContextCache
	logger       core.Logger
}

// NewAPIHandler creates the HTTP handler set. Maintenance and the context
// cache are optional; their endpoints degrade when absent.
func NewAPIHandler(orchestrator *Orchestrator, store *TaskStore, maintenance *Maintenance, contexts *ContextCache, logger core.Logger) *APIHandler {
	h := &APIHandler{
		orchestrator: orchestrator,
		store:        store,
		maintenance:  maintenance,
		contexts:     contexts,
		logger:       logger,
	}
	if h.logger != nil {
		if cal, ok := h.logger.(core.ComponentAwareLogger); ok {
			h.logger = cal.WithComponent("engine/api")
		}
	}
	return h
}

// Routes returns the mux wrapped with OpenTelemetry HTTP instrumentation.
func (h *APIHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", h.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", h.handleTaskByID)
	mux.HandleFunc("/api/v1/stats", h.handleStats)
	return otelhttp.NewHandler(mux, "taskforge.api")
}

// TaskCreateRequest is the body for explicit task creation.
type TaskCreateRequest struct {
	TemplateID string                 `json:"template_id"`
	Parameters map[string]interface{} `json:"parameters"`
	UserID     string                 `json:"user_id"`
	Priority   int                    `json:"priority,omitempty"`
}

// AutoCreateRequest is the body for utterance-driven creation.
// IncludeTesting opts the caller in to templates in testing mode, which are
// otherwise never matched.
type AutoCreateRequest struct {
	Utterance      string `json:"utterance"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	IncludeTesting bool   `json:"include_testing,omitempty"`
}

// TaskCreateResponse acknowledges an accepted task.
type TaskCreateResponse struct {
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence,omitempty"`
	StatusURL  string  `json:"status_url"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error      string            `json:"error"`
	Code       string            `json:"code,omitempty"`
	Violations map[string]string `json:"violations,omitempty"`
}

func (h *APIHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreate(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	}
}

func (h *APIHandler) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	switch {
	case rest == "auto":
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "use POST for auto create", "METHOD_NOT_ALLOWED")
			return
		}
		h.handleAutoCreate(w, r)
	case rest == "execute":
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "use POST for execute", "METHOD_NOT_ALLOWED")
			return
		}
		h.handleExecute(w, r)
	case strings.HasSuffix(rest, "/cancel"):
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "use POST for cancel", "METHOD_NOT_ALLOWED")
			return
		}
		h.handleCancel(w, r, strings.TrimSuffix(rest, "/cancel"))
	case rest != "" && !strings.Contains(rest, "/"):
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.handleGet(w, r, rest)
	default:
		h.writeError(w, http.StatusNotFound, "not found", "NOT_FOUND")
	}
}

func (h *APIHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TaskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.TemplateID == "" {
		h.writeError(w, http.StatusBadRequest, "template_id is required", "MISSING_TEMPLATE_ID")
		return
	}

	task, err := h.orchestrator.CreateFromTemplate(ctx, &CreateRequest{
		TemplateID: req.TemplateID,
		Parameters: req.Parameters,
		UserID:     req.UserID,
		Priority:   req.Priority,
	})
	if err != nil {
		h.writeCreateError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, TaskCreateResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		StatusURL: "/api/v1/tasks/" + task.ID,
	})
}

func (h *APIHandler) handleAutoCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AutoCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if strings.TrimSpace(req.Utterance) == "" {
		h.writeError(w, http.StatusBadRequest, "utterance is required", "MISSING_UTTERANCE")
		return
	}

	if h.contexts != nil && req.ConversationID != "" {
		h.contexts.AppendTurn(req.ConversationID, req.UserID, "user", req.Utterance)
	}

	var opts []registry.MatchOption
	if req.IncludeTesting {
		opts = append(opts, registry.IncludeTesting())
	}
	task, err := h.orchestrator.AutoCreateFromUtterance(ctx, req.Utterance, req.UserID, opts...)
	if err != nil {
		h.writeCreateError(w, r, err)
		return
	}

	if h.contexts != nil && req.ConversationID != "" {
		h.contexts.AttachTask(req.ConversationID, task.ID)
	}

	h.writeJSON(w, http.StatusAccepted, TaskCreateResponse{
		TaskID:     task.ID,
		Status:     string(task.Status),
		Confidence: task.Confidence,
		StatusURL:  "/api/v1/tasks/" + task.ID,
	})
}

// handleExecute is the delivery callback for dispatch transports that push
// over HTTP instead of the in-process worker pool. At-least-once delivery
// is expected; Execute deduplicates on task status.
func (h *APIHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload core.DispatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid dispatch payload", "INVALID_REQUEST")
		return
	}
	if payload.TaskID == "" {
		h.writeError(w, http.StatusBadRequest, "task_id is required", "MISSING_TASK_ID")
		return
	}

	if err := h.orchestrator.Execute(ctx, &payload); err != nil {
		if h.logger != nil {
			h.logger.ErrorWithContext(ctx, "Dispatch execution failed", map[string]interface{}{
				"task_id": payload.TaskID,
				"error":   err.Error(),
			})
		}
		h.writeError(w, http.StatusInternalServerError, "execution failed", "EXECUTE_ERROR")
		return
	}

	task, err := h.store.Get(ctx, payload.TaskID)
	if err != nil {
		// Unknown ids are swallowed by Execute; acknowledge so the
		// transport stops redelivering.
		h.writeJSON(w, http.StatusOK, map[string]string{"task_id": payload.TaskID, "status": "unknown"})
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse(task))
}

// TaskStatusResponse is the read model for one task.
type TaskStatusResponse struct {
	TaskID     string                `json:"task_id"`
	TemplateID string                `json:"template_id"`
	Status     string                `json:"status"`
	Priority   int                   `json:"priority"`
	Testing    bool                  `json:"testing"`
	Progress   *core.TaskProgress    `json:"progress,omitempty"`
	Result     *core.TaskResult      `json:"result,omitempty"`
	Errors     []core.TaskErrorEntry `json:"errors,omitempty"`
	Estimate   *core.CostEstimate    `json:"estimate,omitempty"`

	ParentTaskID    string `json:"parent_task_id,omitempty"`
	RetryAttempt    int    `json:"retry_attempt,omitempty"`
	FinalRetryCount int    `json:"final_retry_count,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

func statusResponse(task *core.Task) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:          task.ID,
		TemplateID:      task.TemplateID,
		Status:          string(task.Status),
		Priority:        task.Priority,
		Testing:         task.Testing,
		Progress:        task.Progress,
		Result:          task.Result,
		Errors:          task.Errors,
		Estimate:        task.Estimate,
		ParentTaskID:    task.ParentTaskID,
		RetryAttempt:    task.RetryAttempt,
		FinalRetryCount: task.FinalRetryCount,
		FailureReason:   task.FailureReason,
	}
}

func (h *APIHandler) handleGet(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		if core.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to load task", "STORE_ERROR")
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse(task))
}

func (h *APIHandler) handleList(w http.ResponseWriter, r *http.Request) {
	status := core.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := h.store.List(r.Context(), status)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to list tasks", "STORE_ERROR")
		return
	}
	out := make([]TaskStatusResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, statusResponse(task))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": out})
}

func (h *APIHandler) handleCancel(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	task, err := h.orchestrator.Cancel(ctx, taskID)
	if err != nil {
		switch {
		case core.IsNotFound(err):
			h.writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
		case errors.Is(err, core.ErrTaskNotCancellable):
			h.writeError(w, http.StatusConflict, err.Error(), "NOT_CANCELLABLE")
		default:
			h.writeError(w, http.StatusInternalServerError, "failed to cancel task", "CANCEL_ERROR")
		}
		return
	}
	if h.logger != nil {
		h.logger.InfoWithContext(ctx, "Task cancelled via API", map[string]interface{}{
			"task_id": taskID,
		})
	}
	h.writeJSON(w, http.StatusOK, statusResponse(task))
}

func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	if h.maintenance == nil {
		h.writeError(w, http.StatusNotFound, "stats not enabled", "NOT_FOUND")
		return
	}
	stats, err := h.maintenance.Stats(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to collect stats", "STATS_ERROR")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// writeCreateError maps creation failures onto HTTP statuses. Parameter
// violations carry their per-field detail.
func (h *APIHandler) writeCreateError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		violations := make(map[string]string, len(verr.Violations))
		for _, v := range verr.Violations {
			violations[v.Field] = v.Message
		}
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:      "parameter validation failed",
			Code:       "PARAMETER_VALIDATION",
			Violations: violations,
		})
	case core.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, err.Error(), "TEMPLATE_NOT_FOUND")
	case errors.Is(err, core.ErrTemplateDisabled):
		h.writeError(w, http.StatusConflict, err.Error(), "TEMPLATE_DISABLED")
	default:
		if h.logger != nil {
			h.logger.ErrorWithContext(r.Context(), "Task creation failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		h.writeError(w, http.StatusInternalServerError, "failed to create task", "CREATE_ERROR")
	}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, msg, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

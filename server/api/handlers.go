// Package api defines the REST API handlers for the Tempo server.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/tempo/comms"
	"github.com/GoCodeAlone/tempo/hierarchy"
	"github.com/GoCodeAlone/tempo/task"
)

// DeviceHeader carries the caller's device id on every request.
const DeviceHeader = "X-Device-ID"

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks   task.Store
	Bus     comms.Bus
	Logger  *slog.Logger
	Version string
	Now     func() time.Time // defaults to time.Now
}

// UpdateRequest is the body of PATCH /api/tasks/{id}.
type UpdateRequest struct {
	Version  int64      `json:"version"`
	DeviceID string     `json:"device_id,omitempty"`
	Patch    task.Patch `json:"patch"`
}

// ConflictResponse is the 409 body of a rejected conditional update.
type ConflictResponse struct {
	Error           string `json:"error"`
	Code            string `json:"code"`
	TaskID          string `json:"task_id"`
	ExpectedVersion int64  `json:"expected_version"`
	CurrentVersion  int64  `json:"current_version"`
	RunningTaskID   string `json:"running_task_id,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound     = "not_found"
	CodeConflict     = "version_conflict"
	CodeInvalidInput = "invalid_input"
	CodeInvalidState = "invalid_state"
)

// ErrorResponse is the body of every non-2xx response except 409.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// DeleteResponse is the body of DELETE /api/tasks/{id}.
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/active", h.activeTask)
	mux.HandleFunc("POST /api/tasks/pause-all", h.pauseAll)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)

	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("GET /api/categories", h.categories)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeStoreError maps store errors onto HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *task.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ConflictResponse{
			Error:           conflict.Error(),
			Code:            CodeConflict,
			TaskID:          conflict.TaskID,
			ExpectedVersion: conflict.ExpectedVersion,
			CurrentVersion:  conflict.CurrentVersion,
			RunningTaskID:   conflict.RunningTaskID,
		})
	case errors.Is(err, task.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "task not found", Code: CodeNotFound})
	case errors.Is(err, task.ErrInvalidInput):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: CodeInvalidInput})
	case errors.Is(err, task.ErrInvalidState):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: CodeInvalidState})
	default:
		h.logger().Error("task store", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// user returns the authenticated user, writing 401 when there is none.
func user(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := UserFrom(r.Context())
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return id, true
}

// publish sends a change notification. Delivery failures do not fail the
// request; the write has already committed.
func (h *Handlers) publish(r *http.Request, msg *comms.Message) {
	if h.Bus == nil {
		return
	}
	if err := h.Bus.Publish(r.Context(), msg); err != nil {
		h.logger().Warn("publish task event", "type", msg.Type, "task_id", msg.TaskID, "err", err)
	}
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	forest, err := h.Tasks.Tree(r.Context(), userID, task.Filter{Date: r.URL.Query().Get("date")})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if forest == nil {
		forest = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, forest)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	var in task.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.Create(r.Context(), userID, in)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.publish(r, comms.NewMessage(comms.TypeTaskCreated, userID, r.Header.Get(DeviceHeader), t))
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) activeTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.FindRunningOrPaused(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Version < 1 {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = r.Header.Get(DeviceHeader)
	}

	t, err := h.Tasks.ConditionalUpdate(r.Context(), userID, r.PathValue("id"), req.Version, deviceID, req.Patch)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.publish(r, comms.NewMessage(comms.TypeTaskUpdated, userID, deviceID, t))
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) pauseAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	deviceID := r.Header.Get(DeviceHeader)
	paused, err := h.Tasks.PauseAllRunning(r.Context(), userID, deviceID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	for _, t := range paused {
		msg := comms.NewMessage(comms.TypeTasksPaused, userID, deviceID, t)
		msg.Count = len(paused)
		h.publish(r, msg)
	}
	if paused == nil {
		paused = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, paused)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	n, err := h.Tasks.DeleteCascade(r.Context(), userID, id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	msg := comms.NewMessage(comms.TypeTaskDeleted, userID, r.Header.Get(DeviceHeader), nil)
	msg.TaskID = id
	msg.Count = n
	h.publish(r, msg)
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: n})
}

// --- Rollups ---

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	st, err := h.Tasks.TreeStats(r.Context(), userID, r.URL.Query().Get("date"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) categories(w http.ResponseWriter, r *http.Request) {
	userID, ok := user(w, r)
	if !ok {
		return
	}
	forest, err := h.Tasks.Tree(r.Context(), userID, task.Filter{Date: r.URL.Query().Get("date")})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	groups := hierarchy.GroupByCategory(forest, h.now().Unix())
	if groups == nil {
		groups = []*hierarchy.CategoryGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}

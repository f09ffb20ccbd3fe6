package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/rangeload/internal/engine"
	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/queue"
	"github.com/italolelis/rangeload/internal/telemetry"
	"github.com/italolelis/rangeload/internal/transfer"
)

const maxRequestBody = 1 << 20

var errInvalidPath = errors.New("path escapes the target directory")

// TaskView is the JSON shape of a task.
type TaskView struct {
	Key           string    `json:"key"`
	Direction     string    `json:"direction"`
	URL           string    `json:"url"`
	RedirectURL   string    `json:"redirect_url,omitempty"`
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
	Bytes         int64     `json:"bytes"`
	Percent       float64   `json:"percent"`
	SupportsRange bool      `json:"supports_range"`
	State         string    `json:"state"`
	Slot          string    `json:"slot"`
	Blocks        int       `json:"blocks"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateTaskRequest adds a download or an upload.
type CreateTaskRequest struct {
	URL                string `json:"url"`
	Path               string `json:"path"`
	Direction          string `json:"direction"`
	RemoveFileOnCancel bool   `json:"remove_file_on_cancel"`
	Paused             bool   `json:"paused"`
}

// QueueView is the JSON shape of the admission queue.
type QueueView struct {
	MaxConcurrent int `json:"max_concurrent"`
	Running       int `json:"running"`
	Waiting       int `json:"waiting"`
}

type QueueUpdateRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// TaskHandler exposes the queue over HTTP. Task keys are URLs or file paths, so they travel in
// the "key" query parameter.
type TaskHandler struct {
	username  string
	password  string
	queue     *queue.Queue
	hub       *Hub
	targetDir string
	telemetry *telemetry.Telemetry
}

// NewTaskHandler creates the control API handler. Empty credentials disable basic auth.
func NewTaskHandler(username, password string, q *queue.Queue, hub *Hub, targetDir string, t *telemetry.Telemetry) *TaskHandler {
	return &TaskHandler{
		username:  username,
		password:  password,
		queue:     q,
		hub:       hub,
		targetDir: targetDir,
		telemetry: t,
	}
}

func (h *TaskHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Get("/tasks", h.HandleList)
	r.Post("/tasks", h.HandleCreate)
	r.Get("/tasks/item", h.HandleGet)
	r.Delete("/tasks/item", h.HandleRemove)
	r.Post("/tasks/item/{action}", h.HandleAction)

	r.Get("/queue", h.HandleQueueGet)
	r.Put("/queue", h.HandleQueueUpdate)
	r.Post("/queue/stop", h.HandleStopAll)
	r.Delete("/queue", h.HandleRemoveAll)

	return r
}

func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries := h.queue.List()

	views := make([]TaskView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newTaskView(entry.Engine, entry.Slot))
	}

	h.writeJSON(w, r, http.StatusOK, views)
}

func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	for _, entry := range h.queue.List() {
		if entry.Engine.Key() == key {
			h.writeJSON(w, r, http.StatusOK, newTaskView(entry.Engine, entry.Slot))
			return
		}
	}

	h.writeError(w, r, http.StatusNotFound, fmt.Errorf("task %q not found", key))
}

func (h *TaskHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req CreateTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	task, err := h.buildTask(&req)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var opts []queue.CreateOption
	if req.Paused {
		// paused tasks are parked so promotion never picks them up
		opts = append(opts, queue.Parked())
	}

	e, created := h.queue.CreateOrGet(task.Key, func() *transfer.Task { return task }, opts...)

	status := http.StatusOK
	if created {
		status = http.StatusCreated

		logger.Info("task added", "task_key", task.Key, "direction", task.Direction.String(), "path", task.Resource.Path)
	}

	if !req.Paused {
		h.queue.Start(e.Key())
	}

	h.writeJSON(w, r, status, h.view(e))
}

func (h *TaskHandler) buildTask(req *CreateTaskRequest) (*transfer.Task, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}

	direction, err := transfer.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}

	var task *transfer.Task

	switch direction {
	case transfer.Upload:
		source, err := h.uploadPath(req.Path)
		if err != nil {
			return nil, err
		}

		task = transfer.NewUpload(source, req.URL)
	default:
		target, err := h.downloadPath(req.Path, u)
		if err != nil {
			return nil, err
		}

		task = transfer.NewDownload(req.URL, target)
	}

	task.RemoveFileOnCancel = req.RemoveFileOnCancel

	return task, nil
}

// downloadPath resolves where a download lands. Relative paths and bare names are placed under
// the target directory; nothing may escape it.
func (h *TaskHandler) downloadPath(requested string, u *url.URL) (string, error) {
	if requested == "" {
		requested = path.Base(u.Path)
		if requested == "/" || requested == "." {
			requested = u.Host
		}
	}

	return h.confine(requested)
}

// uploadPath resolves an upload source the same way, then follows symlinks so a link inside
// the target directory cannot expose a file outside it.
func (h *TaskHandler) uploadPath(requested string) (string, error) {
	if requested == "" {
		return "", errors.New("uploads need a source path")
	}

	source, err := h.confine(requested)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(source)
	if err != nil {
		return "", fmt.Errorf("upload source %q: %w", requested, err)
	}

	root, err := filepath.EvalSymlinks(h.targetDir)
	if err != nil {
		return "", fmt.Errorf("target directory: %w", err)
	}

	if !within(root, resolved) {
		return "", errInvalidPath
	}

	return source, nil
}

// confine places relative paths under the target directory and rejects anything outside it.
func (h *TaskHandler) confine(requested string) (string, error) {
	target := requested
	if !filepath.IsAbs(target) {
		target = filepath.Join(h.targetDir, target)
	}

	target = filepath.Clean(target)

	if !within(h.targetDir, target) {
		return "", errInvalidPath
	}

	return target, nil
}

// within reports whether path lies strictly below dir.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." {
		return false
	}

	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (h *TaskHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	action := chi.URLParam(r, "action")

	e, ok := h.queue.Get(key)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, fmt.Errorf("task %q not found", key))
		return
	}

	switch action {
	case "start":
		h.queue.Start(key)
	case "resume":
		h.queue.Resume(key)
	case "stop":
		h.queue.Stop(key)
	case "retry":
		if !h.queue.Retry(key) && e.State() != engine.StateFailed {
			h.writeError(w, r, http.StatusConflict, fmt.Errorf("task %q has not failed", key))
			return
		}
	case "cancel":
		h.queue.Cancel(key)
		w.WriteHeader(http.StatusNoContent)

		return
	default:
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("unknown action %q", action))
		return
	}

	h.writeJSON(w, r, http.StatusOK, h.view(e))
}

func (h *TaskHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	if _, ok := h.queue.Get(key); !ok {
		h.writeError(w, r, http.StatusNotFound, fmt.Errorf("task %q not found", key))
		return
	}

	h.queue.Remove(key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) HandleQueueGet(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.queueView())
}

func (h *TaskHandler) HandleQueueUpdate(w http.ResponseWriter, r *http.Request) {
	var req QueueUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := h.queue.SetMaxConcurrent(req.MaxConcurrent); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	h.writeJSON(w, r, http.StatusOK, h.queueView())
}

func (h *TaskHandler) HandleStopAll(w http.ResponseWriter, r *http.Request) {
	h.queue.StopAll()
	h.writeJSON(w, r, http.StatusOK, h.queueView())
}

func (h *TaskHandler) HandleRemoveAll(w http.ResponseWriter, r *http.Request) {
	h.queue.RemoveAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) queueView() QueueView {
	return QueueView{
		MaxConcurrent: h.queue.MaxConcurrent(),
		Running:       h.queue.RunningCount(),
		Waiting:       h.queue.WaitingCount(),
	}
}

func (h *TaskHandler) view(e *engine.Engine) TaskView {
	for _, entry := range h.queue.List() {
		if entry.Engine == e {
			return newTaskView(e, entry.Slot)
		}
	}

	return newTaskView(e, "")
}

func newTaskView(e *engine.Engine, slot queue.Slot) TaskView {
	task := e.Task()
	snap := e.Snapshot()

	v := TaskView{
		Key:           task.Key,
		Direction:     task.Direction.String(),
		URL:           task.Resource.URL,
		RedirectURL:   task.Resource.RedirectURL,
		Path:          task.Resource.Path,
		Size:          task.Resource.Size,
		Bytes:         snap.Bytes,
		SupportsRange: task.Resource.SupportsRange,
		State:         e.State().String(),
		Slot:          string(slot),
		Blocks:        snap.TotalBlocks,
		CreatedAt:     task.CreatedAt,
	}

	if v.Size > 0 {
		v.Percent = float64(v.Bytes) * 100 / float64(v.Size)
	}

	return v
}

func (h *TaskHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
		h.telemetry.RecordSystemError("rest", "encode_response")
	}
}

func (h *TaskHandler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logctx.LoggerFromContext(r.Context()).Debug("request rejected", "status", status, "err", err)
	h.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func (h *TaskHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" && h.password == "" {
			next.ServeHTTP(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

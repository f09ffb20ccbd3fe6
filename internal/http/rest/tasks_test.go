package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/italolelis/rangeload/internal/engine"
	"github.com/italolelis/rangeload/internal/queue"
	"github.com/italolelis/rangeload/internal/storage"
	"github.com/italolelis/rangeload/internal/transfer"
	"github.com/italolelis/rangeload/internal/transfer/transfertest"
)

type apiFixture struct {
	handler   *TaskHandler
	hub       *Hub
	queue     *queue.Queue
	transport *transfertest.Transport
	server    *httptest.Server
	targetDir string
}

func newAPIFixture(t *testing.T, username, password string) *apiFixture {
	t.Helper()

	f := &apiFixture{
		hub:       NewHub(),
		transport: transfertest.New(bytes.Repeat([]byte("x"), 4000), true),
		targetDir: t.TempDir(),
	}

	store := storage.NewMemoryCheckpointStore()
	cfg := engine.Config{Blocks: 2, MinMultiBlockSize: 1000, ChunkSize: 100, CheckpointEvery: 500}

	f.queue = queue.New(context.Background(), func(task *transfer.Task, hook engine.TerminalFunc) *engine.Engine {
		return engine.New(task, f.transport, store, cfg,
			engine.WithListener(transfer.NewEventListener(task, f.hub)),
			engine.WithTerminalHook(hook),
		)
	})

	f.handler = NewTaskHandler(username, password, f.queue, f.hub, f.targetDir, nil)

	r := chi.NewRouter()
	r.Get("/events", f.handler.HandleEvents)
	r.Mount("/", f.handler.Routes())

	f.server = httptest.NewServer(r)

	t.Cleanup(func() {
		f.server.Close()
		_ = f.queue.Shutdown(context.Background())
	})

	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func TestBasicAuth(t *testing.T) {
	f := newAPIFixture(t, "admin", "secret")

	tests := []struct {
		name     string
		user     string
		pass     string
		withAuth bool
		want     int
	}{
		{name: "missing credentials", want: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", pass: "nope", withAuth: true, want: http.StatusUnauthorized},
		{name: "valid", user: "admin", pass: "secret", withAuth: true, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.server.URL+"/queue", nil)
			require.NoError(t, err)

			if tt.withAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			resp, err := f.server.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCreatePausedTaskAndList(t *testing.T) {
	f := newAPIFixture(t, "", "")

	resp := f.do(t, http.MethodPost, "/tasks", CreateTaskRequest{URL: "http://example.com/files/movie.mkv", Paused: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[TaskView](t, resp)
	assert.Equal(t, "http://example.com/files/movie.mkv", created.Key)
	assert.Equal(t, "download", created.Direction)
	assert.Equal(t, f.targetDir+"/movie.mkv", created.Path)
	assert.Equal(t, string(queue.SlotParked), created.Slot)
	assert.Equal(t, "idle", created.State)

	again := f.do(t, http.MethodPost, "/tasks", CreateTaskRequest{URL: "http://example.com/files/movie.mkv", Paused: true})
	assert.Equal(t, http.StatusOK, again.StatusCode)

	list := decode[[]TaskView](t, f.do(t, http.MethodGet, "/tasks", nil))
	require.Len(t, list, 1)

	item := f.do(t, http.MethodGet, "/tasks/item?key="+url.QueryEscape(created.Key), nil)
	assert.Equal(t, http.StatusOK, item.StatusCode)

	missing := f.do(t, http.MethodGet, "/tasks/item?key=nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t, "", "")

	tests := []struct {
		name string
		req  CreateTaskRequest
	}{
		{name: "bad scheme", req: CreateTaskRequest{URL: "ftp://example.com/file"}},
		{name: "escaping path", req: CreateTaskRequest{URL: "http://example.com/file", Path: "../../etc/passwd"}},
		{name: "unknown direction", req: CreateTaskRequest{URL: "http://example.com/file", Direction: "sideways"}},
		{name: "missing upload source", req: CreateTaskRequest{URL: "http://example.com/file", Direction: "upload", Path: "local.bin"}},
		{name: "upload source outside target dir", req: CreateTaskRequest{URL: "http://attacker.example/drop", Direction: "upload", Path: "/etc/passwd"}},
		{name: "upload source escaping target dir", req: CreateTaskRequest{URL: "http://attacker.example/drop", Direction: "upload", Path: "../../etc/passwd"}},
		{name: "upload source without path", req: CreateTaskRequest{URL: "http://example.com/file", Direction: "upload"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/tasks", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	assert.Empty(t, f.queue.List())
}

func TestCreatedTaskRunsToCompletion(t *testing.T) {
	f := newAPIFixture(t, "", "")

	resp := f.do(t, http.MethodPost, "/tasks", CreateTaskRequest{URL: "http://example.com/data.bin"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool { return len(f.queue.List()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestTaskActions(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.transport.BlockAfter = 100

	created := decode[TaskView](t, f.do(t, http.MethodPost, "/tasks", CreateTaskRequest{URL: "http://example.com/data.bin"}))
	key := url.QueryEscape(created.Key)

	require.Eventually(t, func() bool {
		e, ok := f.queue.Get(created.Key)
		return ok && e.Progress() == 200
	}, 5*time.Second, 10*time.Millisecond)

	stopped := f.do(t, http.MethodPost, "/tasks/item/stop?key="+key, nil)
	require.Equal(t, http.StatusOK, stopped.StatusCode)

	view := decode[TaskView](t, stopped)
	assert.Equal(t, "stopped", view.State)
	assert.Equal(t, string(queue.SlotParked), view.Slot)
	assert.Equal(t, int64(200), view.Bytes)

	retry := f.do(t, http.MethodPost, "/tasks/item/retry?key="+key, nil)
	assert.Equal(t, http.StatusConflict, retry.StatusCode)

	unknown := f.do(t, http.MethodPost, "/tasks/item/explode?key="+key, nil)
	assert.Equal(t, http.StatusBadRequest, unknown.StatusCode)

	missing := f.do(t, http.MethodPost, "/tasks/item/stop?key=nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	cancelled := f.do(t, http.MethodPost, "/tasks/item/cancel?key="+key, nil)
	assert.Equal(t, http.StatusNoContent, cancelled.StatusCode)
	assert.Empty(t, f.queue.List())
}

func TestRemoveTask(t *testing.T) {
	f := newAPIFixture(t, "", "")

	created := decode[TaskView](t, f.do(t, http.MethodPost, "/tasks", CreateTaskRequest{URL: "http://example.com/a.bin", Paused: true}))

	resp := f.do(t, http.MethodDelete, "/tasks/item?key="+url.QueryEscape(created.Key), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.queue.List())

	resp = f.do(t, http.MethodDelete, "/tasks/item?key="+url.QueryEscape(created.Key), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueEndpoints(t *testing.T) {
	f := newAPIFixture(t, "", "")

	view := decode[QueueView](t, f.do(t, http.MethodGet, "/queue", nil))
	assert.Equal(t, queue.DefaultMaxConcurrent, view.MaxConcurrent)

	bad := f.do(t, http.MethodPut, "/queue", QueueUpdateRequest{MaxConcurrent: 0})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	ok := f.do(t, http.MethodPut, "/queue", QueueUpdateRequest{MaxConcurrent: 5})
	require.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Equal(t, 5, decode[QueueView](t, ok).MaxConcurrent)

	for _, name := range []string{"a", "b"} {
		f.do(t, http.MethodPost, "/tasks", CreateTaskRequest{URL: "http://example.com/" + name, Paused: true})
	}

	stopped := f.do(t, http.MethodPost, "/queue/stop", nil)
	require.Equal(t, http.StatusOK, stopped.StatusCode)
	assert.Zero(t, decode[QueueView](t, stopped).Waiting)

	removed := f.do(t, http.MethodDelete, "/queue", nil)
	assert.Equal(t, http.StatusNoContent, removed.StatusCode)
	assert.Empty(t, f.queue.List())
}

func TestEventStream(t *testing.T) {
	f := newAPIFixture(t, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/events?key=wanted"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	f.hub.Report(transfer.Event{Key: "other", Type: transfer.EventProgress, Bytes: 1})
	f.hub.Report(transfer.Event{Key: "wanted", Type: transfer.EventComplete, Bytes: 42})

	var got transfer.Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))

	assert.Equal(t, "wanted", got.Key)
	assert.Equal(t, transfer.EventComplete, got.Type)
	assert.Equal(t, int64(42), got.Bytes)
}

func TestDownloadPath(t *testing.T) {
	h := &TaskHandler{targetDir: "/data"}

	tests := []struct {
		name      string
		requested string
		rawURL    string
		want      string
		wantErr   bool
	}{
		{name: "from url", rawURL: "http://example.com/a/b/file.iso", want: "/data/file.iso"},
		{name: "relative", requested: "movies/file.mkv", rawURL: "http://example.com/x", want: "/data/movies/file.mkv"},
		{name: "absolute inside", requested: "/data/x.bin", rawURL: "http://example.com/x", want: "/data/x.bin"},
		{name: "absolute outside", requested: "/etc/x.bin", rawURL: "http://example.com/x", wantErr: true},
		{name: "escape", requested: "../x.bin", rawURL: "http://example.com/x", wantErr: true},
		{name: "bare host", rawURL: "http://example.com", want: "/data/example.com"},
		{name: "dotted name", requested: "..cache/file", rawURL: "http://example.com/x", want: "/data/..cache/file"},
		{name: "parent", requested: "..", rawURL: "http://example.com/x", wantErr: true},
		{name: "target dir itself", requested: "/data", rawURL: "http://example.com/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.rawURL)
			require.NoError(t, err)

			got, err := h.downloadPath(tt.requested, u)
			if tt.wantErr {
				assert.ErrorIs(t, err, errInvalidPath)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUploadPath(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "inside.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(dir, "link")))

	h := &TaskHandler{targetDir: dir}

	got, err := h.uploadPath("inside.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "inside.bin"), got)

	got, err = h.uploadPath(filepath.Join(dir, "inside.bin"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "inside.bin"), got)

	_, err = h.uploadPath(filepath.Join(outside, "secret"))
	require.ErrorIs(t, err, errInvalidPath)

	_, err = h.uploadPath("link")
	require.ErrorIs(t, err, errInvalidPath)

	_, err = h.uploadPath("missing.bin")
	require.Error(t, err)
}

func TestCreateUploadInsideTargetDir(t *testing.T) {
	f := newAPIFixture(t, "", "")

	source := filepath.Join(f.targetDir, "payload.bin")
	require.NoError(t, os.WriteFile(source, bytes.Repeat([]byte("y"), 2000), 0o644))

	resp := f.do(t, http.MethodPost, "/tasks", CreateTaskRequest{URL: "http://example.com/drop", Direction: "upload", Path: "payload.bin", Paused: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[TaskView](t, resp)
	assert.Equal(t, "upload", created.Direction)
	assert.Equal(t, source, created.Path)
	assert.Equal(t, string(queue.SlotParked), created.Slot)
}

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/tempo/comms"
	"github.com/GoCodeAlone/tempo/hierarchy"
	"github.com/GoCodeAlone/tempo/server/api"
	"github.com/GoCodeAlone/tempo/task"
)

// --- Test doubles ---

type recordingBus struct {
	mu   sync.Mutex
	msgs []*comms.Message
}

func (b *recordingBus) Publish(_ context.Context, m *comms.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
	return nil
}

func (b *recordingBus) Subscribe(_ string, _ comms.Handler) (unsubscribe func()) { return func() {} }
func (b *recordingBus) History(_ string, _ int) ([]*comms.Message, error)        { return nil, nil }

func (b *recordingBus) types() []comms.MessageType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]comms.MessageType, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Type
	}
	return out
}

// --- Test helpers ---

type fixture struct {
	store *task.SQLiteStore
	bus   *recordingBus
	mux   http.Handler
}

// newHandlers mounts the API behind a stub that authenticates every request
// as the user named in the X-Test-User header.
func newHandlers(t *testing.T) *fixture {
	t.Helper()
	now := func() time.Time { return time.Unix(1000, 0) }
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), task.WithClock(now))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := &recordingBus{}
	mux := http.NewServeMux()
	h := &api.Handlers{
		Tasks:   store,
		Bus:     bus,
		Logger:  slog.Default(),
		Version: "test",
		Now:     now,
	}
	h.RegisterRoutes(mux)

	auth := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.Header.Get("X-Test-User"); u != "" {
			r = r.WithContext(api.WithUser(r.Context(), u))
		}
		mux.ServeHTTP(w, r)
	})
	return &fixture{store: store, bus: bus, mux: auth}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", "u1")
	req.Header.Set(api.DeviceHeader, "dev-1")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rr.Body.String())
	}
	return v
}

func (f *fixture) create(t *testing.T, body string) *task.Task {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/tasks", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	return decode[*task.Task](t, rr)
}

// --- Tests ---

func TestCreateAndListTasks(t *testing.T) {
	f := newHandlers(t)

	parent := f.create(t, `{"name":"Project","category_path":"work","date":"2026-10-17","tag_names":["q4"]}`)
	if parent.ID == "" || parent.Version != 1 {
		t.Fatalf("created = %+v", parent)
	}
	f.create(t, fmt.Sprintf(`{"parent_id":%q,"name":"Sub","date":"2026-10-17"}`, parent.ID))
	f.create(t, `{"name":"Tomorrow","date":"2026-10-18"}`)

	rr := f.do(t, http.MethodGet, "/api/tasks?date=2026-10-17", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	forest := decode[[]*task.Task](t, rr)
	if len(forest) != 1 || len(forest[0].Children) != 1 {
		t.Fatalf("forest = %+v, want one root with one child", forest)
	}
	if len(forest[0].InstanceTags) != 1 || forest[0].InstanceTags[0].Name != "q4" {
		t.Errorf("tags = %+v", forest[0].InstanceTags)
	}
	if got := f.bus.types(); len(got) != 3 || got[0] != comms.TypeTaskCreated {
		t.Errorf("events = %v", got)
	}
}

func TestCreateTask_Invalid(t *testing.T) {
	f := newHandlers(t)
	if rr := f.do(t, http.MethodPost, "/api/tasks", `{"name":""}`); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty name: expected 422, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/tasks", `{`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", rr.Code)
	}
}

func TestUpdateTask_VersionCheck(t *testing.T) {
	f := newHandlers(t)
	created := f.create(t, `{"name":"A"}`)
	path := "/api/tasks/" + created.ID

	rr := f.do(t, http.MethodPatch, path, `{"version":1,"patch":{"is_running":true,"start_time":900}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	updated := decode[*task.Task](t, rr)
	if updated.Version != 2 || !updated.IsRunning || updated.LastDeviceID != "dev-1" {
		t.Errorf("updated = %+v", updated)
	}

	// Same version again: somebody else's write already landed.
	rr = f.do(t, http.MethodPatch, path, `{"version":1,"patch":{"is_running":false,"start_time":null}}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("stale update: expected 409, got %d", rr.Code)
	}
	conflict := decode[api.ConflictResponse](t, rr)
	if conflict.TaskID != created.ID || conflict.ExpectedVersion != 1 || conflict.CurrentVersion != 2 {
		t.Errorf("conflict = %+v", conflict)
	}

	stored, err := f.store.Get(context.Background(), "u1", created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsRunning || stored.Version != 2 {
		t.Errorf("stale update changed the row: %+v", stored)
	}
}

func TestUpdateTask_RequiresVersion(t *testing.T) {
	f := newHandlers(t)
	created := f.create(t, `{"name":"A"}`)
	if rr := f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"patch":{}}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	f := newHandlers(t)
	if rr := f.do(t, http.MethodGet, "/api/tasks/nonexistent", ""); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestGetTask_OtherUser(t *testing.T) {
	f := newHandlers(t)
	created := f.create(t, `{"name":"mine"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+created.ID, nil)
	req.Header.Set("X-Test-User", "u2")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user's task, got %d", rr.Code)
	}
}

func TestActiveAndPauseAll(t *testing.T) {
	f := newHandlers(t)
	if rr := f.do(t, http.MethodGet, "/api/tasks/active", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("no active: expected 204, got %d", rr.Code)
	}

	created := f.create(t, `{"name":"A"}`)
	f.do(t, http.MethodPatch, "/api/tasks/"+created.ID, `{"version":1,"patch":{"is_running":true,"start_time":900}}`)

	rr := f.do(t, http.MethodGet, "/api/tasks/active", "")
	if rr.Code != http.StatusOK || decode[*task.Task](t, rr).ID != created.ID {
		t.Fatalf("active: got %d", rr.Code)
	}

	rr = f.do(t, http.MethodPost, "/api/tasks/pause-all", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pause-all: expected 200, got %d", rr.Code)
	}
	paused := decode[[]*task.Task](t, rr)
	if len(paused) != 1 || !paused[0].IsPaused || paused[0].ElapsedTime != 100 {
		t.Errorf("paused = %+v, want one task with 100s", paused)
	}
}

func TestDeleteTask_Cascades(t *testing.T) {
	f := newHandlers(t)
	parent := f.create(t, `{"name":"P"}`)
	f.create(t, fmt.Sprintf(`{"parent_id":%q,"name":"C"}`, parent.ID))

	rr := f.do(t, http.MethodDelete, "/api/tasks/"+parent.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
	if got := decode[api.DeleteResponse](t, rr); got.Deleted != 2 {
		t.Errorf("deleted = %d, want 2", got.Deleted)
	}
	if rr := f.do(t, http.MethodDelete, "/api/tasks/"+parent.ID, ""); rr.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rr.Code)
	}
}

func TestStatsAndCategories(t *testing.T) {
	f := newHandlers(t)
	f.create(t, `{"name":"A","category_path":"work/dev","date":"2026-10-17"}`)
	f.create(t, `{"name":"B","category_path":"home","date":"2026-10-17"}`)

	rr := f.do(t, http.MethodGet, "/api/stats?date=2026-10-17", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rr.Code)
	}
	if st := decode[task.Stats](t, rr); st.TotalTasks != 2 || st.TopLevelTasks != 2 {
		t.Errorf("stats = %+v", st)
	}

	rr = f.do(t, http.MethodGet, "/api/categories", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("categories: expected 200, got %d", rr.Code)
	}
	groups := decode[[]*hierarchy.CategoryGroup](t, rr)
	if len(groups) != 2 || groups[0].Name != "home" || groups[1].Label != "Work" {
		t.Errorf("groups = %+v", groups)
	}
}

func TestUnauthenticated(t *testing.T) {
	f := newHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newHandlers(t)
	rr := f.do(t, http.MethodGet, "/api/status", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode[map[string]string](t, rr)
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/tempo/comms"
	"github.com/GoCodeAlone/tempo/config"
	"github.com/GoCodeAlone/tempo/hierarchy"
	"github.com/GoCodeAlone/tempo/orchestrator"
	"github.com/GoCodeAlone/tempo/server"
	"github.com/GoCodeAlone/tempo/server/api"
	"github.com/GoCodeAlone/tempo/task"
	"golang.org/x/crypto/bcrypt"
)

func fastClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithRetryInterval(time.Millisecond)}, opts...)
	return New(url, "tok", "dev-1", opts...)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get(api.DeviceHeader) != "dev-1" {
			t.Errorf("headers = %v", r.Header)
		}
		json.NewEncoder(w).Encode([]*task.Task{{ID: "a"}}) //nolint:errcheck
	}))
	defer srv.Close()

	forest, err := fastClient(srv.URL).Tree(context.Background(), task.Filter{})
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(forest) != 1 || calls.Load() != 3 {
		t.Errorf("forest = %d, calls = %d; want 1 and 3", len(forest), calls.Load())
	}
}

func TestClient_ExhaustedRetriesAreTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL, WithRetries(2)).Tree(context.Background(), task.Filter{})
	if !orchestrator.IsTransport(err) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_ConflictIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ConflictResponse{ //nolint:errcheck
			Error: "changed", Code: api.CodeConflict, TaskID: "x", ExpectedVersion: 3, CurrentVersion: 5,
		})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).ConditionalUpdate(context.Background(), "x", 3, "dev-1", task.StartAt(0))
	var conflict *task.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *task.ConflictError", err)
	}
	if conflict.TaskID != "x" || conflict.ExpectedVersion != 3 || conflict.CurrentVersion != 5 {
		t.Errorf("conflict = %+v", conflict)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_MapsClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tasks/missing":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "task not found", Code: api.CodeNotFound}) //nolint:errcheck
		case "/api/tasks/bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "running and paused", Code: api.CodeInvalidState}) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()
	c := fastClient(srv.URL)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("404 err = %v", err)
	}
	if _, err := c.ConditionalUpdate(ctx, "bad", 1, "", task.Patch{}); !errors.Is(err, task.ErrInvalidState) {
		t.Errorf("422 err = %v", err)
	}
	if _, err := c.Stats(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("401 err = %v", err)
	}
}

func TestClient_CreateIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := fastClient(srv.URL).Create(context.Background(), task.CreateInput{Name: "x"}); !orchestrator.IsTransport(err) {
		t.Errorf("err = %v, want transport error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// newLiveServer runs a real tempod stack with one user, alice/secret.
func newLiveServer(t *testing.T) (*httptest.Server, func(sec int64)) {
	t.Helper()
	var now atomic.Int64
	clock := func() time.Time { return time.Unix(now.Load(), 0) }

	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "live.db"), task.WithClock(clock))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "live-secret"
	cfg.Auth.Users = []config.UserConfig{{Username: "alice", PasswordHash: string(hash)}}

	s := server.New(*cfg, "test", nil)
	s.SetTaskStore(store)
	s.SetBus(comms.NewInMemoryBus())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, func(sec int64) { now.Store(sec) }
}

func TestClient_DrivesOrchestratorOverHTTP(t *testing.T) {
	srv, setClock := newLiveServer(t)
	ctx := context.Background()

	token, err := New(srv.URL, "", "").Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	c := New(srv.URL, token, "widget")

	a, err := c.Create(ctx, task.CreateInput{Name: "A", CategoryPath: "work"})
	if err != nil {
		t.Fatalf("Create A: %v", err)
	}
	b, err := c.Create(ctx, task.CreateInput{Name: "B", CategoryPath: "work/dev"})
	if err != nil {
		t.Fatalf("Create B: %v", err)
	}

	var clock atomic.Int64
	o := orchestrator.New(c, "widget", orchestrator.WithClock(func() time.Time { return time.Unix(clock.Load(), 0) }))
	if err := o.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := o.StartTimer(ctx, a.ID); err != nil {
		t.Fatalf("StartTimer(A): %v", err)
	}
	clock.Store(100)
	setClock(100)
	if _, err := o.StartTimer(ctx, b.ID); err != nil {
		t.Fatalf("StartTimer(B): %v", err)
	}

	gotA, err := c.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gotA.IsPaused || gotA.ElapsedTime != 100 || gotA.Version != 3 || gotA.LastDeviceID != "widget" {
		t.Errorf("A = %+v", gotA)
	}
	active, err := c.Active(ctx)
	if err != nil || active == nil || active.ID != b.ID {
		t.Fatalf("Active = %+v, %v; want B", active, err)
	}

	groups, err := c.Categories(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].RunningCount != 1 || len(groups[0].Children) != 1 {
		t.Errorf("categories = %+v", groups)
	}

	paused, err := c.PauseAll(ctx)
	if err != nil || len(paused) != 1 {
		t.Fatalf("PauseAll = %v, %v", paused, err)
	}
	// The orchestrator's copy of B is now stale.
	if _, err := o.PauseTimer(ctx, b.ID); !errors.Is(err, task.ErrVersionConflict) {
		t.Errorf("stale PauseTimer err = %v, want conflict", err)
	}
	if err := o.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if got := hierarchy.FindByID(o.Snapshot(), b.ID); !got.IsPaused {
		t.Errorf("reloaded B = %+v", got)
	}

	n, err := o.Delete(ctx, a.ID)
	if err != nil || n != 1 {
		t.Errorf("Delete = %d, %v", n, err)
	}
	st, err := c.Stats(ctx, "")
	if err != nil || st.TotalTasks != 1 {
		t.Errorf("Stats = %+v, %v", st, err)
	}
}

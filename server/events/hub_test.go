package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/tempo/comms"
	"github.com/GoCodeAlone/tempo/task"
)

// openStream connects to srv as user and returns a reader positioned after
// the connected event.
func openStream(t *testing.T, srv *httptest.Server, user string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?user="+user, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	if line := readData(t, rd); !strings.Contains(line, "connected") {
		t.Fatalf("first event = %q, want connected", line)
	}
	return rd
}

func readData(t *testing.T, rd *bufio.Reader) string {
	t.Helper()
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			return data
		}
	}
}

func TestHub_RelaysToOwner(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSSE(w, r, r.URL.Query().Get("user"))
	}))
	// Registered before the streams so their cancels run first.
	t.Cleanup(srv.Close)

	alice := openStream(t, srv, "alice")
	openStream(t, srv, "bob")
	if hub.Connections("alice") != 1 || hub.Connections("bob") != 1 {
		t.Fatalf("connections alice=%d bob=%d", hub.Connections("alice"), hub.Connections("bob"))
	}

	bus := comms.NewInMemoryBus()
	bus.Subscribe(comms.AllUsers, hub.Relay)
	msg := comms.NewMessage(comms.TypeTaskUpdated, "alice", "dev-1", &task.Task{ID: "t1", Version: 3})
	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var ev struct {
		Type    string        `json:"type"`
		Payload comms.Message `json:"payload"`
	}
	if err := json.Unmarshal([]byte(readData(t, alice)), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != string(comms.TypeTaskUpdated) || ev.Payload.TaskID != "t1" || ev.Payload.Version != 3 {
		t.Errorf("event = %+v", ev)
	}
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSSE(w, r, "alice")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readData(t, bufio.NewReader(resp.Body))
	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections("alice") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Sending to a user with no streams is a no-op.
	hub.Send("alice", Event{Type: "noop"})
}

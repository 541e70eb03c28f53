package comms

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/GoCodeAlone/tempo/task"
)

func makeMsg(user, taskID string, typ MessageType) *Message {
	return NewMessage(typ, user, "dev-1", &task.Task{ID: taskID, Version: 2})
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe("u1", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	msg := makeMsg("u1", "t1", TypeTaskUpdated)
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	// Unsubscribe and verify no more messages
	unsub()
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_RoutesByUser(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var u1, u2, all int32
	bus.Subscribe("u1", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&u1, 1)
		return nil
	})
	bus.Subscribe("u2", func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&u2, 1)
		return nil
	})
	bus.Subscribe(AllUsers, func(_ context.Context, _ *Message) error {
		atomic.AddInt32(&all, 1)
		return nil
	})

	if err := bus.Publish(ctx, makeMsg("u1", "t1", TypeTaskCreated)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if u1 != 1 || u2 != 0 || all != 1 {
		t.Errorf("delivered u1=%d u2=%d all=%d, want 1 0 1", u1, u2, all)
	}
}

func TestInMemoryBus_RejectsUnownedMessage(t *testing.T) {
	bus := NewInMemoryBus()
	if err := bus.Publish(context.Background(), &Message{Type: TypeTaskDeleted}); err == nil {
		t.Error("Publish without user succeeded")
	}
}

func TestInMemoryBus_HandlerErrors(t *testing.T) {
	bus := NewInMemoryBus()
	boom := errors.New("boom")
	bus.Subscribe("u1", func(_ context.Context, _ *Message) error { return boom })

	err := bus.Publish(context.Background(), makeMsg("u1", "t1", TypeTaskUpdated))
	if !errors.Is(err, boom) {
		t.Errorf("Publish err = %v, want wrapped handler error", err)
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	msgs := []*Message{
		makeMsg("u1", "t1", TypeTaskCreated),
		makeMsg("u1", "t1", TypeTaskUpdated),
		makeMsg("u2", "t9", TypeTaskCreated), // not visible to u1
		{Type: TypeTasksPaused, UserID: "u1", Count: 2},
	}
	for _, m := range msgs {
		bus.Publish(ctx, m)
	}

	hist, err := bus.History("u1", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("History len = %d, want 3", len(hist))
	}
	if hist[0].Type != TypeTaskCreated || hist[2].Type != TypeTasksPaused {
		t.Errorf("History out of order: %s ... %s", hist[0].Type, hist[2].Type)
	}
	if hist[2].ID == "" || hist[2].Timestamp.IsZero() {
		t.Error("Publish did not stamp id and time")
	}
}

func TestInMemoryBus_History_Limit(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		bus.Publish(ctx, makeMsg("u1", "t1", TypeTaskUpdated))
	}

	hist, err := bus.History("u1", 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 {
		t.Errorf("History with limit 5 returned %d messages", len(hist))
	}
}

func TestInMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var count int32
	for range 2 {
		bus.Subscribe("u1", func(_ context.Context, _ *Message) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
	}

	bus.Publish(ctx, makeMsg("u1", "t1", TypeTaskUpdated))

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("count = %d, want 2 (both handlers fired)", count)
	}
}

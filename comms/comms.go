// Package comms provides the in-process bus that carries task change events
// from the API to live subscribers.
package comms

import (
	"context"
	"time"

	"github.com/GoCodeAlone/tempo/task"
	"github.com/google/uuid"
)

// MessageType identifies the kind of change.
type MessageType string

const (
	TypeTaskCreated MessageType = "task.created" // a task was inserted
	TypeTaskUpdated MessageType = "task.updated" // a conditional update landed
	TypeTaskDeleted MessageType = "task.deleted" // a subtree was removed
	TypeTasksPaused MessageType = "tasks.paused" // bulk pause of running tasks
)

// Message describes one committed change for one user.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Version   int64       `json:"version,omitempty"`
	DeviceID  string      `json:"device_id,omitempty"` // writer's device
	Task      *task.Task  `json:"task,omitempty"`
	Count     int         `json:"count,omitempty"` // rows affected by bulk changes
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage builds a message for a change to t made by deviceID.
func NewMessage(typ MessageType, userID, deviceID string, t *task.Task) *Message {
	m := &Message{
		ID:        uuid.NewString(),
		Type:      typ,
		UserID:    userID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
	}
	if t != nil {
		m.TaskID = t.ID
		m.Version = t.Version
		m.Task = t
	}
	return m
}

// Handler processes a delivered message.
type Handler func(ctx context.Context, msg *Message) error

// Bus fans task changes out to the subscribers of the owning user.
type Bus interface {
	// Publish delivers msg to every subscriber of msg.UserID and to
	// subscribers of AllUsers.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for the given user's changes.
	// Returns an unsubscribe function.
	Subscribe(userID string, handler Handler) (unsubscribe func())

	// History returns recent messages for the given user, oldest first.
	History(userID string, limit int) ([]*Message, error)
}

// AllUsers subscribes to every user's changes.
const AllUsers = "*"

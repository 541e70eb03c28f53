// Package task defines the timed task model and its persistence.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// State is the observable lifecycle state of a task.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateInvalid   State = "invalid"
)

// Tag is a per-user label attached to tasks.
type Tag struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Task is a timed unit of work. Tasks form a tree through ParentID.
type Task struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Name         string  `json:"name"`
	CategoryPath string  `json:"category_path"`
	Date         string  `json:"date"`
	Order        int     `json:"order"`
	ParentID     *string `json:"parent_id,omitempty"`

	// ElapsedTime is the number of seconds accumulated while not running.
	ElapsedTime int64 `json:"elapsed_time"`
	// StartTime is set (epoch seconds) exactly when IsRunning is true.
	StartTime   *int64 `json:"start_time"`
	IsRunning   bool   `json:"is_running"`
	IsPaused    bool   `json:"is_paused"`
	Version     int64  `json:"version"`
	CompletedAt *int64 `json:"completed_at"`

	InstanceTags []Tag     `json:"instance_tags"`
	LastDeviceID string    `json:"last_device_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Children []*Task `json:"children,omitempty"`
}

// StateOf derives the observable state from the running/paused flags.
func StateOf(t *Task) State {
	switch {
	case t.IsRunning && t.IsPaused:
		return StateInvalid
	case t.IsRunning:
		return StateRunning
	case t.IsPaused:
		return StatePaused
	case t.CompletedAt != nil:
		return StateCompleted
	default:
		return StateIdle
	}
}

// Clone returns a copy of t without children. Pointer fields and tags are
// copied so the result shares no memory with t.
func (t *Task) Clone() *Task {
	c := *t
	c.ParentID = clonePtr(t.ParentID)
	c.StartTime = clonePtr(t.StartTime)
	c.CompletedAt = clonePtr(t.CompletedAt)
	if t.InstanceTags != nil {
		c.InstanceTags = append([]Tag(nil), t.InstanceTags...)
	}
	c.Children = nil
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Nullable is a patch value for a nullable column. Set reports whether the
// field takes part in the patch; Set with a nil Value clears the column.
type Nullable[T any] struct {
	Set   bool
	Value *T
}

// Null returns a Nullable that clears the column.
func Null[T any]() Nullable[T] { return Nullable[T]{Set: true} }

// Value returns a Nullable that sets the column to v.
func Value[T any](v T) Nullable[T] { return Nullable[T]{Set: true, Value: &v} }

// IsZero reports whether the field is absent from the patch.
func (n Nullable[T]) IsZero() bool { return !n.Set }

// MarshalJSON encodes the value, or null when cleared.
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

// UnmarshalJSON is only invoked for keys present in the document, so any
// call marks the field as set.
func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

// Patch is a partial update applied through Store.ConditionalUpdate.
// Nil pointers leave the column untouched.
type Patch struct {
	Name         *string         `json:"name,omitempty"`
	CategoryPath *string         `json:"category_path,omitempty"`
	Date         *string         `json:"date,omitempty"`
	Order        *int            `json:"order,omitempty"`
	ElapsedTime  *int64          `json:"elapsed_time,omitempty"`
	StartTime    Nullable[int64] `json:"start_time,omitzero"`
	IsRunning    *bool           `json:"is_running,omitempty"`
	IsPaused     *bool           `json:"is_paused,omitempty"`
	CompletedAt  Nullable[int64] `json:"completed_at,omitzero"`
}

// Apply returns a copy of t with the patch applied. The result is not
// validated; see Validate.
func (p Patch) Apply(t *Task) *Task {
	c := t.Clone()
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.CategoryPath != nil {
		c.CategoryPath = *p.CategoryPath
	}
	if p.Date != nil {
		c.Date = *p.Date
	}
	if p.Order != nil {
		c.Order = *p.Order
	}
	if p.ElapsedTime != nil {
		c.ElapsedTime = *p.ElapsedTime
	}
	if p.StartTime.Set {
		c.StartTime = clonePtr(p.StartTime.Value)
	}
	if p.IsRunning != nil {
		c.IsRunning = *p.IsRunning
	}
	if p.IsPaused != nil {
		c.IsPaused = *p.IsPaused
	}
	if p.CompletedAt.Set {
		c.CompletedAt = clonePtr(p.CompletedAt.Value)
	}
	return c
}

// PauseAt returns the patch that moves a running task to Paused at now,
// folding the running delta into ElapsedTime.
func PauseAt(t *Task, now int64) Patch {
	elapsed := t.ElapsedTime + runningDelta(t, now)
	return Patch{
		ElapsedTime: &elapsed,
		StartTime:   Null[int64](),
		IsRunning:   ptr(false),
		IsPaused:    ptr(true),
	}
}

// StartAt returns the patch that moves a task to Running at now.
func StartAt(now int64) Patch {
	return Patch{
		StartTime:   Value(now),
		IsRunning:   ptr(true),
		IsPaused:    ptr(false),
		CompletedAt: Null[int64](),
	}
}

// StopAt returns the patch that completes a task at now. Unlike PauseAt the
// task is not resumable afterwards.
func StopAt(t *Task, now int64) Patch {
	elapsed := t.ElapsedTime + runningDelta(t, now)
	return Patch{
		ElapsedTime: &elapsed,
		StartTime:   Null[int64](),
		IsRunning:   ptr(false),
		IsPaused:    ptr(false),
		CompletedAt: Value(now),
	}
}

func runningDelta(t *Task, now int64) int64 {
	if !t.IsRunning || t.StartTime == nil {
		return 0
	}
	if d := now - *t.StartTime; d > 0 {
		return d
	}
	return 0
}

func ptr[T any](v T) *T { return &v }

// Validate checks that next is a legal successor of prev.
func Validate(prev, next *Task) error {
	if next.IsRunning && next.IsPaused {
		return errorf(ErrInvalidState, "task %s: running and paused", next.ID)
	}
	if next.IsRunning != (next.StartTime != nil) {
		return errorf(ErrInvalidState, "task %s: start_time must be set only while running", next.ID)
	}
	if next.ElapsedTime < prev.ElapsedTime {
		return errorf(ErrInvalidState, "task %s: elapsed_time would decrease from %d to %d",
			next.ID, prev.ElapsedTime, next.ElapsedTime)
	}
	return nil
}

// CreateInput carries the fields accepted when creating a task.
type CreateInput struct {
	ParentID     *string  `json:"parent_id,omitempty"`
	Name         string   `json:"name"`
	CategoryPath string   `json:"category_path"`
	Date         string   `json:"date"`
	Order        int      `json:"order"`
	TagNames     []string `json:"tag_names,omitempty"`
}

// Filter narrows tree reads.
type Filter struct {
	Date string `json:"date,omitempty"`
}

// Stats summarises a user's task forest.
type Stats struct {
	TotalTasks        int   `json:"total_tasks"`
	TopLevelTasks     int   `json:"top_level_tasks"`
	TasksWithChildren int   `json:"tasks_with_children"`
	MaxDepth          int   `json:"max_depth"`
	TotalTime         int64 `json:"total_time"`
}

// Store persists tasks. Every mutation of an existing row other than the
// bulk pause and delete goes through ConditionalUpdate.
type Store interface {
	// Create inserts a task with Version 1 and links its tags atomically.
	Create(ctx context.Context, userID string, in CreateInput) (*Task, error)

	// Get retrieves a single task with its tags.
	Get(ctx context.Context, userID, id string) (*Task, error)

	// ConditionalUpdate applies p if the stored version equals expectedVersion.
	// A transition into Running is refused while another task of the user
	// is running.
	ConditionalUpdate(ctx context.Context, userID, id string, expectedVersion int64, deviceID string, p Patch) (*Task, error)

	// PauseAllRunning pauses every running task of the user in one transaction.
	PauseAllRunning(ctx context.Context, userID, deviceID string) ([]*Task, error)

	// DeleteCascade removes a task and its whole subtree.
	DeleteCascade(ctx context.Context, userID, id string) (int, error)

	// Tree returns the user's task forest.
	Tree(ctx context.Context, userID string, f Filter) ([]*Task, error)

	// FindRunningOrPaused returns the running task, else the first paused one.
	FindRunningOrPaused(ctx context.Context, userID string) (*Task, error)

	// TreeStats summarises the user's forest, optionally for one date.
	TreeStats(ctx context.Context, userID, date string) (*Stats, error)
}

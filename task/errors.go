package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task does not exist for the user.
	ErrNotFound = errors.New("task not found")

	// ErrVersionConflict is returned when a conditional update's expected
	// version does not match the stored version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidState is returned when a patch would produce an illegal row.
	ErrInvalidState = errors.New("invalid task state")

	// ErrInvalidInput is returned for malformed create requests.
	ErrInvalidInput = errors.New("invalid task input")
)

// ConflictError names the task whose version check failed. When
// RunningTaskID is set the versions matched but another task of the same
// user was already running at the store.
type ConflictError struct {
	TaskID          string `json:"task_id"`
	ExpectedVersion int64  `json:"expected_version"`
	CurrentVersion  int64  `json:"current_version"`
	RunningTaskID   string `json:"running_task_id,omitempty"`
}

func (e *ConflictError) Error() string {
	if e.RunningTaskID != "" {
		return fmt.Sprintf("task %s cannot start: task %s is already running elsewhere",
			e.TaskID, e.RunningTaskID)
	}
	return fmt.Sprintf("task %s was changed elsewhere: expected version %d, stored version %d",
		e.TaskID, e.ExpectedVersion, e.CurrentVersion)
}

// Unwrap lets errors.Is match ErrVersionConflict.
func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// ConflictTaskID returns the id of the task that was changed elsewhere if
// err is a version conflict.
func ConflictTaskID(err error) (string, bool) {
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return "", false
	}
	if ce.RunningTaskID != "" {
		return ce.RunningTaskID, true
	}
	return ce.TaskID, true
}

func errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

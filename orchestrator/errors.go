package orchestrator

import (
	"errors"
	"fmt"

	"github.com/GoCodeAlone/tempo/task"
)

var (
	// ErrProcessing is returned when a timer operation is already in flight
	// on this orchestrator. The caller may retry once it resolves.
	ErrProcessing = errors.New("another timer operation is in progress")

	// ErrInvalidTransition is returned when the task's current state does
	// not allow the requested transition.
	ErrInvalidTransition = errors.New("invalid timer transition")
)

// TransportError reports a network or storage failure unrelated to
// versioning. After one, the caller should reload the whole tree: the
// orchestrator cannot tell which of its writes landed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// classify wraps err in a TransportError unless it is already a domain
// error the caller can act on.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsTransport(err),
		errors.Is(err, task.ErrVersionConflict),
		errors.Is(err, task.ErrNotFound),
		errors.Is(err, task.ErrInvalidState),
		errors.Is(err, task.ErrInvalidInput):
		return err
	default:
		return &TransportError{Op: op, Err: err}
	}
}

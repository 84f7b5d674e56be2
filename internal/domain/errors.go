package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors.
var (
	ErrProjectNotFound        = errors.New("project not found")
	ErrProjectNotOpen         = errors.New("no project is open")
	ErrTaskspaceNotFound      = errors.New("taskspace not found")
	ErrEmptyName              = errors.New("name cannot be empty")
	ErrInvalidLogCategory     = errors.New("invalid log category")
	ErrNotGitRepository       = errors.New("not a git repository")
	ErrAgentNotFound          = errors.New("agent not found")
	ErrDeletionNotPending     = errors.New("no deletion is pending for taskspace")
	ErrDeletionAlreadyPending = errors.New("deletion already pending")
	ErrAlreadyConnected       = errors.New("child process already running")
	ErrNotConnected           = errors.New("child process not running")

	// ErrCancelledByUser is the reason a caller sees when a human declines a
	// confirmation-gated operation. It is a normal failure response, never a
	// transport fault, so an agent can tell "did not happen" from "broken".
	ErrCancelledByUser = errors.New("cancelled by user")
)

// StageError reports a failure in a strictly ordered multi-stage operation.
// Completed lists the stages that finished before Stage failed, so a log
// reader can tell exactly how far the operation got. Prior stages are never
// rolled back.
type StageError struct {
	Err       error
	Stage     string
	Completed []string
}

func (e *StageError) Error() string {
	if len(e.Completed) == 0 {
		return fmt.Sprintf("stage %q failed (nothing completed): %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %q failed (completed: %s): %v",
		e.Stage, strings.Join(e.Completed, ", "), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

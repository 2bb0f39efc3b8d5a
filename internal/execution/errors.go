package execution

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for typed error checking.
var (
	ErrNotFound            = errors.New("execution not found")
	ErrUnauthorized        = errors.New("execution belongs to another user")
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrQuotaExceeded       = errors.New("maximum concurrent containers reached")
	ErrNoFreePorts         = errors.New("no free ports in configured range")
	ErrNoEntryPoint        = errors.New("no runnable entry point found")
	ErrCommandTimeout      = errors.New("command timed out")
	ErrAlreadyTerminal     = errors.New("execution already in a terminal state")
)

// DriveError wraps a failure inside a detached drive with its context.
// It never reaches a caller directly; the message is recorded on the
// execution record as the terminal error.
type DriveError struct {
	ExecID uuid.UUID
	Op     string // The drive step that failed
	Err    error
}

func (e *DriveError) Error() string {
	return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
}

func (e *DriveError) Unwrap() error {
	return e.Err
}

// IsQuotaExceeded returns true if the error is a per-user quota rejection.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsUnauthorized returns true if the caller does not own the resource.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

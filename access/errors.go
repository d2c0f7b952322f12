package access

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPrivilegeLevel = errors.New("invalid privilege level")
	ErrEmergencyAccessDenied = errors.New("emergency access denied")
	ErrPrivilegeViolation    = errors.New("privilege violation")
	ErrNotInitialized        = errors.New("access manager not initialized")
	ErrInvalidPolicy         = errors.New("invalid access policy")
	ErrInvalidTable          = errors.New("invalid table identifier")
	ErrStoreClosed           = errors.New("scoped store closed")
)

// PrivilegeViolationError reports an operation rejected by a level's policy.
// It is never forwarded to the underlying store.
type PrivilegeViolationError struct {
	Level     Level
	Operation string
	Table     string
	Reason    string
}

func (e *PrivilegeViolationError) Error() string {
	msg := fmt.Sprintf("privilege violation: operation %q not permitted at level %s", e.Operation, e.Level)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *PrivilegeViolationError) Unwrap() error {
	return ErrPrivilegeViolation
}

func newEmergencyDenied(cause error) error {
	return fmt.Errorf("%w: %w", ErrEmergencyAccessDenied, cause)
}

package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownState      = errors.New("unknown consultation state")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrMissingContext    = errors.New("missing transition context")
)

// IllegalTransitionError is returned in a Result when the target state is
// not reachable from the current one. AllowedStates lets a caller offer the
// valid options instead.
type IllegalTransitionError struct {
	From          State
	To            State
	AllowedStates []State
}

func (e *IllegalTransitionError) Error() string {
	allowed := make([]string, len(e.AllowedStates))
	for i, s := range e.AllowedStates {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("%s: %s -> %s (allowed: [%s])",
		ErrIllegalTransition, e.From, e.To, strings.Join(allowed, ", "))
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// MissingContextError names the context fields a transition still needs.
type MissingContextError struct {
	From          State
	To            State
	MissingFields []string
}

func (e *MissingContextError) Error() string {
	return fmt.Sprintf("%s: %s -> %s requires %s",
		ErrMissingContext, e.From, e.To, strings.Join(e.MissingFields, ", "))
}

func (e *MissingContextError) Unwrap() error { return ErrMissingContext }

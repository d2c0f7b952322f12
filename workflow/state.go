// Package workflow validates how a patient consultation moves through its
// clinical stages.
//
// The StateMachine performs no I/O and holds no mutable state; one instance
// may be shared between goroutines. Validation failures are returned as
// values in a Result.
package workflow

import (
	"fmt"
	"strings"
)

// State is the clinical stage a consultation is in.
type State string

const (
	Pending              State = "pending"
	Triaged              State = "triaged"
	Assigned             State = "assigned"
	InReview             State = "in_review"
	RequiresInfo         State = "requires_info"
	RequiresPeerReview   State = "requires_peer_review"
	PrescriptionPending  State = "prescription_pending"
	PrescriptionApproved State = "prescription_approved"
	PrescriptionSent     State = "prescription_sent"
	Completed            State = "completed"
	Cancelled            State = "cancelled"
	Escalated            State = "escalated"
)

// Context field names used by the transition table.
const (
	FieldProviderID         = "providerId"
	FieldPrescriptionData   = "prescriptionData"
	FieldCancellationReason = "cancellationReason"
	FieldEscalationReason   = "escalationReason"
	FieldReviewedBy         = "reviewedBy"
	FieldPharmacyOrderID    = "pharmacyOrderId"
)

var allStates = []State{
	Pending,
	Triaged,
	Assigned,
	InReview,
	RequiresInfo,
	RequiresPeerReview,
	PrescriptionPending,
	PrescriptionApproved,
	PrescriptionSent,
	Completed,
	Cancelled,
	Escalated,
}

// States returns every known state in declaration order.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// ParseState converts a raw value into a known State.
func ParseState(s string) (State, error) {
	state := State(strings.TrimSpace(s))
	if _, ok := defaultRules[state]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	return state, nil
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	_, ok := defaultRules[s]
	return ok
}

func (s State) String() string {
	return string(s)
}

// Context carries the caller-supplied data proving the preconditions of a
// transition. It is never persisted by this package.
type Context map[string]any

// missing reports whether field is absent, nil, or blank text.
func (c Context) missing(field string) bool {
	v, ok := c[field]
	if !ok || v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case *string:
		return val == nil || strings.TrimSpace(*val) == ""
	}
	return false
}

package workflow

import "fmt"

// Result is the outcome of a transition check.
type Result struct {
	Valid bool
	From  State
	To    State

	// AllowedStates is set when To is not a legal destination.
	AllowedStates []State
	// MissingFields is set when required context is absent.
	MissingFields []string

	err error
}

// Err returns the failure as an error, or nil when the transition is valid.
// The concrete type is *IllegalTransitionError or *MissingContextError.
func (r Result) Err() error {
	return r.err
}

// StateMachine validates consultation transitions against the static table.
type StateMachine struct {
	rules map[State]TransitionRule
}

// New returns a StateMachine backed by the default transition table.
func New() *StateMachine {
	return &StateMachine{rules: defaultRules}
}

// ValidateTransition checks whether a consultation in current may move to
// target given ctx. The returned error is only non-nil when current is not a
// known state; every other failure is reported through the Result.
func (m *StateMachine) ValidateTransition(current, target State, ctx Context) (Result, error) {
	rule, ok := m.rules[current]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownState, current)
	}

	res := Result{From: current, To: target}

	if !rule.allows(target) {
		res.AllowedStates = cloneStates(rule.To)
		res.err = &IllegalTransitionError{From: current, To: target, AllowedStates: res.AllowedStates}
		return res, nil
	}

	if missing := missingFields(ctx, rule.Requires); len(missing) > 0 {
		res.MissingFields = missing
		res.err = &MissingContextError{From: current, To: target, MissingFields: missing}
		return res, nil
	}

	if missing := missingFields(ctx, destinationRequirements[target]); len(missing) > 0 {
		res.MissingFields = missing
		res.err = &MissingContextError{From: current, To: target, MissingFields: missing}
		return res, nil
	}

	res.Valid = true
	return res, nil
}

// IsTerminal reports whether no transition can leave s.
func (m *StateMachine) IsTerminal(s State) bool {
	return s == Completed || s == Cancelled
}

// PossibleNextStates returns the legal destinations from s. It is empty for
// terminal and unknown states.
func (m *StateMachine) PossibleNextStates(s State) []State {
	rule, ok := m.rules[s]
	if !ok {
		return []State{}
	}
	return cloneStates(rule.To)
}

// Rule returns a copy of the transition rule for s.
func (m *StateMachine) Rule(s State) (TransitionRule, bool) {
	rule, ok := m.rules[s]
	if !ok {
		return TransitionRule{}, false
	}
	requires := make([]string, len(rule.Requires))
	copy(requires, rule.Requires)
	return TransitionRule{To: cloneStates(rule.To), Requires: requires}, true
}

// Describe returns the staff-facing description of s.
func (m *StateMachine) Describe(s State) string {
	if d, ok := descriptions[s]; ok {
		return d
	}
	return unknownDescription
}

// PatientFacingMessage returns a simplified status line for the patient.
func (m *StateMachine) PatientFacingMessage(s State) string {
	if msg, ok := patientMessages[s]; ok {
		return msg
	}
	return unknownPatientMessage
}

func missingFields(ctx Context, required []string) []string {
	var missing []string
	for _, field := range required {
		if ctx.missing(field) {
			missing = append(missing, field)
		}
	}
	return missing
}

func cloneStates(in []State) []State {
	out := make([]State, len(in))
	copy(out, in)
	return out
}

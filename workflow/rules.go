package workflow

// TransitionRule lists where a consultation may go from one state and which
// context fields must be present to leave it.
type TransitionRule struct {
	To       []State
	Requires []string
}

// allows reports whether target is a legal destination.
func (r TransitionRule) allows(target State) bool {
	for _, s := range r.To {
		if s == target {
			return true
		}
	}
	return false
}

// defaultRules is the authoritative transition table. It must never be
// mutated at runtime; accessors hand out copies.
var defaultRules = map[State]TransitionRule{
	Pending: {
		To: []State{Triaged, Cancelled, Escalated},
	},
	Triaged: {
		To: []State{Assigned, Escalated, Cancelled},
	},
	Assigned: {
		To:       []State{InReview, RequiresInfo, Cancelled},
		Requires: []string{FieldProviderID},
	},
	InReview: {
		To: []State{PrescriptionPending, Completed, RequiresPeerReview, RequiresInfo, Escalated},
	},
	RequiresInfo: {
		To: []State{InReview, Cancelled},
	},
	RequiresPeerReview: {
		To:       []State{InReview, Escalated},
		Requires: []string{FieldReviewedBy},
	},
	PrescriptionPending: {
		To: []State{PrescriptionApproved, RequiresPeerReview, InReview},
	},
	PrescriptionApproved: {
		To:       []State{PrescriptionSent, Completed},
		Requires: []string{FieldPrescriptionData},
	},
	PrescriptionSent: {
		To:       []State{Completed},
		Requires: []string{FieldPharmacyOrderID},
	},
	Completed: {},
	Cancelled: {
		Requires: []string{FieldCancellationReason},
	},
	Escalated: {
		To:       []State{Assigned, Cancelled},
		Requires: []string{FieldEscalationReason},
	},
}

// destinationRequirements are checked after the source rule, whatever the
// source state declares.
var destinationRequirements = map[State][]string{
	Assigned:             {FieldProviderID},
	PrescriptionApproved: {FieldPrescriptionData},
}

var descriptions = map[State]string{
	Pending:              "Consultation submitted and awaiting triage",
	Triaged:              "Triage complete, awaiting provider assignment",
	Assigned:             "Assigned to a provider",
	InReview:             "Provider is reviewing the consultation",
	RequiresInfo:         "Waiting for additional information from the patient",
	RequiresPeerReview:   "Flagged for peer review by a second clinician",
	PrescriptionPending:  "Prescription drafted, awaiting approval",
	PrescriptionApproved: "Prescription approved by the prescriber",
	PrescriptionSent:     "Prescription transmitted to the pharmacy",
	Completed:            "Consultation closed",
	Cancelled:            "Consultation cancelled",
	Escalated:            "Escalated for urgent clinical attention",
}

var patientMessages = map[State]string{
	Pending:              "We have received your request.",
	Triaged:              "Your request has been reviewed and we are finding a doctor for you.",
	Assigned:             "A doctor has been assigned to your consultation.",
	InReview:             "Your doctor is reviewing your consultation.",
	RequiresInfo:         "Your doctor needs a little more information from you.",
	RequiresPeerReview:   "Another doctor is double-checking your care plan.",
	PrescriptionPending:  "Your prescription is being prepared.",
	PrescriptionApproved: "Your prescription has been approved.",
	PrescriptionSent:     "Your prescription has been sent to your pharmacy.",
	Completed:            "Your consultation is complete.",
	Cancelled:            "Your consultation has been cancelled.",
	Escalated:            "Your consultation has been prioritised for urgent attention.",
}

const (
	unknownDescription    = "Unknown consultation state"
	unknownPatientMessage = "We are processing your consultation."
)

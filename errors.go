package medguard

import (
	"errors"

	"github.com/hengadev/medguard/access"
	"github.com/hengadev/medguard/audit"
	"github.com/hengadev/medguard/cipher"
	"github.com/hengadev/medguard/escalation"
	"github.com/hengadev/medguard/providers/awskms"
	awssecrets "github.com/hengadev/medguard/providers/secrets/aws"
	"github.com/hengadev/medguard/providers/secrets/hashicorp"
	"github.com/hengadev/medguard/workflow"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

// Re-exported sentinels so callers can match without importing every
// package.
var (
	ErrUnknownState            = workflow.ErrUnknownState
	ErrIllegalTransition       = workflow.ErrIllegalTransition
	ErrMissingContext          = workflow.ErrMissingContext
	ErrInvalidPrivilegeLevel   = access.ErrInvalidPrivilegeLevel
	ErrEmergencyAccessDenied   = access.ErrEmergencyAccessDenied
	ErrPrivilegeViolation      = access.ErrPrivilegeViolation
	ErrNotInitialized          = access.ErrNotInitialized
	ErrEscalationNotFound      = escalation.ErrEscalationNotFound
	ErrEscalationExpired       = escalation.ErrEscalationExpired
	ErrEscalationPendingReview = escalation.ErrEscalationPendingReview
	ErrEscalationRateLimited   = escalation.ErrRateLimited
	ErrDecryption              = cipher.ErrDecryption
	ErrEncryption              = cipher.ErrEncryption
	ErrAuditWrite              = audit.ErrAuditWrite
	ErrAuditChainBroken        = audit.ErrChainBroken
	ErrMissingMasterSecret     = cipher.ErrMissingMasterSecret
	ErrWeakMasterSecret        = cipher.ErrWeakMasterSecret
)

// IsAccessDenied returns true if the error is a refused privilege request or
// a rejected operation on a scoped store.
func IsAccessDenied(err error) bool {
	return errors.Is(err, access.ErrEmergencyAccessDenied) ||
		errors.Is(err, access.ErrPrivilegeViolation) ||
		errors.Is(err, access.ErrInvalidPrivilegeLevel) ||
		errors.Is(err, access.ErrNotInitialized) ||
		errors.Is(err, access.ErrStoreClosed)
}

// IsWorkflowError returns true if the error comes from transition
// validation.
func IsWorkflowError(err error) bool {
	return errors.Is(err, workflow.ErrUnknownState) ||
		errors.Is(err, workflow.ErrIllegalTransition) ||
		errors.Is(err, workflow.ErrMissingContext)
}

// IsConfigurationError returns true if the error represents a configuration
// problem.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, cipher.ErrMissingMasterSecret) ||
		errors.Is(err, cipher.ErrWeakMasterSecret) ||
		errors.Is(err, access.ErrInvalidPolicy)
}

// IsRetryableError returns true if the error represents a transient failure
// that might succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, audit.ErrAuditWrite) ||
		errors.Is(err, escalation.ErrRateLimited) ||
		errors.Is(err, hashicorp.ErrSecretUnavailable) ||
		errors.Is(err, awssecrets.ErrSecretUnavailable) ||
		errors.Is(err, awskms.ErrKMSUnavailable)
}

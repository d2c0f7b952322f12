package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/medguard/audit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	OperationRequest = "emergency_access_request"
	OperationApprove = "emergency_access_approve"

	auditLevel = "emergency"
)

// Hasher produces the opaque patient identifier stored on an escalation.
type Hasher interface {
	Hash(text, salt string) string
}

// Auditor is the audit sink every registry decision is written to.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Request is a call for emergency access.
type Request struct {
	Reason        string
	RequestedBy   string
	PatientID     string
	SourceAddress string
}

// Registry is the process-wide set of active escalations. All lookups and
// mutations hold one mutex, so concurrent callers agree on whether a given
// escalation has expired.
type Registry struct {
	store   Store
	hasher  Hasher
	auditor Auditor
	policy  Policy
	logger  *zap.Logger
	clock   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Registry)

func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p.withDefaults() }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry creates a registry over store. hasher and auditor are required.
func NewRegistry(store Store, hasher Hasher, auditor Auditor, opts ...Option) (*Registry, error) {
	if store == nil || hasher == nil || auditor == nil {
		return nil, errors.New("escalation registry requires a store, a hasher and an auditor")
	}
	r := &Registry{
		store:    store,
		hasher:   hasher,
		auditor:  auditor,
		policy:   DefaultPolicy(),
		logger:   zap.NewNop(),
		clock:    time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Request creates an escalation. Reasons in a configured life-threatening
// category are approved immediately with the short window; everything else
// waits in pending_review for the default window.
func (r *Registry) Request(ctx context.Context, req Request) (*Escalation, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	requester := req.RequestedBy
	if requester == "" {
		requester = audit.SystemActor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	if !r.allow(requester, now) {
		r.logger.Warn("escalation request throttled", zap.String("requested_by", requester))
		_, auditErr := r.auditor.Append(ctx, audit.Entry{
			Level:         auditLevel,
			ActorID:       requester,
			Operation:     OperationRequest,
			SourceAddress: req.SourceAddress,
			Outcome:       audit.Denied,
			Details:       map[string]any{"error": ErrRateLimited.Error()},
		})
		return nil, errors.Join(ErrRateLimited, auditErr)
	}

	category, critical := r.policy.classify(reason)
	e := &Escalation{
		ID:          uuid.NewString(),
		Reason:      reason,
		Category:    category,
		RequestedBy: requester,
		CreatedAt:   now,
		Status:      StatusPendingReview,
		ExpiresAt:   now.Add(r.policy.DefaultTTL),
	}
	if critical {
		e.Status = StatusApproved
		e.AutoApproved = true
		e.ExpiresAt = now.Add(r.policy.AutoApproveTTL)
	}
	if req.PatientID != "" {
		e.PatientHash = r.hasher.Hash(req.PatientID, "")
	}

	details := map[string]any{
		"reason":        e.Reason,
		"category":      e.Category,
		"status":        string(e.Status),
		"auto_approved": e.AutoApproved,
		"expires_at":    e.ExpiresAt.Format(time.RFC3339),
	}
	if e.PatientHash != "" {
		details["patient_hash"] = e.PatientHash
	}
	if _, err := r.auditor.Append(ctx, audit.Entry{
		Level:         auditLevel,
		ActorID:       requester,
		Operation:     OperationRequest,
		EscalationID:  e.ID,
		SourceAddress: req.SourceAddress,
		ResourceType:  "escalation",
		ResourceID:    e.ID,
		Outcome:       audit.Allowed,
		Details:       details,
	}); err != nil {
		return nil, err
	}

	if err := r.store.Put(ctx, e); err != nil {
		return nil, err
	}

	r.logger.Warn("emergency access requested",
		zap.String("escalation_id", e.ID),
		zap.String("requested_by", requester),
		zap.String("category", e.Category),
		zap.String("status", string(e.Status)),
		zap.Time("expires_at", e.ExpiresAt),
	)
	return e.clone(), nil
}

func (r *Registry) allow(requester string, now time.Time) bool {
	if r.policy.RequestBurst <= 0 {
		return true
	}
	lim, ok := r.limiters[requester]
	if !ok {
		every := rate.Every(r.policy.RequestWindow / time.Duration(r.policy.RequestBurst))
		lim = rate.NewLimiter(every, r.policy.RequestBurst)
		r.limiters[requester] = lim
	}
	return lim.AllowN(now, 1)
}

// Approve moves a pending escalation to approved. The expiry is unchanged.
func (r *Registry) Approve(ctx context.Context, id, approverID string) (*Escalation, error) {
	if approverID == "" {
		return nil, fmt.Errorf("%w: approver is required", ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPendingReview {
		return nil, ErrEscalationNotPending
	}
	if approverID == e.RequestedBy {
		auditErr := r.auditApproval(ctx, e, approverID, audit.Denied, ErrSelfApproval)
		return nil, errors.Join(ErrSelfApproval, auditErr)
	}

	now := r.clock().UTC()
	e.Status = StatusApproved
	e.ApprovedBy = approverID
	e.ApprovedAt = &now

	if err := r.auditApproval(ctx, e, approverID, audit.Allowed, nil); err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, e); err != nil {
		return nil, err
	}

	r.logger.Warn("emergency access approved",
		zap.String("escalation_id", e.ID),
		zap.String("approved_by", approverID),
	)
	return e.clone(), nil
}

func (r *Registry) auditApproval(ctx context.Context, e *Escalation, approverID string, outcome audit.Outcome, cause error) error {
	details := map[string]any{
		"requested_by": e.RequestedBy,
		"category":     e.Category,
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	_, err := r.auditor.Append(ctx, audit.Entry{
		Level:        auditLevel,
		ActorID:      approverID,
		Operation:    OperationApprove,
		EscalationID: e.ID,
		ResourceType: "escalation",
		ResourceID:   e.ID,
		Outcome:      outcome,
		Details:      details,
	})
	return err
}

// Validate returns the escalation when it is approved and unexpired.
// An expired escalation is removed and can never validate again.
func (r *Registry) Validate(ctx context.Context, id string) (*Escalation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusApproved {
		return nil, ErrEscalationPendingReview
	}
	return e, nil
}

// lookup loads id and enforces expiry. Callers hold r.mu.
func (r *Registry) lookup(ctx context.Context, id string) (*Escalation, error) {
	if id == "" {
		return nil, ErrEscalationNotFound
	}
	e, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.ExpiredAt(r.clock()) {
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Error("failed to remove expired escalation", zap.String("escalation_id", id), zap.Error(err))
		}
		r.logger.Info("escalation expired", zap.String("escalation_id", id))
		return nil, ErrEscalationExpired
	}
	return e, nil
}

// Sweep removes every expired escalation and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := r.clock()
	removed := 0
	for _, e := range all {
		if !e.ExpiredAt(now) {
			continue
		}
		if err := r.store.Delete(ctx, e.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("expired escalations swept", zap.Int("removed", removed))
	}
	return removed, nil
}

// Run sweeps on every tick of interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("escalation sweep failed", zap.Error(err))
			}
		}
	}
}

// Active returns the escalations currently held, expired or not.
func (r *Registry) Active(ctx context.Context) ([]*Escalation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.List(ctx)
}

// Clear drops every escalation and request throttle.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters = make(map[string]*rate.Limiter)
	return r.store.Clear(ctx)
}

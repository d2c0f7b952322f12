package access

import (
	"context"
	"fmt"

	"github.com/hengadev/medguard/audit"
	"go.uber.org/zap"
)

// scopedStore decorates a level's pooled store with its policy, its
// concurrency budget and its logging severity.
type scopedStore struct {
	pool    *pool
	manager *Manager
	ac      AccessContext
}

func (s *scopedStore) Do(ctx context.Context, op Operation) (*Result, error) {
	if !s.manager.current(s.pool) {
		return nil, ErrStoreClosed
	}

	// emergency handles stop working once their escalation expires
	if s.pool.level == Emergency || s.pool.cfg.RequiresEscalation {
		if _, err := s.manager.escalations.Validate(ctx, s.ac.EscalationID); err != nil {
			return nil, newEmergencyDenied(err)
		}
	}

	if err := s.pool.policy.check(op); err != nil {
		s.reject(ctx, op, err)
		return nil, err
	}

	if err := s.pool.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for %s capacity: %w", s.pool.level, err)
	}
	defer s.pool.sem.Release(1)

	if ce := s.manager.logger.Check(s.pool.cfg.LogLevel, "privileged operation"); ce != nil {
		ce.Write(
			zap.String("level", s.pool.level.String()),
			zap.String("user_id", s.userID()),
			zap.String("operation", op.Name),
			zap.String("table", op.Table),
			zap.String("escalation_id", s.ac.EscalationID),
		)
	}

	return s.pool.store.Do(ctx, op)
}

func (s *scopedStore) reject(ctx context.Context, op Operation, violation error) {
	s.manager.logger.Error("privilege violation",
		zap.String("level", s.pool.level.String()),
		zap.String("user_id", s.userID()),
		zap.String("operation", op.Name),
		zap.String("table", op.Table),
		zap.Error(violation),
	)
	s.manager.recorder.RecordViolation(ctx, s.pool.level.String(), op.Name)

	resourceType := op.Table
	if resourceType == "" {
		resourceType = s.ac.ResourceType
	}
	if _, err := s.manager.auditor.Append(ctx, audit.Entry{
		Level:         s.pool.level.String(),
		ActorID:       s.ac.UserID,
		Operation:     op.Name,
		EscalationID:  s.ac.EscalationID,
		SourceAddress: s.ac.SourceAddress,
		ResourceType:  resourceType,
		ResourceID:    s.ac.ResourceID,
		Outcome:       audit.Denied,
		Details:       map[string]any{"error": violation.Error()},
	}); err != nil {
		s.manager.logger.Error("privilege violation audit failed", zap.Error(err))
	}
}

func (s *scopedStore) userID() string {
	if s.ac.UserID == "" {
		return audit.SystemActor
	}
	return s.ac.UserID
}

// Close releases the handle. The pooled store stays open until
// CloseAllConnections.
func (s *scopedStore) Close() error {
	return nil
}

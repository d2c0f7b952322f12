package medguard

import (
	"context"
	"errors"

	"github.com/hengadev/medguard/internal/health"
)

// Health report types, re-exported so callers can name them.
type (
	HealthReport = health.Report
	HealthResult = health.Result
	HealthStatus = health.Status
)

const (
	HealthStatusHealthy   = health.StatusHealthy
	HealthStatusDegraded  = health.StatusDegraded
	HealthStatusUnhealthy = health.StatusUnhealthy
)

// Health check names.
const (
	CheckAccessPools = "access_pools"
	CheckAuditChain  = "audit_chain"
	CheckAuditStore  = "audit_store"
	CheckRedis       = "escalation_redis"
)

// Health probes the components the Guard depends on. The audit chain, the
// audit database and the access pools are critical; Redis only degrades
// the report.
func (g *Guard) Health(ctx context.Context) *HealthReport {
	checker := health.NewChecker(g.cfg.ServiceName, Version)

	_ = checker.Register(health.Check{
		Name:     CheckAccessPools,
		Critical: true,
		Func: func(context.Context) error {
			if !g.access.Initialized() {
				return errors.New("access pools are closed")
			}
			return nil
		},
	})
	_ = checker.Register(health.Check{
		Name:     CheckAuditChain,
		Critical: true,
		Func:     g.audit.Verify,
	})
	if g.auditDB != nil {
		_ = checker.Register(health.Check{
			Name:     CheckAuditStore,
			Critical: true,
			Func:     g.auditDB.PingContext,
		})
	}
	if g.redis != nil {
		_ = checker.Register(health.Check{
			Name: CheckRedis,
			Func: func(ctx context.Context) error { return g.redis.Ping(ctx).Err() },
		})
	}

	return checker.Run(ctx)
}

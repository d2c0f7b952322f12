package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hengadev/medguard/audit"
	"github.com/hengadev/medguard/escalation"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultOperation is recorded when an AccessContext names no operation.
const DefaultOperation = "database_access"

// AccessContext describes who is asking for a store and why.
type AccessContext struct {
	UserID        string
	Operation     string
	EscalationID  string
	SourceAddress string
	ResourceType  string
	ResourceID    string
	Details       map[string]any
}

// Auditor is the audit sink access decisions are written to.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) (audit.Entry, error)
}

// Escalations is the emergency-access registry consulted for the emergency
// level.
type Escalations interface {
	Request(ctx context.Context, req escalation.Request) (*escalation.Escalation, error)
	Approve(ctx context.Context, id, approverID string) (*escalation.Escalation, error)
	Validate(ctx context.Context, id string) (*escalation.Escalation, error)
	Clear(ctx context.Context) error
}

// Recorder receives access metrics.
type Recorder interface {
	RecordAccess(ctx context.Context, level, outcome string)
	RecordViolation(ctx context.Context, level, operation string)
	RecordEscalation(ctx context.Context, status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAccess(context.Context, string, string)    {}
func (nopRecorder) RecordViolation(context.Context, string, string) {}
func (nopRecorder) RecordEscalation(context.Context, string)        {}

type pool struct {
	level  Level
	cfg    LevelConfig
	policy *policy
	store  Store
	sem    *semaphore.Weighted
}

// Manager resolves privilege levels to scoped store handles.
type Manager struct {
	connector   Connector
	escalations Escalations
	auditor     Auditor
	levels      map[Level]LevelConfig
	policies    map[Level]*policy
	sensitive   []string
	logger      *zap.Logger
	recorder    Recorder

	mu          sync.RWMutex
	pools       map[Level]*pool
	initialized bool
}

type Option func(*Manager)

// WithLevelConfigs overrides the configuration of the given levels; levels
// not present keep their defaults.
func WithLevelConfigs(levels map[Level]LevelConfig) Option {
	return func(m *Manager) {
		for l, cfg := range levels {
			m.levels[l] = cfg
		}
	}
}

// WithSensitiveTables sets the tables covered by migration checksums.
func WithSensitiveTables(tables ...string) Option {
	return func(m *Manager) {
		m.sensitive = append([]string(nil), tables...)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// NewManager validates the level policies and returns an uninitialized
// manager. Call Initialize before GetStore.
func NewManager(connector Connector, escalations Escalations, auditor Auditor, opts ...Option) (*Manager, error) {
	if connector == nil || escalations == nil || auditor == nil {
		return nil, errors.New("access manager requires a connector, an escalation registry and an auditor")
	}
	m := &Manager{
		connector:   connector,
		escalations: escalations,
		auditor:     auditor,
		levels:      DefaultLevelConfigs(),
		logger:      zap.NewNop(),
		recorder:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	m.policies = make(map[Level]*policy, len(m.levels))
	for _, level := range Levels() {
		cfg := m.levels[level]
		if cfg.MaxConns < 1 {
			return nil, fmt.Errorf("%w: %s max connections must be at least 1", ErrInvalidPolicy, level)
		}
		p, err := compilePolicy(env, level, cfg)
		if err != nil {
			return nil, err
		}
		m.policies[level] = p
	}
	return m, nil
}

// Initialize opens one pooled store per level. It is idempotent. If any
// level fails to connect, the stores already opened are closed.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	pools := make(map[Level]*pool, len(m.levels))
	for _, level := range Levels() {
		cfg := m.levels[level]
		store, err := m.connector.Connect(ctx, level, cfg.MaxConns)
		if err != nil {
			for _, p := range pools {
				_ = p.store.Close()
			}
			m.logger.Error("failed to initialize access pools", zap.String("level", level.String()), zap.Error(err))
			return fmt.Errorf("initializing %s pool: %w", level, err)
		}
		pools[level] = &pool{
			level:  level,
			cfg:    cfg,
			policy: m.policies[level],
			store:  store,
			sem:    semaphore.NewWeighted(int64(cfg.MaxConns)),
		}
	}

	m.pools = pools
	m.initialized = true
	m.logger.Info("access pools initialized", zap.Int("levels", len(pools)))
	return nil
}

// GetStore returns a scoped handle for level. Every call, allowed or denied,
// writes one audit entry before returning; if that write fails no handle is
// returned.
func (m *Manager) GetStore(ctx context.Context, level Level, ac AccessContext) (Store, error) {
	entry := audit.Entry{
		Level:         string(level),
		ActorID:       ac.UserID,
		Operation:     ac.Operation,
		EscalationID:  ac.EscalationID,
		SourceAddress: ac.SourceAddress,
		ResourceType:  ac.ResourceType,
		ResourceID:    ac.ResourceID,
		Details:       ac.Details,
	}
	if entry.Operation == "" {
		entry.Operation = DefaultOperation
	}

	p, denyErr := m.resolve(ctx, level, ac)
	if denyErr != nil {
		entry.Outcome = audit.Denied
		entry.Details = withDetail(entry.Details, "error", denyErr.Error())
	} else {
		entry.Outcome = audit.Allowed
	}

	if _, err := m.auditor.Append(ctx, entry); err != nil {
		m.logger.Error("access audit failed",
			zap.String("level", string(level)),
			zap.String("user_id", entry.ActorID),
			zap.Error(err),
		)
		if !errors.Is(err, audit.ErrAuditWrite) {
			err = fmt.Errorf("%w: %w", audit.ErrAuditWrite, err)
		}
		if denyErr != nil {
			return nil, errors.Join(denyErr, err)
		}
		return nil, err
	}

	m.recorder.RecordAccess(ctx, string(level), string(entry.Outcome))
	if denyErr != nil {
		m.logger.Warn("access denied",
			zap.String("level", string(level)),
			zap.String("user_id", entry.ActorID),
			zap.String("operation", entry.Operation),
			zap.Error(denyErr),
		)
		return nil, denyErr
	}

	return &scopedStore{
		pool:    p,
		manager: m,
		ac:      ac,
	}, nil
}

func (m *Manager) resolve(ctx context.Context, level Level, ac AccessContext) (*pool, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrivilegeLevel, level)
	}

	m.mu.RLock()
	p, ok := m.pools[level]
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized || !ok {
		return nil, ErrNotInitialized
	}

	if level == Emergency || p.cfg.RequiresEscalation {
		if ac.EscalationID == "" {
			return nil, newEmergencyDenied(escalation.ErrEscalationNotFound)
		}
		if _, err := m.escalations.Validate(ctx, ac.EscalationID); err != nil {
			return nil, newEmergencyDenied(err)
		}
	}
	return p, nil
}

// RequestEmergencyAccess creates an escalation and returns its id. A patient
// id is only ever stored hashed.
func (m *Manager) RequestEmergencyAccess(ctx context.Context, reason, requestedBy, patientID string) (string, error) {
	e, err := m.escalations.Request(ctx, escalation.Request{
		Reason:      reason,
		RequestedBy: requestedBy,
		PatientID:   patientID,
	})
	if err != nil {
		return "", err
	}
	m.recorder.RecordEscalation(ctx, string(e.Status))
	return e.ID, nil
}

// ApproveEmergencyAccess is the supervisor action moving a pending
// escalation to approved.
func (m *Manager) ApproveEmergencyAccess(ctx context.Context, escalationID, approverID string) error {
	e, err := m.escalations.Approve(ctx, escalationID, approverID)
	if err != nil {
		return err
	}
	m.recorder.RecordEscalation(ctx, string(e.Status))
	return nil
}

// CloseAllConnections closes every pooled store and clears the escalation
// registry. It is safe to call more than once.
func (m *Manager) CloseAllConnections(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, level := range Levels() {
		p, ok := m.pools[level]
		if !ok {
			continue
		}
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s pool: %w", level, err))
		}
	}
	if err := m.escalations.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing escalations: %w", err))
	}

	if m.initialized {
		m.logger.Info("access pools closed")
	}
	m.pools = nil
	m.initialized = false
	return errors.Join(errs...)
}

// Initialized reports whether the pools are open.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// current reports whether p is still the live pool for its level.
func (m *Manager) current(p *pool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized && m.pools[p.level] == p
}

func withDetail(details map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out[key] = value
	return out
}

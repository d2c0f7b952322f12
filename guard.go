package medguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hengadev/medguard/access"
	"github.com/hengadev/medguard/audit"
	"github.com/hengadev/medguard/cipher"
	"github.com/hengadev/medguard/escalation"
	"github.com/hengadev/medguard/internal/logging"
	"github.com/hengadev/medguard/internal/monitoring"
	s3archive "github.com/hengadev/medguard/providers/archive/s3"
	"github.com/hengadev/medguard/providers/awskms"
	awssecrets "github.com/hengadev/medguard/providers/secrets/aws"
	"github.com/hengadev/medguard/providers/secrets/hashicorp"
	"github.com/hengadev/medguard/store/sqlstore"
	"github.com/hengadev/medguard/workflow"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// OperationTransition is the audited operation name of consultation
// transitions.
const OperationTransition = "consultation_transition"

// ResourceConsultation is the audited resource type of consultations.
const ResourceConsultation = "consultation"

var ErrArchiveNotConfigured = errors.New("audit archive is not configured")

// Guard wires the consultation workflow, the field cipher, the audit log,
// the escalation registry and the access manager together.
type Guard struct {
	cfg         Config
	logger      *zap.Logger
	workflow    *workflow.StateMachine
	cipher      *cipher.Cipher
	audit       *audit.Log
	escalations *escalation.Registry
	access      *access.Manager
	archive     audit.Sink
	auditDB     *sql.DB
	redis       redis.UniversalClient

	stopSweep context.CancelFunc
	sweepDone chan struct{}
	closers   []func() error

	mu     sync.Mutex
	closed bool
}

type options struct {
	connector     access.Connector
	logger        *zap.Logger
	meterProvider metric.MeterProvider
	clock         func() time.Time
	auditStore    audit.Store
	redisClient   redis.UniversalClient
	archive       audit.Sink
}

type Option func(*options)

// WithConnector supplies the scoped store backend instead of building one
// from Config.Store.
func WithConnector(c access.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithLogger replaces the logger built from Config.Log.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeterProvider records metrics on provider instead of the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = provider }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithAuditStore supplies the audit persistence instead of building it from
// Config.Audit.
func WithAuditStore(store audit.Store) Option {
	return func(o *options) { o.auditStore = store }
}

// WithRedisClient keeps escalations in Redis through client. The caller
// owns the client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) { o.redisClient = client }
}

// WithArchiveSink sets where ExportAudit writes instead of building an S3
// sink from Config.Archive.
func WithArchiveSink(sink audit.Sink) Option {
	return func(o *options) { o.archive = sink }
}

// New validates cfg, builds every component, opens the privilege pools and
// starts the escalation sweeper. Close releases everything New opened.
func New(ctx context.Context, cfg Config, opts ...Option) (*Guard, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	g := &Guard{cfg: cfg, workflow: workflow.New()}
	ok := false
	defer func() {
		if !ok {
			_ = g.closeResources()
		}
	}()

	g.logger = o.logger
	if g.logger == nil {
		logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		g.logger = logger
	}

	src, err := g.secretSource(ctx)
	if err != nil {
		return nil, err
	}
	g.cipher, err = cipher.NewFromSource(ctx, src, cipher.WithArgon2Params(cfg.Argon2), cipher.WithLogger(g.logger))
	if err != nil {
		return nil, err
	}

	auditStore := o.auditStore
	if auditStore == nil {
		if auditStore, err = g.openAuditStore(ctx); err != nil {
			return nil, err
		}
	}
	g.audit = audit.NewLog(auditStore, audit.WithLogger(g.logger), audit.WithClock(o.clock))

	g.escalations, err = escalation.NewRegistry(g.escalationStore(o), g.cipher, g.audit,
		escalation.WithPolicy(cfg.EscalationPolicy()),
		escalation.WithLogger(g.logger),
		escalation.WithClock(o.clock),
	)
	if err != nil {
		return nil, err
	}

	recorder, err := monitoring.NewRecorder(o.meterProvider)
	if err != nil {
		return nil, err
	}

	connector := o.connector
	if connector == nil {
		if connector, err = g.storeConnector(); err != nil {
			return nil, err
		}
	}
	g.access, err = access.NewManager(connector, g.escalations, g.audit,
		access.WithLevelConfigs(cfg.LevelConfigs()),
		access.WithSensitiveTables(cfg.SensitiveTables...),
		access.WithLogger(g.logger),
		access.WithRecorder(recorder),
	)
	if err != nil {
		return nil, err
	}
	if err := g.access.Initialize(ctx); err != nil {
		return nil, err
	}
	g.closers = append(g.closers, func() error { return g.access.CloseAllConnections(context.Background()) })

	g.archive = o.archive
	if g.archive == nil && cfg.Archive.Bucket != "" {
		g.archive, err = s3archive.NewFromDefaultConfig(ctx, cfg.Archive.Bucket,
			s3archive.WithPrefix(cfg.Archive.Prefix),
			s3archive.WithRetention(cfg.Archive.Retention),
			s3archive.WithClock(o.clock),
			s3archive.WithLogger(g.logger),
		)
		if err != nil {
			return nil, err
		}
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	g.stopSweep = cancel
	g.sweepDone = make(chan struct{})
	go func() {
		defer close(g.sweepDone)
		g.escalations.Run(sweepCtx, cfg.Escalation.SweepInterval)
	}()

	ok = true
	g.logger.Info("medguard started",
		zap.String("version", Version),
		zap.String("audit_driver", cfg.Audit.Driver),
		zap.Bool("redis_escalations", o.redisClient != nil || cfg.Escalation.Redis.Addr != ""),
		zap.Bool("archive", g.archive != nil),
	)
	return g, nil
}

func (g *Guard) secretSource(ctx context.Context) (cipher.SecretSource, error) {
	var (
		src       cipher.SecretSource
		transient error
	)
	switch g.cfg.SecretSource {
	case SecretSourceVault:
		client, err := hashicorp.NewClientFromEnvironment(ctx)
		if err != nil {
			return nil, err
		}
		src, transient = hashicorp.NewKVSource(client, hashicorp.WithPath(g.cfg.VaultSecretPath)), hashicorp.ErrSecretUnavailable
	case SecretSourceAWS:
		sm, err := awssecrets.NewSecretsManagerSource(ctx, g.cfg.AWSSecretID, awssecrets.Config{Region: g.cfg.AWSRegion})
		if err != nil {
			return nil, err
		}
		src, transient = sm, awssecrets.ErrSecretUnavailable
	case SecretSourceKMS:
		svc, err := awskms.New(ctx, awskms.Config{Region: g.cfg.AWSRegion})
		if err != nil {
			return nil, err
		}
		src, transient = svc.Source(g.cfg.KMSCiphertext), awskms.ErrKMSUnavailable
	default:
		return cipher.StaticSecret(g.cfg.MasterSecret), nil
	}
	return newRetryingSource(src, transient, g.logger), nil
}

func (g *Guard) openAuditStore(ctx context.Context) (audit.Store, error) {
	store, db, err := OpenAuditStore(ctx, g.cfg.Audit)
	if err != nil {
		return nil, err
	}
	if db != nil {
		g.closers = append(g.closers, db.Close)
		g.auditDB = db
	}
	return store, nil
}

// OpenAuditStore opens the audit persistence selected by cfg. The returned
// db is nil for the memory driver; otherwise the caller must close it.
func OpenAuditStore(ctx context.Context, cfg AuditConfig) (audit.Store, *sql.DB, error) {
	if cfg.Driver == "" || cfg.Driver == AuditDriverMemory {
		return audit.NewMemoryStore(), nil, nil
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if cfg.Driver == AuditDriverSQLite {
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	store, err := audit.NewSQLStore(ctx, db, audit.Dialect(cfg.Driver))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func (g *Guard) escalationStore(o options) escalation.Store {
	client := o.redisClient
	if client == nil && g.cfg.Escalation.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     g.cfg.Escalation.Redis.Addr,
			Password: g.cfg.Escalation.Redis.Password,
			DB:       g.cfg.Escalation.Redis.DB,
		})
		g.closers = append(g.closers, rc.Close)
		client = rc
	}
	if client == nil {
		return escalation.NewMemoryStore()
	}
	g.redis = client
	return escalation.NewRedisStore(client, escalation.WithStoreClock(o.clock))
}

func (g *Guard) storeConnector() (access.Connector, error) {
	if g.cfg.Store.Driver == "" {
		return nil, fmt.Errorf("%w: store driver is required without a connector", ErrInvalidConfiguration)
	}
	opts := []sqlstore.Option{
		sqlstore.WithConnMaxLifetime(g.cfg.Store.ConnMaxLifetime),
		sqlstore.WithLogger(g.logger),
	}
	for name, dsn := range g.cfg.Store.LevelDSNs {
		level, err := access.ParseLevel(name)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sqlstore.WithLevelDSN(level, dsn))
	}
	return sqlstore.NewConnector(g.cfg.Store.Driver, g.cfg.Store.DSN, opts...)
}

// TransitionRequest describes one consultation state change.
type TransitionRequest struct {
	ConsultationID string
	UserID         string
	From           workflow.State
	To             workflow.State
	Context        workflow.Context
	SourceAddress  string
}

// TransitionConsultation validates the transition and, when it is legal,
// runs apply against a patient_update scoped store. The store request is
// audited before apply runs. The Result is returned even when the
// transition is rejected.
func (g *Guard) TransitionConsultation(ctx context.Context, req TransitionRequest, apply func(ctx context.Context, store access.Store) error) (workflow.Result, error) {
	res, err := g.workflow.ValidateTransition(req.From, req.To, req.Context)
	if err != nil {
		return res, err
	}
	if !res.Valid {
		return res, res.Err()
	}

	store, err := g.access.GetStore(ctx, access.PatientUpdate, access.AccessContext{
		UserID:        req.UserID,
		Operation:     OperationTransition,
		ResourceType:  ResourceConsultation,
		ResourceID:    req.ConsultationID,
		SourceAddress: req.SourceAddress,
		Details: map[string]any{
			"from": string(req.From),
			"to":   string(req.To),
		},
	})
	if err != nil {
		return res, err
	}
	defer func() { _ = store.Close() }()

	if err := apply(ctx, store); err != nil {
		return res, fmt.Errorf("applying transition %s -> %s: %w", req.From, req.To, err)
	}
	g.logger.Debug("consultation transitioned",
		zap.String("consultation_id", req.ConsultationID),
		zap.String("from", string(req.From)),
		zap.String("to", string(req.To)),
	)
	return res, nil
}

// RequestEmergencyAccess opens an escalation and returns its id.
func (g *Guard) RequestEmergencyAccess(ctx context.Context, reason, requestedBy, patientID string) (string, error) {
	return g.access.RequestEmergencyAccess(ctx, reason, requestedBy, patientID)
}

// ApproveEmergencyAccess approves a pending escalation.
func (g *Guard) ApproveEmergencyAccess(ctx context.Context, escalationID, approverID string) error {
	return g.access.ApproveEmergencyAccess(ctx, escalationID, approverID)
}

// ExportAudit writes the entries matching f to the archive under key.
func (g *Guard) ExportAudit(ctx context.Context, key string, f audit.Filter) (int, error) {
	if g.archive == nil {
		return 0, ErrArchiveNotConfigured
	}
	return g.audit.Export(ctx, g.archive, key, f)
}

func (g *Guard) Workflow() *workflow.StateMachine  { return g.workflow }
func (g *Guard) Cipher() *cipher.Cipher            { return g.cipher }
func (g *Guard) Audit() *audit.Log                 { return g.audit }
func (g *Guard) Escalations() *escalation.Registry { return g.escalations }
func (g *Guard) Access() *access.Manager           { return g.access }
func (g *Guard) Logger() *zap.Logger               { return g.logger }

// Close stops the sweeper, closes every pool and clears escalations. It is
// safe to call more than once.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	err := g.closeResources()
	_ = g.logger.Sync()
	return err
}

func (g *Guard) closeResources() error {
	if g.stopSweep != nil {
		g.stopSweep()
		<-g.sweepDone
	}
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}

package medguard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hengadev/medguard/access"
	"github.com/hengadev/medguard/audit"
	"github.com/hengadev/medguard/cipher"
	"github.com/hengadev/medguard/escalation"
	"github.com/hengadev/medguard/internal/monitoring"
	"github.com/hengadev/medguard/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memorySink) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[key] = data
	return nil
}

func newTestConfig(t *testing.T) Config {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return Config{
		MasterSecret: testSecret,
		Argon2:       &cipher.Argon2Params{Memory: 8192, Iterations: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		},
		Audit: AuditConfig{Driver: AuditDriverSQLite, DSN: ":memory:"},
	}
}

// newTestGuard starts a Guard over an in-memory SQLite database holding
// one triaged consultation "c-1".
func newTestGuard(t *testing.T, cfg Config, opts ...Option) *Guard {
	t.Helper()
	ctx := context.Background()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	g, err := New(ctx, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	store, err := g.Access().GetStore(ctx, access.Migration, access.AccessContext{
		UserID:    "migrator",
		Operation: "create_consultations",
	})
	require.NoError(t, err)
	for _, op := range []access.Operation{
		{Name: "create_consultations", Table: "consultations", Query: "CREATE TABLE consultations (id TEXT PRIMARY KEY, state TEXT NOT NULL)"},
		{Name: "insert_consultation", Table: "consultations", Query: "INSERT INTO consultations (id, state) VALUES (?, ?)", Args: []any{"c-1", "triaged"}},
	} {
		_, err := store.Do(ctx, op)
		require.NoError(t, err)
	}
	return g
}

func updateState(id string, state workflow.State) func(context.Context, access.Store) error {
	return func(ctx context.Context, store access.Store) error {
		_, err := store.Do(ctx, access.Operation{
			Name:  "update_consultation_state",
			Table: "consultations",
			Query: "UPDATE consultations SET state = ? WHERE id = ?",
			Args:  []any{string(state), id},
		})
		return err
	}
}

func readState(t *testing.T, g *Guard, id string) string {
	t.Helper()
	ctx := context.Background()
	store, err := g.Access().GetStore(ctx, access.ReadOnly, access.AccessContext{UserID: "reporter", Operation: "read_consultation"})
	require.NoError(t, err)
	res, err := store.Do(ctx, access.Operation{
		Name:  "read_consultation",
		Table: "consultations",
		Query: "SELECT state FROM consultations WHERE id = ?",
		Args:  []any{id},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	return fmt.Sprint(res.Rows[0]["state"])
}

func TestNew_InvalidConfiguration(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.True(t, IsConfigurationError(err))

	cfg := newTestConfig(t)
	cfg.Store = StoreConfig{}
	_, err = New(ctx, cfg, WithLogger(zaptest.NewLogger(t)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestGuard_TransitionConsultation(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(t, newTestConfig(t))

	t.Run("legal transition is applied and audited", func(t *testing.T) {
		res, err := g.TransitionConsultation(ctx, TransitionRequest{
			ConsultationID: "c-1",
			UserID:         "dr-smith",
			From:           workflow.Triaged,
			To:             workflow.Assigned,
			Context:        workflow.Context{workflow.FieldProviderID: "dr-smith"},
			SourceAddress:  "10.0.0.7",
		}, updateState("c-1", workflow.Assigned))
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, "assigned", readState(t, g, "c-1"))

		entries, err := g.Audit().QueryByResource(ctx, ResourceConsultation, "c-1", audit.QueryOptions{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, string(access.PatientUpdate), entries[0].Level)
		assert.Equal(t, OperationTransition, entries[0].Operation)
		assert.Equal(t, audit.Allowed, entries[0].Outcome)
		assert.Equal(t, "dr-smith", entries[0].ActorID)
		assert.Equal(t, "10.0.0.7", entries[0].SourceAddress)
		assert.Equal(t, "triaged", entries[0].Details["from"])
	})

	t.Run("rejected transitions never reach the store", func(t *testing.T) {
		before, err := g.Audit().Query(ctx, audit.Filter{})
		require.NoError(t, err)

		tests := []struct {
			name string
			req  TransitionRequest
			err  error
		}{
			{
				name: "illegal",
				req:  TransitionRequest{ConsultationID: "c-1", From: workflow.Assigned, To: workflow.Completed, Context: workflow.Context{workflow.FieldProviderID: "dr-smith"}},
				err:  ErrIllegalTransition,
			},
			{
				name: "missing context",
				req:  TransitionRequest{ConsultationID: "c-1", From: workflow.Assigned, To: workflow.InReview},
				err:  ErrMissingContext,
			},
			{
				name: "unknown state",
				req:  TransitionRequest{ConsultationID: "c-1", From: "archived", To: workflow.Pending},
				err:  ErrUnknownState,
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				applied := false
				res, err := g.TransitionConsultation(ctx, tt.req, func(context.Context, access.Store) error {
					applied = true
					return nil
				})
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.err)
				assert.True(t, IsWorkflowError(err))
				assert.False(t, res.Valid)
				assert.False(t, applied)
			})
		}

		after, err := g.Audit().Query(ctx, audit.Filter{})
		require.NoError(t, err)
		assert.Len(t, after, len(before))
	})

	t.Run("destructive operation is a violation", func(t *testing.T) {
		_, err := g.TransitionConsultation(ctx, TransitionRequest{
			ConsultationID: "c-1",
			UserID:         "dr-smith",
			From:           workflow.Assigned,
			To:             workflow.InReview,
			Context:        workflow.Context{workflow.FieldProviderID: "dr-smith"},
		}, func(ctx context.Context, store access.Store) error {
			_, err := store.Do(ctx, access.Operation{
				Name:  "delete_consultation",
				Table: "consultations",
				Query: "DELETE FROM consultations WHERE id = ?",
				Args:  []any{"c-1"},
			})
			return err
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPrivilegeViolation)
		assert.True(t, IsAccessDenied(err))
		assert.Equal(t, "assigned", readState(t, g, "c-1"))

		denied, err := g.Audit().QueryFailedAttempts(ctx, audit.QueryOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, denied)
		assert.Equal(t, "delete_consultation", denied[0].Operation)
		assert.Equal(t, "consultations", denied[0].ResourceType)
	})

	require.NoError(t, g.Audit().Verify(ctx))
}

func TestGuard_EmergencyAccess(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	g := newTestGuard(t, newTestConfig(t), WithClock(clock.Now))

	emergencyStore := func(userID, escalationID string) (access.Store, error) {
		return g.Access().GetStore(ctx, access.Emergency, access.AccessContext{
			UserID:       userID,
			Operation:    "emergency_chart_read",
			EscalationID: escalationID,
		})
	}
	read := access.Operation{Name: "read_consultation", Table: "consultations", Query: "SELECT id, state FROM consultations"}

	t.Run("life-threatening reason is auto-approved", func(t *testing.T) {
		id, err := g.RequestEmergencyAccess(ctx, "Patient in cardiac arrest", "dr-a", "patient-1")
		require.NoError(t, err)

		store, err := emergencyStore("dr-a", id)
		require.NoError(t, err)
		res, err := store.Do(ctx, read)
		require.NoError(t, err)
		assert.Len(t, res.Rows, 1)

		clock.Advance(escalation.DefaultAutoApproveTTL)
		_, err = store.Do(ctx, read)
		assert.ErrorIs(t, err, ErrEmergencyAccessDenied)
		assert.ErrorIs(t, err, ErrEscalationExpired)

		_, err = emergencyStore("dr-a", id)
		assert.ErrorIs(t, err, ErrEmergencyAccessDenied)
	})

	t.Run("other reasons wait for a second clinician", func(t *testing.T) {
		id, err := g.RequestEmergencyAccess(ctx, "chart review before surgery", "dr-b", "patient-2")
		require.NoError(t, err)

		_, err = emergencyStore("dr-b", id)
		assert.ErrorIs(t, err, ErrEmergencyAccessDenied)
		assert.ErrorIs(t, err, ErrEscalationPendingReview)

		err = g.ApproveEmergencyAccess(ctx, id, "dr-b")
		assert.ErrorIs(t, err, escalation.ErrSelfApproval)

		require.NoError(t, g.ApproveEmergencyAccess(ctx, id, "supervisor"))
		store, err := emergencyStore("dr-b", id)
		require.NoError(t, err)
		_, err = store.Do(ctx, read)
		require.NoError(t, err)
	})

	t.Run("missing escalation", func(t *testing.T) {
		_, err := emergencyStore("dr-c", "")
		assert.ErrorIs(t, err, ErrEmergencyAccessDenied)
		assert.ErrorIs(t, err, ErrEscalationNotFound)
	})

	denied, err := g.Audit().Query(ctx, audit.Filter{Level: string(access.Emergency), Outcome: audit.Denied})
	require.NoError(t, err)
	assert.NotEmpty(t, denied)

	all, err := g.Audit().Query(ctx, audit.Filter{})
	require.NoError(t, err)
	for _, e := range all {
		assert.NotContains(t, fmt.Sprint(e.Details), "patient-1")
	}
	require.NoError(t, g.Audit().Verify(ctx))
}

func TestGuard_ExportAudit(t *testing.T) {
	ctx := context.Background()

	g := newTestGuard(t, newTestConfig(t))
	_, err := g.ExportAudit(ctx, "2025/03/14.ndjson", audit.Filter{})
	assert.ErrorIs(t, err, ErrArchiveNotConfigured)

	sink := &memorySink{}
	cfg := newTestConfig(t)
	cfg.Store.DSN = strings.Replace(cfg.Store.DSN, "file:", "file:export_", 1)
	g = newTestGuard(t, cfg, WithArchiveSink(sink))

	_, err = g.Access().GetStore(ctx, "superuser", access.AccessContext{UserID: "mallory"})
	require.ErrorIs(t, err, ErrInvalidPrivilegeLevel)

	n, err := g.ExportAudit(ctx, "2025/03/14.ndjson", audit.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	body := sink.objects["2025/03/14.ndjson"]
	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"actor_id":"migrator"`)
	assert.Contains(t, string(lines[1]), `"level":"superuser"`)
	assert.Contains(t, string(lines[1]), `"outcome":"denied"`)
}

func TestGuard_RedisEscalations(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := newTestConfig(t)
	cfg.Audit = AuditConfig{}
	g := newTestGuard(t, cfg, WithRedisClient(client))

	id, err := g.RequestEmergencyAccess(ctx, "suspected stroke", "dr-a", "patient-9")
	require.NoError(t, err)

	active, err := g.Escalations().Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
	assert.NotEqual(t, "patient-9", active[0].PatientHash)

	report := g.Health(ctx)
	assert.Equal(t, HealthStatusHealthy, report.Status)
	names := make([]string, 0, len(report.Results))
	for _, r := range report.Results {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{CheckAccessPools, CheckAuditChain, CheckRedis}, names)

	mr.Close()
	assert.Equal(t, HealthStatusDegraded, g.Health(ctx).Status)
}

func TestGuard_Health(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(t, newTestConfig(t))

	var report *HealthReport = g.Health(ctx)
	assert.Equal(t, HealthStatusHealthy, report.Status)
	assert.Equal(t, DefaultServiceName, report.ServiceName)
	assert.IsType(t, []HealthResult{}, report.Results)
	assert.Equal(t, Version, report.Version)
	assert.Len(t, report.Results, 3)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.Equal(t, HealthStatusUnhealthy, g.Health(ctx).Status)

	_, err := g.Access().GetStore(ctx, access.ReadOnly, access.AccessContext{UserID: "late"})
	assert.True(t, IsAccessDenied(err))
}

func TestGuard_Metrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	g := newTestGuard(t, newTestConfig(t), WithMeterProvider(provider))
	_, err := g.TransitionConsultation(ctx, TransitionRequest{
		ConsultationID: "c-1",
		UserID:         "dr-smith",
		From:           workflow.Triaged,
		To:             workflow.Assigned,
		Context:        workflow.Context{workflow.FieldProviderID: "dr-smith"},
	}, updateState("c-1", workflow.Assigned))
	require.NoError(t, err)
	_, err = g.RequestEmergencyAccess(ctx, "anaphylactic shock", "dr-a", "")
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := make(map[string]metricdata.Sum[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				sums[m.Name] = sum
			}
		}
	}

	require.Contains(t, sums, monitoring.MetricAccessDecisions)
	allowed := attribute.NewSet(attribute.String("level", "patient_update"), attribute.String("outcome", "allowed"))
	var got int64
	for _, dp := range sums[monitoring.MetricAccessDecisions].DataPoints {
		if dp.Attributes.Equals(&allowed) {
			got = dp.Value
		}
	}
	assert.Equal(t, int64(1), got)
	assert.Contains(t, sums, monitoring.MetricEscalations)
}

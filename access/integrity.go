package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

const (
	OperationPreMigrationBackup  = "pre_migration_backup"
	OperationPostMigrationVerify = "post_migration_validation"
)

// TableChecksum fingerprints a table's contents independently of row order.
type TableChecksum struct {
	Count    int    `json:"count"`
	Checksum string `json:"checksum"`
}

// TableIntegrity compares one table before and after a migration.
type TableIntegrity struct {
	Table   string         `json:"table"`
	Pre     *TableChecksum `json:"pre,omitempty"`
	Post    *TableChecksum `json:"post,omitempty"`
	Changed bool           `json:"changed"`
	Passed  bool           `json:"passed"`
	Error   string         `json:"error,omitempty"`
}

// IntegrityReport is the outcome of ValidatePostMigrationIntegrity.
type IntegrityReport struct {
	MigrationID string           `json:"migration_id"`
	Passed      bool             `json:"passed"`
	Tables      []TableIntegrity `json:"tables"`
}

var tableIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// CreatePreMigrationBackup checksums every sensitive table through a
// migration-level handle.
func (m *Manager) CreatePreMigrationBackup(ctx context.Context, migrationID string) (map[string]TableChecksum, error) {
	store, err := m.GetStore(ctx, Migration, AccessContext{
		Operation:    OperationPreMigrationBackup,
		ResourceType: "migration",
		ResourceID:   migrationID,
	})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	out := make(map[string]TableChecksum, len(m.sensitive))
	for _, table := range m.sensitive {
		sum, err := checksumTable(ctx, store, table)
		if err != nil {
			m.logger.Error("pre-migration checksum failed",
				zap.String("migration_id", migrationID),
				zap.String("table", table),
				zap.Error(err),
			)
			return nil, fmt.Errorf("checksumming %s: %w", table, err)
		}
		out[table] = sum
	}

	m.logger.Info("pre-migration backup created",
		zap.String("migration_id", migrationID),
		zap.Int("tables", len(out)),
	)
	return out, nil
}

// ValidatePostMigrationIntegrity recomputes every checksum and compares it
// with pre. Integrity fails when a table lost rows, is missing on either side,
// or could not be checksummed. A changed checksum with no lost rows is
// reported but does not fail.
func (m *Manager) ValidatePostMigrationIntegrity(ctx context.Context, migrationID string, pre map[string]TableChecksum) (*IntegrityReport, error) {
	store, err := m.GetStore(ctx, Migration, AccessContext{
		Operation:    OperationPostMigrationVerify,
		ResourceType: "migration",
		ResourceID:   migrationID,
	})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	tables := make(map[string]struct{}, len(pre)+len(m.sensitive))
	for t := range pre {
		tables[t] = struct{}{}
	}
	for _, t := range m.sensitive {
		tables[t] = struct{}{}
	}
	names := make([]string, 0, len(tables))
	for t := range tables {
		names = append(names, t)
	}
	sort.Strings(names)

	report := &IntegrityReport{MigrationID: migrationID, Passed: true}
	for _, table := range names {
		ti := TableIntegrity{Table: table}
		if before, ok := pre[table]; ok {
			ti.Pre = &before
		}

		after, err := checksumTable(ctx, store, table)
		switch {
		case err != nil:
			ti.Error = err.Error()
		case ti.Pre == nil:
			ti.Post = &after
			ti.Error = "table missing from pre-migration backup"
		default:
			ti.Post = &after
			ti.Changed = after.Checksum != ti.Pre.Checksum
			if after.Count < ti.Pre.Count {
				ti.Error = fmt.Sprintf("row count dropped from %d to %d", ti.Pre.Count, after.Count)
			} else {
				ti.Passed = true
			}
		}

		if !ti.Passed {
			report.Passed = false
		}
		report.Tables = append(report.Tables, ti)
	}

	if report.Passed {
		m.logger.Info("post-migration integrity verified", zap.String("migration_id", migrationID))
	} else {
		m.logger.Error("post-migration integrity failed", zap.String("migration_id", migrationID))
	}
	return report, nil
}

// checksumTable hashes each row's canonical JSON, sorts the row hashes and
// hashes them together.
func checksumTable(ctx context.Context, store Store, table string) (TableChecksum, error) {
	if !tableIdent.MatchString(table) {
		return TableChecksum{}, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	res, err := store.Do(ctx, Operation{
		Name:  "select_checksum",
		Table: table,
		Query: "SELECT * FROM " + table,
	})
	if err != nil {
		return TableChecksum{}, err
	}

	rowHashes := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return TableChecksum{}, fmt.Errorf("encoding row: %w", err)
		}
		canonical, err := jcs.Transform(raw)
		if err != nil {
			return TableChecksum{}, fmt.Errorf("canonicalizing row: %w", err)
		}
		sum := sha256.Sum256(canonical)
		rowHashes = append(rowHashes, hex.EncodeToString(sum[:]))
	}
	sort.Strings(rowHashes)

	sum := sha256.Sum256([]byte(strings.Join(rowHashes, "\n")))
	return TableChecksum{Count: len(rowHashes), Checksum: hex.EncodeToString(sum[:])}, nil
}

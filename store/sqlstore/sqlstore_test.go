package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hengadev/medguard/access"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharedMemoryDSN(t *testing.T) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func TestNewConnector_RejectsUnknownDriver(t *testing.T) {
	_, err := NewConnector("oracle", "dsn")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestConnector_LevelsShareDatabase(t *testing.T) {
	ctx := context.Background()
	c, err := NewConnector(DriverSQLite, sharedMemoryDSN(t))
	require.NoError(t, err)

	migration, err := c.Connect(ctx, access.Migration, 1)
	require.NoError(t, err)
	defer migration.Close()
	writer, err := c.Connect(ctx, access.PatientUpdate, 10)
	require.NoError(t, err)
	defer writer.Close()
	reader, err := c.Connect(ctx, access.ReadOnly, 5)
	require.NoError(t, err)
	defer reader.Close()

	_, err = migration.Do(ctx, access.Operation{
		Name:  "create_table",
		Query: `CREATE TABLE consultations (id TEXT PRIMARY KEY, state TEXT NOT NULL, notes BLOB)`,
	})
	require.NoError(t, err)

	res, err := writer.Do(ctx, access.Operation{
		Name:  "insert_consultation",
		Query: `INSERT INTO consultations (id, state, notes) VALUES (?, ?, ?), (?, ?, ?)`,
		Args:  []any{"c-1", "pending", []byte("cough"), "c-2", "triaged", nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)

	res, err = reader.Do(ctx, access.Operation{
		Name:  "list_consultations",
		Query: `SELECT id, state, notes FROM consultations ORDER BY id`,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, access.Row{"id": "c-1", "state": "pending", "notes": "cough"}, res.Rows[0])
	assert.Nil(t, res.Rows[1]["notes"])
}

func TestConnector_LevelDSN(t *testing.T) {
	ctx := context.Background()
	c, err := NewConnector(DriverSQLite, sharedMemoryDSN(t),
		WithLevelDSN(access.ReadOnly, "file:replica?mode=memory&cache=shared"))
	require.NoError(t, err)

	primary, err := c.Connect(ctx, access.Migration, 1)
	require.NoError(t, err)
	defer primary.Close()
	_, err = primary.Do(ctx, access.Operation{Name: "create_table", Query: `CREATE TABLE t (x INTEGER)`})
	require.NoError(t, err)

	replica, err := c.Connect(ctx, access.ReadOnly, 1)
	require.NoError(t, err)
	defer replica.Close()
	_, err = replica.Do(ctx, access.Operation{Name: "read", Query: `SELECT x FROM t`})
	assert.Error(t, err, "readonly level is served by its own database")
}

func TestStore_EmptyQuery(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db).Do(context.Background(), access.Operation{Name: "noop"})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestStore_ExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE consultations SET state = \$1 WHERE id = \$2`).
		WithArgs("assigned", "c-1").
		WillReturnError(errors.New("deadlock detected"))

	_, err = New(db).Do(context.Background(), access.Operation{
		Name:  "update_consultation",
		Query: `UPDATE consultations SET state = $1 WHERE id = $2`,
		Args:  []any{"assigned", "c-1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update_consultation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`WITH recent AS`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "count"}).
			AddRow("p-1", int64(3)).
			AddRow("p-2", int64(0)))

	res, err := New(db).Do(context.Background(), access.Operation{
		Name:  "recent_counts",
		Query: `WITH recent AS (SELECT 1) SELECT id, count FROM recent`,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "p-1", res.Rows[0]["id"])
	assert.Equal(t, int64(3), res.Rows[0]["count"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReturnsRows(t *testing.T) {
	assert.True(t, returnsRows("select 1"))
	assert.True(t, returnsRows("  WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.True(t, returnsRows("PRAGMA table_info(x)"))
	assert.False(t, returnsRows("INSERT INTO x VALUES (1)"))
	assert.False(t, returnsRows(""))
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/oeesense/pkg/models"
)

func setupMockDB(t *testing.T, dialect Dialect) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewSQLStore(db, dialect)
}

var shiftRowColumns = []string{
	"id", "machine_id", "product_id", "template_id", "started_at", "ended_at", "status",
	"good_count", "reject_count", "batch_number", "metadata", "version",
}

func TestSQLStore_LockShiftUsesRowLock(t *testing.T) {
	db, mock, store := setupMockDB(t, PostgresDialect)
	defer db.Close()

	started := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(shiftRowColumns).
		AddRow("s-1", "m-1", "p-1", nil, started, nil, "active", 10, 1, "", `{"target_output":5}`, 3)

	mock.ExpectQuery(`FROM shifts WHERE id = \$1 FOR UPDATE`).
		WithArgs("s-1").
		WillReturnRows(rows)

	shift, err := store.LockShift(context.Background(), "s-1")

	require.NoError(t, err)
	assert.Equal(t, "s-1", shift.ID)
	require.NotNil(t, shift.ProductID)
	assert.Equal(t, "p-1", *shift.ProductID)
	assert.Nil(t, shift.TemplateID)
	assert.Nil(t, shift.EndedAt)
	assert.Equal(t, int64(5), shift.Metadata.TargetOutput)
	assert.Equal(t, int64(3), shift.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetShiftNotFound(t *testing.T) {
	db, mock, store := setupMockDB(t, SQLiteDialect)
	defer db.Close()

	mock.ExpectQuery(`FROM shifts WHERE id = \$1$`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(shiftRowColumns))

	_, err := store.GetShift(context.Background(), "nope")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateShiftVersionConflict(t *testing.T) {
	db, mock, store := setupMockDB(t, PostgresDialect)
	defer db.Close()

	started := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	shift := &models.ShiftRecord{ID: "s-1", MachineID: "m-1", StartedAt: started, Status: models.ShiftStatusCompleted, Version: 2}

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $8 AND version = $9`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "completed", int64(0), int64(0), "", sqlmock.AnyArg(), "s-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM shifts WHERE id = \$1`).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(shiftRowColumns).
			AddRow("s-1", "m-1", nil, nil, started, nil, "completed", 0, 0, "", "{}", 3))

	err := store.UpdateShift(context.Background(), shift)

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(2), shift.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateShiftIncrementsVersion(t *testing.T) {
	db, mock, store := setupMockDB(t, PostgresDialect)
	defer db.Close()

	shift := &models.ShiftRecord{ID: "s-1", Status: models.ShiftStatusActive, Version: 4}

	mock.ExpectExec(`UPDATE shifts`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateShift(context.Background(), shift))
	assert.Equal(t, int64(5), shift.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FindShiftsBuildsPlaceholders(t *testing.T) {
	db, mock, store := setupMockDB(t, PostgresDialect)
	defer db.Close()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	mock.ExpectQuery(regexp.QuoteMeta(`machine_id IN ($1, $2) AND started_at >= $3 AND started_at < $4 AND status IN ($5) ORDER BY started_at`)).
		WithArgs("m-1", "m-2", from, to, "completed").
		WillReturnRows(sqlmock.NewRows(shiftRowColumns))

	shifts, err := store.FindShifts(context.Background(), ShiftFilter{
		MachineIDs: []string{"m-1", "m-2"},
		From:       from,
		To:         to,
		Statuses:   []models.ShiftStatus{models.ShiftStatusCompleted},
	})

	require.NoError(t, err)
	assert.Empty(t, shifts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetMachineProductRateMissing(t *testing.T) {
	db, mock, store := setupMockDB(t, PostgresDialect)
	defer db.Close()

	mock.ExpectQuery(`SELECT ideal_rate FROM machine_product_configs`).
		WithArgs("m-1", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"ideal_rate"}))

	rate, ok, err := store.GetMachineProductRate(context.Background(), "m-1", "p-1")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0.0, rate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AverageDefaultIdealRateNull(t *testing.T) {
	db, mock, store := setupMockDB(t, PostgresDialect)
	defer db.Close()

	mock.ExpectQuery(`SELECT AVG\(default_ideal_rate\)`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(nil))

	_, ok, err := store.AverageDefaultIdealRate(context.Background(), "org-1")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_QueryErrorIsWrapped(t *testing.T) {
	db, mock, store := setupMockDB(t, PostgresDialect)
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery(`FROM machines`).WillReturnError(boom)

	_, err := store.MachinesInScope(context.Background(), models.Scope{Level: models.ScopeGlobal})

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to query machines")
}

func TestSQLStore_WithTxCommitsAndRollsBack(t *testing.T) {
	db, mock, store := setupMockDB(t, PostgresDialect)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO plants`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(tx Store) error {
		return tx.CreatePlant(ctx, &models.Plant{ID: "p", Name: "Plant"})
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(tx Store) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1", placeholders(1, 1))
	assert.Equal(t, "$3, $4, $5", placeholders(3, 3))
	assert.Equal(t, "", placeholders(1, 0))
}

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/gold"
	"github.com/sells-group/evidence-cli/internal/model"
)

func newSQLMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	return &SQLiteStore{db: db}, mock
}

func TestSQLiteStore_WriteSilver_RollsBackOnInsertError(t *testing.T) {
	st, mock := newSQLMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO silver_clean`).
		ExpectExec().
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := st.WriteSilver(context.Background(), model.SilverBatch{
		Clean: []model.SilverCleanRecord{cleanRec("b1", "d1", "1.0.0", day1, day1)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert clean b1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_Append_CommitError(t *testing.T) {
	st, mock := newSQLMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO bronze_records`).
		ExpectExec().
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := st.Append(context.Background(), bronzeRec("b1", "src", 0, day1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_RefreshDaily_RollsBack(t *testing.T) {
	st, mock := newSQLMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM gold_daily WHERE decision_day IN \(\?, \?\)`).
		WithArgs("2024-06-01", "2024-06-02").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO gold_daily`).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := st.WithGoldTx(context.Background(), func(tx gold.Tx) error {
		return tx.RefreshDaily(context.Background(), []string{"2024-06-01", "2024-06-02"})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebuild daily")
	assert.NoError(t, mock.ExpectationsWereMet())
}

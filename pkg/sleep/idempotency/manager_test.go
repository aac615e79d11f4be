package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return gdb, mock
}

func expectPurge(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`DELETE FROM "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func existingRow(requestHash string, statusCode *int, body []byte) *sqlmock.Rows {
	now := time.Now().UTC()
	// A nil []byte must be passed as an untyped nil so sqlmock treats it as
	// SQL NULL rather than an empty byte slice.
	var bodyVal interface{}
	if body != nil {
		bodyVal = body
	}
	return sqlmock.NewRows([]string{
		"key", "source", "request_hash", "status_code", "response_body",
		"locked_at", "created_at", "expires_at",
	}).AddRow("key-1", "oura", requestHash, statusCode, bodyVal, now, now, now.Add(time.Hour))
}

func TestClaimWinsFreshKey(t *testing.T) {
	gdb, mock := setupMockDB(t)
	mgr := NewManager(gdb, 24*time.Hour)

	expectPurge(mock)
	mock.ExpectExec(`INSERT INTO "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claim, err := mgr.Claim(context.Background(), "key-1", "oura", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, claim.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimConflictOnDifferentBody(t *testing.T) {
	gdb, mock := setupMockDB(t)
	mgr := NewManager(gdb, 24*time.Hour)

	expectPurge(mock)
	mock.ExpectExec(`INSERT INTO "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "idempotency_keys"`).
		WillReturnRows(existingRow("hash-other", nil, nil))

	claim, err := mgr.Claim(context.Background(), "key-1", "oura", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, claim.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReplaysCompletedResponse(t *testing.T) {
	gdb, mock := setupMockDB(t)
	mgr := NewManager(gdb, 24*time.Hour)

	status := 201
	expectPurge(mock)
	mock.ExpectExec(`INSERT INTO "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "idempotency_keys"`).
		WillReturnRows(existingRow("hash-a", &status, []byte(`{"status":"created"}`)))

	claim, err := mgr.Claim(context.Background(), "key-1", "oura", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, claim.Status)
	assert.Equal(t, 201, claim.StatusCode)
	assert.Equal(t, "created", claim.ResponseBody["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimInFlight(t *testing.T) {
	gdb, mock := setupMockDB(t)
	mgr := NewManager(gdb, 24*time.Hour)

	expectPurge(mock)
	mock.ExpectExec(`INSERT INTO "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "idempotency_keys"`).
		WillReturnRows(existingRow("hash-a", nil, nil))

	claim, err := mgr.Claim(context.Background(), "key-1", "oura", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, StatusInFlight, claim.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRetriesWhenRowVanishes(t *testing.T) {
	gdb, mock := setupMockDB(t)
	mgr := NewManager(gdb, 24*time.Hour)

	expectPurge(mock)
	mock.ExpectExec(`INSERT INTO "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM "idempotency_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectExec(`INSERT INTO "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claim, err := mgr.Claim(context.Background(), "key-1", "oura", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, claim.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteStoresTerminalResponse(t *testing.T) {
	gdb, mock := setupMockDB(t)
	mgr := NewManager(gdb, 24*time.Hour)

	mock.ExpectExec(`UPDATE "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := mgr.Complete(context.Background(), "key-1", 201, map[string]interface{}{"status": "created"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/noctua-health/platform/pkg/common/models"
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

func canonicalRecord() *models.SleepDay {
	total := 433
	eff := 0.88
	return &models.SleepDay{
		ID:                uuid.New(),
		PatientID:         uuid.New(),
		Source:            models.SourceOura,
		SourceRecordID:    "rec-1",
		RawPayload:        map[string]interface{}{"id": "rec-1"},
		Fingerprint:       "f1e2d3",
		EffectiveDate:     time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		IngestedAt:        time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
		TotalSleepMinutes: &total,
		SleepEfficiency:   &eff,
	}
}

func TestUpsertReportsInsert(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)
	rec := canonicalRecord()

	mock.ExpectQuery(`INSERT INTO sleep_days`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "was_inserted"}).
			AddRow(rec.ID.String(), true))

	result, err := repo.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, result.ID)
	assert.True(t, result.WasInserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertReportsUpdate(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)
	rec := canonicalRecord()
	existingID := uuid.New()

	mock.ExpectQuery(`INSERT INTO sleep_days`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "was_inserted"}).
			AddRow(existingID.String(), false))

	result, err := repo.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, existingID, result.ID)
	assert.False(t, result.WasInserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSourceRecordConflict(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)

	mock.ExpectQuery(`INSERT INTO sleep_days`).
		WillReturnError(&pgconn.PgError{
			Code:           "23505",
			ConstraintName: sourceRecordConstraint,
		})

	_, err := repo.Upsert(context.Background(), canonicalRecord())
	assert.ErrorIs(t, err, ErrSourceRecordConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFingerprintConflictIsNotSecondary(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)

	// Any other database error must surface as-is, not as a conflict.
	mock.ExpectQuery(`INSERT INTO sleep_days`).
		WillReturnError(&pgconn.PgError{Code: "53300", Message: "too many connections"})

	_, err := repo.Upsert(context.Background(), canonicalRecord())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSourceRecordConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func timelineRows(n int, startDate time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "patient_id", "source", "source_record_id", "fingerprint", "effective_date", "ingested_at", "updated_at"})
	for i := 0; i < n; i++ {
		rows.AddRow(uuid.New().String(), uuid.New().String(), "oura", "rec", "fp",
			startDate.AddDate(0, 0, -i), time.Now(), time.Now())
	}
	return rows
}

func TestTimelineLastPage(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)
	patient := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "sleep_days"`).
		WillReturnRows(timelineRows(3, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))

	rows, cursor, err := repo.Timeline(context.Background(), patient, nil, nil, "", 10, true)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Empty(t, cursor, "no cursor on the last page")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimelineHasMoreTrimsAndCursors(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)
	patient := uuid.New()

	// limit+1 rows returned means another page exists
	mock.ExpectQuery(`SELECT \* FROM "sleep_days"`).
		WillReturnRows(timelineRows(4, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))

	rows, cursor, err := repo.Timeline(context.Background(), patient, nil, nil, "", 3, true)
	require.NoError(t, err)
	assert.Len(t, rows, 3, "sentinel row must be trimmed")
	require.NotEmpty(t, cursor)

	gotDate, gotID, err := decodeCursor(cursor)
	require.NoError(t, err)
	last := rows[len(rows)-1]
	assert.Equal(t, last.EffectiveDate.Format("2006-01-02"), gotDate.Format("2006-01-02"))
	assert.Equal(t, last.ID, gotID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// keysetPredicate matches the tuple comparison the cursor adds from the
// second page on.
const keysetPredicate = `\(effective_date < \$\d+ OR \(effective_date = \$\d+ AND id < \$\d+\)\)`

func TestTimelineCursorWalkVisitsEveryRowOnce(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)
	patient := uuid.New()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	dates := []time.Time{
		time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC),
	}
	pageRows := func(idx ...int) *sqlmock.Rows {
		rows := sqlmock.NewRows([]string{"id", "patient_id", "source", "source_record_id", "fingerprint", "effective_date", "ingested_at", "updated_at"})
		for _, i := range idx {
			rows.AddRow(ids[i].String(), patient.String(), "oura", "rec", "fp", dates[i], time.Now(), time.Now())
		}
		return rows
	}

	// limit=1 fetches 2 rows per page; the keyset predicate must appear on
	// every page after the first
	mock.ExpectQuery(`SELECT \* FROM "sleep_days"`).WillReturnRows(pageRows(0, 1))
	mock.ExpectQuery(keysetPredicate).WillReturnRows(pageRows(1, 2))
	mock.ExpectQuery(keysetPredicate).WillReturnRows(pageRows(2))

	seen := make(map[uuid.UUID]bool)
	cursor := ""
	pages := 0
	for {
		rows, next, err := repo.Timeline(context.Background(), patient, nil, nil, cursor, 1, true)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.False(t, seen[rows[0].ID], "row %s served twice", rows[0].ID)
		seen[rows[0].ID] = true
		pages++

		if next == "" {
			break
		}
		// cursor must point at the last row of the page just served
		cursorDate, cursorID, err := decodeCursor(next)
		require.NoError(t, err)
		assert.Equal(t, rows[0].ID, cursorID)
		assert.Equal(t, rows[0].EffectiveDate.Format("2006-01-02"), cursorDate.Format("2006-01-02"))
		cursor = next
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 3, "walk must visit every row exactly once")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvenanceAppliesCursorPredicate(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)
	patient := uuid.New()

	lastID := uuid.New()
	lastDate := time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC)
	cursor := encodeCursor(lastDate, lastID)

	mock.ExpectQuery(keysetPredicate).
		WillReturnRows(sqlmock.NewRows([]string{"id", "source", "source_record_id", "fingerprint", "effective_date", "ingested_at", "updated_at"}).
			AddRow(uuid.New().String(), "oura", "rec-2", "fp2",
				time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), time.Now(), time.Now()))

	rows, next, err := repo.Provenance(context.Background(), patient, nil, nil, "", cursor, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Empty(t, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimelineRejectsBadCursor(t *testing.T) {
	gdb, _ := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)

	_, _, err := repo.Timeline(context.Background(), uuid.New(), nil, nil, "not-a-cursor", 10, true)
	assert.Error(t, err)
}

func TestSummaryAggregates(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)
	patient := uuid.New()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS record_count`).
		WillReturnRows(sqlmock.NewRows([]string{
			"record_count", "avg_total_sleep_minutes", "avg_deep_sleep_minutes",
			"avg_light_sleep_minutes", "avg_rem_sleep_minutes", "avg_awake_minutes",
			"avg_sleep_efficiency",
		}).AddRow(12, 433.333333, 86.5, nil, 90.0, 39.0, 0.8844))

	mock.ExpectQuery(`SELECT DISTINCT`).
		WillReturnRows(sqlmock.NewRows([]string{"source"}).AddRow("oura").AddRow("withings"))

	summary, err := repo.Summary(context.Background(), patient, start, end)
	require.NoError(t, err)

	assert.Equal(t, int64(12), summary.RecordCount)
	require.NotNil(t, summary.AvgTotalSleepMinutes)
	assert.Equal(t, 433.33, *summary.AvgTotalSleepMinutes)
	require.NotNil(t, summary.AvgSleepEfficiency)
	assert.Equal(t, 0.88, *summary.AvgSleepEfficiency)
	assert.Nil(t, summary.AvgStages.LightSleepMinutes, "all-null column stays null")
	assert.Equal(t, []string{"oura", "withings"}, summary.Sources)
	assert.Equal(t, "2025-01-01", summary.PeriodStart)
	assert.Equal(t, "2025-02-01", summary.PeriodEnd)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveRawAssignsID(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)

	mock.ExpectExec(`INSERT INTO "raw_vendor_responses"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := repo.ArchiveRaw(context.Background(), &RawVendorResponseModel{
		PatientID:    uuid.New(),
		Source:       "oura",
		Endpoint:     "/v2/oura/sleep",
		ResponseBody: ToJSONMap(map[string]interface{}{"data": []interface{}{}}),
		HTTPStatus:   200,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuarantineAssignsID(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)

	mock.ExpectExec(`INSERT INTO "quarantine_records"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := repo.Quarantine(context.Background(), &QuarantineRecordModel{
		PatientID:        uuid.New(),
		Source:           "withings",
		PipelineStage:    "validation",
		QuarantineReason: "future_date",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRawResponsesOrdersByFetchTime(t *testing.T) {
	gdb, mock := setupMockDB(t)
	repo := NewRepository(gdb, nil, 0)
	patient := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "raw_vendor_responses".*ORDER BY fetched_at ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "patient_id", "source", "fetched_at"}).
			AddRow(uuid.New().String(), patient.String(), "oura", time.Now().Add(-time.Hour)).
			AddRow(uuid.New().String(), patient.String(), "oura", time.Now()))

	rows, err := repo.ListRawResponses(context.Background(), patient, "oura", nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/noctua-health/platform/pkg/common/logger"
	"github.com/noctua-health/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrSourceRecordConflict marks an upsert rejected by the secondary
// (source, source_record_id) uniqueness constraint: the vendor reused a native
// record id for a different effective date.
var ErrSourceRecordConflict = errors.New("source record id reused across dates")

const sourceRecordConstraint = "uq_sleep_days_source_record"

type Repository struct {
	db       *gorm.DB
	cache    *redis.Client
	cacheTTL time.Duration
}

func NewRepository(db *gorm.DB, cache *redis.Client, cacheTTL time.Duration) *Repository {
	return &Repository{db: db, cache: cache, cacheTTL: cacheTTL}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&SleepDayModel{},
		&RawVendorResponseModel{},
		&QuarantineRecordModel{},
	)
}

type UpsertResult struct {
	ID          uuid.UUID
	WasInserted bool
}

// Upsert inserts or updates a canonical record keyed by fingerprint. On
// conflict every mutable measurement field, the extension map and the raw
// payload are overwritten and updated_at refreshed. The returned flag says
// whether a new row was created; the orchestrator uses it to classify
// created vs deduplicated without a second lookup.
func (r *Repository) Upsert(ctx context.Context, rec *models.SleepDay) (UpsertResult, error) {
	rawPayload, err := json.Marshal(rec.RawPayload)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("marshaling raw payload: %w", err)
	}
	extra, err := json.Marshal(rec.Extra)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("marshaling extension map: %w", err)
	}

	row := r.db.WithContext(ctx).Raw(`
		INSERT INTO sleep_days (
			id, patient_id, source, source_record_id, raw_payload, fingerprint,
			effective_date, ingested_at, updated_at,
			total_sleep_minutes, deep_sleep_minutes, light_sleep_minutes,
			rem_sleep_minutes, awake_minutes, sleep_onset, sleep_offset,
			sleep_efficiency, extra
		) VALUES (?, ?, ?, ?, ?::jsonb, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?::jsonb)
		ON CONFLICT (fingerprint) DO UPDATE SET
			total_sleep_minutes = EXCLUDED.total_sleep_minutes,
			deep_sleep_minutes = EXCLUDED.deep_sleep_minutes,
			light_sleep_minutes = EXCLUDED.light_sleep_minutes,
			rem_sleep_minutes = EXCLUDED.rem_sleep_minutes,
			awake_minutes = EXCLUDED.awake_minutes,
			sleep_efficiency = EXCLUDED.sleep_efficiency,
			sleep_onset = EXCLUDED.sleep_onset,
			sleep_offset = EXCLUDED.sleep_offset,
			extra = EXCLUDED.extra,
			raw_payload = EXCLUDED.raw_payload,
			updated_at = now()
		RETURNING id, (xmax = 0) AS was_inserted`,
		rec.ID, rec.PatientID, string(rec.Source), rec.SourceRecordID, string(rawPayload),
		rec.Fingerprint, rec.EffectiveDate, rec.IngestedAt, rec.UpdatedAt,
		rec.TotalSleepMinutes, rec.DeepSleepMinutes, rec.LightSleepMinutes,
		rec.RemSleepMinutes, rec.AwakeMinutes, rec.SleepOnset, rec.SleepOffset,
		rec.SleepEfficiency, string(extra),
	).Row()

	var result UpsertResult
	if err := row.Scan(&result.ID, &result.WasInserted); err != nil {
		if isSourceRecordConflict(err) {
			return UpsertResult{}, fmt.Errorf("%w: %s/%s on %s", ErrSourceRecordConflict,
				rec.Source, rec.SourceRecordID, rec.EffectiveDate.Format("2006-01-02"))
		}
		return UpsertResult{}, err
	}

	return result, nil
}

func isSourceRecordConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == sourceRecordConstraint
	}
	return strings.Contains(err.Error(), sourceRecordConstraint)
}

// Timeline returns keyset-paginated records for a patient ordered by
// (effective_date, id). It fetches limit+1 rows to compute hasMore without a
// second round trip; the returned cursor is empty on the last page.
func (r *Repository) Timeline(ctx context.Context, patientID uuid.UUID, start, end *time.Time, cursor string, limit int, descending bool) ([]SleepDayModel, string, error) {
	query := r.db.WithContext(ctx).Model(&SleepDayModel{}).Where("patient_id = ?", patientID)
	query = applyDateRange(query, start, end)

	if cursor != "" {
		cursorDate, cursorID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		if descending {
			query = query.Where("(effective_date < ? OR (effective_date = ? AND id < ?))", cursorDate, cursorDate, cursorID)
		} else {
			query = query.Where("(effective_date > ? OR (effective_date = ? AND id > ?))", cursorDate, cursorDate, cursorID)
		}
	}

	if descending {
		query = query.Order("effective_date DESC, id DESC")
	} else {
		query = query.Order("effective_date ASC, id ASC")
	}

	var rows []SleepDayModel
	if err := query.Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, "", err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	nextCursor := ""
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		nextCursor = encodeCursor(last.EffectiveDate, last.ID)
	}

	return rows, nextCursor, nil
}

type StageAverages struct {
	DeepSleepMinutes  *float64 `json:"deep_sleep_minutes"`
	LightSleepMinutes *float64 `json:"light_sleep_minutes"`
	RemSleepMinutes   *float64 `json:"rem_sleep_minutes"`
	AwakeMinutes      *float64 `json:"awake_minutes"`
}

type Summary struct {
	PatientID            string        `json:"patient_id"`
	PeriodStart          string        `json:"period_start"`
	PeriodEnd            string        `json:"period_end"`
	RecordCount          int64         `json:"record_count"`
	AvgTotalSleepMinutes *float64      `json:"avg_total_sleep_minutes"`
	AvgSleepEfficiency   *float64      `json:"avg_sleep_efficiency"`
	AvgStages            StageAverages `json:"avg_stages"`
	Sources              []string      `json:"sources"`
}

// Summary aggregates a patient's records over [start, end). Averages skip
// null values and are rounded to two decimals. Results are cached in Redis
// for the configured TTL when a cache client is present; cache failures are
// logged and never fatal.
func (r *Repository) Summary(ctx context.Context, patientID uuid.UUID, start, end time.Time) (*Summary, error) {
	cacheKey := fmt.Sprintf("sleep:summary:%s:%s:%s",
		patientID, start.Format("2006-01-02"), end.Format("2006-01-02"))

	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var summary Summary
			if err := json.Unmarshal(cached, &summary); err == nil {
				return &summary, nil
			}
		}
	}

	var agg struct {
		RecordCount          int64
		AvgTotalSleepMinutes *float64
		AvgDeepSleepMinutes  *float64
		AvgLightSleepMinutes *float64
		AvgRemSleepMinutes   *float64
		AvgAwakeMinutes      *float64
		AvgSleepEfficiency   *float64
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) AS record_count,
			AVG(total_sleep_minutes) AS avg_total_sleep_minutes,
			AVG(deep_sleep_minutes) AS avg_deep_sleep_minutes,
			AVG(light_sleep_minutes) AS avg_light_sleep_minutes,
			AVG(rem_sleep_minutes) AS avg_rem_sleep_minutes,
			AVG(awake_minutes) AS avg_awake_minutes,
			AVG(sleep_efficiency) AS avg_sleep_efficiency
		FROM sleep_days
		WHERE patient_id = ? AND effective_date >= ? AND effective_date < ?`,
		patientID, start, end,
	).Scan(&agg).Error
	if err != nil {
		return nil, err
	}

	var sources []string
	err = r.db.WithContext(ctx).Model(&SleepDayModel{}).
		Where("patient_id = ? AND effective_date >= ? AND effective_date < ?", patientID, start, end).
		Distinct().Order("source").Pluck("source", &sources).Error
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		PatientID:            patientID.String(),
		PeriodStart:          start.Format("2006-01-02"),
		PeriodEnd:            end.Format("2006-01-02"),
		RecordCount:          agg.RecordCount,
		AvgTotalSleepMinutes: round2(agg.AvgTotalSleepMinutes),
		AvgSleepEfficiency:   round2(agg.AvgSleepEfficiency),
		AvgStages: StageAverages{
			DeepSleepMinutes:  round2(agg.AvgDeepSleepMinutes),
			LightSleepMinutes: round2(agg.AvgLightSleepMinutes),
			RemSleepMinutes:   round2(agg.AvgRemSleepMinutes),
			AwakeMinutes:      round2(agg.AvgAwakeMinutes),
		},
		Sources: sources,
	}

	if r.cache != nil && r.cacheTTL > 0 {
		if payload, err := json.Marshal(summary); err == nil {
			if err := r.cache.Set(ctx, cacheKey, payload, r.cacheTTL).Err(); err != nil {
				logger.Log.WithError(err).Warn("failed to cache summary")
			}
		}
	}

	return summary, nil
}

type ProvenanceRecord struct {
	SleepDayID     uuid.UUID `gorm:"column:id" json:"sleep_day_id"`
	Source         string    `gorm:"column:source" json:"source"`
	SourceRecordID string    `gorm:"column:source_record_id" json:"source_record_id"`
	Fingerprint    string    `gorm:"column:fingerprint" json:"fingerprint"`
	EffectiveDate  time.Time `gorm:"column:effective_date" json:"effective_date"`
	IngestedAt     time.Time `gorm:"column:ingested_at" json:"ingested_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// Provenance pages over identity and provenance fields only, newest first,
// using the same keyset pattern as Timeline.
func (r *Repository) Provenance(ctx context.Context, patientID uuid.UUID, start, end *time.Time, source string, cursor string, limit int) ([]ProvenanceRecord, string, error) {
	query := r.db.WithContext(ctx).Model(&SleepDayModel{}).
		Select("id", "source", "source_record_id", "fingerprint", "effective_date", "ingested_at", "updated_at").
		Where("patient_id = ?", patientID)
	query = applyDateRange(query, start, end)
	if source != "" {
		query = query.Where("source = ?", source)
	}

	if cursor != "" {
		cursorDate, cursorID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query = query.Where("(effective_date < ? OR (effective_date = ? AND id < ?))", cursorDate, cursorDate, cursorID)
	}

	var rows []ProvenanceRecord
	if err := query.Order("effective_date DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, "", err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	nextCursor := ""
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		nextCursor = encodeCursor(last.EffectiveDate, last.SleepDayID)
	}

	return rows, nextCursor, nil
}

// ArchiveRaw appends a bronze-layer row and returns its generated id.
func (r *Repository) ArchiveRaw(ctx context.Context, rec *RawVendorResponseModel) (uuid.UUID, error) {
	rec.ID = uuid.New()
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// Quarantine appends a rejected candidate and returns its generated id.
func (r *Repository) Quarantine(ctx context.Context, rec *QuarantineRecordModel) (uuid.UUID, error) {
	rec.ID = uuid.New()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// ListRawResponses returns archived responses for a patient and source,
// optionally bounded by fetch time, oldest first for deterministic replay.
func (r *Repository) ListRawResponses(ctx context.Context, patientID uuid.UUID, source string, start, end *time.Time) ([]RawVendorResponseModel, error) {
	query := r.db.WithContext(ctx).
		Where("patient_id = ? AND source = ?", patientID, source)
	if start != nil {
		query = query.Where("fetched_at >= ?", *start)
	}
	if end != nil {
		query = query.Where("fetched_at <= ?", *end)
	}

	var rows []RawVendorResponseModel
	if err := query.Order("fetched_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func applyDateRange(query *gorm.DB, start, end *time.Time) *gorm.DB {
	if start != nil {
		query = query.Where("effective_date >= ?", *start)
	}
	if end != nil {
		query = query.Where("effective_date < ?", *end)
	}
	return query
}

func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	rounded := math.Round(*v*100) / 100
	return &rounded
}

// ToJSONMap converts a decoded payload for storage in a JSONB column.
func ToJSONMap(m map[string]interface{}) datatypes.JSONMap {
	return datatypes.JSONMap(m)
}

package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SleepDayModel is the silver-layer row: one night of sleep for one patient
// from one source. Uniqueness on fingerprint drives dedup; uniqueness on
// (source, source_record_id) catches vendor ids reused across dates.
type SleepDayModel struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	PatientID      uuid.UUID         `gorm:"type:uuid;column:patient_id;not null;index:idx_sleep_days_patient_date,priority:1"`
	Source         string            `gorm:"column:source;size:32;not null;uniqueIndex:uq_sleep_days_source_record,priority:1"`
	SourceRecordID string            `gorm:"column:source_record_id;not null;uniqueIndex:uq_sleep_days_source_record,priority:2"`
	RawPayload     datatypes.JSONMap `gorm:"column:raw_payload;not null"`
	Fingerprint    string            `gorm:"column:fingerprint;size:64;not null;uniqueIndex:uq_sleep_days_fingerprint"`
	EffectiveDate  time.Time         `gorm:"column:effective_date;type:date;not null;index:idx_sleep_days_patient_date,priority:2"`
	IngestedAt     time.Time         `gorm:"column:ingested_at;not null"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;not null"`

	TotalSleepMinutes *int       `gorm:"column:total_sleep_minutes"`
	DeepSleepMinutes  *int       `gorm:"column:deep_sleep_minutes"`
	LightSleepMinutes *int       `gorm:"column:light_sleep_minutes"`
	RemSleepMinutes   *int       `gorm:"column:rem_sleep_minutes"`
	AwakeMinutes      *int       `gorm:"column:awake_minutes"`
	SleepOnset        *time.Time `gorm:"column:sleep_onset"`
	SleepOffset       *time.Time `gorm:"column:sleep_offset"`
	SleepEfficiency   *float64   `gorm:"column:sleep_efficiency"`

	Extra datatypes.JSONMap `gorm:"column:extra"`
}

func (SleepDayModel) TableName() string {
	return "sleep_days"
}

// RawVendorResponseModel is the bronze-layer row: exactly what was received
// from (or submitted on behalf of) a vendor. Append-only, used for replay.
type RawVendorResponseModel struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	PatientID     uuid.UUID         `gorm:"type:uuid;column:patient_id;not null"`
	Source        string            `gorm:"column:source;size:32;not null;index:idx_raw_source_date,priority:1"`
	Endpoint      string            `gorm:"column:endpoint;size:255;not null"`
	RequestParams datatypes.JSONMap `gorm:"column:request_params"`
	ResponseBody  datatypes.JSONMap `gorm:"column:response_body;not null"`
	HTTPStatus    int               `gorm:"column:http_status;not null"`
	FetchedAt     time.Time         `gorm:"column:fetched_at;not null;index:idx_raw_source_date,priority:2"`
	BatchID       *uuid.UUID        `gorm:"type:uuid;column:batch_id"`
}

func (RawVendorResponseModel) TableName() string {
	return "raw_vendor_responses"
}

// QuarantineRecordModel holds a rejected candidate with enough provenance for
// operator review. Resolution fields are mutated only by operator tooling.
type QuarantineRecordModel struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	PatientID        uuid.UUID         `gorm:"type:uuid;column:patient_id;not null"`
	Source           string            `gorm:"column:source;size:32;not null;index:idx_quarantine_source,priority:1"`
	PipelineStage    string            `gorm:"column:pipeline_stage;size:64;not null"`
	QuarantineReason string            `gorm:"column:quarantine_reason;size:128;not null;index:idx_quarantine_reason"`
	Details          datatypes.JSON    `gorm:"column:quarantine_details"`
	RawPayload       datatypes.JSONMap `gorm:"column:raw_payload;not null"`
	Fingerprint      *string           `gorm:"column:fingerprint;size:64"`
	EffectiveDate    *time.Time        `gorm:"column:effective_date;type:date"`
	RawResponseID    *uuid.UUID        `gorm:"type:uuid;column:raw_response_id"`

	Resolved       bool       `gorm:"column:resolved;not null;default:false;index:idx_quarantine_unresolved,priority:1"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at"`
	ResolvedBy     *string    `gorm:"column:resolved_by;size:128"`
	ResolutionNote *string    `gorm:"column:resolution_note"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_quarantine_unresolved,priority:2;index:idx_quarantine_source,priority:2"`
}

func (QuarantineRecordModel) TableName() string {
	return "quarantine_records"
}

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SleepSource string

const (
	SourceOura     SleepSource = "oura"
	SourceWithings SleepSource = "withings"
)

// KnownSources lists every vendor the platform accepts.
func KnownSources() []SleepSource {
	return []SleepSource{SourceOura, SourceWithings}
}

func IsKnownSource(source string) bool {
	for _, s := range KnownSources() {
		if string(s) == source {
			return true
		}
	}
	return false
}

// SleepDay is the canonical representation of one night's sleep for one
// patient from one source. Nullable measurement fields mean "vendor did not
// provide", not zero.
type SleepDay struct {
	// Identity
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`

	// Provenance
	Source         SleepSource            `json:"source"`
	SourceRecordID string                 `json:"source_record_id"`
	RawPayload     map[string]interface{} `json:"raw_payload"`
	Fingerprint    string                 `json:"fingerprint"`

	// Temporal
	EffectiveDate time.Time `json:"effective_date"`
	IngestedAt    time.Time `json:"ingested_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Canonical sleep metrics
	TotalSleepMinutes *int       `json:"total_sleep_minutes,omitempty"`
	DeepSleepMinutes  *int       `json:"deep_sleep_minutes,omitempty"`
	LightSleepMinutes *int       `json:"light_sleep_minutes,omitempty"`
	RemSleepMinutes   *int       `json:"rem_sleep_minutes,omitempty"`
	AwakeMinutes      *int       `json:"awake_minutes,omitempty"`
	SleepOnset        *time.Time `json:"sleep_onset,omitempty"`
	SleepOffset       *time.Time `json:"sleep_offset,omitempty"`
	SleepEfficiency   *float64   `json:"sleep_efficiency,omitempty"`

	// Extension map for vendor fields not promoted to typed columns
	Extra map[string]interface{} `json:"extra,omitempty"`

	// Names of timestamp fields the adapter parsed without zone information.
	// Validation rejects these; they never reach storage.
	NaiveTimestamps []string `json:"-"`
}

// ComputeFingerprint derives the dedup identity of a canonical record from
// source, vendor-native record id and effective date.
func ComputeFingerprint(source SleepSource, sourceRecordID string, effectiveDate time.Time) string {
	raw := string(source) + ":" + sourceRecordID + ":" + effectiveDate.Format("2006-01-02")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ComputeRequestHash hashes a request body for idempotency parameter-mismatch
// detection. encoding/json sorts map keys, so the digest is stable across
// field ordering.
func ComputeRequestHash(body map[string]interface{}) string {
	canonical, err := json.Marshal(body)
	if err != nil {
		canonical = []byte("{}")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Per-record ingest outcomes.
const (
	OutcomeCreated      = "created"
	OutcomeDeduplicated = "deduplicated"
	OutcomeQuarantined  = "quarantined"
)

type IngestRecordResult struct {
	SleepDayID string `json:"sleep_day_id,omitempty"`
	Status     string `json:"status"`
}

type IngestResult struct {
	Results            []IngestRecordResult `json:"results"`
	RecordsProcessed   int                  `json:"records_processed"`
	RecordsInserted    int                  `json:"records_inserted"`
	RecordsUpdated     int                  `json:"records_updated"`
	RecordsQuarantined int                  `json:"records_quarantined"`
	BatchID            string               `json:"batch_id"`
}

func (r *IngestResult) HasInserts() bool {
	return r.RecordsInserted > 0
}

// Event is the shape published to the event bus after each ingest batch.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/noctua-health/platform/pkg/common/logger"
	"github.com/noctua-health/platform/pkg/common/models"
	"github.com/noctua-health/platform/pkg/observability/metrics"
	"github.com/noctua-health/platform/pkg/sleep/adapters"
	"github.com/noctua-health/platform/pkg/sleep/store"
	"github.com/noctua-health/platform/pkg/sleep/validation"
	"gorm.io/datatypes"
)

// Store is the storage collaborator the orchestrator writes through.
type Store interface {
	ArchiveRaw(ctx context.Context, rec *store.RawVendorResponseModel) (uuid.UUID, error)
	Quarantine(ctx context.Context, rec *store.QuarantineRecordModel) (uuid.UUID, error)
	Upsert(ctx context.Context, rec *models.SleepDay) (store.UpsertResult, error)
	ListRawResponses(ctx context.Context, patientID uuid.UUID, source string, start, end *time.Time) ([]store.RawVendorResponseModel, error)
}

// Publisher emits ingest-outcome events; nil disables publishing.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// Orchestrator runs the ingestion pipeline: archive the raw payload, map it
// through the vendor adapter, validate each candidate, and route each to
// upsert or quarantine. The pipeline is idempotent end to end: byte-identical
// input always yields the same fingerprints, so replaying archived payloads
// is safe at any time.
type Orchestrator struct {
	store     Store
	factory   *adapters.Factory
	publisher Publisher
	now       func() time.Time
}

func New(st Store, factory *adapters.Factory, publisher Publisher) *Orchestrator {
	return &Orchestrator{
		store:     st,
		factory:   factory,
		publisher: publisher,
		now:       time.Now,
	}
}

// Ingest runs the full pipeline for one raw vendor payload. Candidates are
// processed sequentially in input order; a failing candidate quarantines only
// itself, except for adapter-level failures which quarantine the whole batch.
func (o *Orchestrator) Ingest(ctx context.Context, source string, rawPayload map[string]interface{}, patientID uuid.UUID) (*models.IngestResult, error) {
	adapter, err := o.factory.Adapter(source)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New()
	result := &models.IngestResult{BatchID: batchID.String()}

	rawID, err := o.store.ArchiveRaw(ctx, &store.RawVendorResponseModel{
		PatientID:    patientID,
		Source:       source,
		Endpoint:     "/v2/" + source + "/sleep",
		ResponseBody: store.ToJSONMap(rawPayload),
		HTTPStatus:   200,
		FetchedAt:    o.now().UTC(),
		BatchID:      &batchID,
	})
	if err != nil {
		return nil, err
	}
	metrics.IncRawResponseStored()

	logger.Log.WithFields(map[string]interface{}{
		"source":   source,
		"raw_id":   rawID.String(),
		"batch_id": batchID.String(),
	}).Info("raw response archived")

	candidates, err := parseCandidates(adapter, rawPayload, patientID)
	if err != nil {
		logger.Log.WithError(err).WithField("source", source).Error("adapter parse failed")
		if _, qErr := o.store.Quarantine(ctx, &store.QuarantineRecordModel{
			PatientID:        patientID,
			Source:           source,
			PipelineStage:    "adapter",
			QuarantineReason: "adapter_parse_error",
			Details:          mustJSON(map[string]interface{}{"error": err.Error()}),
			RawPayload:       store.ToJSONMap(rawPayload),
			RawResponseID:    &rawID,
		}); qErr != nil {
			return nil, qErr
		}
		result.RecordsQuarantined = 1
		metrics.IncRecordQuarantined()
		o.publishQuarantine(ctx, source, patientID, "adapter_parse_error")
		return result, nil
	}

	for i := range candidates {
		candidate := &candidates[i]

		violations := validation.Validate(candidate, o.now())
		if len(violations) > 0 {
			if err := o.quarantineCandidate(ctx, candidate, rawID, violations); err != nil {
				return nil, err
			}
			result.RecordsQuarantined++
			result.Results = append(result.Results, models.IngestRecordResult{Status: models.OutcomeQuarantined})
			continue
		}

		upserted, err := o.store.Upsert(ctx, candidate)
		if errors.Is(err, store.ErrSourceRecordConflict) {
			if err := o.quarantineConflict(ctx, candidate, rawID); err != nil {
				return nil, err
			}
			result.RecordsQuarantined++
			result.Results = append(result.Results, models.IngestRecordResult{Status: models.OutcomeQuarantined})
			continue
		}
		if err != nil {
			return nil, err
		}

		status := models.OutcomeDeduplicated
		if upserted.WasInserted {
			status = models.OutcomeCreated
			result.RecordsInserted++
			metrics.IncRecordCreated()
		} else {
			result.RecordsUpdated++
			metrics.IncRecordDeduplicated()
		}
		result.RecordsProcessed++
		result.Results = append(result.Results, models.IngestRecordResult{
			SleepDayID: upserted.ID.String(),
			Status:     status,
		})

		logger.Log.WithFields(map[string]interface{}{
			"source":       source,
			"fingerprint":  candidate.Fingerprint,
			"status":       status,
			"sleep_day_id": upserted.ID.String(),
		}).Info("record upserted")
	}

	metrics.IncBatchIngested()
	o.publishOutcome(ctx, source, patientID, result)

	return result, nil
}

func (o *Orchestrator) quarantineCandidate(ctx context.Context, candidate *models.SleepDay, rawID uuid.UUID, violations []validation.Violation) error {
	reasons := validation.Reasons(violations)
	_, err := o.store.Quarantine(ctx, &store.QuarantineRecordModel{
		PatientID:        candidate.PatientID,
		Source:           string(candidate.Source),
		PipelineStage:    "validation",
		QuarantineReason: reasons[0],
		Details:          mustJSON(violations),
		RawPayload:       store.ToJSONMap(candidate.RawPayload),
		Fingerprint:      &candidate.Fingerprint,
		EffectiveDate:    effectiveDateOrNil(candidate),
		RawResponseID:    &rawID,
	})
	if err != nil {
		return err
	}

	metrics.IncRecordQuarantined()
	for _, reason := range reasons {
		metrics.IncValidationFailure(reason)
	}
	o.publishQuarantine(ctx, string(candidate.Source), candidate.PatientID, reasons[0])
	logger.Log.WithFields(map[string]interface{}{
		"source":      candidate.Source,
		"fingerprint": candidate.Fingerprint,
		"reasons":     reasons,
	}).Warn("record quarantined")
	return nil
}

func (o *Orchestrator) quarantineConflict(ctx context.Context, candidate *models.SleepDay, rawID uuid.UUID) error {
	_, err := o.store.Quarantine(ctx, &store.QuarantineRecordModel{
		PatientID:        candidate.PatientID,
		Source:           string(candidate.Source),
		PipelineStage:    "upsert",
		QuarantineReason: "source_record_id_reused_across_dates",
		Details: mustJSON(map[string]interface{}{
			"source_record_id": candidate.SourceRecordID,
			"effective_date":   candidate.EffectiveDate.Format("2006-01-02"),
			"fingerprint":      candidate.Fingerprint,
		}),
		RawPayload:    store.ToJSONMap(candidate.RawPayload),
		Fingerprint:   &candidate.Fingerprint,
		EffectiveDate: effectiveDateOrNil(candidate),
		RawResponseID: &rawID,
	})
	if err != nil {
		return err
	}

	metrics.IncRecordQuarantined()
	o.publishQuarantine(ctx, string(candidate.Source), candidate.PatientID, "source_record_id_reused_across_dates")
	logger.Log.WithFields(map[string]interface{}{
		"source":      candidate.Source,
		"fingerprint": candidate.Fingerprint,
		"reasons":     []string{"source_record_id_reused_across_dates"},
	}).Warn("record quarantined")
	return nil
}

func (o *Orchestrator) publishQuarantine(ctx context.Context, source string, patientID uuid.UUID, reason string) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.PublishEvent(ctx, "sleep.quarantined", source, map[string]interface{}{
		"patient_id": patientID.String(),
		"reason":     reason,
	})
	if err != nil {
		logger.Log.WithError(err).Warn("failed to publish quarantine event")
	}
}

// parseCandidates shields the pipeline from adapter panics on malformed
// payload shapes; a panic is reported like any other parse failure.
func parseCandidates(adapter adapters.Adapter, raw map[string]interface{}, patientID uuid.UUID) (candidates []models.SleepDay, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidates = nil
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return adapter.Parse(raw, patientID)
}

func (o *Orchestrator) publishOutcome(ctx context.Context, source string, patientID uuid.UUID, result *models.IngestResult) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.PublishEvent(ctx, "sleep.ingested", source, map[string]interface{}{
		"patient_id":          patientID.String(),
		"batch_id":            result.BatchID,
		"records_processed":   result.RecordsProcessed,
		"records_inserted":    result.RecordsInserted,
		"records_updated":     result.RecordsUpdated,
		"records_quarantined": result.RecordsQuarantined,
	})
	if err != nil {
		logger.Log.WithError(err).Warn("failed to publish ingest event")
	}
}

type ReplayStats struct {
	Replayed    int `json:"replayed"`
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Quarantined int `json:"quarantined"`
}

// ReplayFromRaw re-runs the pipeline over every archived raw response for a
// patient and source, optionally bounded by fetch time. Idempotent: any
// number of passes after the first leaves store content unchanged.
func (o *Orchestrator) ReplayFromRaw(ctx context.Context, source string, patientID uuid.UUID, start, end *time.Time) (*ReplayStats, error) {
	raws, err := o.store.ListRawResponses(ctx, patientID, source, start, end)
	if err != nil {
		return nil, err
	}

	stats := &ReplayStats{}
	for _, raw := range raws {
		result, err := o.Ingest(ctx, source, raw.ResponseBody, patientID)
		if err != nil {
			return nil, err
		}
		stats.Replayed++
		stats.Inserted += result.RecordsInserted
		stats.Updated += result.RecordsUpdated
		stats.Quarantined += result.RecordsQuarantined
	}

	return stats, nil
}

func effectiveDateOrNil(candidate *models.SleepDay) *time.Time {
	if candidate.EffectiveDate.IsZero() {
		return nil
	}
	d := candidate.EffectiveDate
	return &d
}

func mustJSON(v interface{}) datatypes.JSON {
	payload, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(payload)
}

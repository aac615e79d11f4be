package sleep

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/noctua-health/platform/pkg/common/config"
	"github.com/noctua-health/platform/pkg/common/logger"
	"github.com/noctua-health/platform/pkg/common/models"
	"github.com/noctua-health/platform/pkg/observability/metrics"
	"github.com/noctua-health/platform/pkg/sleep/idempotency"
	"github.com/noctua-health/platform/pkg/sleep/pipeline"
	"github.com/noctua-health/platform/pkg/sleep/store"
)

type Handler struct {
	orchestrator *pipeline.Orchestrator
	repo         *store.Repository
	idem         *idempotency.Manager
	cfg          *config.Config
}

func NewHandler(orchestrator *pipeline.Orchestrator, repo *store.Repository, idem *idempotency.Manager, cfg *config.Config) *Handler {
	return &Handler{orchestrator: orchestrator, repo: repo, idem: idem, cfg: cfg}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/ingest/{source}/sleep", h.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/patients/{patient_id}/sleep/timeline", h.handleTimeline).Methods(http.MethodGet)
	r.HandleFunc("/patients/{patient_id}/sleep/summary", h.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/patients/{patient_id}/sleep/provenance", h.handleProvenance).Methods(http.MethodGet)
	r.HandleFunc("/patients/{patient_id}/sleep/replay", h.handleReplay).Methods(http.MethodPost)
}

// handleIngest accepts one raw vendor payload and runs it through the
// pipeline under an idempotency key. 201 means at least one record was
// created; 200 means every record deduplicated or quarantined.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header is required")
		return
	}
	if !models.IsKnownSource(source) {
		h.writeError(w, http.StatusBadRequest, "unsupported_source", fmt.Sprintf("unsupported source %q", source))
		return
	}

	reader := r.Body
	if h.cfg.MaxRequestBody > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBody)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(reader).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "request body must be a JSON object")
		return
	}
	patientID, err := uuid.Parse(stringField(body, "patient_id"))
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_patient_id", "patient_id must be a UUID")
		return
	}
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_data", "data must be a JSON object")
		return
	}

	requestHash := models.ComputeRequestHash(body)

	claim, err := h.idem.Claim(r.Context(), idempotencyKey, source, requestHash)
	if err != nil {
		logger.Log.WithError(err).Error("idempotency claim failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to claim idempotency key")
		return
	}
	metrics.IncClaimOutcome(string(claim.Status))

	switch claim.Status {
	case idempotency.StatusConflict:
		h.writeError(w, http.StatusConflict, "idempotency_conflict",
			fmt.Sprintf("idempotency key %q was already used with a different request body", idempotencyKey))
		return
	case idempotency.StatusInFlight:
		h.writeError(w, http.StatusTooEarly, "idempotency_in_flight",
			fmt.Sprintf("request with idempotency key %q is still being processed", idempotencyKey))
		return
	case idempotency.StatusCompleted:
		h.writeJSON(w, r, claim.StatusCode, claim.ResponseBody, nil)
		return
	}

	result, err := h.orchestrator.Ingest(r.Context(), source, data, patientID)
	if err != nil {
		logger.Log.WithError(err).WithField("source", source).Error("ingest failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "ingestion failed")
		return
	}

	var responseData map[string]interface{}
	if len(result.Results) == 1 {
		responseData = map[string]interface{}{
			"sleep_day_id": nullableString(result.Results[0].SleepDayID),
			"status":       result.Results[0].Status,
		}
	} else {
		items := make([]map[string]interface{}, 0, len(result.Results))
		for _, rec := range result.Results {
			items = append(items, map[string]interface{}{
				"sleep_day_id": nullableString(rec.SleepDayID),
				"status":       rec.Status,
			})
		}
		responseData = map[string]interface{}{
			"results":             items,
			"records_processed":   result.RecordsProcessed,
			"records_inserted":    result.RecordsInserted,
			"records_updated":     result.RecordsUpdated,
			"records_quarantined": result.RecordsQuarantined,
		}
	}

	statusCode := http.StatusOK
	if result.HasInserts() {
		statusCode = http.StatusCreated
	}

	if err := h.idem.Complete(r.Context(), idempotencyKey, statusCode, responseData); err != nil {
		logger.Log.WithError(err).Error("failed to complete idempotency key")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to record result")
		return
	}

	h.writeJSON(w, r, statusCode, responseData, nil)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(mux.Vars(r)["patient_id"])
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a UUID")
		return
	}

	sort := r.URL.Query().Get("sort")
	if sort == "" {
		sort = "-effective_date"
	}
	if sort != "effective_date" && sort != "-effective_date" {
		h.writeError(w, http.StatusBadRequest, "invalid_sort",
			fmt.Sprintf("sort must be effective_date or -effective_date, got %q", sort))
		return
	}
	descending := sort == "-effective_date"

	start, end, err := parseDateRange(r, false)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
		return
	}

	limit := h.parseLimit(r)
	cursor := r.URL.Query().Get("cursor")

	rows, nextCursor, err := h.repo.Timeline(r.Context(), patientID, start, end, cursor, limit, descending)
	if err != nil {
		logger.Log.WithError(err).Error("timeline query failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load timeline")
		return
	}

	data := make([]map[string]interface{}, 0, len(rows))
	for i := range rows {
		data = append(data, sleepDayResponse(&rows[i]))
	}

	if nextCursor != "" {
		basePath := fmt.Sprintf("/api/%s/patients/%s/sleep/timeline", h.cfg.APIVersion, patientID)
		w.Header().Set("Link", fmt.Sprintf("<%s?cursor=%s>; rel=\"next\"", basePath, nextCursor))
	}

	h.writeJSON(w, r, http.StatusOK, data, paginationMeta(nextCursor, limit))
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(mux.Vars(r)["patient_id"])
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a UUID")
		return
	}

	start, end, err := parseDateRange(r, true)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
		return
	}

	summary, err := h.repo.Summary(r.Context(), patientID, *start, *end)
	if err != nil {
		logger.Log.WithError(err).Error("summary query failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load summary")
		return
	}

	h.writeJSON(w, r, http.StatusOK, summary, nil)
}

func (h *Handler) handleProvenance(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(mux.Vars(r)["patient_id"])
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a UUID")
		return
	}

	start, end, err := parseDateRange(r, false)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
		return
	}

	source := r.URL.Query().Get("source")
	limit := h.parseLimit(r)
	cursor := r.URL.Query().Get("cursor")

	records, nextCursor, err := h.repo.Provenance(r.Context(), patientID, start, end, source, cursor, limit)
	if err != nil {
		logger.Log.WithError(err).Error("provenance query failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to load provenance")
		return
	}

	if nextCursor != "" {
		basePath := fmt.Sprintf("/api/%s/patients/%s/sleep/provenance", h.cfg.APIVersion, patientID)
		w.Header().Set("Link", fmt.Sprintf("<%s?cursor=%s>; rel=\"next\"", basePath, nextCursor))
	}

	h.writeJSON(w, r, http.StatusOK, records, paginationMeta(nextCursor, limit))
}

// handleReplay re-runs the pipeline over archived raw responses for a
// patient. Safe to call repeatedly.
func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(mux.Vars(r)["patient_id"])
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a UUID")
		return
	}

	source := r.URL.Query().Get("source")
	if !models.IsKnownSource(source) {
		h.writeError(w, http.StatusBadRequest, "unsupported_source", fmt.Sprintf("unsupported source %q", source))
		return
	}

	start, end, err := parseDateRange(r, false)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_date_range", err.Error())
		return
	}

	stats, err := h.orchestrator.ReplayFromRaw(r.Context(), source, patientID, start, end)
	if err != nil {
		logger.Log.WithError(err).Error("replay failed")
		h.writeError(w, http.StatusInternalServerError, "internal_error", "replay failed")
		return
	}

	h.writeJSON(w, r, http.StatusOK, stats, nil)
}

// --- response helpers ---

func sleepDayResponse(row *store.SleepDayModel) map[string]interface{} {
	return map[string]interface{}{
		"id":                  row.ID.String(),
		"patient_id":          row.PatientID.String(),
		"source":              row.Source,
		"effective_date":      row.EffectiveDate.Format("2006-01-02"),
		"total_sleep_minutes": row.TotalSleepMinutes,
		"sleep_efficiency":    row.SleepEfficiency,
		"sleep_onset":         formatTimePtr(row.SleepOnset),
		"sleep_offset":        formatTimePtr(row.SleepOffset),
		"stages": map[string]interface{}{
			"deep_sleep_minutes":  row.DeepSleepMinutes,
			"light_sleep_minutes": row.LightSleepMinutes,
			"rem_sleep_minutes":   row.RemSleepMinutes,
			"awake_minutes":       row.AwakeMinutes,
		},
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func paginationMeta(nextCursor string, limit int) map[string]interface{} {
	return map[string]interface{}{
		"next_cursor": nullableString(nextCursor),
		"has_more":    nextCursor != "",
		"limit":       limit,
	}
}

// parseDateRange reads start/end query params as YYYY-MM-DD. When required
// is set both must be present; in either case start must precede end.
func parseDateRange(r *http.Request, required bool) (*time.Time, *time.Time, error) {
	var start, end *time.Time
	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, nil, fmt.Errorf("start must be YYYY-MM-DD, got %q", raw)
		}
		start = &t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, nil, fmt.Errorf("end must be YYYY-MM-DD, got %q", raw)
		}
		end = &t
	}
	if required && (start == nil || end == nil) {
		return nil, nil, fmt.Errorf("start and end are required")
	}
	if start != nil && end != nil && !start.Before(*end) {
		return nil, nil, fmt.Errorf("start %s must be before end %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return start, end, nil
}

func (h *Handler) parseLimit(r *http.Request) int {
	limit := h.cfg.DefaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > h.cfg.MaxPageLimit {
		limit = h.cfg.MaxPageLimit
	}
	return limit
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}, pagination map[string]interface{}) {
	payload := map[string]interface{}{
		"data": data,
		"meta": map[string]interface{}{
			"request_id":  r.Header.Get("X-Request-ID"),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"api_version": h.cfg.APIVersion,
		},
	}
	if pagination != nil {
		payload["pagination"] = pagination
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

package adapters

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/noctua-health/platform/pkg/common/models"
)

// OuraMapper translates Oura V2 sleep responses into canonical records.
//
// Filter policy: only entries with type=="long_sleep" and period==0 are
// processed (primary overnight sleep). Durations are seconds, efficiency is a
// 0-100 integer, timestamps are offset-aware ISO 8601 strings.
type OuraMapper struct{}

func (OuraMapper) SourceName() string { return string(models.SourceOura) }

func (m OuraMapper) Parse(raw map[string]interface{}, patientID uuid.UUID) ([]models.SleepDay, error) {
	entries, _ := raw["data"].([]interface{})
	results := make([]models.SleepDay, 0, len(entries))

	for i, item := range entries {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("oura: entry %d is not an object", i)
		}

		if stringValue(entry["type"]) != "long_sleep" {
			continue
		}
		if period := intValue(entry["period"]); period != nil && *period != 0 {
			continue
		}

		day := stringValue(entry["day"])
		effective, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("oura: entry %d has invalid day %q: %w", i, day, err)
		}

		sourceID := stringValue(entry["id"])
		if sourceID == "" {
			return nil, fmt.Errorf("oura: entry %d missing id", i)
		}

		var naiveFields []string
		onset, naive, err := parseISOTimestamp(stringValue(entry["bedtime_start"]))
		if err != nil {
			return nil, fmt.Errorf("oura: entry %d: %w", i, err)
		}
		if naive {
			naiveFields = append(naiveFields, "sleep_onset")
		}
		offset, naive, err := parseISOTimestamp(stringValue(entry["bedtime_end"]))
		if err != nil {
			return nil, fmt.Errorf("oura: entry %d: %w", i, err)
		}
		if naive {
			naiveFields = append(naiveFields, "sleep_offset")
		}

		extra := dropNils(map[string]interface{}{
			"time_in_bed_minutes":     derefInt(secondsToMinutes(intValue(entry["time_in_bed"]))),
			"latency_minutes":         derefInt(secondsToMinutes(intValue(entry["latency"]))),
			"avg_hr_bpm":              entry["average_heart_rate"],
			"avg_hrv_ms":              entry["average_hrv"],
			"avg_breath_rate":         entry["average_breath"],
			"lowest_hr_bpm":           entry["lowest_heart_rate"],
			"restless_periods":        entry["restless_periods"],
			"sleep_type":              entry["type"],
			"sleep_phase_5_min":       entry["sleep_phase_5_min"],
			"movement_30_sec":         entry["movement_30_sec"],
			"readiness":               entry["readiness"],
			"readiness_score_delta":   entry["readiness_score_delta"],
			"sleep_score_delta":       entry["sleep_score_delta"],
			"sleep_algorithm_version": entry["sleep_algorithm_version"],
			"sleep_analysis_reason":   entry["sleep_analysis_reason"],
		})

		now := time.Now().UTC()
		results = append(results, models.SleepDay{
			ID:                uuid.New(),
			PatientID:         patientID,
			Source:            models.SourceOura,
			SourceRecordID:    sourceID,
			RawPayload:        entry,
			Fingerprint:       models.ComputeFingerprint(models.SourceOura, sourceID, effective),
			EffectiveDate:     effective,
			IngestedAt:        now,
			UpdatedAt:         now,
			TotalSleepMinutes: secondsToMinutes(intValue(entry["total_sleep_duration"])),
			DeepSleepMinutes:  secondsToMinutes(intValue(entry["deep_sleep_duration"])),
			LightSleepMinutes: secondsToMinutes(intValue(entry["light_sleep_duration"])),
			RemSleepMinutes:   secondsToMinutes(intValue(entry["rem_sleep_duration"])),
			AwakeMinutes:      secondsToMinutes(intValue(entry["awake_time"])),
			SleepOnset:        onset,
			SleepOffset:       offset,
			SleepEfficiency:   pctToRatio(floatValue(entry["efficiency"])),
			Extra:             extra,
			NaiveTimestamps:   naiveFields,
		})
	}

	return results, nil
}

func derefInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func dropNils(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

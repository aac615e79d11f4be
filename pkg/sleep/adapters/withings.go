package adapters

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/noctua-health/platform/pkg/common/models"
)

// WithingsMapper translates Withings Sleep V2 getsummary responses into
// canonical records.
//
// Differences from Oura: timestamps are Unix epoch seconds interpreted in the
// entry's declared IANA timezone (UTC when absent), sleep_efficiency is
// already a 0-1 ratio, the source record id falls back to
// "<startdate>_<enddate>" when no explicit id exists, and measurement fields
// live nested under each series entry's "data" key.
type WithingsMapper struct{}

func (WithingsMapper) SourceName() string { return string(models.SourceWithings) }

func (m WithingsMapper) Parse(raw map[string]interface{}, patientID uuid.UUID) ([]models.SleepDay, error) {
	body, ok := raw["body"].(map[string]interface{})
	if !ok {
		body = raw
	}
	series, _ := body["series"].([]interface{})
	results := make([]models.SleepDay, 0, len(series))

	for i, item := range series {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("withings: series entry %d is not an object", i)
		}

		day := stringValue(entry["date"])
		effective, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, fmt.Errorf("withings: series entry %d has invalid date %q: %w", i, day, err)
		}

		data, ok := entry["data"].(map[string]interface{})
		if !ok {
			data = entry
		}

		var loc *time.Location
		if tzName := stringValue(entry["timezone"]); tzName != "" {
			loc, err = time.LoadLocation(tzName)
			if err != nil {
				return nil, fmt.Errorf("withings: series entry %d has unknown timezone %q: %w", i, tzName, err)
			}
		}

		var sourceID string
		if id, exists := entry["id"]; exists {
			sourceID = formatScalar(id)
		} else {
			sourceID = formatScalar(entry["startdate"]) + "_" + formatScalar(entry["enddate"])
		}

		// Alias precedence: the specific name wins, the legacy name is only
		// consulted when the specific one is absent.
		latencySec := aliasInt(data, "sleep_latency", "durationtosleep")
		wakeupLatencySec := aliasInt(data, "wakeup_latency", "durationtowakeup")

		// night_events may arrive as a JSON-encoded string
		nightEvents := data["night_events"]
		if s, ok := nightEvents.(string); ok {
			var decoded interface{}
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				nightEvents = decoded
			}
		}

		extra := dropNils(map[string]interface{}{
			"sleep_score":             data["sleep_score"],
			"avg_hr_bpm":              data["hr_average"],
			"min_hr_bpm":              data["hr_min"],
			"max_hr_bpm":              data["hr_max"],
			"avg_rr":                  data["rr_average"],
			"min_rr":                  data["rr_min"],
			"max_rr":                  data["rr_max"],
			"breathing_disturbances":  data["breathing_disturbances_intensity"],
			"snoring_seconds":         data["snoring"],
			"snoring_episode_count":   data["snoringepisodecount"],
			"wakeup_count":            data["wakeupcount"],
			"out_of_bed_count":        data["out_of_bed_count"],
			"latency_minutes":         derefInt(secondsToMinutes(latencySec)),
			"wakeup_latency_minutes":  derefInt(secondsToMinutes(wakeupLatencySec)),
			"time_in_bed_minutes":     derefInt(secondsToMinutes(intValue(data["total_timeinbed"]))),
			"waso_minutes":            derefInt(secondsToMinutes(intValue(data["waso"]))),
			"rem_episode_count":       data["nb_rem_episodes"],
			"asleep_duration_minutes": derefInt(secondsToMinutes(intValue(data["asleepduration"]))),
			"hash_deviceid":           entry["hash_deviceid"],
			"night_events":            nightEvents,
			"timezone":                entry["timezone"],
		})

		now := time.Now().UTC()
		results = append(results, models.SleepDay{
			ID:                uuid.New(),
			PatientID:         patientID,
			Source:            models.SourceWithings,
			SourceRecordID:    sourceID,
			RawPayload:        entry,
			Fingerprint:       models.ComputeFingerprint(models.SourceWithings, sourceID, effective),
			EffectiveDate:     effective,
			IngestedAt:        now,
			UpdatedAt:         now,
			TotalSleepMinutes: secondsToMinutes(intValue(data["total_sleep_time"])),
			DeepSleepMinutes:  secondsToMinutes(intValue(data["deepsleepduration"])),
			LightSleepMinutes: secondsToMinutes(intValue(data["lightsleepduration"])),
			RemSleepMinutes:   secondsToMinutes(intValue(data["remsleepduration"])),
			AwakeMinutes:      secondsToMinutes(intValue(data["wakeupduration"])),
			SleepOnset:        epochToTime(entry["startdate"], loc),
			SleepOffset:       epochToTime(entry["enddate"], loc),
			SleepEfficiency:   floatValue(data["sleep_efficiency"]),
			Extra:             extra,
		})
	}

	return results, nil
}

func aliasInt(data map[string]interface{}, specific, legacy string) *int {
	if v, exists := data[specific]; exists && v != nil {
		return intValue(v)
	}
	return intValue(data[legacy])
}

package validation

import (
	"time"

	"github.com/noctua-health/platform/pkg/common/models"
)

// Stable machine-readable reason codes carried into quarantine records and
// metrics labels.
const (
	ReasonMissingEffectiveDate = "missing_effective_date"
	ReasonDurationOutOfRange   = "sleep_duration_out_of_range"
	ReasonNegativeSleepStage   = "negative_sleep_stage"
	ReasonStageSumExceedsTotal = "stage_sum_exceeds_total"
	ReasonFutureDate           = "future_date"
	ReasonEfficiencyOutOfRange = "efficiency_out_of_range"
	ReasonMissingTimezone      = "missing_timezone"
	ReasonUnknownSource        = "unknown_source"
	ReasonBedtimeOrderInvalid  = "bedtime_order_invalid"
)

const (
	maxDailyMinutes   = 1440
	stageSumTolerance = 1.05
)

type Violation struct {
	Field  string      `json:"field"`
	Rule   string      `json:"rule"`
	Reason string      `json:"reason"`
	Value  interface{} `json:"value"`
}

// Validate evaluates the nine canonical rules against one record and returns
// every violation found; an empty slice means the record is valid. The rules
// are independent and order-insensitive, except that the window-ordering rule
// is skipped when either timestamp already failed the timezone rule.
func Validate(rec *models.SleepDay, now time.Time) []Violation {
	var violations []Violation

	// Rule 1: effective date required
	if rec.EffectiveDate.IsZero() {
		violations = append(violations, Violation{"effective_date", "required", ReasonMissingEffectiveDate, nil})
	}

	// Rule 2: total sleep duration within [0, 1440]
	if rec.TotalSleepMinutes != nil {
		total := *rec.TotalSleepMinutes
		if total < 0 || total > maxDailyMinutes {
			violations = append(violations, Violation{"total_sleep_minutes", "range", ReasonDurationOutOfRange, total})
		}
	}

	// Rule 3: non-negative stages
	stages := []struct {
		field string
		value *int
	}{
		{"deep_sleep_minutes", rec.DeepSleepMinutes},
		{"light_sleep_minutes", rec.LightSleepMinutes},
		{"rem_sleep_minutes", rec.RemSleepMinutes},
		{"awake_minutes", rec.AwakeMinutes},
	}
	for _, stage := range stages {
		if stage.value != nil && *stage.value < 0 {
			violations = append(violations, Violation{stage.field, "non_negative", ReasonNegativeSleepStage, *stage.value})
		}
	}

	// Rule 4: stage sum must not exceed total by more than the rounding
	// tolerance; only checked when total is present
	if rec.TotalSleepMinutes != nil {
		stageSum := 0
		for _, stage := range stages {
			if stage.value != nil {
				stageSum += *stage.value
			}
		}
		if float64(stageSum) > float64(*rec.TotalSleepMinutes)*stageSumTolerance {
			violations = append(violations, Violation{
				"stage_sum", "consistency", ReasonStageSumExceedsTotal,
				map[string]interface{}{"stage_sum": stageSum, "total": *rec.TotalSleepMinutes},
			})
		}
	}

	// Rule 5: no future effective dates
	if !rec.EffectiveDate.IsZero() {
		today := now.UTC().Truncate(24 * time.Hour)
		eff := rec.EffectiveDate.UTC().Truncate(24 * time.Hour)
		if eff.After(today) {
			violations = append(violations, Violation{"effective_date", "no_future", ReasonFutureDate, rec.EffectiveDate.Format("2006-01-02")})
		}
	}

	// Rule 6: efficiency within [0.0, 1.0]
	if rec.SleepEfficiency != nil {
		eff := *rec.SleepEfficiency
		if eff < 0.0 || eff > 1.0 {
			violations = append(violations, Violation{"sleep_efficiency", "range", ReasonEfficiencyOutOfRange, eff})
		}
	}

	// Rule 7: timestamps must carry zone information
	naive := make(map[string]bool, len(rec.NaiveTimestamps))
	for _, field := range rec.NaiveTimestamps {
		naive[field] = true
		violations = append(violations, Violation{field, "timezone", ReasonMissingTimezone, nil})
	}

	// Rule 8: known source
	if rec.Source != "" && !models.IsKnownSource(string(rec.Source)) {
		violations = append(violations, Violation{"source", "known_source", ReasonUnknownSource, string(rec.Source)})
	}

	// Rule 9: onset strictly before offset, skipped when either side already
	// failed the timezone rule to avoid cascading false positives
	if rec.SleepOnset != nil && rec.SleepOffset != nil &&
		!naive["sleep_onset"] && !naive["sleep_offset"] &&
		!rec.SleepOnset.Before(*rec.SleepOffset) {
		violations = append(violations, Violation{
			"sleep_onset", "ordering", ReasonBedtimeOrderInvalid,
			map[string]interface{}{
				"onset":  rec.SleepOnset.Format(time.RFC3339),
				"offset": rec.SleepOffset.Format(time.RFC3339),
			},
		})
	}

	return violations
}

// Reasons flattens a violation list into its reason codes.
func Reasons(violations []Violation) []string {
	reasons := make([]string, 0, len(violations))
	for _, v := range violations {
		reasons = append(reasons, v.Reason)
	}
	return reasons
}

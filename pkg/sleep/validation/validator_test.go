package validation

import (
	"testing"
	"time"

	"github.com/noctua-health/platform/pkg/common/models"
)

var testNow = time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int              { return &v }
func floatPtr(v float64) *float64    { return &v }
func timePtr(t time.Time) *time.Time { return &t }

func validRecord() *models.SleepDay {
	onset := time.Date(2025, 1, 14, 23, 10, 0, 0, time.UTC)
	offset := time.Date(2025, 1, 15, 7, 5, 0, 0, time.UTC)
	return &models.SleepDay{
		Source:            models.SourceOura,
		SourceRecordID:    "rec-1",
		EffectiveDate:     time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		TotalSleepMinutes: intPtr(433),
		DeepSleepMinutes:  intPtr(86),
		LightSleepMinutes: intPtr(260),
		RemSleepMinutes:   intPtr(87),
		AwakeMinutes:      intPtr(0),
		SleepOnset:        timePtr(onset),
		SleepOffset:       timePtr(offset),
		SleepEfficiency:   floatPtr(0.88),
	}
}

func reasonSet(violations []Violation) map[string]bool {
	out := make(map[string]bool, len(violations))
	for _, r := range Reasons(violations) {
		out[r] = true
	}
	return out
}

func TestValidateCleanRecord(t *testing.T) {
	if violations := Validate(validRecord(), testNow); len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
}

func TestValidateMissingEffectiveDate(t *testing.T) {
	rec := validRecord()
	rec.EffectiveDate = time.Time{}
	if !reasonSet(Validate(rec, testNow))[ReasonMissingEffectiveDate] {
		t.Error("expected missing_effective_date")
	}
}

func TestValidateDurationRange(t *testing.T) {
	for _, total := range []int{-1, 1441} {
		rec := validRecord()
		rec.TotalSleepMinutes = intPtr(total)
		if !reasonSet(Validate(rec, testNow))[ReasonDurationOutOfRange] {
			t.Errorf("total %d should violate duration range", total)
		}
	}

	rec := validRecord()
	rec.TotalSleepMinutes = intPtr(1440)
	rec.LightSleepMinutes = intPtr(1440)
	rec.DeepSleepMinutes = intPtr(0)
	rec.RemSleepMinutes = intPtr(0)
	if reasonSet(Validate(rec, testNow))[ReasonDurationOutOfRange] {
		t.Error("1440 minutes is within range")
	}

	rec = validRecord()
	rec.TotalSleepMinutes = nil
	if reasonSet(Validate(rec, testNow))[ReasonDurationOutOfRange] {
		t.Error("absent total should not be range-checked")
	}
}

func TestValidateNegativeStages(t *testing.T) {
	rec := validRecord()
	rec.DeepSleepMinutes = intPtr(-5)
	rec.AwakeMinutes = intPtr(-1)

	violations := Validate(rec, testNow)
	count := 0
	for _, v := range violations {
		if v.Reason == ReasonNegativeSleepStage {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 negative-stage violations, got %d: %v", count, violations)
	}
}

func TestValidateStageSumTolerance(t *testing.T) {
	// stage sum exactly at total passes
	rec := validRecord()
	rec.TotalSleepMinutes = intPtr(400)
	rec.DeepSleepMinutes = intPtr(100)
	rec.LightSleepMinutes = intPtr(200)
	rec.RemSleepMinutes = intPtr(100)
	rec.AwakeMinutes = intPtr(0)
	if reasonSet(Validate(rec, testNow))[ReasonStageSumExceedsTotal] {
		t.Error("stage sum equal to total should pass")
	}

	// 105% of total passes (rounding tolerance)
	rec.AwakeMinutes = intPtr(20)
	if reasonSet(Validate(rec, testNow))[ReasonStageSumExceedsTotal] {
		t.Error("stage sum at 105% of total should pass")
	}

	// beyond 105% fails
	rec.AwakeMinutes = intPtr(21)
	if !reasonSet(Validate(rec, testNow))[ReasonStageSumExceedsTotal] {
		t.Error("stage sum above 105% of total should fail")
	}
}

func TestValidateFutureDate(t *testing.T) {
	rec := validRecord()
	rec.EffectiveDate = testNow.AddDate(0, 0, 1)
	if !reasonSet(Validate(rec, testNow))[ReasonFutureDate] {
		t.Error("tomorrow should violate no_future")
	}

	rec.EffectiveDate = testNow.Truncate(24 * time.Hour)
	if reasonSet(Validate(rec, testNow))[ReasonFutureDate] {
		t.Error("today should pass no_future")
	}
}

func TestValidateEfficiencyRange(t *testing.T) {
	for _, eff := range []float64{-0.01, 1.01} {
		rec := validRecord()
		rec.SleepEfficiency = floatPtr(eff)
		if !reasonSet(Validate(rec, testNow))[ReasonEfficiencyOutOfRange] {
			t.Errorf("efficiency %v should be out of range", eff)
		}
	}
	for _, eff := range []float64{0.0, 1.0} {
		rec := validRecord()
		rec.SleepEfficiency = floatPtr(eff)
		if reasonSet(Validate(rec, testNow))[ReasonEfficiencyOutOfRange] {
			t.Errorf("efficiency %v is within range", eff)
		}
	}
}

func TestValidateNaiveTimestamps(t *testing.T) {
	rec := validRecord()
	rec.NaiveTimestamps = []string{"sleep_onset"}
	if !reasonSet(Validate(rec, testNow))[ReasonMissingTimezone] {
		t.Error("naive timestamp should violate timezone rule")
	}
}

func TestValidateUnknownSource(t *testing.T) {
	rec := validRecord()
	rec.Source = "fitbit"
	if !reasonSet(Validate(rec, testNow))[ReasonUnknownSource] {
		t.Error("fitbit should violate known_source")
	}
}

func TestValidateBedtimeOrdering(t *testing.T) {
	rec := validRecord()
	rec.SleepOnset, rec.SleepOffset = rec.SleepOffset, rec.SleepOnset
	if !reasonSet(Validate(rec, testNow))[ReasonBedtimeOrderInvalid] {
		t.Error("onset after offset should violate ordering")
	}

	// equal timestamps also fail: onset must be strictly before offset
	rec.SleepOffset = rec.SleepOnset
	if !reasonSet(Validate(rec, testNow))[ReasonBedtimeOrderInvalid] {
		t.Error("onset equal to offset should violate ordering")
	}
}

func TestValidateOrderingSkippedForNaiveSides(t *testing.T) {
	rec := validRecord()
	rec.SleepOnset, rec.SleepOffset = rec.SleepOffset, rec.SleepOnset
	rec.NaiveTimestamps = []string{"sleep_onset"}

	reasons := reasonSet(Validate(rec, testNow))
	if reasons[ReasonBedtimeOrderInvalid] {
		t.Error("ordering should be skipped when a side failed the timezone rule")
	}
	if !reasons[ReasonMissingTimezone] {
		t.Error("timezone violation should still be reported")
	}
}

func TestValidateCollectsMultipleViolations(t *testing.T) {
	rec := validRecord()
	rec.TotalSleepMinutes = intPtr(2000)
	rec.SleepEfficiency = floatPtr(1.5)
	rec.EffectiveDate = testNow.AddDate(0, 0, 2)

	reasons := reasonSet(Validate(rec, testNow))
	for _, want := range []string{ReasonDurationOutOfRange, ReasonEfficiencyOutOfRange, ReasonFutureDate} {
		if !reasons[want] {
			t.Errorf("missing expected violation %s", want)
		}
	}
}

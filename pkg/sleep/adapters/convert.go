package adapters

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// intValue coerces a decoded JSON value into an int pointer. JSON numbers
// arrive as float64; vendor fixtures built in tests may carry native ints.
func intValue(v interface{}) *int {
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		i := n
		return &i
	case int64:
		i := int(n)
		return &i
	}
	return nil
}

func floatValue(v interface{}) *float64 {
	switch n := v.(type) {
	case float64:
		f := n
		return &f
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	}
	return nil
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// floorDiv matches mathematical floor division for negative durations, so a
// negative vendor value stays negative after conversion and is caught by
// validation instead of rounding up to zero.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// secondsToMinutes converts seconds to minutes via floor division, nil passthrough.
func secondsToMinutes(seconds *int) *int {
	if seconds == nil {
		return nil
	}
	m := floorDiv(*seconds, 60)
	return &m
}

// pctToRatio converts a 0-100 percentage to a 0.0-1.0 ratio rounded to four
// decimals, nil passthrough.
func pctToRatio(pct *float64) *float64 {
	if pct == nil {
		return nil
	}
	r := math.Round(*pct/100.0*10000) / 10000
	return &r
}

// formatScalar renders a vendor id or epoch value the way it appeared on the
// wire: integral numbers without a decimal point.
func formatScalar(v interface{}) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		if n == math.Trunc(n) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// parseISOTimestamp parses an ISO 8601 timestamp. The second return value is
// true when the value carried no UTC offset; such timestamps are kept (in UTC)
// so validation can reject them with a precise reason.
func parseISOTimestamp(s string) (*time.Time, bool, error) {
	if s == "" {
		return nil, false, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, false, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		t = t.UTC()
		return &t, true, nil
	}
	return nil, false, fmt.Errorf("unparseable timestamp %q", s)
}

// epochToTime interprets Unix epoch seconds in loc, or UTC when loc is nil.
func epochToTime(v interface{}, loc *time.Location) *time.Time {
	sec := intValue(v)
	if sec == nil {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t := time.Unix(int64(*sec), 0).In(loc)
	return &t
}

package adapters

import "testing"

func TestSecondsToMinutesFloorsNegatives(t *testing.T) {
	cases := []struct {
		seconds int
		want    int
	}{
		{26010, 433},
		{59, 0},
		{60, 1},
		{0, 0},
		{-1, -1},
		{-61, -2},
	}
	for _, tc := range cases {
		got := secondsToMinutes(&tc.seconds)
		if got == nil || *got != tc.want {
			t.Errorf("secondsToMinutes(%d) = %v, want %d", tc.seconds, got, tc.want)
		}
	}
	if secondsToMinutes(nil) != nil {
		t.Error("nil input should pass through as nil")
	}
}

func TestPctToRatioRounding(t *testing.T) {
	cases := []struct {
		pct  float64
		want float64
	}{
		{88, 0.88},
		{100, 1.0},
		{87.654321, 0.8765},
		{0, 0},
	}
	for _, tc := range cases {
		got := pctToRatio(&tc.pct)
		if got == nil || *got != tc.want {
			t.Errorf("pctToRatio(%v) = %v, want %v", tc.pct, got, tc.want)
		}
	}
}

func TestFormatScalar(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"abc", "abc"},
		{float64(1736889000), "1736889000"},
		{float64(1.5), "1.5"},
		{42, "42"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := formatScalar(tc.in); got != tc.want {
			t.Errorf("formatScalar(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseISOTimestamp(t *testing.T) {
	ts, naive, err := parseISOTimestamp("2025-01-14T23:10:00-05:00")
	if err != nil || ts == nil || naive {
		t.Fatalf("offset-aware parse: ts=%v naive=%v err=%v", ts, naive, err)
	}

	ts, naive, err = parseISOTimestamp("2025-01-14T23:10:00")
	if err != nil || ts == nil || !naive {
		t.Fatalf("naive parse: ts=%v naive=%v err=%v", ts, naive, err)
	}

	if _, _, err := parseISOTimestamp("yesterday"); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}

	ts, naive, err = parseISOTimestamp("")
	if ts != nil || naive || err != nil {
		t.Fatal("empty string should yield nil without error")
	}
}

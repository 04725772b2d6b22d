package enrich

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04", value)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestOpenNow(t *testing.T) {
	hours := []string{
		"Monday: Closed",
		"Tuesday: 9:00 AM – 5:00 PM",
		"Wednesday: Open 24 hours",
		"Thursday: 09:00 – 17:00",
		"Friday: 11:00 AM – 2:00 PM, 5:00 PM – 11:00 PM",
		"Saturday: 8:00 PM – 2:00 AM",
		"Sunday: 10 AM – 4 PM",
	}

	cases := []struct {
		name   string
		at     string // 2025-03-03 is a Monday
		open   bool
		ok     bool
		detail string
	}{
		{"closed day", "2025-03-03 12:00", false, true, "closed today"},
		{"before open", "2025-03-04 08:59", false, true, ""},
		{"twelve hour range", "2025-03-04 10:00", true, true, "open until 5 PM"},
		{"at close", "2025-03-04 17:00", false, true, ""},
		{"open 24 hours", "2025-03-05 03:00", true, true, "open 24 hours"},
		{"twenty four hour clock", "2025-03-06 16:59", true, true, ""},
		{"between split ranges", "2025-03-07 15:00", false, true, ""},
		{"second split range", "2025-03-07 19:00", true, true, ""},
		{"overnight sampled in morning", "2025-03-08 10:00", false, true, ""},
		{"overnight sampled in afternoon", "2025-03-08 14:00", false, true, ""},
		{"overnight before midnight", "2025-03-08 23:30", true, true, ""},
		{"overnight after midnight", "2025-03-09 01:30", true, true, ""},
		{"overnight spill ended", "2025-03-09 02:30", false, true, ""},
		{"bare meridiem hours", "2025-03-09 11:00", true, true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			open, detail, ok := OpenNow(hours, mustTime(t, tc.at))
			if ok != tc.ok || open != tc.open {
				t.Errorf("OpenNow(%s) = (%v,%q,%v), want open=%v ok=%v", tc.at, open, detail, ok, tc.open, tc.ok)
			}
			if tc.detail != "" && detail != tc.detail {
				t.Errorf("detail %q, want %q", detail, tc.detail)
			}
		})
	}
}

func TestParseRangeKeepsExplicitOvernightStart(t *testing.T) {
	r, ok := parseRange("8:00 PM – 2:00 AM")
	if !ok {
		t.Fatal("range did not parse")
	}
	if r.start != 20*60 || r.end != 2*60 {
		t.Errorf("parsed %d-%d, want %d-%d", r.start, r.end, 20*60, 2*60)
	}
	if !r.overnight() {
		t.Error("expected overnight range")
	}
}

func TestOpenNowUnparseable(t *testing.T) {
	if _, _, ok := OpenNow([]string{"Monday: ask at the door"}, mustTime(t, "2025-03-03 12:00")); ok {
		t.Error("gibberish hours should not parse")
	}
	if _, _, ok := OpenNow(nil, mustTime(t, "2025-03-03 12:00")); ok {
		t.Error("empty hours should not parse")
	}
}

func TestNameSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"American Airlines Center", "American Airlines Center", 1.0, 1.0},
		{"AA Center", "American Airlines Center", 0.0, 0.5},
		{"Deep Ellum Bars", "Deep Ellum", 0.5, 0.7},
		{"Klyde Warren Park", "Joule Hotel", 0.0, 0.0},
		{"", "Anything", 0.0, 0.0},
	}
	for _, tc := range cases {
		got := NameSimilarity(tc.a, tc.b)
		if got < tc.min || got > tc.max {
			t.Errorf("NameSimilarity(%q,%q)=%f, want in [%f,%f]", tc.a, tc.b, got, tc.min, tc.max)
		}
	}
}

func TestHaversineMiles(t *testing.T) {
	// Dallas downtown to DFW airport, roughly 17 miles.
	d := HaversineMiles(32.7767, -96.7970, 32.8998, -97.0403)
	if d < 15 || d > 20 {
		t.Errorf("unexpected distance %f", d)
	}
	if HaversineMiles(32.7, -96.8, 32.7, -96.8) != 0 {
		t.Error("zero distance expected")
	}
}

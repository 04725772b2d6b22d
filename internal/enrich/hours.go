package enrich

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OpenNow decides whether a venue is open at now from Google-style
// weekday descriptions ("Monday: 9:00 AM – 5:00 PM"). It understands
// "Closed", "Open 24 hours", 12-hour and 24-hour clock ranges, multiple
// comma-separated ranges, and overnight ranges that wrap past midnight.
// The second return is a human-readable explanation; ok is false when
// the descriptions could not be interpreted.
func OpenNow(weekday []string, now time.Time) (open bool, detail string, ok bool) {
	if len(weekday) == 0 {
		return false, "", false
	}

	today := dayLine(weekday, now.Weekday())
	yesterday := dayLine(weekday, now.Add(-24*time.Hour).Weekday())
	minute := now.Hour()*60 + now.Minute()

	// A range on the previous day can spill past midnight into now.
	if yesterday != "" {
		for _, r := range parseRanges(yesterday) {
			if r.overnight() && minute < r.end {
				return true, fmt.Sprintf("open overnight since %s (%s)", minutesClock(r.start), yesterday), true
			}
		}
	}

	if today == "" {
		return false, "", false
	}
	body := strings.TrimSpace(today[strings.Index(today, ":")+1:])
	if strings.EqualFold(body, "Closed") {
		return false, "closed today", true
	}
	if strings.EqualFold(body, "Open 24 hours") {
		return true, "open 24 hours", true
	}

	ranges := parseRanges(today)
	if len(ranges) == 0 {
		return false, "", false
	}
	for _, r := range ranges {
		if r.contains(minute) {
			return true, fmt.Sprintf("open until %s", minutesClock(r.end)), true
		}
	}
	return false, fmt.Sprintf("closed now (%s)", body), true
}

type hourRange struct {
	start, end int // minutes from midnight
}

func (r hourRange) overnight() bool { return r.end < r.start }

func (r hourRange) contains(minute int) bool {
	if r.overnight() {
		return minute >= r.start || minute < r.end
	}
	return minute >= r.start && minute < r.end
}

func dayLine(weekday []string, day time.Weekday) string {
	prefix := day.String() + ":"
	for _, line := range weekday {
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	return ""
}

func parseRanges(line string) []hourRange {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return nil
	}
	body := strings.TrimSpace(line[idx+1:])
	if strings.EqualFold(body, "Closed") {
		return nil
	}
	if strings.EqualFold(body, "Open 24 hours") {
		return []hourRange{{start: 0, end: 24 * 60}}
	}

	var out []hourRange
	for _, part := range strings.Split(body, ",") {
		r, ok := parseRange(strings.TrimSpace(part))
		if ok {
			out = append(out, r)
		}
	}
	return out
}

// parseRange reads "9:00 AM – 5:00 PM", "9 AM - 5 PM", or "09:00 – 17:00".
func parseRange(s string) (hourRange, bool) {
	var sides []string
	for _, dash := range []string{"–", "—", "-"} {
		if strings.Contains(s, dash) {
			sides = strings.SplitN(s, dash, 2)
			break
		}
	}
	if len(sides) != 2 {
		return hourRange{}, false
	}

	start, startExplicit, ok1 := parseClock(strings.TrimSpace(sides[0]))
	end, endExplicit, ok2 := parseClock(strings.TrimSpace(sides[1]))
	if !ok1 || !ok2 {
		return hourRange{}, false
	}
	// "9 – 5 PM" leaves the start meridiem implicit; inherit the end's
	// when the bare reading would make the range inside-out. A start
	// with its own suffix is overnight, not inside-out.
	if !startExplicit && endExplicit && start > end && start-end >= 12*60 {
		start -= 12 * 60
	}
	return hourRange{start: start, end: end}, true
}

func parseClock(s string) (minute int, explicit, ok bool) {
	// Google emits narrow no-break spaces before AM/PM.
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.TrimSpace(s)

	meridiem := ""
	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "AM"):
		meridiem = "AM"
		s = strings.TrimSpace(s[:len(s)-2])
	case strings.HasSuffix(upper, "PM"):
		meridiem = "PM"
		s = strings.TrimSpace(s[:len(s)-2])
	}

	hh, mm := s, "0"
	if i := strings.Index(s, ":"); i >= 0 {
		hh, mm = s[:i], s[i+1:]
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 24 || m < 0 || m > 59 {
		return 0, false, false
	}

	switch meridiem {
	case "AM":
		if h == 12 {
			h = 0
		}
	case "PM":
		if h != 12 {
			h += 12
		}
	}
	return h*60 + m, meridiem != "", true
}

func minutesClock(minute int) string {
	h := (minute / 60) % 24
	m := minute % 60
	meridiem := "AM"
	if h >= 12 {
		meridiem = "PM"
	}
	h12 := h % 12
	if h12 == 0 {
		h12 = 12
	}
	if m == 0 {
		return fmt.Sprintf("%d %s", h12, meridiem)
	}
	return fmt.Sprintf("%d:%02d %s", h12, m, meridiem)
}

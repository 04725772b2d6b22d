package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/melodydashora/vecto-pilot/internal/enrich"
	"github.com/melodydashora/vecto-pilot/internal/errclass"
	"github.com/melodydashora/vecto-pilot/internal/jsonx"
	"github.com/melodydashora/vecto-pilot/internal/store"
)

const (
	maxVenues      = 6
	maxPlannerList = 8
	maxProTips     = 3
	maxTipLength   = 200
)

// snapshotContext renders the shared situation block every stage prompt
// starts from.
func snapshotContext(snap *store.Snapshot, holidayName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Location: %s, %s (%.4f, %.4f)\n", snap.City, snap.State, snap.Lat, snap.Lng)
	fmt.Fprintf(&b, "Local time: %s, %s\n", dayName(snap.DOW), snap.DayPart)
	if snap.Weather != "" {
		fmt.Fprintf(&b, "Weather: %s\n", snap.Weather)
	}
	if snap.AirQuality != "" {
		fmt.Fprintf(&b, "Air quality: %s\n", snap.AirQuality)
	}
	if holidayName != "" {
		fmt.Fprintf(&b, "Holiday today: %s\n", holidayName)
	}
	if len(snap.AirportContext) > 0 {
		var ac store.AirportContext
		if json.Unmarshal(snap.AirportContext, &ac) == nil && ac.Code != "" {
			fmt.Fprintf(&b, "Nearby airport: %s (%s), %.1f mi away, %d min delays\n",
				ac.Name, ac.Code, ac.DistanceMiles, ac.DelayMinutes)
		}
	}
	return b.String()
}

func dayName(dow int) string {
	names := []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}
	if dow >= 0 && dow < len(names) {
		return names[dow]
	}
	return "unknown day"
}

// holidayOutput is the holiday-check stage result.
type holidayOutput struct {
	IsHoliday   bool   `json:"is_holiday"`
	HolidayName string `json:"holiday_name"`
}

func parseHoliday(text string) (any, error) {
	var out holidayOutput
	if err := jsonx.Extract(text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func parseStrategy(text string) (any, error) {
	var out struct {
		Strategy string `json:"strategy"`
	}
	if err := jsonx.Extract(text, &out); err != nil {
		// Narrative-only replies are acceptable from the strategist.
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("empty strategist output")
		}
		return trimmed, nil
	}
	if strings.TrimSpace(out.Strategy) == "" {
		return nil, fmt.Errorf("strategist output missing strategy field")
	}
	return strings.TrimSpace(out.Strategy), nil
}

// briefingOutput is the briefer stage result.
type briefingOutput struct {
	Events         []string `json:"events"`
	News           []string `json:"news"`
	Traffic        []string `json:"traffic"`
	SchoolClosures []string `json:"school_closures"`
	WeatherSummary string   `json:"weather_summary"`
}

func parseBriefing(text string) (any, error) {
	var out briefingOutput
	if err := jsonx.Extract(text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// plannerOutput is the tactical planner stage result.
type plannerOutput struct {
	Venues  []enrich.Venue `json:"venues"`
	Staging *struct {
		Name string  `json:"name"`
		Lat  float64 `json:"lat"`
		Lng  float64 `json:"lng"`
		Tips string  `json:"tips"`
	} `json:"staging,omitempty"`
}

// parsePlanner validates the venue list: 1..8 entries, in-bounds
// coordinates, capped pro tips. Violations are client-classified since
// retrying the same malformed schema rarely helps the caller.
func parsePlanner(text string) (any, error) {
	var out plannerOutput
	if err := jsonx.Extract(text, &out); err != nil {
		return nil, err
	}
	if len(out.Venues) == 0 || len(out.Venues) > maxPlannerList {
		return nil, errclass.WithKind(errclass.Client,
			fmt.Errorf("planner returned %d venues, want 1..%d", len(out.Venues), maxPlannerList))
	}

	for i := range out.Venues {
		v := &out.Venues[i]
		if v.Name == "" {
			return nil, errclass.WithKind(errclass.Client, fmt.Errorf("venue %d has no name", i+1))
		}
		if v.Lat < -90 || v.Lat > 90 || v.Lng < -180 || v.Lng > 180 {
			return nil, errclass.WithKind(errclass.Client,
				fmt.Errorf("venue %q coordinates out of bounds (%f, %f)", v.Name, v.Lat, v.Lng))
		}
		if len(v.ProTips) > maxProTips {
			v.ProTips = v.ProTips[:maxProTips]
		}
		for j, tip := range v.ProTips {
			if len(tip) > maxTipLength {
				v.ProTips[j] = tip[:maxTipLength]
			}
		}
	}

	if len(out.Venues) > maxVenues {
		out.Venues = out.Venues[:maxVenues]
	}
	return &out, nil
}

func holidayPrompt(snap *store.Snapshot) string {
	return fmt.Sprintf(
		"Is today a public holiday or major observance in %s, %s? "+
			"Answer as JSON: {\"is_holiday\": bool, \"holiday_name\": string}.",
		snap.City, snap.State)
}

func strategistPrompt(ctxBlock string) string {
	return ctxBlock + "\n" +
		"You advise a rideshare driver. In 2-4 sentences, give the single best " +
		"strategic read of this moment: where demand is forming, what to avoid, " +
		"and the one move to make right now. " +
		"Answer as JSON: {\"strategy\": string}."
}

func brieferPrompt(ctxBlock string, prewarmTraffic []string) string {
	var b strings.Builder
	b.WriteString(ctxBlock)
	if len(prewarmTraffic) > 0 {
		b.WriteString("\nLive traffic observations:\n")
		for _, line := range prewarmTraffic {
			b.WriteString("- " + line + "\n")
		}
	}
	b.WriteString("\nBrief a rideshare driver on the next few hours. " +
		"List concrete happenings only; empty lists are fine. " +
		"Answer as JSON: {\"events\": [string], \"news\": [string], \"traffic\": [string], " +
		"\"school_closures\": [string], \"weather_summary\": string}.")
	return b.String()
}

func consolidatorPrompt(ctxBlock, minStrategy string, briefing *briefingOutput) string {
	var b strings.Builder
	b.WriteString(ctxBlock)
	b.WriteString("\nStrategist's read:\n" + minStrategy + "\n")
	if briefing != nil {
		if len(briefing.Events) > 0 {
			b.WriteString("\nEvents:\n")
			for _, e := range briefing.Events {
				b.WriteString("- " + e + "\n")
			}
		}
		if len(briefing.Traffic) > 0 {
			b.WriteString("Traffic:\n")
			for _, t := range briefing.Traffic {
				b.WriteString("- " + t + "\n")
			}
		}
	}
	b.WriteString("\nMerge the strategist's read with the briefing into one " +
		"actionable paragraph for the driver. Keep every concrete venue or road " +
		"mention that survives the merge. Answer as JSON: {\"strategy\": string}.")
	return b.String()
}

func plannerPrompt(ctxBlock, consolidated string) string {
	return ctxBlock +
		"\nCurrent strategy:\n" + consolidated + "\n\n" +
		fmt.Sprintf("Propose %d-%d specific venues the driver should stage near right now. "+
			"Real places with accurate coordinates only. ", 4, maxVenues) +
		"Answer as JSON: {\"venues\": [{\"name\": string, \"lat\": number, \"lng\": number, " +
		"\"category\": string, \"pro_tips\": [string, max 3], \"staging_name\": string?, " +
		"\"staging_lat\": number?, \"staging_lng\": number?, \"staging_tips\": string?, " +
		"\"strategic_timing\": string?}], " +
		"\"staging\": {\"name\": string, \"lat\": number, \"lng\": number, \"tips\": string}?}."
}

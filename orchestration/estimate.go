package orchestration

import (
	"strings"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// Default estimates used when a template declares no execution metadata.
const (
	defaultEstimatedSteps      = 3
	defaultEstimatedDurationMS = 30_000
)

// dateLayouts accepted when sizing date-range parameters.
var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

// EstimateCost predicts execution cost from template metadata adjusted by
// parameter magnitudes. A reporting window spanning years costs more than
// one spanning a week; the scale factor is capped so a bad parameter never
// produces an absurd estimate.
func EstimateCost(tmpl *core.Template, params map[string]interface{}) *core.CostEstimate {
	steps := tmpl.EstimatedSteps
	if steps <= 0 {
		steps = defaultEstimatedSteps
	}
	durationMS := tmpl.EstimatedDurationMS
	if durationMS <= 0 {
		durationMS = defaultEstimatedDurationMS
	}

	scale := magnitudeScale(params)
	durationMS = int64(float64(durationMS) * scale)
	if scale >= 2 {
		steps = int(float64(steps) * 1.5)
	}

	tier := tmpl.MemoryTierMB
	if tier <= 0 {
		tier = core.DefaultMemoryTierMB
	}

	return &core.CostEstimate{
		Steps:      steps,
		DurationMS: durationMS,
		Complexity: complexityFor(steps, durationMS),
		MemoryTier: tier,
	}
}

// magnitudeScale inspects parameters for cost drivers: date ranges and
// explicit row limits. Returns a multiplier in [1, 5].
func magnitudeScale(params map[string]interface{}) float64 {
	scale := 1.0

	if days, ok := dateRangeDays(params); ok {
		switch {
		case days > 730:
			scale *= 4
		case days > 365:
			scale *= 3
		case days > 90:
			scale *= 2
		case days > 30:
			scale *= 1.5
		}
	}

	for key, value := range params {
		lower := strings.ToLower(key)
		if lower != "limit" && lower != "max_rows" && lower != "count" {
			continue
		}
		if n, ok := asFloat(value); ok && n > 200 {
			scale *= 1.5
		}
	}

	if scale > 5 {
		scale = 5
	}
	return scale
}

// dateRangeDays finds a from/to (or start/end) date pair and returns its
// span in days. Range objects like {"date_range": {"start", "end"}} are
// descended into, so the pair may sit at any nesting level.
func dateRangeDays(params map[string]interface{}) (float64, bool) {
	var from, to time.Time
	scanDatePair(params, &from, &to)
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return 0, false
	}
	return to.Sub(from).Hours() / 24, true
}

func scanDatePair(params map[string]interface{}, from, to *time.Time) {
	for key, value := range params {
		switch v := value.(type) {
		case map[string]interface{}:
			scanDatePair(v, from, to)
		case string:
			t, ok := parseDate(v)
			if !ok {
				continue
			}
			lower := strings.ToLower(key)
			switch {
			case strings.Contains(lower, "from") || strings.Contains(lower, "start") || strings.Contains(lower, "since"):
				*from = t
			case strings.Contains(lower, "to") || strings.Contains(lower, "end") || strings.Contains(lower, "until"):
				*to = t
			}
		}
	}
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func complexityFor(steps int, durationMS int64) string {
	switch {
	case steps > 8 || durationMS > 5*60_000:
		return "high"
	case steps > 4 || durationMS > 60_000:
		return "medium"
	}
	return "low"
}

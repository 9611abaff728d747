package connector

import (
	"regexp"
	"strings"
	"time"
)

// effectivePatterns match the language regulatory documents use to state
// their own effective date. Patterns are tried in slice order; the first
// pattern that yields a valid date wins.
var effectivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)effective\s+(?:on\s+|as\s+of\s+|date[:\s]+)?(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),?\s+(\d{4})`),
	regexp.MustCompile(`(?i)(?:entered for consumption|withdrawn from warehouse)[\s\S]{0,120}?on or after[\s\S]{0,60}?(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),?\s+(\d{4})`),
	regexp.MustCompile(`(?i)effective[:\s]+(\d{4})-(\d{2})-(\d{2})`),
}

var monthNumbers = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
}

// extractEffectiveStart pulls the effective-start date from the
// document's own text, returned as YYYY-MM-DD. Empty when the document
// states no effective date.
func extractEffectiveStart(text string) string {
	for _, p := range effectivePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		// ISO form: groups are year, month, day digits.
		if m[1][0] >= '0' && m[1][0] <= '9' {
			if t, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3]); err == nil {
				return t.Format("2006-01-02")
			}
			continue
		}
		month, ok := monthNumbers[strings.ToLower(m[1])]
		if !ok {
			continue
		}
		day := m[2]
		if len(day) == 1 {
			day = "0" + day
		}
		if t, err := time.Parse("2006-January-02", m[3]+"-"+month.String()+"-"+day); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

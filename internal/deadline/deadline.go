// Package deadline converts relative, natural-language date phrases into
// absolute timestamps. Anything it does not recognize is reported as no
// match rather than guessed at.
package deadline

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// APIFormat is the fixed absolute-time representation the CRM's write API
// requires, with sub-second precision padding.
const APIFormat = "2006-01-02T15:04:05.000000000Z07:00"

var (
	reLiteralDate = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})`)
	reTomorrow    = regexp.MustCompile(`\btomorrow\b`)
	reEndOfWeek   = regexp.MustCompile(`\b(?:end of (?:the )?week|eow)\b`)
	reOneWeek     = regexp.MustCompile(`\b(?:next week|a week|1 week)\b`)
	reInWeeks     = regexp.MustCompile(`\bin (\d+|one|two|three|four|five|six) weeks?\b`)
	reInDays      = regexp.MustCompile(`\b(?:in )?(\d+) days?\b`)
	reWeekday     = regexp.MustCompile(`\b(?:next )?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

var wordNumbers = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Parse scans text for a recognized deadline phrase relative to now.
// Returns the resolved timestamp and true on a match, the zero time and
// false otherwise.
func Parse(text string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return time.Time{}, false
	}

	if m := reLiteralDate.FindStringSubmatch(lower); m != nil {
		parsed, err := time.ParseInLocation("2006-01-02", m[1], now.Location())
		if err == nil {
			return at(parsed, 9), true
		}
	}

	if reTomorrow.MatchString(lower) {
		return at(now.AddDate(0, 0, 1), 9), true
	}

	// Before the weekday rule: "end of week" resolves to Friday 17:00
	// and must never return the same day.
	if reEndOfWeek.MatchString(lower) {
		return at(now.AddDate(0, 0, daysUntil(now, time.Friday)), 17), true
	}

	if reOneWeek.MatchString(lower) {
		return at(now.AddDate(0, 0, 7), 9), true
	}

	if m := reInWeeks.FindStringSubmatch(lower); m != nil {
		n, ok := wordNumbers[m[1]]
		if !ok {
			n, _ = strconv.Atoi(m[1])
		}
		if n > 0 {
			return at(now.AddDate(0, 0, 7*n), 9), true
		}
	}

	if m := reInDays.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return at(now.AddDate(0, 0, n), 9), true
		}
	}

	if m := reWeekday.FindStringSubmatch(lower); m != nil {
		return at(now.AddDate(0, 0, daysUntil(now, weekdays[m[1]])), 9), true
	}

	return time.Time{}, false
}

// FormatAPI renders t in the CRM write API's timestamp representation.
func FormatAPI(t time.Time) string {
	return t.UTC().Format(APIFormat)
}

// daysUntil returns the number of days from now to the next occurrence of
// target, always strictly future: today never counts as a match.
func daysUntil(now time.Time, target time.Weekday) int {
	delta := (int(target) - int(now.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return delta
}

func at(day time.Time, hour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
}

package core

import (
	"time"
)

// Matcher decides whether a single rule is active at a given instant.
// The zero value resolves timezones with [time.LoadLocation].
//
// Matching is fail-closed throughout: a disabled rule, a missing config, an
// unresolvable timezone, or an absent collaborator input all mean "no match".
type Matcher struct {
	Locations LocationResolver
}

// Matches reports whether rule is active at instant at. All predicates for
// the rule's type must hold: absolute bounds first, then the type-specific
// condition. Instants are compared in UTC; recurring windows are evaluated in
// the rule's own timezone.
func (m Matcher) Matches(rule Rule, ctx Context, at time.Time) bool {
	if !rule.Enabled {
		return false
	}

	at = at.UTC()
	if rule.StartDate != nil && at.Before(rule.StartDate.UTC()) {
		return false
	}
	if rule.EndDate != nil && at.After(rule.EndDate.UTC()) {
		return false
	}

	switch rule.Type {
	case RuleTypeDateRange:
		return true
	case RuleTypeSeasonal:
		return m.inSeasonalWindow(rule, at)
	case RuleTypeTimeBased:
		return m.inTimeWindow(rule, at)
	case RuleTypeInventory:
		return ctx.BelowThreshold != nil && *ctx.BelowThreshold
	case RuleTypeCustom:
		return ctx.CustomMatch != nil && ctx.CustomMatch(rule, at)
	default:
		return false
	}
}

func (m Matcher) inSeasonalWindow(rule Rule, at time.Time) bool {
	cfg := rule.Seasonal
	if cfg == nil {
		return false
	}

	loc, ok := m.location(cfg.Timezone)
	if !ok {
		return false
	}
	local := at.In(loc)

	if !cfg.Yearly {
		// One-shot window anchored to the year of start_date. Without an
		// anchor the rule can never match; the validator rejects that shape.
		if rule.StartDate == nil {
			return false
		}
		if local.Year() != rule.StartDate.In(loc).Year() {
			return false
		}
	}

	md := int(local.Month())*100 + local.Day()
	start := cfg.StartMonth*100 + cfg.StartDay
	end := cfg.EndMonth*100 + cfg.EndDay

	if start > end {
		// Window wraps the year boundary, e.g. Dec 20 through Jan 5.
		return md >= start || md <= end
	}
	return md >= start && md <= end
}

func (m Matcher) inTimeWindow(rule Rule, at time.Time) bool {
	times := rule.Times
	if times == nil {
		return false
	}

	loc, ok := m.location(times.Timezone)
	if !ok {
		return false
	}
	local := at.In(loc)

	weekday := int(local.Weekday()) // Sunday == 0
	if !containsInt(times.DaysOfWeek, weekday) {
		return false
	}

	start, okStart := parseClock(times.StartTime)
	end, okEnd := parseClock(times.EndTime)
	if !okStart || !okEnd {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	if end < start {
		// Window wraps past midnight, e.g. 22:00 through 02:00.
		return minute >= start || minute <= end
	}
	return minute >= start && minute <= end
}

func (m Matcher) location(name string) (*time.Location, bool) {
	if name == "" {
		return time.UTC, true
	}
	resolve := m.Locations
	if resolve == nil {
		resolve = time.LoadLocation
	}
	loc, err := resolve(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}

// parseClock converts an "HH:MM" string to a minute-of-day value.
func parseClock(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	hour, ok := parseTwoDigits(s[:2])
	if !ok || hour > 23 {
		return 0, false
	}
	minute, ok := parseTwoDigits(s[3:])
	if !ok || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

func parseTwoDigits(s string) (int, bool) {
	if s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}

func containsInt(values []int, want int) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

package core

import (
	"sort"
	"time"
)

// Scheduler finds the next instant at which a product's effective state
// changes. It never brute-force scans time; it collects the boundary instants
// each rule can produce (date bound crossings, seasonal window edges,
// time-of-day window edges) and re-resolves the rule set at each candidate.
type Scheduler struct {
	Matcher  Matcher
	Baseline State
}

// timeWindowLookahead bounds how far past each anchor weekly time windows are
// expanded. Eight days covers a full weekly cycle with slack for timezones.
const timeWindowLookahead = 8

// NextChange returns the first instant strictly after from, and no later than
// from+horizon, at which the winning state differs from the state at from.
// It returns nil when no change occurs within the horizon; that is the
// expected "nothing scheduled" signal, not an error.
func (s Scheduler) NextChange(rules []Rule, from time.Time, horizon time.Duration, ctx Context) *StateChange {
	if horizon <= 0 {
		return nil
	}

	from = from.UTC()
	until := from.Add(horizon)

	candidates := s.collectBoundaries(rules, from, until)
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

	baseState, _ := s.stateAt(rules, ctx, from)
	var last time.Time
	for _, candidate := range candidates {
		if candidate.Equal(last) {
			continue
		}
		last = candidate

		state, winner := s.stateAt(rules, ctx, candidate)
		if state != baseState {
			return &StateChange{At: candidate, State: state, Rule: winner}
		}
	}

	return nil
}

// stateAt resolves the winning state for the rule set at one instant.
func (s Scheduler) stateAt(rules []Rule, ctx Context, at time.Time) (State, *Rule) {
	var matched []Rule
	for _, rule := range rules {
		if s.Matcher.Matches(rule, ctx, at) {
			matched = append(matched, rule)
		}
	}

	outcome := ResolveConflicts(matched, at)
	if outcome.Winner == nil {
		if s.Baseline == "" {
			return StateAvailable, nil
		}
		return s.Baseline, nil
	}
	return outcome.Winner.State, outcome.Winner
}

func (s Scheduler) collectBoundaries(rules []Rule, from, until time.Time) []time.Time {
	var candidates []time.Time
	add := func(t time.Time) {
		t = t.UTC()
		if t.After(from) && !t.After(until) {
			candidates = append(candidates, t)
		}
	}

	// First pass: absolute bound crossings and seasonal window edges.
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		if rule.StartDate != nil {
			add(*rule.StartDate)
		}
		if rule.EndDate != nil {
			// Bounds are inclusive; the state flips just after the end.
			add(rule.EndDate.Add(time.Second))
		}

		if rule.Type == RuleTypeSeasonal {
			s.addSeasonalBoundaries(add, rule, from, until)
		}
	}

	// Second pass: weekly time windows, stepped forward from every instant
	// at which the rule regime can shift. Anchoring at the first-pass
	// boundaries too means a window that only starts mattering when some
	// other rule opens or closes months ahead is still expanded there.
	anchors := append([]time.Time{from}, candidates...)
	for _, rule := range rules {
		if !rule.Enabled || rule.Type != RuleTypeTimeBased {
			continue
		}
		s.addTimeBoundaries(add, rule, anchors, until)
	}

	return candidates
}

// addSeasonalBoundaries emits the open and close instants of each seasonal
// window occurrence that falls inside [from, until]. The window opens at
// local midnight of its start day and closes at local midnight after its end
// day; a wrapped window's close lands in the following year.
func (s Scheduler) addSeasonalBoundaries(add func(time.Time), rule Rule, from, until time.Time) {
	cfg := rule.Seasonal
	if cfg == nil {
		return
	}
	loc, ok := s.Matcher.location(cfg.Timezone)
	if !ok {
		return
	}

	firstYear := from.In(loc).Year() - 1
	lastYear := until.In(loc).Year() + 1
	if !cfg.Yearly {
		if rule.StartDate == nil {
			return
		}
		anchor := rule.StartDate.In(loc).Year()
		firstYear, lastYear = anchor, anchor
	}

	for year := firstYear; year <= lastYear; year++ {
		openAt := time.Date(year, time.Month(cfg.StartMonth), cfg.StartDay, 0, 0, 0, 0, loc)

		closeYear := year
		if cfg.StartMonth*100+cfg.StartDay > cfg.EndMonth*100+cfg.EndDay {
			closeYear = year + 1
		}
		closeAt := time.Date(closeYear, time.Month(cfg.EndMonth), cfg.EndDay, 0, 0, 0, 0, loc).AddDate(0, 0, 1)

		add(openAt)
		add(closeAt)
	}
}

// addTimeBoundaries emits weekly time-window open and close instants,
// expanding one full weekly cycle after each anchor.
func (s Scheduler) addTimeBoundaries(add func(time.Time), rule Rule, anchors []time.Time, until time.Time) {
	times := rule.Times
	if times == nil {
		return
	}
	loc, ok := s.Matcher.location(times.Timezone)
	if !ok {
		return
	}

	start, okStart := parseClock(times.StartTime)
	end, okEnd := parseClock(times.EndTime)
	if !okStart || !okEnd {
		return
	}

	for _, anchor := range anchors {
		if anchor.After(until) {
			continue
		}
		local := anchor.In(loc)
		base := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

		for offset := 0; offset <= timeWindowLookahead; offset++ {
			day := base.AddDate(0, 0, offset)
			if !containsInt(times.DaysOfWeek, int(day.Weekday())) {
				continue
			}

			if end < start {
				// A wrapped window covers two segments of the listed day
				// itself: midnight through endTime, then startTime through
				// the following midnight. Matching never spills into the
				// next day's weekday.
				add(day)
				add(day.Add(time.Duration(end+1) * time.Minute))
				add(day.Add(time.Duration(start) * time.Minute))
				add(day.AddDate(0, 0, 1))
				continue
			}

			// The window includes endTime itself; it closes the next minute.
			add(day.Add(time.Duration(start) * time.Minute))
			add(day.Add(time.Duration(end+1) * time.Minute))
		}
	}
}

package core

import "time"

const defaultHorizon = 365 * 24 * time.Hour

// Evaluator computes a product's effective availability at an instant.
// The zero value uses the default timezone database, an `available` baseline,
// and a one-year search horizon for the next state change.
type Evaluator struct {
	Matcher Matcher

	// Baseline is the catalog's default state when no rule matches.
	Baseline State

	// Horizon caps how far ahead Evaluate searches for the next transition.
	Horizon time.Duration
}

// Evaluate filters rules to those belonging to productID, matches each
// against the instant, resolves conflicts to a single winner, and reports the
// next upcoming state change within the horizon.
//
// Evaluate is deterministic: identical inputs always produce identical
// output, regardless of rule ordering.
func (e Evaluator) Evaluate(productID string, rules []Rule, at time.Time, ctx Context) Evaluation {
	at = at.UTC()
	own := rulesForProduct(productID, rules)

	var matched []Rule
	for _, rule := range own {
		if e.Matcher.Matches(rule, ctx, at) {
			matched = append(matched, rule)
		}
	}

	outcome := ResolveConflicts(matched, at)
	state := e.baseline()
	if outcome.Winner != nil {
		state = outcome.Winner.State
	}

	scheduler := Scheduler{Matcher: e.Matcher, Baseline: e.Baseline}
	next := scheduler.NextChange(own, at, e.horizon(), ctx)

	applied := outcome.Matched
	if applied == nil {
		applied = []Rule{}
	}

	return Evaluation{
		ProductID:       productID,
		CurrentState:    state,
		AppliedRules:    applied,
		ComputedAt:      at,
		NextStateChange: next,
	}
}

func (e Evaluator) baseline() State {
	if e.Baseline == "" {
		return StateAvailable
	}
	return e.Baseline
}

func (e Evaluator) horizon() time.Duration {
	if e.Horizon <= 0 {
		return defaultHorizon
	}
	return e.Horizon
}

func rulesForProduct(productID string, rules []Rule) []Rule {
	var own []Rule
	for _, rule := range rules {
		if rule.ProductID == productID {
			own = append(own, rule)
		}
	}
	return own
}

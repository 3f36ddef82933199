package core

import "time"

// maxPreviewSteps caps the number of transitions a single preview walks, so a
// pathological rule set cannot spin the generator.
const maxPreviewSteps = 1000

// Previewer builds a resolved timeline of a product's future states by
// repeatedly asking the scheduler for the next transition and re-resolving
// the rule set at each one.
type Previewer struct {
	Matcher  Matcher
	Baseline State
}

// Preview walks the window [from, until] and returns every state transition
// in strictly ascending order, plus the rule conflicts detected at each
// evaluated instant. Ambiguous ties never abort a preview; they surface as
// `manual` conflicts instead.
func (p Previewer) Preview(productID string, rules []Rule, from, until time.Time, ctx Context) Preview {
	from = from.UTC()
	until = until.UTC()

	own := rulesForProduct(productID, rules)
	scheduler := Scheduler{Matcher: p.Matcher, Baseline: p.Baseline}

	preview := Preview{
		ProductID:    productID,
		FutureStates: []PreviewEntry{},
		Conflicts:    []Conflict{},
	}

	seen := make(map[[2]string]bool)
	record := func(conflicts []Conflict) {
		for _, c := range conflicts {
			key := [2]string{c.RuleID, c.OtherID}
			if seen[key] {
				continue
			}
			seen[key] = true
			preview.Conflicts = append(preview.Conflicts, c)
		}
	}

	state, _, conflicts := p.resolveAt(own, ctx, from)
	preview.CurrentState = state
	record(conflicts)

	cursor := from
	for range maxPreviewSteps {
		if !cursor.Before(until) {
			break
		}

		next := scheduler.NextChange(own, cursor, until.Sub(cursor), ctx)
		if next == nil {
			break
		}

		preview.FutureStates = append(preview.FutureStates, PreviewEntry{
			Date:  next.At,
			State: next.State,
			Rule:  next.Rule,
		})

		_, _, conflicts := p.resolveAt(own, ctx, next.At)
		record(conflicts)

		cursor = next.At
	}

	return preview
}

func (p Previewer) resolveAt(rules []Rule, ctx Context, at time.Time) (State, *Rule, []Conflict) {
	var matched []Rule
	for _, rule := range rules {
		if p.Matcher.Matches(rule, ctx, at) {
			matched = append(matched, rule)
		}
	}

	outcome := ResolveConflicts(matched, at)
	if outcome.Winner == nil {
		state := p.Baseline
		if state == "" {
			state = StateAvailable
		}
		return state, nil, nil
	}
	return outcome.Winner.State, outcome.Winner, outcome.Conflicts
}

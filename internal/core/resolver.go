package core

import (
	"sort"
	"time"
)

// Outcome is the result of conflict resolution at one instant: the single
// winning rule, the full matched set in precedence order, and any contested
// ties worth surfacing to an admin.
type Outcome struct {
	// Winner is nil when no rule matched.
	Winner *Rule
	// Matched holds every matching rule, winner first, in precedence order.
	Matched []Rule
	// Resolution names the strategy that separated the winner from the
	// runner-up. Empty when fewer than two rules matched.
	Resolution Resolution
	// Conflicts pairs the winner with each rule it beat only on the
	// equal-priority tie-breaks, plus the runner-up when priority decided.
	Conflicts []Conflict
}

// ResolveConflicts picks the single effective rule from the rules that
// matched a product at instant at. The precedence order is total and
// deterministic: highest priority first, then the more specific rule type
// (date_range > time_based > seasonal > inventory > custom), then the
// lexicographically smallest ID. Input order never influences the outcome.
func ResolveConflicts(matched []Rule, at time.Time) Outcome {
	if len(matched) == 0 {
		return Outcome{}
	}

	ordered := make([]Rule, len(matched))
	copy(ordered, matched)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ruleBefore(ordered[i], ordered[j])
	})

	outcome := Outcome{
		Winner:  &ordered[0],
		Matched: ordered,
	}
	if len(ordered) == 1 {
		return outcome
	}

	winner := ordered[0]
	outcome.Resolution = separation(winner, ordered[1])

	for _, other := range ordered[1:] {
		if other.Priority != winner.Priority {
			break // ordered by priority; no further ties
		}
		outcome.Conflicts = append(outcome.Conflicts, Conflict{
			At:         at,
			RuleID:     winner.ID,
			OtherID:    other.ID,
			Resolution: separation(winner, other),
		})
	}
	if len(outcome.Conflicts) == 0 {
		// Priority decided cleanly, but more than one rule still claimed the
		// instant; record the runner-up for preview transparency.
		outcome.Conflicts = append(outcome.Conflicts, Conflict{
			At:         at,
			RuleID:     winner.ID,
			OtherID:    ordered[1].ID,
			Resolution: ResolutionPriority,
		})
	}

	return outcome
}

// ruleBefore is the total precedence order over rules.
func ruleBefore(a, b Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if sa, sb := a.Type.specificity(), b.Type.specificity(); sa != sb {
		return sa > sb
	}
	return a.ID < b.ID
}

// separation names the first tie-break step that distinguishes a from b.
func separation(a, b Rule) Resolution {
	switch {
	case a.Priority != b.Priority:
		return ResolutionPriority
	case a.Type.specificity() != b.Type.specificity():
		return ResolutionDate
	default:
		return ResolutionManual
	}
}

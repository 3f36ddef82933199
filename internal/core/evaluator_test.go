package core

import (
	"reflect"
	"testing"
	"time"
)

func TestEvaluateNoRules(t *testing.T) {
	e := Evaluator{}
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	got := e.Evaluate("p1", nil, at, Context{})
	if got.CurrentState != StateAvailable {
		t.Fatalf("CurrentState = %q, want baseline %q", got.CurrentState, StateAvailable)
	}
	if got.AppliedRules == nil || len(got.AppliedRules) != 0 {
		t.Fatalf("AppliedRules = %#v, want empty non-nil slice", got.AppliedRules)
	}
	if got.NextStateChange != nil {
		t.Fatalf("NextStateChange = %+v, want nil", got.NextStateChange)
	}
	if !got.ComputedAt.Equal(at) {
		t.Fatalf("ComputedAt = %v, want %v", got.ComputedAt, at)
	}
}

func TestEvaluateCustomBaseline(t *testing.T) {
	e := Evaluator{Baseline: StateHidden}
	got := e.Evaluate("p1", nil, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Context{})
	if got.CurrentState != StateHidden {
		t.Fatalf("CurrentState = %q, want configured baseline %q", got.CurrentState, StateHidden)
	}
}

func TestEvaluateIgnoresOtherProducts(t *testing.T) {
	e := Evaluator{}
	other := NewDateRangeRule("p2", "other product", StateHidden, 100, nil, nil)
	other.ID = "rule-other"

	got := e.Evaluate("p1", []Rule{other}, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Context{})
	if got.CurrentState != StateAvailable {
		t.Fatalf("CurrentState = %q, want %q: rules of other products must not apply", got.CurrentState, StateAvailable)
	}
}

func TestEvaluateSeasonalOverridesHidden(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)

	hidden := NewDateRangeRule("p1", "hidden all year", StateHidden, 1, &start, &end)
	hidden.ID = "rule-hidden"
	december := NewSeasonalRule("p1", "december sale", StateAvailable, 10, SeasonalConfig{
		StartMonth: 12, StartDay: 1,
		EndMonth: 12, EndDay: 31,
		Yearly: true,
	})
	december.ID = "rule-december"

	rules := []Rule{hidden, december}
	e := Evaluator{}

	inDecember := e.Evaluate("p1", rules, time.Date(2024, 12, 15, 12, 0, 0, 0, time.UTC), Context{})
	if inDecember.CurrentState != StateAvailable {
		t.Fatalf("December state = %q, want %q: higher priority seasonal wins", inDecember.CurrentState, StateAvailable)
	}
	if len(inDecember.AppliedRules) != 2 || inDecember.AppliedRules[0].ID != "rule-december" {
		t.Fatalf("AppliedRules = %v, want both rules with the seasonal winner first", inDecember.AppliedRules)
	}

	inJune := e.Evaluate("p1", rules, time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC), Context{})
	if inJune.CurrentState != StateHidden {
		t.Fatalf("June state = %q, want %q", inJune.CurrentState, StateHidden)
	}
	if inJune.NextStateChange == nil {
		t.Fatal("NextStateChange = nil, want the December 1st transition")
	}
	wantChange := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	if !inJune.NextStateChange.At.Equal(wantChange) {
		t.Fatalf("NextStateChange.At = %v, want %v", inJune.NextStateChange.At, wantChange)
	}
	if inJune.NextStateChange.State != StateAvailable {
		t.Fatalf("NextStateChange.State = %q, want %q", inJune.NextStateChange.State, StateAvailable)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 9, 30, 23, 59, 59, 0, time.UTC)

	a := NewDateRangeRule("p1", "spring", StateComingSoon, 5, &start, &end)
	a.ID = "rule-a"
	b := NewDateRangeRule("p1", "spring twin", StateSoldOut, 5, &start, &end)
	b.ID = "rule-b"
	c := NewTimeBasedRule("p1", "nights", StateViewOnly, 5, TimeRestrictions{
		DaysOfWeek: []int{0, 1, 2, 3, 4, 5, 6},
		StartTime:  "00:00",
		EndTime:    "23:59",
	})
	c.ID = "rule-c"

	e := Evaluator{}
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	first := e.Evaluate("p1", []Rule{a, b, c}, at, Context{})
	second := e.Evaluate("p1", []Rule{c, b, a}, at, Context{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("evaluation differs by rule order:\n%+v\n%+v", first, second)
	}
	if first.CurrentState != StateComingSoon {
		t.Fatalf("CurrentState = %q, want %q (equal priority, date_range beats time_based, then smallest ID)", first.CurrentState, StateComingSoon)
	}
}

func TestEvaluateHorizonBoundsNextChange(t *testing.T) {
	start := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	rule := NewDateRangeRule("p1", "far future", StateHidden, 5, &start, nil)
	rule.ID = "rule-far"

	e := Evaluator{Horizon: 24 * time.Hour}
	got := e.Evaluate("p1", []Rule{rule}, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Context{})
	if got.NextStateChange != nil {
		t.Fatalf("NextStateChange = %+v, want nil: transition is beyond the horizon", got.NextStateChange)
	}
}

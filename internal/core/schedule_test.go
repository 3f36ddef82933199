package core

import (
	"testing"
	"time"
)

func TestNextChangeDateRangeEnd(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 23, 59, 59, 0, time.UTC)
	rule := NewDateRangeRule("p1", "june takeover", StateHidden, 5, &start, &end)
	rule.ID = "rule-june"

	s := Scheduler{}
	from := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	change := s.NextChange([]Rule{rule}, from, 90*24*time.Hour, Context{})
	if change == nil {
		t.Fatal("NextChange = nil, want the end-of-window transition")
	}
	want := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	if !change.At.Equal(want) {
		t.Fatalf("At = %v, want %v (first instant past the inclusive end)", change.At, want)
	}
	if change.State != StateAvailable {
		t.Fatalf("State = %q, want baseline %q", change.State, StateAvailable)
	}
	if change.Rule != nil {
		t.Fatalf("Rule = %+v, want nil when falling back to baseline", change.Rule)
	}
}

func TestNextChangeUpcomingStart(t *testing.T) {
	start := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	rule := NewDateRangeRule("p1", "august", StateSoldOut, 5, &start, nil)
	rule.ID = "rule-august"

	s := Scheduler{}
	change := s.NextChange([]Rule{rule}, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 365*24*time.Hour, Context{})
	if change == nil {
		t.Fatal("NextChange = nil, want the August 1st transition")
	}
	if !change.At.Equal(start) {
		t.Fatalf("At = %v, want %v", change.At, start)
	}
	if change.State != StateSoldOut {
		t.Fatalf("State = %q, want %q", change.State, StateSoldOut)
	}
	if change.Rule == nil || change.Rule.ID != "rule-august" {
		t.Fatalf("Rule = %+v, want rule-august", change.Rule)
	}
}

func TestNextChangeNoChangeWithinHorizon(t *testing.T) {
	rule := NewDateRangeRule("p1", "forever hidden", StateHidden, 5, nil, nil)
	rule.ID = "rule-forever"

	s := Scheduler{}
	if change := s.NextChange([]Rule{rule}, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 365*24*time.Hour, Context{}); change != nil {
		t.Fatalf("NextChange = %+v, want nil for an unbounded constant state", change)
	}

	if change := s.NextChange(nil, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 365*24*time.Hour, Context{}); change != nil {
		t.Fatalf("NextChange = %+v, want nil with no rules", change)
	}
}

func TestNextChangeZeroHorizon(t *testing.T) {
	start := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	rule := NewDateRangeRule("p1", "august", StateSoldOut, 5, &start, nil)

	s := Scheduler{}
	if change := s.NextChange([]Rule{rule}, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 0, Context{}); change != nil {
		t.Fatalf("NextChange = %+v, want nil for a zero horizon", change)
	}
}

func TestNextChangeWeeklyWindow(t *testing.T) {
	rule := NewTimeBasedRule("p1", "weekday mornings", StateAvailable, 5, TimeRestrictions{
		DaysOfWeek: []int{1, 2, 3, 4, 5},
		StartTime:  "09:00",
		EndTime:    "17:00",
	})
	rule.ID = "rule-hours"

	s := Scheduler{Baseline: StateViewOnly}
	// Saturday 2024-06-08; the next window opens Monday 09:00.
	from := time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC)

	change := s.NextChange([]Rule{rule}, from, 7*24*time.Hour, Context{})
	if change == nil {
		t.Fatal("NextChange = nil, want Monday morning opening")
	}
	want := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	if !change.At.Equal(want) {
		t.Fatalf("At = %v, want %v", change.At, want)
	}
	if change.State != StateAvailable {
		t.Fatalf("State = %q, want %q", change.State, StateAvailable)
	}

	// From inside the window the next change is the close, one minute past the
	// inclusive end.
	inside := time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)
	change = s.NextChange([]Rule{rule}, inside, 24*time.Hour, Context{})
	if change == nil {
		t.Fatal("NextChange = nil, want the 17:01 close")
	}
	wantClose := time.Date(2024, 6, 10, 17, 1, 0, 0, time.UTC)
	if !change.At.Equal(wantClose) {
		t.Fatalf("At = %v, want %v", change.At, wantClose)
	}
	if change.State != StateViewOnly {
		t.Fatalf("State = %q, want baseline %q", change.State, StateViewOnly)
	}
}

func TestNextChangeTimeWindowAfterDistantBoundary(t *testing.T) {
	// The blackout hides the product for months; the weekly window only
	// matters again once the blackout lifts. The scheduler must find the
	// window edge near that distant boundary, not just near "from".
	blackoutStart := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	blackoutEnd := time.Date(2024, 9, 30, 23, 59, 59, 0, time.UTC)
	blackout := NewDateRangeRule("p1", "blackout", StateHidden, 100, &blackoutStart, &blackoutEnd)
	blackout.ID = "rule-blackout"

	hours := NewTimeBasedRule("p1", "weekday mornings", StateAvailable, 5, TimeRestrictions{
		DaysOfWeek: []int{1, 2, 3, 4, 5},
		StartTime:  "09:00",
		EndTime:    "17:00",
	})
	hours.ID = "rule-hours"

	s := Scheduler{Baseline: StateViewOnly}
	from := time.Date(2024, 9, 25, 12, 0, 0, 0, time.UTC)

	change := s.NextChange([]Rule{blackout, hours}, from, 30*24*time.Hour, Context{})
	if change == nil {
		t.Fatal("NextChange = nil, want the post-blackout transition")
	}
	// Blackout lifts 2024-10-01 00:00 (a Tuesday), outside the 09:00-17:00
	// window, so the state first flips to the baseline.
	want := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	if !change.At.Equal(want) {
		t.Fatalf("At = %v, want %v", change.At, want)
	}
	if change.State != StateViewOnly {
		t.Fatalf("State = %q, want %q", change.State, StateViewOnly)
	}
}

func TestNextChangeSeasonalWrapClose(t *testing.T) {
	rule := NewSeasonalRule("p1", "winter", StateSoldOut, 5, SeasonalConfig{
		StartMonth: 12, StartDay: 20,
		EndMonth: 1, EndDay: 5,
		Yearly: true,
	})
	rule.ID = "rule-winter"

	s := Scheduler{}
	from := time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC)

	change := s.NextChange([]Rule{rule}, from, 60*24*time.Hour, Context{})
	if change == nil {
		t.Fatal("NextChange = nil, want the wrapped window close")
	}
	want := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	if !change.At.Equal(want) {
		t.Fatalf("At = %v, want %v (midnight after the inclusive end day)", change.At, want)
	}
	if change.State != StateAvailable {
		t.Fatalf("State = %q, want baseline %q", change.State, StateAvailable)
	}
}

func TestNextChangeWrappedWindowRestrictedDays(t *testing.T) {
	// A wrapped window on a single listed day covers two segments of that
	// day: midnight through 02:00 and 22:00 through midnight. It never
	// spills into Saturday.
	rule := NewTimeBasedRule("p1", "friday late night", StateAvailable, 5, TimeRestrictions{
		DaysOfWeek: []int{5},
		StartTime:  "22:00",
		EndTime:    "02:00",
	})
	rule.ID = "rule-friday"

	s := Scheduler{Baseline: StateViewOnly}

	steps := []struct {
		name      string
		from      time.Time
		wantAt    time.Time
		wantState State
	}{
		{
			name:      "early segment opens at Friday midnight",
			from:      time.Date(2024, 6, 6, 12, 0, 0, 0, time.UTC), // Thursday
			wantAt:    time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC),
			wantState: StateAvailable,
		},
		{
			name:      "early segment closes one minute past the inclusive end",
			from:      time.Date(2024, 6, 7, 1, 0, 0, 0, time.UTC),
			wantAt:    time.Date(2024, 6, 7, 2, 1, 0, 0, time.UTC),
			wantState: StateViewOnly,
		},
		{
			name:      "late segment opens at the start time",
			from:      time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC),
			wantAt:    time.Date(2024, 6, 7, 22, 0, 0, 0, time.UTC),
			wantState: StateAvailable,
		},
		{
			name:      "late segment closes at Saturday midnight",
			from:      time.Date(2024, 6, 7, 23, 0, 0, 0, time.UTC),
			wantAt:    time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
			wantState: StateViewOnly,
		},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			change := s.NextChange([]Rule{rule}, step.from, 7*24*time.Hour, Context{})
			if change == nil {
				t.Fatal("NextChange = nil, want a transition")
			}
			if !change.At.Equal(step.wantAt) {
				t.Fatalf("At = %v, want %v", change.At, step.wantAt)
			}
			if change.State != step.wantState {
				t.Fatalf("State = %q, want %q", change.State, step.wantState)
			}
		})
	}
}

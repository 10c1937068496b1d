package models

import (
	"testing"
	"time"
)

func TestSessionCanTransitionTo(t *testing.T) {
	cases := []struct {
		name string
		from SessionStatus
		to   SessionStatus
		want bool
	}{
		{"setup to pending_pre_survey", StatusSetup, StatusPendingPreSurvey, true},
		{"setup to pending", StatusSetup, StatusPending, true},
		{"setup to active", StatusSetup, StatusActive, true},
		{"pending_pre_survey to active", StatusPendingPreSurvey, StatusActive, true},
		{"pending to active", StatusPending, StatusActive, true},
		{"active to setup", StatusActive, StatusSetup, false},
		{"active to pending_pre_survey", StatusActive, StatusPendingPreSurvey, false},
		{"active to ended", StatusActive, StatusEnded, true},
		{"setup to ended", StatusSetup, StatusEnded, true},
		{"ended to active", StatusEnded, StatusActive, false},
		{"ended to ended", StatusEnded, StatusEnded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Session{Status: tc.from}
			if got := s.CanTransitionTo(tc.to); got != tc.want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestSessionIsGating(t *testing.T) {
	gating := []SessionStatus{StatusSetup, StatusPending, StatusPendingPreSurvey}
	for _, st := range gating {
		s := &Session{Status: st}
		if !s.IsGating() {
			t.Errorf("expected %s to be gating", st)
		}
	}
	for _, st := range []SessionStatus{StatusActive, StatusEnded} {
		s := &Session{Status: st}
		if s.IsGating() {
			t.Errorf("expected %s not to be gating", st)
		}
	}
}

func TestExperimentDefaultRoute(t *testing.T) {
	// No routes
	e := &Experiment{}
	if e.DefaultRoute() != nil {
		t.Error("expected nil default route for experiment without routes")
	}

	// Explicit default
	e = &Experiment{Routes: []Route{
		{Keyword: "keyword1", ExperimentID: "c1"},
		{Keyword: "keyword2", ExperimentID: "c2", IsDefault: true},
		{Keyword: "keyword3", ExperimentID: "c3"},
	}}
	if r := e.DefaultRoute(); r == nil || r.Keyword != "keyword2" {
		t.Errorf("expected keyword2 as default route, got %+v", r)
	}

	// No marked default falls back to first
	e = &Experiment{Routes: []Route{
		{Keyword: "a", ExperimentID: "c1"},
		{Keyword: "b", ExperimentID: "c2"},
	}}
	if r := e.DefaultRoute(); r == nil || r.Keyword != "a" {
		t.Errorf("expected first route as default, got %+v", r)
	}
}

func TestExperimentRouteForKeyword(t *testing.T) {
	e := &Experiment{Routes: []Route{
		{Keyword: "keyword1", ExperimentID: "c1"},
		{Keyword: "keyword2", ExperimentID: "c2", IsDefault: true},
		{Keyword: "keyword3", ExperimentID: "c3"},
	}}

	if r := e.RouteForKeyword("  KEYWORD3 "); r == nil || r.ExperimentID != "c3" {
		t.Errorf("expected case-insensitive trimmed match, got %+v", r)
	}
	if r := e.RouteForKeyword("not a valid keyword"); r == nil || r.ExperimentID != "c2" {
		t.Errorf("expected fallback to default route, got %+v", r)
	}
}

func TestScheduledMessageAdvance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Recurs until repetitions exhausted
	m := &ScheduledMessage{
		Frequency:       2,
		Period:          PeriodHours,
		Repetitions:     2,
		NextTriggerDate: now,
	}
	m.Advance(now)
	if m.Complete {
		t.Fatal("should not be complete after first of two repetitions")
	}
	if want := now.Add(2 * time.Hour); !m.NextTriggerDate.Equal(want) {
		t.Errorf("next trigger = %v, want %v", m.NextTriggerDate, want)
	}
	m.Advance(m.NextTriggerDate)
	if !m.Complete {
		t.Error("should be complete after exhausting repetitions")
	}

	// End date passed marks complete
	end := now.Add(time.Hour)
	m = &ScheduledMessage{
		Frequency:       1,
		Period:          PeriodDays,
		NextTriggerDate: now,
		EndDate:         &end,
	}
	m.Advance(now)
	if !m.Complete {
		t.Error("should be complete when next trigger exceeds end date")
	}
	if m.TotalTriggers != 1 {
		t.Errorf("total triggers = %d, want 1", m.TotalTriggers)
	}
}

func TestScheduledMessageIsDue(t *testing.T) {
	now := time.Now()
	m := &ScheduledMessage{NextTriggerDate: now.Add(-time.Minute)}
	if !m.IsDue(now) {
		t.Error("past trigger date should be due")
	}
	m.Cancelled = true
	if m.IsDue(now) {
		t.Error("cancelled schedule should never be due")
	}
	m.Cancelled = false
	m.Complete = true
	if m.IsDue(now) {
		t.Error("complete schedule should never be due")
	}
	m = &ScheduledMessage{NextTriggerDate: now.Add(time.Minute)}
	if m.IsDue(now) {
		t.Error("future trigger date should not be due")
	}
}

func TestTimeoutLogExhausted(t *testing.T) {
	l := &TimeoutLog{FailureCount: TimeoutFailureCeiling}
	if !l.Exhausted(10) {
		t.Error("failure ceiling should exhaust the budget")
	}
	l = &TimeoutLog{SuccessCount: 2}
	if !l.Exhausted(2) {
		t.Error("reaching configured total should exhaust the budget")
	}
	l = &TimeoutLog{SuccessCount: 1, FailureCount: 1}
	if l.Exhausted(3) {
		t.Error("budget should not be exhausted yet")
	}
}

func TestScheduledMessageValidate(t *testing.T) {
	m := &ScheduledMessage{ParticipantID: "p1", Frequency: 1, Period: PeriodDays}
	if err := m.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	m = &ScheduledMessage{ParticipantID: "p1", Frequency: 0, Period: PeriodDays}
	if err := m.Validate(); err != ErrInvalidFrequency {
		t.Errorf("expected ErrInvalidFrequency, got %v", err)
	}
	m = &ScheduledMessage{ParticipantID: "p1", Frequency: 1, Period: "fortnights"}
	if err := m.Validate(); err != ErrInvalidTimePeriod {
		t.Errorf("expected ErrInvalidTimePeriod, got %v", err)
	}
}

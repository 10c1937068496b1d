// Package models: scheduled message and timeout trigger records.
package models

import (
	"errors"
	"time"
)

// TimePeriod is the recurrence unit for a scheduled message.
type TimePeriod string

const (
	// PeriodMinutes recurs every N minutes.
	PeriodMinutes TimePeriod = "minutes"
	// PeriodHours recurs every N hours.
	PeriodHours TimePeriod = "hours"
	// PeriodDays recurs every N days.
	PeriodDays TimePeriod = "days"
	// PeriodWeeks recurs every N weeks.
	PeriodWeeks TimePeriod = "weeks"
)

// Scheduled message validation errors.
var (
	ErrInvalidTimePeriod = errors.New("invalid time period")
	ErrInvalidFrequency  = errors.New("frequency must be positive")
	ErrScheduleComplete  = errors.New("scheduled message is complete")
	ErrScheduleCancelled = errors.New("scheduled message is cancelled")
)

// ScheduledMessage is a future-dated action tied to participant+experiment,
// fired by the trigger engine when next_trigger_date passes.
type ScheduledMessage struct {
	ID              string     `json:"id"`
	ExperimentID    string     `json:"experiment_id"`
	ChannelID       string     `json:"channel_id"`
	ParticipantID   string     `json:"participant_id"`
	Prompt          string     `json:"prompt"`
	Frequency       int        `json:"frequency"`
	Period          TimePeriod `json:"period"`
	Repetitions     int        `json:"repetitions"`
	TotalTriggers   int        `json:"total_triggers"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	NextTriggerDate time.Time  `json:"next_trigger_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Complete        bool       `json:"complete"`
	Cancelled       bool       `json:"cancelled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks the recurrence parameters.
func (m *ScheduledMessage) Validate() error {
	if m.ParticipantID == "" {
		return ErrEmptyParticipantID
	}
	if m.Frequency <= 0 {
		return ErrInvalidFrequency
	}
	switch m.Period {
	case PeriodMinutes, PeriodHours, PeriodDays, PeriodWeeks:
		return nil
	default:
		return ErrInvalidTimePeriod
	}
}

// PeriodDuration returns the configured recurrence interval.
func (m *ScheduledMessage) PeriodDuration() time.Duration {
	switch m.Period {
	case PeriodMinutes:
		return time.Duration(m.Frequency) * time.Minute
	case PeriodHours:
		return time.Duration(m.Frequency) * time.Hour
	case PeriodDays:
		return time.Duration(m.Frequency) * 24 * time.Hour
	case PeriodWeeks:
		return time.Duration(m.Frequency) * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Advance records a firing at the given time and either computes the next
// trigger date or marks the schedule complete when repetitions are exhausted
// or the end date has passed. The ScheduledMessage row is the single source
// of truth for trigger parameters.
func (m *ScheduledMessage) Advance(firedAt time.Time) {
	m.LastTriggeredAt = &firedAt
	m.TotalTriggers++
	m.UpdatedAt = firedAt

	if m.Repetitions > 0 && m.TotalTriggers >= m.Repetitions {
		m.Complete = true
		return
	}
	next := m.NextTriggerDate.Add(m.PeriodDuration())
	if m.EndDate != nil && next.After(*m.EndDate) {
		m.Complete = true
		return
	}
	m.NextTriggerDate = next
}

// IsDue reports whether the schedule should fire at the given time.
func (m *ScheduledMessage) IsDue(now time.Time) bool {
	return !m.Complete && !m.Cancelled && !m.NextTriggerDate.After(now)
}

// TimeoutFailureCeiling is the fixed cap on failed timeout attempts per
// human message; once reached no further attempts occur.
const TimeoutFailureCeiling = 3

// TimeoutLog tracks timeout trigger attempts per (session, human message).
// Once the failure count reaches the ceiling or the success count reaches the
// configured total, the terminal event fires exactly once.
type TimeoutLog struct {
	SessionID      string    `json:"session_id"`
	MessageID      string    `json:"message_id"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	TerminalFired  bool      `json:"terminal_fired"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
}

// Exhausted reports whether the attempt budget for this human message is
// spent given the experiment's configured total.
func (l *TimeoutLog) Exhausted(totalTriggers int) bool {
	return l.FailureCount >= TimeoutFailureCeiling || l.SuccessCount >= totalTriggers
}

// Package trigger polls for due scheduled messages and timed-out sessions
// and fires the associated bot-generated deliveries.
//
// Each firing is isolated: a panic or error in one trigger never blocks the
// rest of the polling batch.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

// Dispatcher delivers trigger-generated messages into a session's channel.
// The channel layer implements this on top of its bot and messenger wiring.
type Dispatcher interface {
	// DispatchScheduled generates and delivers the reminder described by a
	// due scheduled message.
	DispatchScheduled(ctx context.Context, sm *models.ScheduledMessage) error

	// DispatchTimeout generates and delivers a re-engagement message for an
	// idle session.
	DispatchTimeout(ctx context.Context, session *models.Session, prompt string) error

	// DispatchTerminal fires the final "last timeout" event for a session
	// whose re-engagement attempts are exhausted.
	DispatchTerminal(ctx context.Context, session *models.Session) error
}

// Engine owns the polling sweeps. It holds no timers itself; the scheduler
// package invokes the sweeps on an interval.
type Engine struct {
	store      store.Store
	cfg        *models.ExperimentConfig
	dispatcher Dispatcher
	now        func() time.Time
}

// NewEngine wires a trigger engine.
func NewEngine(st store.Store, cfg *models.ExperimentConfig, d Dispatcher) *Engine {
	return &Engine{store: st, cfg: cfg, dispatcher: d, now: time.Now}
}

// SweepScheduled fires every due scheduled message. A message advances its
// recurrence only after a successful dispatch, so transient delivery
// failures retry on the next sweep.
func (e *Engine) SweepScheduled(ctx context.Context) {
	now := e.now()
	due, err := e.store.ListDueScheduledMessages(now)
	if err != nil {
		slog.Error("Engine.SweepScheduled: failed to list due messages", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	slog.Debug("Engine.SweepScheduled: firing due messages", "count", len(due))
	for i := range due {
		e.fireScheduled(ctx, &due[i], now)
	}
}

// fireScheduled runs one scheduled firing with panic isolation.
func (e *Engine) fireScheduled(ctx context.Context, sm *models.ScheduledMessage, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.fireScheduled: panic recovered", "schedule_id", sm.ID, "panic", r)
		}
	}()

	if err := e.dispatcher.DispatchScheduled(ctx, sm); err != nil {
		slog.Error("Engine.fireScheduled: dispatch failed",
			"schedule_id", sm.ID, "participant_id", sm.ParticipantID, "error", err)
		return
	}
	sm.Advance(now)
	if err := e.store.SaveScheduledMessage(sm); err != nil {
		slog.Error("Engine.fireScheduled: failed to persist recurrence state",
			"schedule_id", sm.ID, "error", err)
		return
	}
	slog.Info("Engine.fireScheduled: fired",
		"schedule_id", sm.ID,
		"total_triggers", sm.TotalTriggers,
		"complete", sm.Complete)
}

// SweepTimeouts finds active sessions idle past their experiment's timeout
// delay and fires re-engagement attempts, tracked per human message. Once
// the failure count reaches the fixed ceiling or the success count reaches
// the configured total, the terminal event fires exactly once and the
// message draws no further attempts.
func (e *Engine) SweepTimeouts(ctx context.Context) {
	now := e.now()
	for i := range e.cfg.Experiments {
		exp := &e.cfg.Experiments[i]
		if exp.TimeoutDelaySeconds <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(exp.TimeoutDelaySeconds) * time.Second)
		idle, err := e.store.ListActiveSessionsIdleSince(cutoff)
		if err != nil {
			slog.Error("Engine.SweepTimeouts: failed to list idle sessions",
				"experiment_id", exp.ID, "error", err)
			continue
		}
		for j := range idle {
			if idle[j].ExperimentID != exp.ID {
				continue
			}
			e.fireTimeout(ctx, exp, &idle[j])
		}
	}
}

// fireTimeout runs one timeout attempt for one session, with panic
// isolation.
func (e *Engine) fireTimeout(ctx context.Context, exp *models.Experiment, session *models.Session) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.fireTimeout: panic recovered", "session_id", session.ID, "panic", r)
		}
	}()

	lastHuman, err := e.store.LastHumanMessage(session.ID)
	if err != nil {
		slog.Error("Engine.fireTimeout: failed to load last human message", "session_id", session.ID, "error", err)
		return
	}
	if lastHuman == nil {
		return
	}

	log, err := e.store.GetTimeoutLog(session.ID, lastHuman.ID)
	if err != nil {
		slog.Error("Engine.fireTimeout: failed to load timeout log", "session_id", session.ID, "error", err)
		return
	}
	if log == nil {
		log = &models.TimeoutLog{SessionID: session.ID, MessageID: lastHuman.ID}
	}

	totalTriggers := exp.TimeoutTotalTriggers
	if totalTriggers <= 0 {
		totalTriggers = 1
	}
	if log.TerminalFired {
		return
	}
	if log.Exhausted(totalTriggers) {
		e.fireTerminal(ctx, session, log)
		return
	}

	log.LastAttemptAt = e.now()
	if err := e.dispatcher.DispatchTimeout(ctx, session, exp.TimeoutPrompt); err != nil {
		log.FailureCount++
		slog.Warn("Engine.fireTimeout: attempt failed",
			"session_id", session.ID,
			"failure_count", log.FailureCount,
			"ceiling", models.TimeoutFailureCeiling,
			"error", err)
	} else {
		log.SuccessCount++
		slog.Info("Engine.fireTimeout: re-engagement sent",
			"session_id", session.ID, "success_count", log.SuccessCount)
	}
	if err := e.store.SaveTimeoutLog(log); err != nil {
		slog.Error("Engine.fireTimeout: failed to persist timeout log", "session_id", session.ID, "error", err)
	}
}

// fireTerminal delivers the last-timeout event once.
func (e *Engine) fireTerminal(ctx context.Context, session *models.Session, log *models.TimeoutLog) {
	if err := e.dispatcher.DispatchTerminal(ctx, session); err != nil {
		slog.Error("Engine.fireTerminal: terminal dispatch failed", "session_id", session.ID, "error", err)
		return
	}
	log.TerminalFired = true
	log.LastAttemptAt = e.now()
	if err := e.store.SaveTimeoutLog(log); err != nil {
		slog.Error("Engine.fireTerminal: failed to persist timeout log", "session_id", session.ID, "error", err)
	}
	slog.Info("Engine.fireTerminal: last timeout fired", "session_id", session.ID)
}

// Schedule validates and stores a new scheduled message, computing the first
// trigger date when unset.
func (e *Engine) Schedule(sm *models.ScheduledMessage) error {
	if err := sm.Validate(); err != nil {
		return fmt.Errorf("invalid scheduled message: %w", err)
	}
	if sm.NextTriggerDate.IsZero() {
		sm.NextTriggerDate = e.now().Add(sm.PeriodDuration())
	}
	return e.store.SaveScheduledMessage(sm)
}

// Cancel marks a scheduled message cancelled.
func (e *Engine) Cancel(id string) error {
	return e.store.CancelScheduledMessage(id)
}

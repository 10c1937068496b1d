package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

type fakeDispatcher struct {
	scheduled []string // schedule IDs
	timeouts  []string // session IDs
	terminals []string // session IDs
	failFor   map[string]error
	panicFor  map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failFor: map[string]error{}, panicFor: map[string]bool{}}
}

func (d *fakeDispatcher) DispatchScheduled(ctx context.Context, sm *models.ScheduledMessage) error {
	if d.panicFor[sm.ID] {
		panic("dispatch blew up")
	}
	if err := d.failFor[sm.ID]; err != nil {
		return err
	}
	d.scheduled = append(d.scheduled, sm.ID)
	return nil
}

func (d *fakeDispatcher) DispatchTimeout(ctx context.Context, session *models.Session, prompt string) error {
	if err := d.failFor[session.ID]; err != nil {
		return err
	}
	d.timeouts = append(d.timeouts, session.ID)
	return nil
}

func (d *fakeDispatcher) DispatchTerminal(ctx context.Context, session *models.Session) error {
	d.terminals = append(d.terminals, session.ID)
	return nil
}

func saveSchedule(t *testing.T, st store.Store, id string, next time.Time) *models.ScheduledMessage {
	t.Helper()
	sm := &models.ScheduledMessage{
		ID:              id,
		ExperimentID:    "exp1",
		ChannelID:       "ch1",
		ParticipantID:   "p-" + id,
		Prompt:          "check in",
		Frequency:       1,
		Period:          models.PeriodDays,
		NextTriggerDate: next,
	}
	if err := st.SaveScheduledMessage(sm); err != nil {
		t.Fatalf("save schedule: %v", err)
	}
	return sm
}

func timeoutFixture(t *testing.T, st store.Store, exp *models.Experiment, idleFor time.Duration) *models.Session {
	t.Helper()
	sess := &models.Session{
		ExperimentID:  exp.ID,
		ChannelID:     "ch1",
		ParticipantID: "p1",
		Status:        models.StatusActive,
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	at := time.Now().Add(-idleFor)
	if err := st.AddMessage(&models.Message{
		SessionID: sess.ID, Role: models.RoleHuman, Content: "last word", CreatedAt: at,
	}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if err := st.RecordHumanActivity(sess.ID, at); err != nil {
		t.Fatalf("record activity: %v", err)
	}
	return sess
}

func TestSweepScheduledFiresDueAndAdvances(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newFakeDispatcher()
	now := time.Now()

	saveSchedule(t, st, "due", now.Add(-time.Minute))
	saveSchedule(t, st, "future", now.Add(time.Hour))

	e := NewEngine(st, &models.ExperimentConfig{}, d)
	e.SweepScheduled(context.Background())

	if len(d.scheduled) != 1 || d.scheduled[0] != "due" {
		t.Fatalf("fired = %+v, want only the due schedule", d.scheduled)
	}
	after, err := st.ListDueScheduledMessages(now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("fired schedule should have advanced past now, still due: %+v", after)
	}
}

func TestSweepScheduledIsolatesFailures(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newFakeDispatcher()
	now := time.Now()

	saveSchedule(t, st, "broken", now.Add(-time.Minute))
	saveSchedule(t, st, "healthy", now.Add(-time.Minute))
	d.failFor["broken"] = errors.New("provider down")

	e := NewEngine(st, &models.ExperimentConfig{}, d)
	e.SweepScheduled(context.Background())

	if len(d.scheduled) != 1 || d.scheduled[0] != "healthy" {
		t.Errorf("fired = %+v, the healthy schedule must fire despite the broken one", d.scheduled)
	}
	// The failed schedule stays due for the next sweep.
	due, err := st.ListDueScheduledMessages(now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "broken" {
		t.Errorf("due after sweep = %+v, want the failed schedule retained", due)
	}
}

func TestSweepScheduledRecoversFromPanic(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newFakeDispatcher()
	now := time.Now()

	saveSchedule(t, st, "bomb", now.Add(-2*time.Minute))
	saveSchedule(t, st, "fine", now.Add(-time.Minute))
	d.panicFor["bomb"] = true

	e := NewEngine(st, &models.ExperimentConfig{}, d)
	e.SweepScheduled(context.Background())

	if len(d.scheduled) != 1 || d.scheduled[0] != "fine" {
		t.Errorf("fired = %+v, a panicking trigger must not block the batch", d.scheduled)
	}
}

func TestSweepTimeoutsFiresForIdleSession(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newFakeDispatcher()
	exp := models.Experiment{
		ID: "exp1", Prompt: "p", Model: "m",
		TimeoutDelaySeconds: 60, TimeoutTotalTriggers: 3, TimeoutPrompt: "still there?",
	}
	sess := timeoutFixture(t, st, &exp, 10*time.Minute)

	e := NewEngine(st, &models.ExperimentConfig{Experiments: []models.Experiment{exp}}, d)
	e.SweepTimeouts(context.Background())

	if len(d.timeouts) != 1 || d.timeouts[0] != sess.ID {
		t.Fatalf("timeouts = %+v", d.timeouts)
	}
	lastHuman, _ := st.LastHumanMessage(sess.ID)
	log, err := st.GetTimeoutLog(sess.ID, lastHuman.ID)
	if err != nil || log == nil {
		t.Fatalf("timeout log = %+v, %v", log, err)
	}
	if log.SuccessCount != 1 {
		t.Errorf("success count = %d", log.SuccessCount)
	}
}

func TestSweepTimeoutsSkipsFreshSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newFakeDispatcher()
	exp := models.Experiment{
		ID: "exp1", Prompt: "p", Model: "m",
		TimeoutDelaySeconds: 3600, TimeoutTotalTriggers: 3,
	}
	timeoutFixture(t, st, &exp, time.Minute)

	e := NewEngine(st, &models.ExperimentConfig{Experiments: []models.Experiment{exp}}, d)
	e.SweepTimeouts(context.Background())

	if len(d.timeouts) != 0 {
		t.Errorf("fresh session must not trigger timeouts, got %+v", d.timeouts)
	}
}

func TestSweepTimeoutsSuccessBudgetThenTerminalOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newFakeDispatcher()
	exp := models.Experiment{
		ID: "exp1", Prompt: "p", Model: "m",
		TimeoutDelaySeconds: 60, TimeoutTotalTriggers: 2,
	}
	sess := timeoutFixture(t, st, &exp, 10*time.Minute)

	e := NewEngine(st, &models.ExperimentConfig{Experiments: []models.Experiment{exp}}, d)
	ctx := context.Background()

	e.SweepTimeouts(ctx) // success 1
	e.SweepTimeouts(ctx) // success 2, budget spent
	e.SweepTimeouts(ctx) // terminal fires
	e.SweepTimeouts(ctx) // nothing

	if len(d.timeouts) != 2 {
		t.Errorf("timeout attempts = %d, want 2", len(d.timeouts))
	}
	if len(d.terminals) != 1 || d.terminals[0] != sess.ID {
		t.Errorf("terminals = %+v, want exactly one terminal event", d.terminals)
	}
}

func TestSweepTimeoutsFailureCeilingThenTerminal(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newFakeDispatcher()
	exp := models.Experiment{
		ID: "exp1", Prompt: "p", Model: "m",
		TimeoutDelaySeconds: 60, TimeoutTotalTriggers: 10,
	}
	sess := timeoutFixture(t, st, &exp, 10*time.Minute)
	d.failFor[sess.ID] = errors.New("delivery down")

	e := NewEngine(st, &models.ExperimentConfig{Experiments: []models.Experiment{exp}}, d)
	ctx := context.Background()

	for i := 0; i < models.TimeoutFailureCeiling; i++ {
		e.SweepTimeouts(ctx)
	}
	if len(d.terminals) != 0 {
		t.Fatalf("terminal fired before the ceiling: %+v", d.terminals)
	}
	e.SweepTimeouts(ctx)
	if len(d.terminals) != 1 {
		t.Errorf("terminals = %+v, want the terminal event after the failure ceiling", d.terminals)
	}
}

func TestSweepTimeoutsFreshLogPerHumanMessage(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newFakeDispatcher()
	exp := models.Experiment{
		ID: "exp1", Prompt: "p", Model: "m",
		TimeoutDelaySeconds: 60, TimeoutTotalTriggers: 1,
	}
	sess := timeoutFixture(t, st, &exp, 10*time.Minute)

	e := NewEngine(st, &models.ExperimentConfig{Experiments: []models.Experiment{exp}}, d)
	ctx := context.Background()

	e.SweepTimeouts(ctx) // success, budget of 1 spent
	e.SweepTimeouts(ctx) // terminal
	if len(d.timeouts) != 1 || len(d.terminals) != 1 {
		t.Fatalf("attempts = %d, terminals = %d", len(d.timeouts), len(d.terminals))
	}

	// The participant speaks again, then goes idle: a fresh attempt budget.
	at := time.Now().Add(-5 * time.Minute)
	if err := st.AddMessage(&models.Message{
		SessionID: sess.ID, Role: models.RoleHuman, Content: "back", CreatedAt: at,
	}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if err := st.RecordHumanActivity(sess.ID, at); err != nil {
		t.Fatalf("record activity: %v", err)
	}

	e.SweepTimeouts(ctx)
	if len(d.timeouts) != 2 {
		t.Errorf("a new human message must reset the attempt budget, attempts = %d", len(d.timeouts))
	}
}

func TestScheduleComputesFirstTriggerDate(t *testing.T) {
	st := store.NewInMemoryStore()
	e := NewEngine(st, &models.ExperimentConfig{}, newFakeDispatcher())

	sm := &models.ScheduledMessage{
		ParticipantID: "p1",
		Frequency:     2,
		Period:        models.PeriodHours,
	}
	if err := e.Schedule(sm); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sm.NextTriggerDate.IsZero() {
		t.Error("first trigger date should be computed")
	}

	bad := &models.ScheduledMessage{ParticipantID: "p1", Frequency: 0, Period: models.PeriodHours}
	if err := e.Schedule(bad); err == nil {
		t.Error("invalid recurrence must be rejected")
	}
}

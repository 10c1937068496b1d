package store

import (
	"testing"
	"time"

	"github.com/chatweave/chatweave/internal/models"
)

func newTestSession(t *testing.T, s Store) *models.Session {
	t.Helper()
	sess := &models.Session{
		ExperimentID:  "exp1",
		ChannelID:     "ch1",
		ParticipantID: "p1",
		Status:        models.StatusSetup,
	}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestCreateSessionEnforcesSingleActive(t *testing.T) {
	s := NewInMemoryStore()
	newTestSession(t, s)

	dup := &models.Session{ExperimentID: "exp1", ChannelID: "ch1", ParticipantID: "p1", Status: models.StatusSetup}
	if err := s.CreateSession(dup); err != models.ErrDuplicateSession {
		t.Errorf("expected ErrDuplicateSession, got %v", err)
	}

	// A different participant is unaffected
	other := &models.Session{ExperimentID: "exp1", ChannelID: "ch1", ParticipantID: "p2", Status: models.StatusSetup}
	if err := s.CreateSession(other); err != nil {
		t.Errorf("unexpected error for distinct participant: %v", err)
	}
}

func TestEndSessionAllowsNewSession(t *testing.T) {
	s := NewInMemoryStore()
	sess := newTestSession(t, s)

	if err := s.EndSession(sess.ID, time.Now()); err != nil {
		t.Fatalf("end session: %v", err)
	}
	found, err := s.FindActiveSession("exp1", "ch1", "p1")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if found != nil {
		t.Error("ended session should not be active")
	}

	fresh := &models.Session{ExperimentID: "exp1", ChannelID: "ch1", ParticipantID: "p1", Status: models.StatusSetup}
	if err := s.CreateSession(fresh); err != nil {
		t.Errorf("creating a new session after ending should succeed: %v", err)
	}
}

func TestMessagesSinceCheckpoint(t *testing.T) {
	s := NewInMemoryStore()
	sess := newTestSession(t, s)

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 6; i++ {
		m := &models.Message{
			SessionID: sess.ID,
			Role:      models.RoleHuman,
			Content:   "turn",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AddMessage(m); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	// No checkpoint yet: everything comes back, no summary
	summary, msgs, err := s.MessagesSinceCheckpoint(sess.ID)
	if err != nil {
		t.Fatalf("messages since checkpoint: %v", err)
	}
	if summary != "" || len(msgs) != 6 {
		t.Errorf("expected no summary and 6 messages, got %q and %d", summary, len(msgs))
	}

	// Mark message 3 as a checkpoint
	if err := s.UpdateMessageSummary(ids[3], "what came before"); err != nil {
		t.Fatalf("update summary: %v", err)
	}
	summary, msgs, err = s.MessagesSinceCheckpoint(sess.ID)
	if err != nil {
		t.Fatalf("messages since checkpoint: %v", err)
	}
	if summary != "what came before" {
		t.Errorf("summary = %q", summary)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected checkpoint message plus 2 later turns, got %d", len(msgs))
	}
	if msgs[0].ID != ids[3] {
		t.Errorf("first message should be the checkpoint, got %s", msgs[0].ID)
	}
}

func TestUpdateMessageSummaryIsWriteOnce(t *testing.T) {
	s := NewInMemoryStore()
	sess := newTestSession(t, s)
	m := &models.Message{SessionID: sess.ID, Role: models.RoleHuman, Content: "hi"}
	if err := s.AddMessage(m); err != nil {
		t.Fatalf("add message: %v", err)
	}

	if err := s.UpdateMessageSummary(m.ID, "first"); err != nil {
		t.Fatalf("first summary write: %v", err)
	}
	if err := s.UpdateMessageSummary(m.ID, "second"); err != models.ErrSummaryAlreadySet {
		t.Errorf("expected ErrSummaryAlreadySet, got %v", err)
	}
	if err := s.UpdateMessageSummary("missing", "x"); err != models.ErrMessageNotFound {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestLastHumanMessage(t *testing.T) {
	s := NewInMemoryStore()
	sess := newTestSession(t, s)

	got, err := s.LastHumanMessage(sess.ID)
	if err != nil {
		t.Fatalf("last human message: %v", err)
	}
	if got != nil {
		t.Error("expected nil for empty history")
	}

	base := time.Now().Add(-time.Minute)
	s.AddMessage(&models.Message{SessionID: sess.ID, Role: models.RoleHuman, Content: "first", CreatedAt: base})
	s.AddMessage(&models.Message{SessionID: sess.ID, Role: models.RoleAI, Content: "reply", CreatedAt: base.Add(time.Second)})
	s.AddMessage(&models.Message{SessionID: sess.ID, Role: models.RoleHuman, Content: "second", CreatedAt: base.Add(2 * time.Second)})
	s.AddMessage(&models.Message{SessionID: sess.ID, Role: models.RoleAI, Content: "reply2", CreatedAt: base.Add(3 * time.Second)})

	got, err = s.LastHumanMessage(sess.ID)
	if err != nil {
		t.Fatalf("last human message: %v", err)
	}
	if got == nil || got.Content != "second" {
		t.Errorf("expected most recent human turn, got %+v", got)
	}
}

func TestListDueScheduledMessages(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Now()

	due := &models.ScheduledMessage{ParticipantID: "p1", Frequency: 1, Period: models.PeriodDays, NextTriggerDate: now.Add(-time.Minute)}
	future := &models.ScheduledMessage{ParticipantID: "p2", Frequency: 1, Period: models.PeriodDays, NextTriggerDate: now.Add(time.Hour)}
	cancelled := &models.ScheduledMessage{ParticipantID: "p3", Frequency: 1, Period: models.PeriodDays, NextTriggerDate: now.Add(-time.Minute), Cancelled: true}
	for _, m := range []*models.ScheduledMessage{due, future, cancelled} {
		if err := s.SaveScheduledMessage(m); err != nil {
			t.Fatalf("save scheduled message: %v", err)
		}
	}

	got, err := s.ListDueScheduledMessages(now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].ParticipantID != "p1" {
		t.Errorf("expected only the due message, got %+v", got)
	}
}

func TestMarkProcessedDedup(t *testing.T) {
	s := NewInMemoryStore()

	first, err := s.MarkProcessed(models.PlatformTelegram, "msg-1")
	if err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if !first {
		t.Error("first sighting should return true")
	}
	second, err := s.MarkProcessed(models.PlatformTelegram, "msg-1")
	if err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if second {
		t.Error("second sighting should return false")
	}
	// Same id on a different platform is distinct
	other, err := s.MarkProcessed(models.PlatformTwilio, "msg-1")
	if err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if !other {
		t.Error("same id on another platform should be a first sighting")
	}
}

func TestRecordHumanActivity(t *testing.T) {
	s := NewInMemoryStore()
	sess := newTestSession(t, s)

	at := time.Now()
	if err := s.RecordHumanActivity(sess.ID, at); err != nil {
		t.Fatalf("record activity: %v", err)
	}
	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", got.MessageCount)
	}
	if got.LastHumanMessageAt == nil || !got.LastHumanMessageAt.Equal(at) {
		t.Errorf("last human message at = %v, want %v", got.LastHumanMessageAt, at)
	}
}

func TestListActiveSessionsIdleSince(t *testing.T) {
	s := NewInMemoryStore()
	sess := newTestSession(t, s)
	if err := s.UpdateSessionStatus(sess.ID, models.StatusActive); err != nil {
		t.Fatalf("update status: %v", err)
	}
	stale := time.Now().Add(-10 * time.Minute)
	if err := s.RecordHumanActivity(sess.ID, stale); err != nil {
		t.Fatalf("record activity: %v", err)
	}

	idle, err := s.ListActiveSessionsIdleSince(time.Now().Add(-5 * time.Minute))
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != sess.ID {
		t.Errorf("expected the idle session, got %+v", idle)
	}

	// Ended sessions are never timeout candidates
	if err := s.UpdateSessionStatus(sess.ID, models.StatusEnded); err != nil {
		t.Fatalf("update status: %v", err)
	}
	idle, err = s.ListActiveSessionsIdleSince(time.Now())
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	if len(idle) != 0 {
		t.Errorf("ended session should not be listed, got %+v", idle)
	}
}

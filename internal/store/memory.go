// Package store: in-memory backend.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatweave/chatweave/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed store. It backs tests and
// ephemeral single-process deployments.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	messages  map[string][]*models.Message // keyed by session id, append order
	byMsgID   map[string]*models.Message
	schedules map[string]*models.ScheduledMessage
	timeouts  map[string]*models.TimeoutLog // keyed by sessionID+"/"+messageID
	processed map[string]bool               // keyed by platform+"/"+platformMessageID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*models.Session),
		messages:  make(map[string][]*models.Message),
		byMsgID:   make(map[string]*models.Message),
		schedules: make(map[string]*models.ScheduledMessage),
		timeouts:  make(map[string]*models.TimeoutLog),
		processed: make(map[string]bool),
	}
}

func (s *InMemoryStore) FindActiveSession(experimentID, channelID, participantID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ExperimentID == experimentID && sess.ChannelID == channelID &&
			sess.ParticipantID == participantID && sess.Status != models.StatusEnded {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.ExperimentID == sess.ExperimentID && existing.ChannelID == sess.ChannelID &&
			existing.ParticipantID == sess.ParticipantID && existing.Status != models.StatusEnded {
			return models.ErrDuplicateSession
		}
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetSession(sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemoryStore) UpdateSessionStatus(sessionID string, status models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	sess.Status = status
	return nil
}

func (s *InMemoryStore) EndSession(sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	sess.Status = models.StatusEnded
	sess.EndedAt = &at
	return nil
}

func (s *InMemoryStore) RecordHumanActivity(sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	sess.LastHumanMessageAt = &at
	sess.MessageCount++
	return nil
}

func (s *InMemoryStore) ListActiveSessionsIdleSince(cutoff time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status != models.StatusActive || sess.LastHumanMessageAt == nil {
			continue
		}
		if sess.LastHumanMessageAt.Before(cutoff) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AddMessage(m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	s.byMsgID[m.ID] = &cp
	return nil
}

func (s *InMemoryStore) MessageCount(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[sessionID]), nil
}

func (s *InMemoryStore) MessagesSinceCheckpoint(sessionID string) (string, []models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]

	checkpoint := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Summary != "" {
			checkpoint = i
			break
		}
	}

	summary := ""
	start := 0
	if checkpoint >= 0 {
		summary = msgs[checkpoint].Summary
		start = checkpoint
	}
	out := make([]models.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, *m)
	}
	return summary, out, nil
}

func (s *InMemoryStore) LastHumanMessage(sessionID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleHuman {
			cp := *msgs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateMessageSummary(messageID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byMsgID[messageID]
	if !ok {
		return models.ErrMessageNotFound
	}
	if m.Summary != "" {
		return models.ErrSummaryAlreadySet
	}
	m.Summary = summary
	return nil
}

func (s *InMemoryStore) AttachMessageTag(messageID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byMsgID[messageID]
	if !ok {
		return models.ErrMessageNotFound
	}
	m.Tags = append(m.Tags, tag)
	return nil
}

func (s *InMemoryStore) SaveScheduledMessage(m *models.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	cp := *m
	s.schedules[m.ID] = &cp
	return nil
}

func (s *InMemoryStore) ListDueScheduledMessages(now time.Time) ([]models.ScheduledMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ScheduledMessage
	for _, m := range s.schedules {
		if m.IsDue(now) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextTriggerDate.Before(out[j].NextTriggerDate) })
	return out, nil
}

func (s *InMemoryStore) CancelScheduledMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.schedules[id]
	if !ok {
		return models.ErrScheduleNotFound
	}
	m.Cancelled = true
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) GetTimeoutLog(sessionID, messageID string) (*models.TimeoutLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.timeouts[sessionID+"/"+messageID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *InMemoryStore) SaveTimeoutLog(l *models.TimeoutLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.timeouts[l.SessionID+"/"+l.MessageID] = &cp
	return nil
}

func (s *InMemoryStore) MarkProcessed(platform models.Platform, platformMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(platform) + "/" + platformMessageID
	if s.processed[key] {
		return false, nil
	}
	s.processed[key] = true
	return true, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

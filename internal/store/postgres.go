// Package store: PostgreSQL backend.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/chatweave/chatweave/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// uniqueViolation is the PostgreSQL error code for unique constraint breaks.
const uniqueViolation = "23505"

// PostgresStore is the PostgreSQL-backed Store implementation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN and
// applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) FindActiveSession(experimentID, channelID, participantID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, experiment_id, channel_id, participant_id, status, created_at, ended_at, last_human_message_at, message_count
		 FROM sessions
		 WHERE experiment_id = $1 AND channel_id = $2 AND participant_id = $3 AND status != 'ended'`,
		experimentID, channelID, participantID,
	)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session failed: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) CreateSession(sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, experiment_id, channel_id, participant_id, status, created_at, ended_at, last_human_message_at, message_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.ExperimentID, sess.ChannelID, sess.ParticipantID, sess.Status,
		sess.CreatedAt, nilIfZero(sess.EndedAt), nilIfZero(sess.LastHumanMessageAt), sess.MessageCount,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return models.ErrDuplicateSession
		}
		return fmt.Errorf("create session failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(sessionID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, experiment_id, channel_id, participant_id, status, created_at, ended_at, last_human_message_at, message_count
		 FROM sessions WHERE id = $1`, sessionID,
	)
	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(sessionID string, status models.SessionStatus) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = $1 WHERE id = $2`, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session status failed: %w", err)
	}
	return requireRow(res, models.ErrSessionNotFound)
}

func (s *PostgresStore) EndSession(sessionID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = 'ended', ended_at = $1 WHERE id = $2`, at, sessionID)
	if err != nil {
		return fmt.Errorf("end session failed: %w", err)
	}
	return requireRow(res, models.ErrSessionNotFound)
}

func (s *PostgresStore) RecordHumanActivity(sessionID string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET last_human_message_at = $1, message_count = message_count + 1 WHERE id = $2`,
		at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("record human activity failed: %w", err)
	}
	return requireRow(res, models.ErrSessionNotFound)
}

func (s *PostgresStore) ListActiveSessionsIdleSince(cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, experiment_id, channel_id, participant_id, status, created_at, ended_at, last_human_message_at, message_count
		 FROM sessions
		 WHERE status = 'active' AND last_human_message_at IS NOT NULL AND last_human_message_at < $1
		 ORDER BY created_at`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions failed: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *PostgresStore) AddMessage(m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, role, content, summary, tags, media_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.SessionID, m.Role, m.Content, nilIfEmpty(m.Summary), encodeTags(m.Tags), nilIfEmpty(m.MediaRef), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MessageCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message count failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) MessagesSinceCheckpoint(sessionID string) (string, []models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, summary, tags, media_ref, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at, id`, sessionID,
	)
	if err != nil {
		return "", nil, fmt.Errorf("load messages failed: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return "", nil, err
	}
	summary, tail := sinceCheckpoint(msgs)
	return summary, tail, nil
}

func (s *PostgresStore) LastHumanMessage(sessionID string) (*models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, summary, tags, media_ref, created_at
		 FROM messages WHERE session_id = $1 AND role = 'human'
		 ORDER BY created_at DESC LIMIT 1`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("last human message failed: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (s *PostgresStore) UpdateMessageSummary(messageID, summary string) error {
	res, err := s.db.Exec(
		`UPDATE messages SET summary = $1 WHERE id = $2 AND (summary IS NULL OR summary = '')`,
		summary, messageID,
	)
	if err != nil {
		return fmt.Errorf("update message summary failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var id string
		if scanErr := s.db.QueryRow(`SELECT id FROM messages WHERE id = $1`, messageID).Scan(&id); scanErr == sql.ErrNoRows {
			return models.ErrMessageNotFound
		}
		return models.ErrSummaryAlreadySet
	}
	return nil
}

func (s *PostgresStore) AttachMessageTag(messageID, tag string) error {
	var raw sql.NullString
	err := s.db.QueryRow(`SELECT tags FROM messages WHERE id = $1`, messageID).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("attach message tag failed: %w", err)
	}
	tags := append(decodeTags(raw.String), tag)
	_, err = s.db.Exec(`UPDATE messages SET tags = $1 WHERE id = $2`, encodeTags(tags), messageID)
	if err != nil {
		return fmt.Errorf("attach message tag failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveScheduledMessage(m *models.ScheduledMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO scheduled_messages (id, experiment_id, channel_id, participant_id, prompt, frequency, period,
		    repetitions, total_triggers, last_triggered_at, next_trigger_date, end_date, complete, cancelled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		    prompt = EXCLUDED.prompt,
		    frequency = EXCLUDED.frequency,
		    period = EXCLUDED.period,
		    repetitions = EXCLUDED.repetitions,
		    total_triggers = EXCLUDED.total_triggers,
		    last_triggered_at = EXCLUDED.last_triggered_at,
		    next_trigger_date = EXCLUDED.next_trigger_date,
		    end_date = EXCLUDED.end_date,
		    complete = EXCLUDED.complete,
		    cancelled = EXCLUDED.cancelled,
		    updated_at = EXCLUDED.updated_at`,
		m.ID, m.ExperimentID, m.ChannelID, m.ParticipantID, m.Prompt, m.Frequency, m.Period,
		m.Repetitions, m.TotalTriggers, nilIfZero(m.LastTriggeredAt), m.NextTriggerDate,
		nilIfZero(m.EndDate), m.Complete, m.Cancelled, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save scheduled message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueScheduledMessages(now time.Time) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, experiment_id, channel_id, participant_id, prompt, frequency, period,
		    repetitions, total_triggers, last_triggered_at, next_trigger_date, end_date, complete, cancelled, created_at, updated_at
		 FROM scheduled_messages
		 WHERE complete = FALSE AND cancelled = FALSE AND next_trigger_date <= $1
		 ORDER BY next_trigger_date`, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled messages failed: %w", err)
	}
	defer rows.Close()
	return scanScheduledMessages(rows)
}

func (s *PostgresStore) CancelScheduledMessage(id string) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_messages SET cancelled = TRUE, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel scheduled message failed: %w", err)
	}
	return requireRow(res, models.ErrScheduleNotFound)
}

func (s *PostgresStore) GetTimeoutLog(sessionID, messageID string) (*models.TimeoutLog, error) {
	var l models.TimeoutLog
	err := s.db.QueryRow(
		`SELECT session_id, message_id, success_count, failure_count, terminal_fired, last_attempt_at
		 FROM timeout_logs WHERE session_id = $1 AND message_id = $2`,
		sessionID, messageID,
	).Scan(&l.SessionID, &l.MessageID, &l.SuccessCount, &l.FailureCount, &l.TerminalFired, &l.LastAttemptAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get timeout log failed: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) SaveTimeoutLog(l *models.TimeoutLog) error {
	_, err := s.db.Exec(
		`INSERT INTO timeout_logs (session_id, message_id, success_count, failure_count, terminal_fired, last_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, message_id) DO UPDATE SET
		    success_count = EXCLUDED.success_count,
		    failure_count = EXCLUDED.failure_count,
		    terminal_fired = EXCLUDED.terminal_fired,
		    last_attempt_at = EXCLUDED.last_attempt_at`,
		l.SessionID, l.MessageID, l.SuccessCount, l.FailureCount, l.TerminalFired, l.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("save timeout log failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(platform models.Platform, platformMessageID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (platform, platform_message_id, received_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		platform, platformMessageID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("mark processed failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

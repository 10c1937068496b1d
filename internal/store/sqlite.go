// Package store: SQLite backend.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chatweave/chatweave/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the SQLite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The parent directory is created if missing and migrations are applied.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) FindActiveSession(experimentID, channelID, participantID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, experiment_id, channel_id, participant_id, status, created_at, ended_at, last_human_message_at, message_count
		 FROM sessions
		 WHERE experiment_id = ? AND channel_id = ? AND participant_id = ? AND status != 'ended'`,
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

func (s *SQLiteStore) CreateSession(sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, experiment_id, channel_id, participant_id, status, created_at, ended_at, last_human_message_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ExperimentID, sess.ChannelID, sess.ParticipantID, sess.Status,
		sess.CreatedAt, nilIfZero(sess.EndedAt), nilIfZero(sess.LastHumanMessageAt), sess.MessageCount,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.ErrDuplicateSession
		}
		return fmt.Errorf("create session failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(sessionID string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, experiment_id, channel_id, participant_id, status, created_at, ended_at, last_human_message_at, message_count
		 FROM sessions WHERE id = ?`, sessionID,
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

func (s *SQLiteStore) UpdateSessionStatus(sessionID string, status models.SessionStatus) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session status failed: %w", err)
	}
	return requireRow(res, models.ErrSessionNotFound)
}

func (s *SQLiteStore) EndSession(sessionID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = 'ended', ended_at = ? WHERE id = ?`, at, sessionID)
	if err != nil {
		return fmt.Errorf("end session failed: %w", err)
	}
	return requireRow(res, models.ErrSessionNotFound)
}

func (s *SQLiteStore) RecordHumanActivity(sessionID string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET last_human_message_at = ?, message_count = message_count + 1 WHERE id = ?`,
		at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("record human activity failed: %w", err)
	}
	return requireRow(res, models.ErrSessionNotFound)
}

func (s *SQLiteStore) ListActiveSessionsIdleSince(cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, experiment_id, channel_id, participant_id, status, created_at, ended_at, last_human_message_at, message_count
		 FROM sessions
		 WHERE status = 'active' AND last_human_message_at IS NOT NULL AND last_human_message_at < ?
		 ORDER BY created_at`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list idle sessions failed: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) AddMessage(m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, role, content, summary, tags, media_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, nilIfEmpty(m.Summary), encodeTags(m.Tags), nilIfEmpty(m.MediaRef), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MessageCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message count failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) MessagesSinceCheckpoint(sessionID string) (string, []models.Message, error) {
	msgs, err := s.loadMessages(sessionID)
	if err != nil {
		return "", nil, err
	}
	summary, tail := sinceCheckpoint(msgs)
	return summary, tail, nil
}

func (s *SQLiteStore) LastHumanMessage(sessionID string) (*models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, summary, tags, media_ref, created_at
		 FROM messages WHERE session_id = ? AND role = 'human'
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

func (s *SQLiteStore) UpdateMessageSummary(messageID, summary string) error {
	res, err := s.db.Exec(
		`UPDATE messages SET summary = ? WHERE id = ? AND (summary IS NULL OR summary = '')`,
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
		if scanErr := s.db.QueryRow(`SELECT id FROM messages WHERE id = ?`, messageID).Scan(&id); scanErr == sql.ErrNoRows {
			return models.ErrMessageNotFound
		}
		return models.ErrSummaryAlreadySet
	}
	return nil
}

func (s *SQLiteStore) AttachMessageTag(messageID, tag string) error {
	var raw sql.NullString
	err := s.db.QueryRow(`SELECT tags FROM messages WHERE id = ?`, messageID).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("attach message tag failed: %w", err)
	}
	tags := append(decodeTags(raw.String), tag)
	_, err = s.db.Exec(`UPDATE messages SET tags = ? WHERE id = ?`, encodeTags(tags), messageID)
	if err != nil {
		return fmt.Errorf("attach message tag failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveScheduledMessage(m *models.ScheduledMessage) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    prompt = excluded.prompt,
		    frequency = excluded.frequency,
		    period = excluded.period,
		    repetitions = excluded.repetitions,
		    total_triggers = excluded.total_triggers,
		    last_triggered_at = excluded.last_triggered_at,
		    next_trigger_date = excluded.next_trigger_date,
		    end_date = excluded.end_date,
		    complete = excluded.complete,
		    cancelled = excluded.cancelled,
		    updated_at = excluded.updated_at`,
		m.ID, m.ExperimentID, m.ChannelID, m.ParticipantID, m.Prompt, m.Frequency, m.Period,
		m.Repetitions, m.TotalTriggers, nilIfZero(m.LastTriggeredAt), m.NextTriggerDate,
		nilIfZero(m.EndDate), m.Complete, m.Cancelled, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save scheduled message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDueScheduledMessages(now time.Time) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, experiment_id, channel_id, participant_id, prompt, frequency, period,
		    repetitions, total_triggers, last_triggered_at, next_trigger_date, end_date, complete, cancelled, created_at, updated_at
		 FROM scheduled_messages
		 WHERE complete = 0 AND cancelled = 0 AND next_trigger_date <= ?
		 ORDER BY next_trigger_date`, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled messages failed: %w", err)
	}
	defer rows.Close()
	return scanScheduledMessages(rows)
}

func (s *SQLiteStore) CancelScheduledMessage(id string) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_messages SET cancelled = 1, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel scheduled message failed: %w", err)
	}
	return requireRow(res, models.ErrScheduleNotFound)
}

func (s *SQLiteStore) GetTimeoutLog(sessionID, messageID string) (*models.TimeoutLog, error) {
	var l models.TimeoutLog
	err := s.db.QueryRow(
		`SELECT session_id, message_id, success_count, failure_count, terminal_fired, last_attempt_at
		 FROM timeout_logs WHERE session_id = ? AND message_id = ?`,
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

func (s *SQLiteStore) SaveTimeoutLog(l *models.TimeoutLog) error {
	_, err := s.db.Exec(
		`INSERT INTO timeout_logs (session_id, message_id, success_count, failure_count, terminal_fired, last_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, message_id) DO UPDATE SET
		    success_count = excluded.success_count,
		    failure_count = excluded.failure_count,
		    terminal_fired = excluded.terminal_fired,
		    last_attempt_at = excluded.last_attempt_at`,
		l.SessionID, l.MessageID, l.SuccessCount, l.FailureCount, l.TerminalFired, l.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("save timeout log failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkProcessed(platform models.Platform, platformMessageID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (platform, platform_message_id, received_at) VALUES (?, ?, ?)`,
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadMessages(sessionID string) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, summary, tags, media_ref, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages failed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// Package store provides storage backends for ChatWeave.
//
// The core requires append-only message creation, a single-field summary
// update for compression checkpoints, and session status transitions. Three
// backends are provided: in-memory (tests), SQLite, and PostgreSQL. The
// one-active-session-per-participant invariant is enforced at the database
// level with a partial unique index rather than application locking.
package store

import (
	"strings"
	"time"

	"github.com/chatweave/chatweave/internal/models"
)

// Store is the persistence contract consumed by the channel, bot, history,
// and trigger layers.
type Store interface {
	// FindActiveSession returns the single non-ended session for the
	// participant on the given experiment channel, or nil when none exists.
	FindActiveSession(experimentID, channelID, participantID string) (*models.Session, error)

	// CreateSession persists a new session. Returns
	// models.ErrDuplicateSession when an active session already exists
	// (creation races resolve here, not via application mutexes).
	CreateSession(s *models.Session) error

	// GetSession fetches a session by id.
	GetSession(sessionID string) (*models.Session, error)

	// UpdateSessionStatus transitions the session status.
	UpdateSessionStatus(sessionID string, status models.SessionStatus) error

	// EndSession marks the session ended at the given time.
	EndSession(sessionID string, at time.Time) error

	// RecordHumanActivity bumps the session's last human message time and
	// message counter. Timeout triggers key off this timestamp.
	RecordHumanActivity(sessionID string, at time.Time) error

	// ListActiveSessionsIdleSince returns active sessions whose last human
	// message is older than the cutoff.
	ListActiveSessionsIdleSince(cutoff time.Time) ([]models.Session, error)

	// AddMessage appends one immutable conversation turn.
	AddMessage(m *models.Message) error

	// MessageCount returns the number of turns stored for a session.
	MessageCount(sessionID string) (int, error)

	// MessagesSinceCheckpoint returns the most recent summary (empty when
	// no checkpoint exists) and all messages from the checkpoint message
	// onward, inclusive, ordered by creation time.
	MessagesSinceCheckpoint(sessionID string) (string, []models.Message, error)

	// LastHumanMessage returns the newest human turn, or nil when none.
	LastHumanMessage(sessionID string) (*models.Message, error)

	// UpdateMessageSummary attaches a summary to a checkpoint message. The
	// write is once-only: models.ErrSummaryAlreadySet is returned when the
	// message already carries a summary.
	UpdateMessageSummary(messageID, summary string) error

	// AttachMessageTag appends a tag to a stored message.
	AttachMessageTag(messageID, tag string) error

	// SaveScheduledMessage inserts or updates a scheduled message.
	SaveScheduledMessage(m *models.ScheduledMessage) error

	// ListDueScheduledMessages returns incomplete, non-cancelled messages
	// whose trigger date has passed.
	ListDueScheduledMessages(now time.Time) ([]models.ScheduledMessage, error)

	// CancelScheduledMessage marks a schedule cancelled.
	CancelScheduledMessage(id string) error

	// GetTimeoutLog returns the attempt log for (session, human message),
	// or nil when no attempts were recorded yet.
	GetTimeoutLog(sessionID, messageID string) (*models.TimeoutLog, error)

	// SaveTimeoutLog inserts or updates a timeout attempt log.
	SaveTimeoutLog(l *models.TimeoutLog) error

	// MarkProcessed records a platform message id for webhook dedup and
	// reports whether this was the first sighting.
	MarkProcessed(platform models.Platform, platformMessageID string) (bool, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// postgres:// URL for PostgreSQL.
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for file paths.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

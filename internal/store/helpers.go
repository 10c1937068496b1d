package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatweave/chatweave/internal/models"
)

// sinceCheckpoint reconstructs the compression view of a history slice: the
// most recent summary and all messages from its checkpoint onward, inclusive.
// Messages must be ordered by creation time.
func sinceCheckpoint(msgs []models.Message) (string, []models.Message) {
	checkpoint := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Summary != "" {
			checkpoint = i
			break
		}
	}
	if checkpoint < 0 {
		return "", msgs
	}
	return msgs[checkpoint].Summary, msgs[checkpoint:]
}

// encodeTags serializes message tags for the nullable tags column.
func encodeTags(tags []string) interface{} {
	if len(tags) == 0 {
		return nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	return string(data)
}

// decodeTags deserializes the tags column.
func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// nilIfZero returns nil for zero times so nullable columns stay NULL.
func nilIfZero(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// requireRow converts a zero-rows-affected result into notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// scanSessionRow scans a Session from a single sql.Row.
func scanSessionRow(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var endedAt, lastHuman sql.NullTime
	err := row.Scan(
		&s.ID, &s.ExperimentID, &s.ChannelID, &s.ParticipantID, &s.Status,
		&s.CreatedAt, &endedAt, &lastHuman, &s.MessageCount,
	)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if lastHuman.Valid {
		s.LastHumanMessageAt = &lastHuman.Time
	}
	return &s, nil
}

// scanSessions scans Sessions from sql.Rows.
func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	var out []models.Session
	for rows.Next() {
		var s models.Session
		var endedAt, lastHuman sql.NullTime
		err := rows.Scan(
			&s.ID, &s.ExperimentID, &s.ChannelID, &s.ParticipantID, &s.Status,
			&s.CreatedAt, &endedAt, &lastHuman, &s.MessageCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		if endedAt.Valid {
			s.EndedAt = &endedAt.Time
		}
		if lastHuman.Valid {
			s.LastHumanMessageAt = &lastHuman.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanMessages scans Messages from sql.Rows.
func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		var m models.Message
		var summary, tags, mediaRef sql.NullString
		err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &summary, &tags, &mediaRef, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.Summary = summary.String
		m.Tags = decodeTags(tags.String)
		m.MediaRef = mediaRef.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// scanScheduledMessages scans ScheduledMessages from sql.Rows.
func scanScheduledMessages(rows *sql.Rows) ([]models.ScheduledMessage, error) {
	var out []models.ScheduledMessage
	for rows.Next() {
		var m models.ScheduledMessage
		var lastTriggered, endDate sql.NullTime
		err := rows.Scan(
			&m.ID, &m.ExperimentID, &m.ChannelID, &m.ParticipantID, &m.Prompt, &m.Frequency, &m.Period,
			&m.Repetitions, &m.TotalTriggers, &lastTriggered, &m.NextTriggerDate, &endDate,
			&m.Complete, &m.Cancelled, &m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message failed: %w", err)
		}
		if lastTriggered.Valid {
			m.LastTriggeredAt = &lastTriggered.Time
		}
		if endDate.Valid {
			m.EndDate = &endDate.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

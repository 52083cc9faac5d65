package store

import (
	"fmt"
	"time"
)

// Audit directions.
const (
	AuditInbound  = "in"
	AuditOutbound = "out"
	AuditDropped  = "drop"
)

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID        int64
	Channel   string
	ChatID    string
	Direction string
	MessageID string
	Summary   string
	CreatedAt time.Time
}

// AppendAudit inserts one audit entry. Summaries are truncated to keep the
// log bounded per row; full message bodies live in the turns table.
func (s *Store) AppendAudit(channel, chatID, direction, messageID, summary string) error {
	const maxSummary = 512
	if len(summary) > maxSummary {
		summary = summary[:maxSummary]
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (channel, chat_id, direction, message_id, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		channel, chatID, direction, messageID, summary, now())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// RecentAudit returns the newest entries for one chat, newest first.
func (s *Store) RecentAudit(channel, chatID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, channel, chat_id, direction, message_id, summary, created_at
		FROM audit_log WHERE channel = ? AND chat_id = ?
		ORDER BY id DESC LIMIT ?`, channel, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Channel, &e.ChatID, &e.Direction, &e.MessageID, &e.Summary, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CleanupExpired drops expired dedup markers and session locks, and prunes
// resolved permission links older than a day. Run periodically by the bridge
// maintenance job.
func (s *Store) CleanupExpired() error {
	ts := now()
	if _, err := s.db.Exec(`DELETE FROM dedup WHERE expires_at < ?`, ts); err != nil {
		return fmt.Errorf("cleanup dedup: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM session_locks WHERE expires_at < ?`, ts); err != nil {
		return fmt.Errorf("cleanup locks: %w", err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM permission_links WHERE resolved = 1 AND created_at < ?`,
		ts.Add(-24*time.Hour)); err != nil {
		return fmt.Errorf("cleanup permission links: %w", err)
	}
	return nil
}

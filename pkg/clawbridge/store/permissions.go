package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PermissionLink ties a forwarded tool-approval request to the interactive
// message that carries its buttons. A link is claimed at most once.
type PermissionLink struct {
	RequestID   string
	Channel     string
	ChatID      string
	MessageID   string
	Suggestions string // JSON payload replayed on "allow for session"
	Resolved    bool
	CreatedAt   time.Time
}

// InsertPermissionLink records a freshly forwarded permission request.
func (s *Store) InsertPermissionLink(l *PermissionLink) error {
	l.CreatedAt = now()
	_, err := s.db.Exec(`
		INSERT INTO permission_links (request_id, channel, chat_id, message_id, suggestions, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		l.RequestID, l.Channel, l.ChatID, l.MessageID, l.Suggestions, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert permission link: %w", err)
	}
	return nil
}

// GetPermissionLink looks up a link by request id.
func (s *Store) GetPermissionLink(requestID string) (*PermissionLink, error) {
	var l PermissionLink
	err := s.db.QueryRow(`
		SELECT request_id, channel, chat_id, message_id, suggestions, resolved, created_at
		FROM permission_links WHERE request_id = ?`, requestID).
		Scan(&l.RequestID, &l.Channel, &l.ChatID, &l.MessageID, &l.Suggestions, &l.Resolved, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get permission link: %w", err)
	}
	return &l, nil
}

// ClaimPermissionLink atomically flips resolved from false to true, but only
// when the callback's chat and message ids match the recorded link. Returns
// true exactly once per request id; duplicate or spoofed callbacks get false.
func (s *Store) ClaimPermissionLink(requestID, chatID, messageID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE permission_links SET resolved = 1
		WHERE request_id = ? AND chat_id = ? AND message_id = ? AND resolved = 0`,
		requestID, chatID, messageID)
	if err != nil {
		return false, fmt.Errorf("claim permission link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Errors returned by binding and session lookups.
var (
	ErrNotFound = errors.New("store: not found")
)

// Binding links one external chat to one assistant session.
type Binding struct {
	ID               string
	Channel          string
	ChatID           string
	SessionID        string
	ResumeID         string
	WorkingDirectory string
	Model            string
	Mode             string
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BindingPatch carries the mutable binding fields; nil means unchanged.
type BindingPatch struct {
	SessionID        *string
	ResumeID         *string
	WorkingDirectory *string
	Model            *string
	Mode             *string
	Active           *bool
}

// Session is an assistant session provisioned by the router.
type Session struct {
	ID               string
	WorkingDirectory string
	Model            string
	Provider         string
	Mode             string
	CreatedAt        time.Time
}

// Turn is one persisted conversation entry.
type Turn struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

const bindingCols = `id, channel, chat_id, session_id, resume_id, working_dir, model, mode, active, created_at, updated_at`

func scanBinding(row *sql.Row) (*Binding, error) {
	var b Binding
	err := row.Scan(&b.ID, &b.Channel, &b.ChatID, &b.SessionID, &b.ResumeID,
		&b.WorkingDirectory, &b.Model, &b.Mode, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	return &b, nil
}

// GetBinding looks up the binding for (channel, chatID).
func (s *Store) GetBinding(channel, chatID string) (*Binding, error) {
	row := s.db.QueryRow(
		`SELECT `+bindingCols+` FROM bindings WHERE channel = ? AND chat_id = ?`,
		channel, chatID)
	return scanBinding(row)
}

// GetBindingByID looks up a binding by primary key.
func (s *Store) GetBindingByID(id string) (*Binding, error) {
	row := s.db.QueryRow(`SELECT `+bindingCols+` FROM bindings WHERE id = ?`, id)
	return scanBinding(row)
}

// CreateBinding inserts a new binding. The (channel, chatID) pair is unique;
// a second insert for the same chat fails.
func (s *Store) CreateBinding(b *Binding) error {
	ts := now()
	b.CreatedAt = ts
	b.UpdatedAt = ts
	_, err := s.db.Exec(
		`INSERT INTO bindings (`+bindingCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Channel, b.ChatID, b.SessionID, b.ResumeID,
		b.WorkingDirectory, b.Model, b.Mode, b.Active, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

// UpdateBinding applies a patch to a binding by id.
func (s *Store) UpdateBinding(id string, patch BindingPatch) error {
	set := "updated_at = ?"
	args := []any{now()}
	put := func(col string, v any) {
		set += ", " + col + " = ?"
		args = append(args, v)
	}
	if patch.SessionID != nil {
		put("session_id", *patch.SessionID)
	}
	if patch.ResumeID != nil {
		put("resume_id", *patch.ResumeID)
	}
	if patch.WorkingDirectory != nil {
		put("working_dir", *patch.WorkingDirectory)
	}
	if patch.Model != nil {
		put("model", *patch.Model)
	}
	if patch.Mode != nil {
		put("mode", *patch.Mode)
	}
	if patch.Active != nil {
		put("active", *patch.Active)
	}
	args = append(args, id)

	res, err := s.db.Exec(`UPDATE bindings SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBindings returns all bindings for one channel type.
func (s *Store) ListBindings(channel string) ([]*Binding, error) {
	rows, err := s.db.Query(
		`SELECT `+bindingCols+` FROM bindings WHERE channel = ? ORDER BY updated_at DESC`, channel)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []*Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.ID, &b.Channel, &b.ChatID, &b.SessionID, &b.ResumeID,
			&b.WorkingDirectory, &b.Model, &b.Mode, &b.Active, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *Session) error {
	sess.CreatedAt = now()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, working_dir, model, provider, mode, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkingDirectory, sess.Model, sess.Provider, sess.Mode, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession looks up a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(
		`SELECT id, working_dir, model, provider, mode, created_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.WorkingDirectory, &sess.Model, &sess.Provider, &sess.Mode, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, working_dir, model, provider, mode, created_at FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.WorkingDirectory, &sess.Model, &sess.Provider, &sess.Mode, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// AppendTurn persists one conversation entry for a session.
func (s *Store) AppendTurn(sessionID, role, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, now())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// TurnCount returns the number of persisted turns for a session.
func (s *Store) TurnCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// RecentTurns returns up to limit turns for a session, oldest first.
func (s *Store) RecentTurns(sessionID string, limit int) ([]*Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, created_at FROM turns
		WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []*Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query newest-first for the LIMIT, return oldest-first for replay.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

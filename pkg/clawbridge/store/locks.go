package store

import (
	"fmt"
	"time"
)

// AcquireLock takes the exclusive session lock with the given token and TTL.
// Returns false when another live token holds it. An expired lock row is
// treated as free and taken over in the same statement.
func (s *Store) AcquireLock(sessionID, token string, ttl time.Duration) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO session_locks (session_id, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE session_locks.expires_at < ? OR session_locks.token = excluded.token`,
		sessionID, token, now().Add(ttl), now())
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RenewLock extends the TTL, but only while the caller still owns the token.
func (s *Store) RenewLock(sessionID, token string, ttl time.Duration) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE session_locks SET expires_at = ?
		WHERE session_id = ? AND token = ? AND expires_at >= ?`,
		now().Add(ttl), sessionID, token, now())
	if err != nil {
		return false, fmt.Errorf("renew lock %q: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock frees the lock if the caller owns the token. Releasing a lock
// someone else took over (after expiry) is a no-op.
func (s *Store) ReleaseLock(sessionID, token string) error {
	_, err := s.db.Exec(
		`DELETE FROM session_locks WHERE session_id = ? AND token = ?`,
		sessionID, token)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", sessionID, err)
	}
	return nil
}

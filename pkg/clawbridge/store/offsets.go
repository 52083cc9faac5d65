package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetOffset returns the stored watermark for key and whether it exists.
func (s *Store) GetOffset(key string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRow(`SELECT value FROM offsets WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get offset %q: %w", key, err)
	}
	return v, true, nil
}

// SetOffset stores value for key. The upsert keeps the maximum of the stored
// and the new value, so the watermark is monotonic non-decreasing even when
// acks arrive out of order.
func (s *Store) SetOffset(key string, value int64) error {
	_, err := s.db.Exec(`
		INSERT INTO offsets (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
		key, value)
	if err != nil {
		return fmt.Errorf("set offset %q: %w", key, err)
	}
	return nil
}

// DeleteOffset removes an offset key, used when migrating a legacy
// credential-derived key to the stable identity key.
func (s *Store) DeleteOffset(key string) error {
	if _, err := s.db.Exec(`DELETE FROM offsets WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete offset %q: %w", key, err)
	}
	return nil
}

// DedupClaim atomically records key with the given TTL. It returns true when
// the key was newly inserted (the caller owns the delivery) and false when a
// live entry already exists. An expired entry is treated as absent.
func (s *Store) DedupClaim(key string, ttl time.Duration) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO dedup (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
			WHERE dedup.expires_at < ?`,
		key, now().Add(ttl), now())
	if err != nil {
		return false, fmt.Errorf("dedup claim %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DedupMark unconditionally records key with the given TTL. Delivery calls
// this once all chunks of a message have been sent, replacing the short
// in-progress claim with the full completion window.
func (s *Store) DedupMark(key string, ttl time.Duration) error {
	_, err := s.db.Exec(`
		INSERT INTO dedup (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, now().Add(ttl))
	if err != nil {
		return fmt.Errorf("dedup mark %q: %w", key, err)
	}
	return nil
}

// DedupRelease drops a dedup key so a failed delivery can be retried by a
// later caller.
func (s *Store) DedupRelease(key string) error {
	if _, err := s.db.Exec(`DELETE FROM dedup WHERE key = ?`, key); err != nil {
		return fmt.Errorf("dedup release %q: %w", key, err)
	}
	return nil
}

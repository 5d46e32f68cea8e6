package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CacheGet returns the stored response and its expiry for a fingerprint
// if it has not expired.
func (s *Store) CacheGet(ctx context.Context, fingerprint string) (string, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var response string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT response, expires_at FROM response_cache WHERE fingerprint = ?`, fingerprint).
		Scan(&response, &expiresAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("cache get: %w", err)
	}
	if time.Now().Unix() >= expiresAt {
		return "", time.Time{}, false, nil
	}
	return response, time.Unix(expiresAt, 0), true, nil
}

// CachePut stores a response under a fingerprint.
func (s *Store) CachePut(ctx context.Context, fingerprint, response string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO response_cache (fingerprint, response, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			response = excluded.response,
			expires_at = excluded.expires_at`,
		fingerprint, response, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// CachePurgeExpired removes expired rows and returns the count removed.
func (s *Store) CachePurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GapRecord documents one degraded run: a role that could not produce a
// real result, with its reason. Records are the feed for the telemetry
// sink and are deduplicated by signature within a rolling window.
type GapRecord struct {
	Signature string
	UserID    string
	Role      string
	Reason    string
}

// RecordGap writes a gap record unless one with the same signature was
// already reported inside the window. It reports whether the record was
// written.
func (s *Store) RecordGap(ctx context.Context, gap GapRecord, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var last time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_reported_at FROM gap_records WHERE signature = ?`, gap.Signature).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("lookup gap: %w", err)
	}
	if err == nil && now.Sub(last) < window {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gap_records (signature, user_id, role, reason, last_reported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			reason = excluded.reason,
			last_reported_at = excluded.last_reported_at`,
		gap.Signature, gap.UserID, gap.Role, gap.Reason, now)
	if err != nil {
		return false, fmt.Errorf("record gap: %w", err)
	}
	return true, nil
}

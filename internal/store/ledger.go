package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"alchemist/internal/field"
)

// Event is one entry in a ledger's ordered event sequence. IDs are ULIDs
// so the sequence sorts lexically by creation time.
type Event struct {
	ID   string    `json:"id"`
	Kind string    `json:"kind"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

// NewEvent creates an event with a fresh ULID.
func NewEvent(kind, note string) Event {
	return Event{
		ID:   ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		Kind: kind,
		Note: note,
		At:   time.Now().UTC(),
	}
}

// LedgerEntry is the durable record of validated facts for one user and
// one period. Answers only ever hold values that passed field.Validate.
type LedgerEntry struct {
	UserID    string                 `json:"user_id"`
	FlowType  string                 `json:"flow_type"`
	PeriodKey string                 `json:"period_key"`
	Events    []Event                `json:"events"`
	Answers   map[string]field.Value `json:"answers"`
	Extras    map[string]string      `json:"extras"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// UpsertLedger writes the entry, replacing any previous row for the same
// (user, flow_type, period_key).
func (s *Store) UpsertLedger(ctx context.Context, entry LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := json.Marshal(entry.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	answers, err := json.Marshal(entry.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	extras, err := json.Marshal(entry.Extras)
	if err != nil {
		return fmt.Errorf("marshal extras: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (user_id, flow_type, period_key, events, answers, extras, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, flow_type, period_key) DO UPDATE SET
			events = excluded.events,
			answers = excluded.answers,
			extras = excluded.extras,
			updated_at = CURRENT_TIMESTAMP`,
		entry.UserID, entry.FlowType, entry.PeriodKey, string(events), string(answers), string(extras))
	if err != nil {
		return fmt.Errorf("upsert ledger: %w", err)
	}
	return nil
}

// GetLedger loads one ledger entry. The second return is false when no
// entry exists for the key.
func (s *Store) GetLedger(ctx context.Context, userID, flowType, periodKey string) (LedgerEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT events, answers, extras, updated_at FROM ledger_entries
		WHERE user_id = ? AND flow_type = ? AND period_key = ?`,
		userID, flowType, periodKey)

	entry := LedgerEntry{UserID: userID, FlowType: flowType, PeriodKey: periodKey}
	var events, answers, extras string
	err := row.Scan(&events, &answers, &extras, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return LedgerEntry{}, false, nil
	}
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("get ledger: %w", err)
	}
	if err := decodeLedger(&entry, events, answers, extras); err != nil {
		return LedgerEntry{}, false, err
	}
	return entry, true, nil
}

// ListRecentLedgers returns up to limit entries for a user and flow
// type, newest period first.
func (s *Store) ListRecentLedgers(ctx context.Context, userID, flowType string, limit int) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT period_key, events, answers, extras, updated_at FROM ledger_entries
		WHERE user_id = ? AND flow_type = ?
		ORDER BY period_key DESC LIMIT ?`,
		userID, flowType, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		entry := LedgerEntry{UserID: userID, FlowType: flowType}
		var events, answers, extras string
		if err := rows.Scan(&entry.PeriodKey, &events, &answers, &extras, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		if err := decodeLedger(&entry, events, answers, extras); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func decodeLedger(entry *LedgerEntry, events, answers, extras string) error {
	if err := json.Unmarshal([]byte(events), &entry.Events); err != nil {
		return fmt.Errorf("decode events: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &entry.Answers); err != nil {
		return fmt.Errorf("decode answers: %w", err)
	}
	if err := json.Unmarshal([]byte(extras), &entry.Extras); err != nil {
		return fmt.Errorf("decode extras: %w", err)
	}
	if entry.Answers == nil {
		entry.Answers = make(map[string]field.Value)
	}
	if entry.Extras == nil {
		entry.Extras = make(map[string]string)
	}
	return nil
}

// SaveBaseline stores the completed intake snapshot plus derived risk
// flags for a user.
func (s *Store) SaveBaseline(ctx context.Context, userID string, answers map[string]field.Value, riskFlags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	flags, err := json.Marshal(riskFlags)
	if err != nil {
		return fmt.Errorf("marshal risk flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO baselines (user_id, answers, risk_flags, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			answers = excluded.answers,
			risk_flags = excluded.risk_flags,
			updated_at = CURRENT_TIMESTAMP`,
		userID, string(data), string(flags))
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// GetBaseline loads a user's baseline snapshot and risk flags.
func (s *Store) GetBaseline(ctx context.Context, userID string) (map[string]field.Value, []string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data, flags string
	err := s.db.QueryRowContext(ctx,
		`SELECT answers, risk_flags FROM baselines WHERE user_id = ?`, userID).Scan(&data, &flags)
	if err == sql.ErrNoRows {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("get baseline: %w", err)
	}

	answers := make(map[string]field.Value)
	if err := json.Unmarshal([]byte(data), &answers); err != nil {
		return nil, nil, false, fmt.Errorf("decode baseline: %w", err)
	}
	var riskFlags []string
	if err := json.Unmarshal([]byte(flags), &riskFlags); err != nil {
		return nil, nil, false, fmt.Errorf("decode risk flags: %w", err)
	}
	return answers, riskFlags, true, nil
}

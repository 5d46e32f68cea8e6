package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"alchemist/internal/field"
)

// FlowState is the serializable record of one resumable collection flow,
// keyed by (user_id, flow_type, period_key). The flow package owns all
// transitions; the store only persists them.
type FlowState struct {
	FlowID    string                 `json:"flow_id"`
	UserID    string                 `json:"user_id"`
	FlowType  string                 `json:"flow_type"`
	PeriodKey string                 `json:"period_key"`
	Status    string                 `json:"status"`
	Pending   []string               `json:"pending_fields"`
	Answered  map[string]field.Value `json:"answered_fields"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SaveFlowState persists the state, replacing any prior row for the same
// (user, flow_type, period_key).
func (s *Store) SaveFlowState(ctx context.Context, fs FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := json.Marshal(fs.Pending)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	answered, err := json.Marshal(fs.Answered)
	if err != nil {
		return fmt.Errorf("marshal answered: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_states (flow_id, user_id, flow_type, period_key, status, pending, answered, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, flow_type, period_key) DO UPDATE SET
			status = excluded.status,
			pending = excluded.pending,
			answered = excluded.answered,
			updated_at = CURRENT_TIMESTAMP`,
		fs.FlowID, fs.UserID, fs.FlowType, fs.PeriodKey, fs.Status,
		string(pending), string(answered), fs.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save flow state: %w", err)
	}
	return nil
}

// GetFlowState loads the flow state for a key. Returns false when no
// flow has been started for the key.
func (s *Store) GetFlowState(ctx context.Context, userID, flowType, periodKey string) (FlowState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, status, pending, answered, created_at, updated_at FROM flow_states
		WHERE user_id = ? AND flow_type = ? AND period_key = ?`,
		userID, flowType, periodKey)

	fs := FlowState{UserID: userID, FlowType: flowType, PeriodKey: periodKey}
	var pending, answered string
	err := row.Scan(&fs.FlowID, &fs.Status, &pending, &answered, &fs.CreatedAt, &fs.UpdatedAt)
	if err == sql.ErrNoRows {
		return FlowState{}, false, nil
	}
	if err != nil {
		return FlowState{}, false, fmt.Errorf("get flow state: %w", err)
	}
	if err := json.Unmarshal([]byte(pending), &fs.Pending); err != nil {
		return FlowState{}, false, fmt.Errorf("decode pending: %w", err)
	}
	if err := json.Unmarshal([]byte(answered), &fs.Answered); err != nil {
		return FlowState{}, false, fmt.Errorf("decode answered: %w", err)
	}
	if fs.Answered == nil {
		fs.Answered = make(map[string]field.Value)
	}
	return fs, true, nil
}

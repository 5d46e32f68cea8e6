package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AuditTrace summarizes one answered turn: the question, a bounded
// answer summary, and the specialist runs behind it. Raw free text is
// truncated, never stored whole.
type AuditTrace struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Mode          string    `json:"mode"`
	Question      string    `json:"question"`
	AnswerSummary string    `json:"answer_summary"`
	Tags          []string  `json:"tags"`
	SafetyFlags   []string  `json:"safety_flags"`
	Specialists   []string  `json:"specialists"`
	Degraded      bool      `json:"degraded"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	maxAuditQuestion = 512
	maxAuditAnswer   = 1024
)

// AppendAudit stores one trace, truncating free-text fields.
func (s *Store) AppendAudit(ctx context.Context, trace AuditTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	specialists, err := json.Marshal(trace.Specialists)
	if err != nil {
		return fmt.Errorf("marshal specialists: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_traces (id, user_id, mode, question, answer_summary, tags, safety_flags, specialists, degraded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.ID, trace.UserID, trace.Mode,
		clip(trace.Question, maxAuditQuestion),
		clip(trace.AnswerSummary, maxAuditAnswer),
		strings.Join(trace.Tags, ","),
		strings.Join(trace.SafetyFlags, ","),
		string(specialists), trace.Degraded)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudits returns the newest traces for a user.
func (s *Store) ListAudits(ctx context.Context, userID string, limit int) ([]AuditTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, question, answer_summary, tags, safety_flags, specialists, degraded, created_at
		FROM audit_traces WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var traces []AuditTrace
	for rows.Next() {
		trace := AuditTrace{UserID: userID}
		var tags, flags, specialists string
		if err := rows.Scan(&trace.ID, &trace.Mode, &trace.Question, &trace.AnswerSummary,
			&tags, &flags, &specialists, &trace.Degraded, &trace.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		trace.Tags = splitCSV(tags)
		trace.SafetyFlags = splitCSV(flags)
		if err := json.Unmarshal([]byte(specialists), &trace.Specialists); err != nil {
			return nil, fmt.Errorf("decode specialists: %w", err)
		}
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

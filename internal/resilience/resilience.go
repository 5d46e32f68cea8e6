// Package resilience centralizes the failure policy for model calls.
// Provider clients make exactly one attempt; deadlines, retries, and
// backoff all live here so every caller degrades the same way.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"alchemist/internal/llm"
	"alchemist/internal/store"
)

// DefaultGapWindow suppresses duplicate gap records for the same
// signature within this span.
const DefaultGapWindow = 24 * time.Hour

// Policy controls one guarded call.
type Policy struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// DefaultPolicy is the production default: one retry with a short
// backoff, bounded per-attempt deadline.
func DefaultPolicy() Policy {
	return Policy{Timeout: 20 * time.Second, Retries: 1, Backoff: 500 * time.Millisecond}
}

// GapRecorder persists capability-gap records.
type GapRecorder interface {
	RecordGap(ctx context.Context, gap store.GapRecord, window time.Duration) (bool, error)
}

// Guard applies a Policy around llm.Client calls and records gaps when
// a capability could not be exercised.
type Guard struct {
	policy    Policy
	gaps      GapRecorder
	gapWindow time.Duration
	logger    *zap.Logger

	// sleep is swapped in tests so retries do not slow the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Guard. gaps may be nil when gap persistence is not
// wired (the guard then only logs).
func New(policy Policy, gaps GapRecorder, logger *zap.Logger) *Guard {
	return &Guard{
		policy:    policy,
		gaps:      gaps,
		gapWindow: DefaultGapWindow,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Do runs one model call under the policy. Retries fire on timeouts and
// provider failures; context cancellation from the caller is terminal.
func (g *Guard) Do(ctx context.Context, client llm.Client, req llm.Request) (llm.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= g.policy.Retries; attempt++ {
		if attempt > 0 {
			backoff := g.policy.Backoff << (attempt - 1)
			if err := g.sleep(ctx, backoff); err != nil {
				return llm.Result{}, err
			}
			g.logger.Debug("retrying model call",
				zap.String("model", req.Model),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if g.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, g.policy.Timeout)
		}
		res, err := client.GenerateJSON(attemptCtx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return llm.Result{}, ctx.Err()
		}
		if !retryable(err) {
			break
		}
	}
	return llm.Result{}, fmt.Errorf("model call failed after %d attempt(s): %w", g.policy.Retries+1, lastErr)
}

// WrapClient returns a client whose GenerateJSON goes through the
// guard. Useful where a component takes a plain llm.Client.
func (g *Guard) WrapClient(client llm.Client) llm.Client {
	return &guardedClient{guard: g, inner: client}
}

// ReportGap records that a capability could not serve a user, deduped
// by signature within the gap window.
func (g *Guard) ReportGap(ctx context.Context, userID, role, reason string) {
	g.logger.Warn("capability gap",
		zap.String("user", userID),
		zap.String("role", role),
		zap.String("reason", reason))
	if g.gaps == nil {
		return
	}
	gap := store.GapRecord{
		Signature: userID + "|" + role + "|" + reason,
		UserID:    userID,
		Role:      role,
		Reason:    reason,
	}
	if _, err := g.gaps.RecordGap(ctx, gap, g.gapWindow); err != nil {
		g.logger.Error("gap record failed", zap.Error(err))
	}
}

func retryable(err error) bool {
	return errors.Is(err, llm.ErrTimeout) || errors.Is(err, llm.ErrProvider)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type guardedClient struct {
	guard *Guard
	inner llm.Client
}

func (c *guardedClient) GenerateJSON(ctx context.Context, req llm.Request) (llm.Result, error) {
	return c.guard.Do(ctx, c.inner, req)
}

func (c *guardedClient) Model() string { return c.inner.Model() }

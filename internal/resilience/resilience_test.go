package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"alchemist/internal/llm"
	"alchemist/internal/store"
)

type flakyClient struct {
	failures int
	calls    int
	err      error
}

func (c *flakyClient) GenerateJSON(ctx context.Context, req llm.Request) (llm.Result, error) {
	c.calls++
	if c.calls <= c.failures {
		return llm.Result{}, c.err
	}
	return llm.Result{Text: `{"ok":true}`, Model: req.Model}, nil
}

func (c *flakyClient) Model() string { return "fake" }

func newTestGuard(p Policy, gaps GapRecorder) *Guard {
	g := New(p, gaps, zap.NewNop())
	g.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return g
}

func TestDoRetriesTransientFailure(t *testing.T) {
	client := &flakyClient{failures: 1, err: fmt.Errorf("upstream: %w", llm.ErrProvider)}
	g := newTestGuard(Policy{Timeout: time.Second, Retries: 2, Backoff: time.Millisecond}, nil)

	res, err := g.Do(context.Background(), client, llm.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Text == "" || client.calls != 2 {
		t.Fatalf("res=%+v calls=%d", res, client.calls)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	client := &flakyClient{failures: 10, err: fmt.Errorf("slow: %w", llm.ErrTimeout)}
	g := newTestGuard(Policy{Timeout: time.Second, Retries: 2, Backoff: time.Millisecond}, nil)

	_, err := g.Do(context.Background(), client, llm.Request{Model: "m"})
	if !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("want ErrTimeout in chain, got %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("want 3 attempts, got %d", client.calls)
	}
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	client := &flakyClient{failures: 10, err: errors.New("bad request")}
	g := newTestGuard(Policy{Timeout: time.Second, Retries: 3, Backoff: time.Millisecond}, nil)

	_, err := g.Do(context.Background(), client, llm.Request{Model: "m"})
	if err == nil {
		t.Fatal("want error")
	}
	if client.calls != 1 {
		t.Fatalf("non-retryable error must not retry, got %d calls", client.calls)
	}
}

func TestDoHonorsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &flakyClient{failures: 10, err: fmt.Errorf("slow: %w", llm.ErrTimeout)}
	g := New(Policy{Timeout: time.Second, Retries: 5, Backoff: time.Millisecond}, nil, zap.NewNop())
	g.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := g.Do(ctx, client, llm.Request{Model: "m"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d", client.calls)
	}
}

func TestWrapClient(t *testing.T) {
	client := &flakyClient{failures: 1, err: fmt.Errorf("upstream: %w", llm.ErrProvider)}
	g := newTestGuard(Policy{Timeout: time.Second, Retries: 1, Backoff: time.Millisecond}, nil)

	wrapped := g.WrapClient(client)
	if wrapped.Model() != "fake" {
		t.Fatalf("Model = %q", wrapped.Model())
	}
	res, err := wrapped.GenerateJSON(context.Background(), llm.Request{Model: "m"})
	if err != nil || res.Text == "" {
		t.Fatalf("wrapped call: res=%+v err=%v", res, err)
	}
}

type fakeGaps struct {
	records []store.GapRecord
	windows []time.Duration
}

func (f *fakeGaps) RecordGap(ctx context.Context, gap store.GapRecord, window time.Duration) (bool, error) {
	f.records = append(f.records, gap)
	f.windows = append(f.windows, window)
	return true, nil
}

func TestReportGap(t *testing.T) {
	gaps := &fakeGaps{}
	g := newTestGuard(DefaultPolicy(), gaps)

	g.ReportGap(context.Background(), "u1", "sleep_expert", "timeout")
	if len(gaps.records) != 1 {
		t.Fatalf("records = %+v", gaps.records)
	}
	got := gaps.records[0]
	if got.Signature != "u1|sleep_expert|timeout" || got.Role != "sleep_expert" {
		t.Fatalf("gap = %+v", got)
	}
	if gaps.windows[0] != DefaultGapWindow {
		t.Fatalf("window = %v", gaps.windows[0])
	}
}

func TestReportGapNilRecorder(t *testing.T) {
	g := newTestGuard(DefaultPolicy(), nil)
	// Must not panic.
	g.ReportGap(context.Background(), "u1", "nutritionist", "missing_data")
}

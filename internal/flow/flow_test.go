package flow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"alchemist/internal/extract"
	"alchemist/internal/field"
	"alchemist/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "flow.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stubScoped returns canned validated values, optionally blocking until
// released to simulate a slow provider call.
type stubScoped struct {
	resolved   map[string]field.Value
	unknown    []string
	block      chan struct{}
	blockAfter int // block only once this many calls have completed
	calls      int
	mu         sync.Mutex
}

func (s *stubScoped) Extract(_ context.Context, _ string, pending []field.Spec) (extract.ScopedResult, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.block != nil && n > s.blockAfter {
		<-s.block
	}
	res := extract.ScopedResult{Resolved: make(map[string]field.Value)}
	for _, spec := range pending {
		if v, ok := s.resolved[spec.Name]; ok {
			res.Resolved[spec.Name] = v
		}
	}
	res.Unknown = s.unknown
	return res, nil
}

// waitForCalls spins until the stub has seen at least n calls.
func waitForCalls(t *testing.T, s *stubScoped, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		calls := s.calls
		s.mu.Unlock()
		if calls >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d scoped calls", n)
		case <-time.After(time.Millisecond):
		}
	}
}

func mustValue(t *testing.T, specs field.SpecSet, name, raw string) field.Value {
	t.Helper()
	v, err := field.Validate(specs[name], raw)
	if err != nil {
		t.Fatalf("Validate(%s, %q): %v", name, raw, err)
	}
	return v
}

func TestBeginInitializesPendingAndBatch(t *testing.T) {
	m := NewMachine(testStore(t), &stubScoped{}, zap.NewNop())
	ctx := context.Background()

	fs, batch, err := m.Begin(ctx, "u1", TypeIntake, "baseline")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if fs.Status != StatusInProgress {
		t.Fatalf("status = %s", fs.Status)
	}
	required := field.IntakeSpecs().RequiredNames()
	if len(fs.Pending) != len(required) {
		t.Fatalf("pending = %d, want %d", len(fs.Pending), len(required))
	}
	if len(batch) != intakeBatchSize {
		t.Fatalf("intake batch = %d, want %d", len(batch), intakeBatchSize)
	}

	_, batch2, err := m.Begin(ctx, "u2", TypeCheckin, "2026-08-24")
	if err != nil {
		t.Fatalf("Begin checkin: %v", err)
	}
	if len(batch2) != len(field.CheckinSpecs().RequiredNames()) {
		t.Fatalf("checkin asks the full remaining set, got %d", len(batch2))
	}
}

func TestSubmitPartialResolutionScenario(t *testing.T) {
	// "I weigh 180lbs, not sure about waist": weight resolves, waist and
	// systolic_bp stay pending, flow stays in progress.
	m := NewMachine(testStore(t), &stubScoped{}, zap.NewNop())
	ctx := context.Background()

	if _, _, err := m.Begin(ctx, "u1", TypeIntake, "baseline"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := m.Submit(ctx, "u1", TypeIntake, "baseline", "I weigh 180lbs, not sure about waist")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State.Answered["weight"].Num != 81.65 || res.State.Answered["weight"].Unit != "kg" {
		t.Fatalf("weight = %+v, want 180lbs as 81.65kg", res.State.Answered["weight"])
	}
	if !contains(res.State.Pending, "waist") || !contains(res.State.Pending, "systolic_bp") {
		t.Fatalf("waist and systolic_bp must stay pending: %v", res.State.Pending)
	}
	if contains(res.State.Pending, "weight") {
		t.Fatal("weight must leave pending")
	}
	if res.State.Status != StatusInProgress || res.Completed {
		t.Fatalf("flow should stay in progress, got %s", res.State.Status)
	}
}

func TestResumptionIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	m := NewMachine(st, &stubScoped{}, zap.NewNop())
	if _, _, err := m.Begin(ctx, "u1", TypeCheckin, "2026-08-24"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := m.Submit(ctx, "u1", TypeCheckin, "2026-08-24", "slept 7 hours, energy 6"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	n := len(field.CheckinSpecs().RequiredNames())
	k := 2 // sleep_hours, energy

	// A fresh machine over the same store resumes without re-asking.
	for i := 0; i < 3; i++ {
		m2 := NewMachine(st, &stubScoped{}, zap.NewNop())
		fs, batch, err := m2.Begin(ctx, "u1", TypeCheckin, "2026-08-24")
		if err != nil {
			t.Fatalf("resume Begin: %v", err)
		}
		if len(fs.Pending) != n-k {
			t.Fatalf("pending = %d, want %d", len(fs.Pending), n-k)
		}
		if contains(batch, "sleep_hours") || contains(batch, "energy") {
			t.Fatalf("resumed batch re-asks answered fields: %v", batch)
		}
	}
}

func TestSubmitCompletesFlow(t *testing.T) {
	st := testStore(t)
	m := NewMachine(st, &stubScoped{}, zap.NewNop())
	ctx := context.Background()

	if _, _, err := m.Begin(ctx, "u1", TypeCheckin, "2026-08-24"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := m.Submit(ctx, "u1", TypeCheckin, "2026-08-24",
		"slept 7 hours, energy 7, mood 8, stress 3, workout done, nutrition on plan")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Completed || res.State.Status != StatusCompleted {
		t.Fatalf("flow should complete: %+v", res.State)
	}
	if len(res.State.Pending) != 0 {
		t.Fatalf("pending = %v", res.State.Pending)
	}

	entry, ok, err := st.GetLedger(ctx, "u1", "checkin", "2026-08-24")
	if err != nil || !ok {
		t.Fatalf("GetLedger: ok=%v err=%v", ok, err)
	}
	if entry.Answers["sleep_hours"].Num != 7 || !entry.Answers["training_done"].Bool {
		t.Fatalf("ledger answers = %+v", entry.Answers)
	}
}

func TestScopedResultsMergeAndValidateGate(t *testing.T) {
	st := testStore(t)
	specs := field.IntakeSpecs()
	scoped := &stubScoped{resolved: map[string]field.Value{
		"waist": mustValue(t, specs, "waist", "95"),
	}}
	m := NewMachine(st, scoped, zap.NewNop())
	ctx := context.Background()

	if _, _, err := m.Begin(ctx, "u1", TypeIntake, "baseline"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := m.Submit(ctx, "u1", TypeIntake, "baseline", "around the middle I'm at 95 these days")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.State.Answered["waist"].Num != 95 {
		t.Fatalf("scoped waist not merged: %+v", res.State.Answered)
	}
	if scoped.calls != 1 {
		t.Fatalf("scoped calls = %d, want 1", scoped.calls)
	}
}

func TestCrossRuleInvalidatesPair(t *testing.T) {
	m := NewMachine(testStore(t), &stubScoped{}, zap.NewNop())
	ctx := context.Background()

	if _, _, err := m.Begin(ctx, "u1", TypeIntake, "baseline"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// Diastolic above systolic: both must stay pending.
	res, err := m.Submit(ctx, "u1", TypeIntake, "baseline", "bp 90/140")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok := res.State.Answered["systolic_bp"]; ok {
		t.Fatalf("inverted bp pair must not merge: %+v", res.State.Answered)
	}
	if !contains(res.State.Pending, "systolic_bp") || !contains(res.State.Pending, "diastolic_bp") {
		t.Fatalf("pending = %v", res.State.Pending)
	}
}

func TestConcurrentSubmitRejected(t *testing.T) {
	st := testStore(t)
	block := make(chan struct{})
	m := NewMachine(st, &stubScoped{block: block}, zap.NewNop())
	ctx := context.Background()

	if _, _, err := m.Begin(ctx, "u1", TypeCheckin, "2026-08-24"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, "u1", TypeCheckin, "2026-08-24", "feeling okay I guess")
		done <- err
	}()
	waitForCalls(t, m.scoped.(*stubScoped), 1)

	_, err := m.Submit(ctx, "u1", TypeCheckin, "2026-08-24", "second reply")
	if !errors.Is(err, ErrConcurrentConflict) {
		t.Fatalf("err = %v, want ErrConcurrentConflict", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
}

func TestCancelPreservesAnsweredDiscardsInFlight(t *testing.T) {
	st := testStore(t)
	block := make(chan struct{})
	scoped := &stubScoped{block: block, blockAfter: 1, resolved: map[string]field.Value{}}
	m := NewMachine(st, scoped, zap.NewNop())
	ctx := context.Background()

	if _, _, err := m.Begin(ctx, "u1", TypeCheckin, "2026-08-24"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := m.Submit(ctx, "u1", TypeCheckin, "2026-08-24", "slept 7 hours"); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// Second turn hangs in the scoped extractor; cancel races it.
	done := make(chan TurnResult, 1)
	go func() {
		res, err := m.Submit(ctx, "u1", TypeCheckin, "2026-08-24", "energy feels like a strong day honestly")
		if err != nil {
			t.Errorf("in-flight submit: %v", err)
		}
		done <- res
	}()
	waitForCalls(t, scoped, 2)

	fs, err := m.Cancel(ctx, "u1", TypeCheckin, "2026-08-24")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if fs.Status != StatusCancelled {
		t.Fatalf("status = %s", fs.Status)
	}
	if fs.Answered["sleep_hours"].Num != 7 {
		t.Fatalf("cancel must preserve merged answers: %+v", fs.Answered)
	}

	close(block)
	res := <-done
	if !res.Discarded {
		t.Fatalf("late turn must be discarded: %+v", res)
	}
	got, _, err := m.Status(ctx, "u1", TypeCheckin, "2026-08-24")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != StatusCancelled || len(got.Answered) != 1 {
		t.Fatalf("state after late commit = %+v", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	m := NewMachine(testStore(t), &stubScoped{}, zap.NewNop())
	ctx := context.Background()

	if _, _, err := m.Begin(ctx, "u1", TypeIntake, "baseline"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fs, err := m.Pause(ctx, "u1", TypeIntake, "baseline")
	if err != nil || fs.Status != StatusPaused {
		t.Fatalf("Pause: %+v %v", fs, err)
	}
	fs, _, err = m.Begin(ctx, "u1", TypeIntake, "baseline")
	if err != nil || fs.Status != StatusInProgress {
		t.Fatalf("resume: %+v %v", fs, err)
	}
}

func TestBeginRestartsCancelledFlow(t *testing.T) {
	st := testStore(t)
	m := NewMachine(st, &stubScoped{}, zap.NewNop())
	ctx := context.Background()

	if _, _, err := m.Begin(ctx, "u1", TypeCheckin, "2026-08-24"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := m.Submit(ctx, "u1", TypeCheckin, "2026-08-24", "slept 7 hours"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Cancel(ctx, "u1", TypeCheckin, "2026-08-24"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	fs, batch, err := m.Begin(ctx, "u1", TypeCheckin, "2026-08-24")
	if err != nil {
		t.Fatalf("Begin after cancel: %v", err)
	}
	if fs.Status != StatusInProgress {
		t.Fatalf("cancelled flow should restart, got %s", fs.Status)
	}
	if fs.Answered["sleep_hours"].Num != 7 {
		t.Fatalf("restart must keep merged answers: %+v", fs.Answered)
	}
	if len(batch) == 0 || contains(batch, "sleep_hours") {
		t.Fatalf("restarted batch = %v", batch)
	}

	// The restarted flow accepts turns again and can complete.
	res, err := m.Submit(ctx, "u1", TypeCheckin, "2026-08-24",
		"energy 6, mood 7, stress 3, workout done, nutrition on plan")
	if err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	if !res.Completed {
		t.Fatalf("restarted flow should complete: %+v", res.State)
	}
}

func TestCancelWithoutStateErrors(t *testing.T) {
	m := NewMachine(testStore(t), &stubScoped{}, zap.NewNop())
	_, err := m.Cancel(context.Background(), "ghost", TypeIntake, "baseline")
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

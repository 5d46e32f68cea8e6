// Package flow implements the resumable multi-turn collection flows
// (intake and check-in) as an explicit finite-state machine keyed by
// (user_id, flow_type, period_key). State is a serializable record, so
// a flow survives interruption and never re-asks answered fields.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"alchemist/internal/extract"
	"alchemist/internal/field"
	"alchemist/internal/store"
)

// Flow statuses.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Type identifies a collection flow.
type Type string

const (
	TypeIntake  Type = "intake"
	TypeCheckin Type = "checkin"
)

// Batch contract: intake asks three fields per turn to keep replies
// scannable; check-in asks the full remaining set because it is short.
const (
	intakeBatchSize  = 3
	checkinBatchSize = 6
)

// ErrConcurrentConflict is returned when a turn is submitted while
// another turn for the same (user, flow_type) is still in flight. The
// caller retries; nothing is queued silently.
var ErrConcurrentConflict = errors.New("concurrent flow conflict")

// ErrNotStarted is returned for operations on a flow with no state.
var ErrNotStarted = errors.New("flow not started")

// Store is the persistence surface the machine needs.
type Store interface {
	GetFlowState(ctx context.Context, userID, flowType, periodKey string) (store.FlowState, bool, error)
	SaveFlowState(ctx context.Context, fs store.FlowState) error
	GetLedger(ctx context.Context, userID, flowType, periodKey string) (store.LedgerEntry, bool, error)
	UpsertLedger(ctx context.Context, entry store.LedgerEntry) error
}

// ScopedExtractor resolves leftover fields with a model call.
type ScopedExtractor interface {
	Extract(ctx context.Context, remainder string, pending []field.Spec) (extract.ScopedResult, error)
}

// Machine drives flow transitions. All read-modify-write cycles for one
// (user, flow_type) run inside a per-key critical section.
type Machine struct {
	store  Store
	scoped ScopedExtractor
	logger *zap.Logger
	specs  map[Type]field.SpecSet
	locks  sync.Map // "user|flow_type" -> *flowLock
}

// flowLock serializes turns for one (user, flow_type). The generation
// counter invalidates in-flight turns when the flow is cancelled.
type flowLock struct {
	turnMu   sync.Mutex
	commitMu sync.Mutex
	gen      atomic.Int64
}

// NewMachine builds a flow machine over the given store and scoped
// extractor.
func NewMachine(st Store, scoped ScopedExtractor, logger *zap.Logger) *Machine {
	return &Machine{
		store:  st,
		scoped: scoped,
		logger: logger,
		specs: map[Type]field.SpecSet{
			TypeIntake:  field.IntakeSpecs(),
			TypeCheckin: field.CheckinSpecs(),
		},
	}
}

// Specs exposes the spec set for a flow type.
func (m *Machine) Specs(ft Type) field.SpecSet {
	return m.specs[ft]
}

func (m *Machine) lockFor(userID string, ft Type) *flowLock {
	key := userID + "|" + string(ft)
	actual, _ := m.locks.LoadOrStore(key, &flowLock{})
	return actual.(*flowLock)
}

func batchSize(ft Type) int {
	if ft == TypeIntake {
		return intakeBatchSize
	}
	return checkinBatchSize
}

// TurnResult reports the effect of one submitted reply.
type TurnResult struct {
	State     store.FlowState
	Resolved  map[string]field.Value
	Unknown   []string
	NextBatch []string
	Completed bool
	// Discarded is true when the flow was cancelled while this turn was
	// in flight; nothing was merged.
	Discarded bool
}

// Begin loads or creates the flow state and returns the current batch of
// fields to ask. Re-invoking Begin is idempotent: answered fields are
// never re-issued. A cancelled flow restarts in progress, keeping the
// answers merged before cancellation.
func (m *Machine) Begin(ctx context.Context, userID string, ft Type, periodKey string) (store.FlowState, []string, error) {
	lock := m.lockFor(userID, ft)
	if !lock.turnMu.TryLock() {
		return store.FlowState{}, nil, fmt.Errorf("%w: %s/%s", ErrConcurrentConflict, userID, ft)
	}
	defer lock.turnMu.Unlock()

	fs, err := m.loadOrInit(ctx, userID, ft, periodKey)
	if err != nil {
		return store.FlowState{}, nil, err
	}
	if fs.Status == StatusNotStarted || fs.Status == StatusPaused || fs.Status == StatusCancelled {
		fs.Status = StatusInProgress
		if err := m.store.SaveFlowState(ctx, fs); err != nil {
			return store.FlowState{}, nil, err
		}
	}
	return fs, m.nextBatch(fs), nil
}

// Submit runs one reply through the extraction pipeline and merges the
// validated results into the flow.
func (m *Machine) Submit(ctx context.Context, userID string, ft Type, periodKey, text string) (TurnResult, error) {
	lock := m.lockFor(userID, ft)
	if !lock.turnMu.TryLock() {
		return TurnResult{}, fmt.Errorf("%w: %s/%s", ErrConcurrentConflict, userID, ft)
	}
	defer lock.turnMu.Unlock()

	startGen := lock.gen.Load()

	fs, err := m.loadOrInit(ctx, userID, ft, periodKey)
	if err != nil {
		return TurnResult{}, err
	}
	switch fs.Status {
	case StatusCompleted, StatusCancelled:
		return TurnResult{State: fs, Completed: fs.Status == StatusCompleted}, nil
	}
	fs.Status = StatusInProgress

	specs := m.specs[ft]
	targets := m.extractionTargets(fs, specs)

	det := extract.Deterministic(text, targets)
	resolved := det.Resolved

	// Scoped model pass over whatever the rules left, except fields the
	// user explicitly declined this turn.
	leftover := make([]field.Spec, 0, len(targets))
	for _, spec := range targets {
		if _, done := resolved[spec.Name]; done {
			continue
		}
		if contains(det.Unsure, spec.Name) {
			continue
		}
		leftover = append(leftover, spec)
	}

	var unknown []string
	unknown = append(unknown, det.Unsure...)
	if len(leftover) > 0 && m.scoped != nil {
		scopedRes, err := m.scoped.Extract(ctx, det.Remainder, leftover)
		if err != nil {
			// Extraction degrades to the deterministic result; the
			// fields stay pending for the next turn.
			m.logger.Warn("scoped extraction failed",
				zap.String("user", userID),
				zap.String("flow", string(ft)),
				zap.Error(err))
		} else {
			for name, value := range scopedRes.Resolved {
				resolved[name] = value
			}
			unknown = append(unknown, scopedRes.Unknown...)
		}
	}

	// Cross-field rules can invalidate a pair even when each value
	// passed alone; the involved fields go back to pending.
	merged := make(map[string]field.Value, len(fs.Answered)+len(resolved))
	for k, v := range fs.Answered {
		merged[k] = v
	}
	for k, v := range resolved {
		merged[k] = v
	}
	for _, bad := range field.CheckCrossRules(merged) {
		if _, fresh := resolved[bad]; fresh {
			delete(resolved, bad)
		}
	}

	// Commit point. A cancellation recorded while the extractors were
	// running wins: this turn's results are discarded.
	lock.commitMu.Lock()
	defer lock.commitMu.Unlock()
	if lock.gen.Load() != startGen {
		current, ok, err := m.store.GetFlowState(ctx, userID, string(ft), periodKey)
		if err != nil || !ok {
			current = fs
		}
		return TurnResult{State: current, Discarded: true}, nil
	}

	for name, value := range resolved {
		spec := specs[name]
		if spec.Required {
			fs.Answered[name] = value
			fs.Pending = remove(fs.Pending, name)
		}
	}
	sort.Strings(fs.Pending)

	completed := len(fs.Pending) == 0
	if completed {
		fs.Status = StatusCompleted
	}
	if err := m.store.SaveFlowState(ctx, fs); err != nil {
		return TurnResult{}, err
	}
	if err := m.mergeLedger(ctx, fs, resolved, unknown); err != nil {
		return TurnResult{}, err
	}

	sort.Strings(unknown)
	res := TurnResult{
		State:     fs,
		Resolved:  resolved,
		Unknown:   unknown,
		Completed: completed,
	}
	if !completed {
		res.NextBatch = m.nextBatch(fs)
	}
	return res, nil
}

// Cancel terminates the flow immediately. Previously merged answers are
// preserved; any in-flight turn is invalidated and will be discarded at
// its commit point.
func (m *Machine) Cancel(ctx context.Context, userID string, ft Type, periodKey string) (store.FlowState, error) {
	lock := m.lockFor(userID, ft)
	lock.gen.Add(1)

	lock.commitMu.Lock()
	defer lock.commitMu.Unlock()

	fs, ok, err := m.store.GetFlowState(ctx, userID, string(ft), periodKey)
	if err != nil {
		return store.FlowState{}, err
	}
	if !ok {
		return store.FlowState{}, fmt.Errorf("%w: %s/%s/%s", ErrNotStarted, userID, ft, periodKey)
	}
	if fs.Status == StatusCompleted || fs.Status == StatusCancelled {
		return fs, nil
	}
	fs.Status = StatusCancelled
	if err := m.store.SaveFlowState(ctx, fs); err != nil {
		return store.FlowState{}, err
	}
	m.logger.Info("flow cancelled",
		zap.String("user", userID),
		zap.String("flow", string(ft)),
		zap.Int("answered", len(fs.Answered)))
	return fs, nil
}

// Pause parks an in-progress flow; Begin resumes it.
func (m *Machine) Pause(ctx context.Context, userID string, ft Type, periodKey string) (store.FlowState, error) {
	lock := m.lockFor(userID, ft)
	if !lock.turnMu.TryLock() {
		return store.FlowState{}, fmt.Errorf("%w: %s/%s", ErrConcurrentConflict, userID, ft)
	}
	defer lock.turnMu.Unlock()

	fs, ok, err := m.store.GetFlowState(ctx, userID, string(ft), periodKey)
	if err != nil {
		return store.FlowState{}, err
	}
	if !ok {
		return store.FlowState{}, fmt.Errorf("%w: %s/%s/%s", ErrNotStarted, userID, ft, periodKey)
	}
	if fs.Status == StatusInProgress {
		fs.Status = StatusPaused
		if err := m.store.SaveFlowState(ctx, fs); err != nil {
			return store.FlowState{}, err
		}
	}
	return fs, nil
}

// Status reports the flow state without mutating it.
func (m *Machine) Status(ctx context.Context, userID string, ft Type, periodKey string) (store.FlowState, bool, error) {
	return m.store.GetFlowState(ctx, userID, string(ft), periodKey)
}

// loadOrInit loads existing state or creates a fresh one with pending
// initialized from the required field set minus fields already answered
// for the same period.
func (m *Machine) loadOrInit(ctx context.Context, userID string, ft Type, periodKey string) (store.FlowState, error) {
	fs, ok, err := m.store.GetFlowState(ctx, userID, string(ft), periodKey)
	if err != nil {
		return store.FlowState{}, err
	}
	specs := m.specs[ft]
	if ok {
		// Recompute the partition defensively; repeated resumption must
		// never re-ask an answered field. Cancelled flows are included so
		// a restart issues a correct batch.
		if fs.Status != StatusCompleted {
			fs.Pending = pendingFrom(specs, fs.Answered)
			if fs.Answered == nil {
				fs.Answered = make(map[string]field.Value)
			}
		}
		return fs, nil
	}

	answered := make(map[string]field.Value)
	if entry, found, err := m.store.GetLedger(ctx, userID, string(ft), periodKey); err != nil {
		return store.FlowState{}, err
	} else if found {
		for name, value := range entry.Answers {
			if spec, known := specs[name]; known && spec.Required {
				answered[name] = value
			}
		}
	}

	fs = store.FlowState{
		FlowID:    uuid.NewString(),
		UserID:    userID,
		FlowType:  string(ft),
		PeriodKey: periodKey,
		Status:    StatusNotStarted,
		Pending:   pendingFrom(specs, answered),
		Answered:  answered,
		CreatedAt: time.Now().UTC(),
	}
	if len(fs.Pending) == 0 {
		fs.Status = StatusCompleted
	}
	if err := m.store.SaveFlowState(ctx, fs); err != nil {
		return store.FlowState{}, err
	}
	return fs, nil
}

// extractionTargets returns the specs a reply may resolve: all pending
// required fields plus optional fields not yet captured.
func (m *Machine) extractionTargets(fs store.FlowState, specs field.SpecSet) []field.Spec {
	targets := make([]field.Spec, 0, len(specs))
	for _, name := range fs.Pending {
		if spec, ok := specs[name]; ok {
			targets = append(targets, spec)
		}
	}
	for _, name := range specs.Names() {
		spec := specs[name]
		if !spec.Required {
			targets = append(targets, spec)
		}
	}
	return targets
}

func (m *Machine) nextBatch(fs store.FlowState) []string {
	size := batchSize(Type(fs.FlowType))
	if size > len(fs.Pending) {
		size = len(fs.Pending)
	}
	return append([]string(nil), fs.Pending[:size]...)
}

// mergeLedger folds the turn's validated values into the period's
// ledger entry. Optional fields land in answers too; explicit unknowns
// are recorded as events, never as values.
func (m *Machine) mergeLedger(ctx context.Context, fs store.FlowState, resolved map[string]field.Value, unknown []string) error {
	entry, ok, err := m.store.GetLedger(ctx, fs.UserID, fs.FlowType, fs.PeriodKey)
	if err != nil {
		return err
	}
	if !ok {
		entry = store.LedgerEntry{
			UserID:    fs.UserID,
			FlowType:  fs.FlowType,
			PeriodKey: fs.PeriodKey,
			Answers:   make(map[string]field.Value),
			Extras:    make(map[string]string),
		}
	}
	for name, value := range resolved {
		entry.Answers[name] = value
	}
	if len(resolved) > 0 {
		entry.Events = append(entry.Events, store.NewEvent("batch_merged", fmt.Sprintf("%d fields", len(resolved))))
	}
	for _, name := range unknown {
		entry.Events = append(entry.Events, store.NewEvent("field_unknown", name))
	}
	if fs.Status == StatusCompleted {
		entry.Events = append(entry.Events, store.NewEvent("flow_completed", fs.FlowType))
	}
	return m.store.UpsertLedger(ctx, entry)
}

func pendingFrom(specs field.SpecSet, answered map[string]field.Value) []string {
	pending := make([]string, 0)
	for _, name := range specs.RequiredNames() {
		if _, done := answered[name]; !done {
			pending = append(pending, name)
		}
	}
	return pending
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

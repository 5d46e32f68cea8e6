// Package engine wires the full turn pipeline: safety prescan, context
// assembly, mode resolution, the specialist council, caching, and the
// collection flows, with every result audited.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"alchemist/internal/cache"
	"alchemist/internal/council"
	"alchemist/internal/digest"
	"alchemist/internal/field"
	"alchemist/internal/flow"
	"alchemist/internal/store"
)

// ErrEmptyQuestion is returned for blank or too-short questions.
var ErrEmptyQuestion = errors.New("question too short")

// Advisor is the council surface the engine drives.
type Advisor interface {
	Run(ctx context.Context, userID, question string, d digest.Digest, plan council.Plan) []council.SpecialistResult
	Synthesize(ctx context.Context, userID, question string, d digest.Digest, plan council.Plan, results []council.SpecialistResult) council.Response
}

// ContextBuilder assembles the per-user digest.
type ContextBuilder interface {
	Build(ctx context.Context, userID string) (digest.Digest, error)
}

// Auditor persists per-turn traces and baselines.
type Auditor interface {
	AppendAudit(ctx context.Context, trace store.AuditTrace) error
	SaveBaseline(ctx context.Context, userID string, answers map[string]field.Value, riskFlags []string) error
}

// Engine is the coaching turn pipeline.
type Engine struct {
	auditor   Auditor
	flows     *flow.Machine
	assembler ContextBuilder
	advisor   Advisor
	cache     *cache.Cache
	budgets   council.Budgets
	logger    *zap.Logger
	now       func() time.Time
}

// New assembles an engine.
func New(auditor Auditor, flows *flow.Machine, assembler ContextBuilder, advisor Advisor, respCache *cache.Cache, budgets council.Budgets, logger *zap.Logger) *Engine {
	return &Engine{
		auditor:   auditor,
		flows:     flows,
		assembler: assembler,
		advisor:   advisor,
		cache:     respCache,
		budgets:   budgets,
		logger:    logger,
		now:       time.Now,
	}
}

// AskRequest is one ad-hoc coaching question.
type AskRequest struct {
	UserID    string
	Question  string
	DeepThink bool
}

// TraceEntry summarizes one specialist invocation for the caller.
type TraceEntry struct {
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
	Degraded   bool    `json:"degraded"`
}

// AskResponse is the full per-turn response contract.
type AskResponse struct {
	council.Response
	Mode            string       `json:"mode"`
	SpecialistTrace []TraceEntry `json:"specialist_trace"`
	CacheHit        bool         `json:"cache_hit"`
}

// Ask answers an ad-hoc question through the council pipeline.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	question := strings.TrimSpace(req.Question)
	if len(question) < 2 {
		return AskResponse{}, ErrEmptyQuestion
	}
	mode := council.ModeQuick
	if req.DeepThink {
		mode = council.ModeDeep
	}

	// Urgent symptom language short-circuits before any model call and
	// is never cached.
	if flags := council.DetectUrgentFlags(question); len(flags) > 0 {
		out := AskResponse{Response: council.EmergencyResponse(), Mode: string(mode)}
		e.audit(ctx, req.UserID, string(mode), question, out, []string{"safety", "urgent"})
		return out, nil
	}

	d, err := e.assembler.Build(ctx, req.UserID)
	if err != nil {
		return AskResponse{}, fmt.Errorf("ask: %w", err)
	}

	if !d.BaselinePresent {
		out := AskResponse{
			Response: council.FallbackResponse(
				"I can give more precise guidance once your baseline is complete. "+
					"Please complete baseline intake first, then ask this again for personalized coaching.",
				[]string{council.FlagBaselineMissing}),
			Mode: string(mode),
		}
		e.audit(ctx, req.UserID, string(mode), question, out, e.tags(mode, req.DeepThink, d))
		return out, nil
	}

	plan := council.Resolve(req.DeepThink, question, d, e.budgets)
	fingerprint := cache.Fingerprint(req.UserID, string(plan.Mode), question, d.Hash())

	payload, hit, err := e.cache.Do(ctx, fingerprint, func() (string, error) {
		results := e.advisor.Run(ctx, req.UserID, question, d, plan)
		resp := e.advisor.Synthesize(ctx, req.UserID, question, d, plan, results)
		if council.HasSupplementTopic(question) {
			resp = withSupplementCaution(resp)
		}
		out := AskResponse{
			Response:        resp,
			Mode:            string(plan.Mode),
			SpecialistTrace: trace(results),
		}
		data, err := json.Marshal(out)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return AskResponse{}, fmt.Errorf("ask: %w", err)
	}

	var out AskResponse
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return AskResponse{}, fmt.Errorf("ask: decode cached response: %w", err)
	}
	out.CacheHit = hit

	e.audit(ctx, req.UserID, string(plan.Mode), question, out, e.tags(plan.Mode, req.DeepThink, d))
	return out, nil
}

func withSupplementCaution(resp council.Response) council.Response {
	has := false
	for _, f := range resp.SafetyFlags {
		if f == council.FlagSupplementCaution {
			has = true
		}
	}
	if !has {
		resp.SafetyFlags = append(resp.SafetyFlags, council.FlagSupplementCaution)
	}
	if len(resp.RationaleBullets) > 6 {
		resp.RationaleBullets = resp.RationaleBullets[:6]
	}
	resp.RationaleBullets = append(resp.RationaleBullets, council.SupplementCautionText)
	return resp
}

func trace(results []council.SpecialistResult) []TraceEntry {
	entries := make([]TraceEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, TraceEntry{
			Role:       string(r.Role),
			Confidence: r.Confidence,
			Degraded:   r.Degraded,
		})
	}
	return entries
}

func (e *Engine) tags(mode council.Mode, deepThink bool, d digest.Digest) []string {
	tags := []string{string(mode)}
	if deepThink {
		tags = append(tags, "deep_think")
	}
	if len(d.MissingData) > 0 {
		tags = append(tags, "missing_data")
	}
	if len(tags) > 5 {
		tags = tags[:5]
	}
	return tags
}

func (e *Engine) audit(ctx context.Context, userID, mode, question string, out AskResponse, tags []string) {
	specialists := make([]string, 0, len(out.SpecialistTrace))
	for _, t := range out.SpecialistTrace {
		specialists = append(specialists, t.Role)
	}
	err := e.auditor.AppendAudit(ctx, store.AuditTrace{
		ID:            uuid.NewString(),
		UserID:        userID,
		Mode:          mode,
		Question:      question,
		AnswerSummary: out.Answer,
		Tags:          tags,
		SafetyFlags:   out.SafetyFlags,
		Specialists:   specialists,
		Degraded:      out.Degraded,
		CreatedAt:     e.now(),
	})
	if err != nil {
		e.logger.Error("audit append failed", zap.Error(err))
	}
}

// PeriodKey returns the active period for a flow type: intake collects
// one baseline, check-ins are daily.
func (e *Engine) PeriodKey(ft flow.Type) string {
	if ft == flow.TypeIntake {
		return "baseline"
	}
	return e.now().UTC().Format("2006-01-02")
}

// BeginFlow starts or resumes a flow and returns the next batch to ask.
func (e *Engine) BeginFlow(ctx context.Context, userID string, ft flow.Type) (store.FlowState, []string, error) {
	return e.flows.Begin(ctx, userID, ft, e.PeriodKey(ft))
}

// SubmitFlow runs one reply through the extraction pipeline. Completing
// the intake flow promotes the answers to the user's baseline with
// derived risk flags.
func (e *Engine) SubmitFlow(ctx context.Context, userID string, ft flow.Type, text string) (flow.TurnResult, error) {
	result, err := e.flows.Submit(ctx, userID, ft, e.PeriodKey(ft), text)
	if err != nil {
		return flow.TurnResult{}, err
	}
	if result.Completed && ft == flow.TypeIntake {
		flags := DeriveRiskFlags(result.State.Answered)
		if err := e.auditor.SaveBaseline(ctx, userID, result.State.Answered, flags); err != nil {
			return flow.TurnResult{}, fmt.Errorf("save baseline: %w", err)
		}
		e.logger.Info("baseline established",
			zap.String("user", userID),
			zap.Strings("risk_flags", flags))
	}
	return result, nil
}

// CancelFlow cancels a flow, keeping previously merged answers.
func (e *Engine) CancelFlow(ctx context.Context, userID string, ft flow.Type) (store.FlowState, error) {
	return e.flows.Cancel(ctx, userID, ft, e.PeriodKey(ft))
}

// PauseFlow pauses a flow for later resumption.
func (e *Engine) PauseFlow(ctx context.Context, userID string, ft flow.Type) (store.FlowState, error) {
	return e.flows.Pause(ctx, userID, ft, e.PeriodKey(ft))
}

// FlowStatus reports the current state of a flow.
func (e *Engine) FlowStatus(ctx context.Context, userID string, ft flow.Type) (store.FlowState, bool, error) {
	return e.flows.Status(ctx, userID, ft, e.PeriodKey(ft))
}

// Risk flag thresholds over baseline answers.
const (
	systolicRiskMin  = 140
	diastolicRiskMin = 90
	waistRiskMinCm   = 102
	sleepRiskMaxH    = 6.5
	stressRiskMin    = 8
)

// DeriveRiskFlags computes the user-declared risk flags persisted with
// the baseline and fed to specialist prioritization.
func DeriveRiskFlags(answers map[string]field.Value) []string {
	set := map[string]bool{}
	if v, ok := answers["systolic_bp"]; ok && v.Num >= systolicRiskMin {
		set["elevated_bp"] = true
	}
	if v, ok := answers["diastolic_bp"]; ok && v.Num >= diastolicRiskMin {
		set["elevated_bp"] = true
	}
	if v, ok := answers["waist"]; ok && v.Num >= waistRiskMinCm {
		set["high_waist"] = true
	}
	if v, ok := answers["sleep_hours"]; ok && v.Num < sleepRiskMaxH {
		set["low_sleep"] = true
	}
	if v, ok := answers["stress"]; ok && v.Num >= stressRiskMin {
		set["high_stress"] = true
	}
	flags := make([]string, 0, len(set))
	for f := range set {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return flags
}

// Package council runs the specialist fan-out and the synthesis step
// that merges role outputs into one response under the safety veto.
package council

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alchemist/internal/digest"
	"alchemist/internal/llm"
)

const baseSystemPrompt = `You are part of a multi-specialist longevity coaching system.

Core behavior:
- Be practical, structured, and supportive.
- Never shame-based, never alarmist.
- Use objective data and trend context when available.
- Do not diagnose disease.
- Do not override physician direction.
- Use conservative, safety-first recommendations.

Mission precedence:
1) Safety constraints always win.
2) User-specific goals override default mission text.
3) Specialist role boundaries must be respected.

Respond with a single JSON object:
{"assessment": string, "confidence": number 0-1, "risk_flags": [string], "recommendations": [string]}
If you see a genuine safety concern, include "safety_escalation" in risk_flags.`

// SpecialistResult is one role's contribution to a turn.
type SpecialistResult struct {
	Role            Role
	Output          string
	Confidence      float64
	RiskFlags       []string
	Recommendations []string
	Degraded        bool
	Relevance       float64
}

// Action is one recommended action in a response.
type Action struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
}

// Response is the contract-complete coaching response. Every path out
// of the council fills every field, including degraded fallbacks.
type Response struct {
	Answer             string   `json:"answer"`
	RationaleBullets   []string `json:"rationale_bullets"`
	RecommendedActions []Action `json:"recommended_actions"`
	SuggestedQuestions []string `json:"suggested_questions"`
	SafetyFlags        []string `json:"safety_flags"`
	Disclaimer         string   `json:"disclaimer"`
	Degraded           bool     `json:"degraded"`
}

// Caller is the guarded model-call surface the council depends on.
type Caller interface {
	Do(ctx context.Context, client llm.Client, req llm.Request) (llm.Result, error)
	ReportGap(ctx context.Context, userID, role, reason string)
}

// UsageRecorder receives token counts for completed model calls.
type UsageRecorder interface {
	Track(provider, model, role, mode string, input, output int)
}

// Council fans questions out to role-scoped specialists and merges the
// results.
type Council struct {
	client   llm.Client
	guard    Caller
	models   llm.ModelSet
	logger   *zap.Logger
	provider string
	usage    UsageRecorder
}

// New creates a council over a provider client and a guard.
func New(client llm.Client, guard Caller, models llm.ModelSet, logger *zap.Logger) *Council {
	return &Council{client: client, guard: guard, models: models, logger: logger}
}

// SetUsage wires token accounting. Calls served from cache never reach
// the council, so counters only move on real provider calls.
func (c *Council) SetUsage(provider string, rec UsageRecorder) {
	c.provider = provider
	c.usage = rec
}

func (c *Council) trackUsage(role Role, mode Mode, res llm.Result) {
	if c.usage == nil {
		return
	}
	c.usage.Track(c.provider, res.Model, string(role), string(mode), res.TokensIn, res.TokensOut)
}

// Run executes the plan's specialists concurrently over a shared
// read-only digest and waits for all of them. A failed or skipped role
// yields a degraded result; Run itself never fails the turn.
func (c *Council) Run(ctx context.Context, userID, question string, d digest.Digest, plan Plan) []SpecialistResult {
	results := make([]SpecialistResult, len(plan.Roles))
	var g errgroup.Group
	for i, role := range plan.Roles {
		g.Go(func() error {
			results[i] = c.runSpecialist(ctx, userID, question, d, plan, role)
			return nil
		})
	}
	g.Wait()
	return results
}

func (c *Council) runSpecialist(ctx context.Context, userID, question string, d digest.Digest, plan Plan, role Role) SpecialistResult {
	contract, ok := ContractFor(role)
	if !ok {
		return degradedResult(role, 0)
	}
	relevance := contract.Relevance(question, d)

	if !contract.DataMet(d) {
		c.guard.ReportGap(ctx, userID, string(role), "missing_data")
		return degradedResult(role, relevance)
	}

	req := llm.Request{
		System:      specialistSystemPrompt(contract),
		Prompt:      specialistPrompt(question, d.Slice(contract.RelevantMetrics)),
		MaxTokens:   plan.TokensPerRole,
		Temperature: 0.4,
		Model:       llm.SelectModel(c.models, plan.Class),
	}
	res, err := c.guard.Do(ctx, c.client, req)
	if err != nil {
		c.logger.Warn("specialist call failed",
			zap.String("role", string(role)), zap.Error(err))
		c.guard.ReportGap(ctx, userID, string(role), "call_failed")
		return degradedResult(role, relevance)
	}
	c.trackUsage(role, plan.Mode, res)

	raw, err := llm.ParseJSON(res.Text)
	if err != nil {
		c.guard.ReportGap(ctx, userID, string(role), "parse_failed")
		return degradedResult(role, relevance)
	}
	assessment := strings.TrimSpace(stringOf(raw["assessment"]))
	if assessment == "" {
		c.guard.ReportGap(ctx, userID, string(role), "empty_assessment")
		return degradedResult(role, relevance)
	}
	return SpecialistResult{
		Role:            role,
		Output:          assessment,
		Confidence:      clamp01(numberOf(raw["confidence"])),
		RiskFlags:       llm.StringSlice(raw["risk_flags"]),
		Recommendations: llm.StringSlice(raw["recommendations"]),
		Relevance:       relevance,
	}
}

// Synthesize merges specialist results into one response. Priority
// order, highest first: safety escalation, user risk flags, strategic
// phase, relevance. A safety escalation is absolute: the escalation
// guidance leads the answer and conflicting advice is suppressed.
func (c *Council) Synthesize(ctx context.Context, userID, question string, d digest.Digest, plan Plan, results []SpecialistResult) Response {
	ordered := prioritize(results, d)
	escalation := findEscalation(results)

	req := llm.Request{
		System:      synthesisSystemPrompt(escalation != nil),
		Prompt:      synthesisPrompt(question, d, ordered),
		MaxTokens:   plan.TokensPerRole,
		Temperature: 0.5,
		Model:       llm.SelectModel(c.models, plan.Class),
	}
	var resp Response
	res, err := c.guard.Do(ctx, c.client, req)
	if err == nil {
		c.trackUsage(RoleSynthesis, plan.Mode, res)
		resp, err = parseResponse(res.Text)
	}
	if err != nil {
		c.logger.Warn("synthesis failed", zap.Error(err))
		c.guard.ReportGap(ctx, userID, string(RoleSynthesis), "synthesis_failed")
		resp = FallbackResponse(
			"I could not generate a full coaching response right now. "+
				"Please retry in a moment, and I can still help with a practical next step.",
			[]string{FlagLLMUnavailable})
	}

	for _, r := range results {
		if r.Degraded {
			resp.Degraded = true
		}
		resp.SafetyFlags = appendUnique(resp.SafetyFlags, r.RiskFlags...)
	}

	// The veto is enforced here, not just in the prompt: escalation
	// guidance must appear in the final answer no matter what the
	// synthesis model produced.
	if escalation != nil {
		resp.SafetyFlags = appendUnique(resp.SafetyFlags, FlagSafetyEscalation)
		if !strings.Contains(resp.Answer, escalation.Output) {
			resp.Answer = "Safety first: " + escalation.Output + "\n\n" + resp.Answer
		}
	}
	resp.Disclaimer = Disclaimer
	return resp
}

// FallbackResponse builds a contract-complete response with safe
// generic guidance.
func FallbackResponse(answer string, safetyFlags []string) Response {
	return Response{
		Answer: answer,
		RationaleBullets: []string{
			"Baseline and recent trends are the strongest inputs for tailored coaching.",
			"Small, consistent changes beat aggressive short-term plans.",
			"We can tighten recommendations once more data is available.",
		},
		RecommendedActions: []Action{
			{
				Title: "Take one low-friction next step",
				Steps: []string{
					"Pick one behavior to execute daily for 7 days.",
					"Log the result at the same time each day.",
					"Review trend direction before changing plan.",
				},
			},
		},
		SuggestedQuestions: []string{
			"Want a 7-day plan based on your current trends?",
			"Want help choosing one metric to prioritize this week?",
			"Want a quick daily check-in template?",
		},
		SafetyFlags: append([]string{}, safetyFlags...),
		Disclaimer:  Disclaimer,
		Degraded:    true,
	}
}

// prioritize orders results for synthesis: escalating safety results
// first, then roles matching the user's declared risk flags, then the
// goal strategist's phase directives, then descending relevance.
func prioritize(results []SpecialistResult, d digest.Digest) []SpecialistResult {
	ordered := make([]SpecialistResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank(ordered[i], d), rank(ordered[j], d)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].Relevance > ordered[j].Relevance
	})
	return ordered
}

func rank(r SpecialistResult, d digest.Digest) int {
	if hasFlag(r.RiskFlags, FlagSafetyEscalation) {
		return 0
	}
	if contract, ok := ContractFor(r.Role); ok {
		for _, affinity := range contract.RiskAffinity {
			for _, flag := range d.RiskFlags {
				if flag == affinity {
					return 1
				}
			}
		}
	}
	if r.Role == RoleGoalStrategist {
		return 2
	}
	return 3
}

func findEscalation(results []SpecialistResult) *SpecialistResult {
	for i, r := range results {
		if r.Role == RoleSafetyClinician && hasFlag(r.RiskFlags, FlagSafetyEscalation) && !r.Degraded {
			return &results[i]
		}
	}
	return nil
}

func degradedResult(role Role, relevance float64) SpecialistResult {
	return SpecialistResult{
		Role:      role,
		Output:    "No assessment available for this domain right now; keep to your current plan and conservative defaults.",
		Degraded:  true,
		Relevance: relevance,
	}
}

func specialistSystemPrompt(c Contract) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)
	sb.WriteString("\n\nSpecialist: " + c.Title)
	sb.WriteString("\nRole: " + c.Scope)
	sb.WriteString("\nMission: " + c.Mission)
	sb.WriteString("\nResponsibilities:")
	for _, item := range c.Responsibilities {
		sb.WriteString("\n- " + item)
	}
	sb.WriteString("\nGuardrails:")
	for _, item := range c.Guardrails {
		sb.WriteString("\n- " + item)
	}
	sb.WriteString("\nBuilt-in check-in triggers:")
	for _, item := range c.CheckInTriggers {
		sb.WriteString("\n- " + item)
	}
	return sb.String()
}

func specialistPrompt(question string, d digest.Digest) string {
	body := map[string]any{
		"question": question,
		"context":  d.Render(),
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func synthesisSystemPrompt(escalated bool) string {
	prompt := baseSystemPrompt + `

You are the synthesis step. Merge the specialist assessments below into
one coherent plan. Respect the order given: earlier entries carry
higher priority. Respond with a single JSON object:
{"answer": string, "rationale_bullets": [3-7 strings], "recommended_actions": [1-3 {"title","steps"}], "suggested_questions": [3-8 strings], "safety_flags": [string]}`
	if escalated {
		prompt += `

A safety escalation is active. The escalation guidance MUST lead the
answer. Suppress or reframe any specialist recommendation that
conflicts with it; never present conflicting advice as primary.`
	}
	return prompt
}

func synthesisPrompt(question string, d digest.Digest, ordered []SpecialistResult) string {
	type entry struct {
		Role            string   `json:"role"`
		Assessment      string   `json:"assessment"`
		Recommendations []string `json:"recommendations,omitempty"`
		RiskFlags       []string `json:"risk_flags,omitempty"`
		Degraded        bool     `json:"degraded,omitempty"`
	}
	entries := make([]entry, 0, len(ordered))
	for _, r := range ordered {
		entries = append(entries, entry{
			Role:            string(r.Role),
			Assessment:      r.Output,
			Recommendations: r.Recommendations,
			RiskFlags:       r.RiskFlags,
			Degraded:        r.Degraded,
		})
	}
	body := map[string]any{
		"question":    question,
		"context":     d.Render(),
		"specialists": entries,
	}
	data, _ := json.Marshal(body)
	return string(data)
}

// parseResponse validates the synthesis output against the response
// contract, substituting safe fallbacks for malformed sections.
func parseResponse(text string) (Response, error) {
	raw, err := llm.ParseJSON(text)
	if err != nil {
		return Response{}, err
	}
	answer := strings.TrimSpace(stringOf(raw["answer"]))
	if answer == "" {
		return Response{}, errEmptyAnswer
	}
	fb := FallbackResponse("", nil)
	resp := Response{
		Answer: answer,
		RationaleBullets: safeList(raw["rationale_bullets"], 3, 7, []string{
			"Your baseline and 7-day trends were used to shape this answer.",
			"Focus on consistency before increasing plan complexity.",
			"A weekly review helps adjust the plan with better signal.",
		}),
		RecommendedActions: safeActions(raw["recommended_actions"]),
		SuggestedQuestions: safeList(raw["suggested_questions"], 3, 8, fb.SuggestedQuestions),
		SafetyFlags:        safeList(raw["safety_flags"], 0, 8, nil),
	}
	if len(resp.RecommendedActions) == 0 {
		resp.RecommendedActions = fb.RecommendedActions
	}
	return resp, nil
}

var errEmptyAnswer = errors.New("synthesis returned no answer")

func safeList(v any, minItems, maxItems int, fallback []string) []string {
	cleaned := llm.StringSlice(v)
	if len(cleaned) < minItems {
		return fallback
	}
	if maxItems > 0 && len(cleaned) > maxItems {
		return cleaned[:maxItems]
	}
	return cleaned
}

func safeActions(v any) []Action {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var actions []Action
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title := strings.TrimSpace(stringOf(m["title"]))
		steps := llm.StringSlice(m["steps"])
		if title == "" || len(steps) == 0 {
			continue
		}
		if len(steps) > 5 {
			steps = steps[:5]
		}
		actions = append(actions, Action{Title: title, Steps: steps})
		if len(actions) == 3 {
			break
		}
	}
	return actions
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func numberOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		if !hasFlag(dst, item) {
			dst = append(dst, item)
		}
	}
	return dst
}

package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"alchemist/internal/field"
	"alchemist/internal/llm"
)

const scopedSystemPrompt = `You extract structured fields from a user's message.
Return strict JSON: {"fields": {"<name>": "<value>" | "unknown"}}.
Only use the field names you are given. Use "unknown" when the message
does not state a value. Never guess or infer values the user did not say.`

// Scoped asks the model for only the fields the deterministic pass left
// unresolved. Candidates are re-validated before use; a failing candidate
// is dropped and the field stays pending.
type Scoped struct {
	client llm.Client
	models llm.ModelSet
	budget int
	logger *zap.Logger
}

// NewScoped builds a scoped extractor. Calls run on the utility model
// with the utility token budget.
func NewScoped(client llm.Client, models llm.ModelSet, tokenBudget int, logger *zap.Logger) *Scoped {
	if tokenBudget == 0 {
		tokenBudget = 512
	}
	return &Scoped{client: client, models: models, budget: tokenBudget, logger: logger}
}

// ScopedResult is the validated outcome of one scoped extraction call.
type ScopedResult struct {
	Resolved map[string]field.Value
	Unknown  []string
	Usage    llm.Result
}

// Extract resolves pending fields from the remainder text. The prompt
// carries only the pending specs, never the full field set or unrelated
// user data.
func (s *Scoped) Extract(ctx context.Context, remainder string, pending []field.Spec) (ScopedResult, error) {
	out := ScopedResult{Resolved: make(map[string]field.Value)}
	if strings.TrimSpace(remainder) == "" || len(pending) == 0 {
		return out, nil
	}

	specs := make(map[string]field.Spec, len(pending))
	for _, spec := range pending {
		specs[spec.Name] = spec
	}

	res, err := s.client.GenerateJSON(ctx, llm.Request{
		System:      scopedSystemPrompt,
		Prompt:      buildScopedPrompt(remainder, pending),
		MaxTokens:   s.budget,
		Temperature: 0.1,
		Model:       llm.SelectModel(s.models, llm.TaskUtility),
	})
	if err != nil {
		return out, fmt.Errorf("scoped extraction: %w", err)
	}
	out.Usage = res

	obj, err := llm.ParseJSON(res.Text)
	if err != nil {
		return out, fmt.Errorf("scoped extraction: %w", err)
	}
	fields, _ := obj["fields"].(map[string]any)

	for name, raw := range fields {
		spec, known := specs[name]
		if !known {
			// Closed field set: anything outside it is discarded.
			continue
		}
		rawStr := strings.TrimSpace(fmt.Sprintf("%v", raw))
		if strings.EqualFold(rawStr, "unknown") || rawStr == "" || rawStr == "<nil>" {
			out.Unknown = append(out.Unknown, name)
			continue
		}
		value, err := field.Validate(spec, rawStr)
		if err != nil {
			s.logger.Debug("scoped candidate rejected",
				zap.String("field", name),
				zap.Error(err))
			continue
		}
		out.Resolved[name] = value
	}
	sort.Strings(out.Unknown)
	return out, nil
}

func buildScopedPrompt(remainder string, pending []field.Spec) string {
	var sb strings.Builder
	sb.WriteString("Message:\n")
	sb.WriteString(remainder)
	sb.WriteString("\n\nFields to extract:\n")
	ordered := append([]field.Spec(nil), pending...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })
	for _, spec := range ordered {
		sb.WriteString("- ")
		sb.WriteString(spec.Name)
		sb.WriteString(" (")
		sb.WriteString(string(spec.Type))
		switch spec.Type {
		case field.TypeNumber, field.TypeInteger, field.TypeScale:
			fmt.Fprintf(&sb, ", %v to %v", spec.Min, spec.Max)
			if spec.Unit != "" {
				sb.WriteString(" ")
				sb.WriteString(spec.Unit)
			}
		case field.TypeEnum:
			sb.WriteString(", one of: ")
			sb.WriteString(strings.Join(spec.Enum, "|"))
		}
		sb.WriteString(")\n")
	}
	return sb.String()
}

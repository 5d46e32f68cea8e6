package council

import (
	"sort"

	"alchemist/internal/digest"
	"alchemist/internal/llm"
)

// Mode is the execution mode for one turn.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeDeep  Mode = "deep"
)

// quickSubsetSize bounds the relevance-ranked specialists in quick mode
// (the safety clinician joins on top of these).
const quickSubsetSize = 2

// Budgets holds the per-task-class token budgets. Utility must stay
// below reasoning, and reasoning below deep-think.
type Budgets struct {
	Utility   int `yaml:"utility"`
	Reasoning int `yaml:"reasoning"`
	DeepThink int `yaml:"deep_think"`
}

// DefaultBudgets is the production cost policy.
func DefaultBudgets() Budgets {
	return Budgets{Utility: 400, Reasoning: 900, DeepThink: 2200}
}

// ForClass returns the budget for a task class.
func (b Budgets) ForClass(class llm.TaskClass) int {
	switch class {
	case llm.TaskUtility:
		return b.Utility
	case llm.TaskDeepThink:
		return b.DeepThink
	default:
		return b.Reasoning
	}
}

// Plan is the resolved execution plan for one turn.
type Plan struct {
	Mode          Mode
	Roles         []Role
	Class         llm.TaskClass
	TokensPerRole int
}

// Resolve picks mode, specialist subset, and per-role budget. The mode
// comes from the explicit flag alone; the question never flips it. In
// quick mode the subset is the top relevance-ranked specialists plus
// the safety clinician; deep mode runs the full role set.
func Resolve(deepThink bool, question string, d digest.Digest, budgets Budgets) Plan {
	if deepThink {
		roles := make([]Role, len(SpecialistRoles))
		copy(roles, SpecialistRoles)
		return Plan{
			Mode:          ModeDeep,
			Roles:         roles,
			Class:         llm.TaskDeepThink,
			TokensPerRole: budgets.ForClass(llm.TaskDeepThink),
		}
	}

	type scored struct {
		role  Role
		score float64
	}
	var ranked []scored
	for _, role := range SpecialistRoles {
		if role == RoleSafetyClinician {
			continue
		}
		c := contracts[role]
		ranked = append(ranked, scored{role: role, score: c.Relevance(question, d)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	roles := make([]Role, 0, quickSubsetSize+1)
	for i := 0; i < quickSubsetSize && i < len(ranked); i++ {
		roles = append(roles, ranked[i].role)
	}
	roles = append(roles, RoleSafetyClinician)

	return Plan{
		Mode:          ModeQuick,
		Roles:         roles,
		Class:         llm.TaskReasoning,
		TokensPerRole: budgets.ForClass(llm.TaskReasoning),
	}
}

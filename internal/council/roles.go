package council

import (
	"strings"

	"alchemist/internal/digest"
)

// Role identifies one specialist in the council. The set is closed;
// contracts are resolved from the table below, never dispatched
// dynamically.
type Role string

const (
	RoleNutritionist      Role = "nutritionist"
	RoleSleepExpert       Role = "sleep_expert"
	RoleMovementCoach     Role = "movement_coach"
	RoleSupplementAuditor Role = "supplement_auditor"
	RoleSafetyClinician   Role = "safety_clinician"
	RoleCardiometabolic   Role = "cardiometabolic_strategist"
	RoleGoalStrategist    Role = "goal_strategist"
	RoleSynthesis         Role = "synthesis"
)

// SpecialistRoles is every role that runs in the fan-out phase, in a
// stable order. Synthesis is not in the fan-out; it is the join step.
var SpecialistRoles = []Role{
	RoleNutritionist,
	RoleSleepExpert,
	RoleMovementCoach,
	RoleSupplementAuditor,
	RoleSafetyClinician,
	RoleCardiometabolic,
	RoleGoalStrategist,
}

// Contract is the static configuration of one specialist role.
type Contract struct {
	Role             Role
	Title            string
	Scope            string
	Mission          string
	Responsibilities []string
	Guardrails       []string
	CheckInTriggers  []string

	// Keywords drive the relevance score against the question text.
	Keywords []string
	// RiskAffinity boosts relevance when a matching user risk flag is
	// present in the digest.
	RiskAffinity []string
	// RequiredMetrics must have data in the trailing window for the
	// role to run; otherwise the call is skipped and marked degraded.
	RequiredMetrics []string
	// RelevantMetrics bound the digest slice the role may see.
	RelevantMetrics []string
}

var contracts = map[Role]Contract{
	RoleNutritionist: {
		Role:    RoleNutritionist,
		Title:   "Nutritionist",
		Scope:   "You are the Nutrition Specialist responsible for caloric structure, macronutrient balance, sodium/potassium balance, and protein optimization.",
		Mission: "Maintain fat loss while preserving lean mass and support DASH-aligned BP control.",
		Responsibilities: []string{
			"Assess caloric structure and macro balance.",
			"Track sodium and potassium trends.",
			"Identify protein deficits and caloric drift.",
		},
		Guardrails: []string{
			"Do not recommend extreme caloric restriction.",
			"Do not override the Safety Clinician.",
			"Do not comment on sleep or training unless nutrition is causative.",
		},
		CheckInTriggers: []string{
			"Is total daily protein on pace?",
			"Is sodium trending high?",
			"Is the caloric deficit appropriate?",
		},
		Keywords:        []string{"eat", "food", "meal", "lunch", "dinner", "breakfast", "protein", "calorie", "diet", "nutrition", "sodium", "snack", "carb"},
		RiskAffinity:    []string{"high_waist"},
		RelevantMetrics: []string{"nutrition_on_plan", "energy"},
	},
	RoleSleepExpert: {
		Role:    RoleSleepExpert,
		Title:   "Sleep Expert",
		Scope:   "You oversee sleep duration, sleep quality, circadian rhythm, and nighttime recovery.",
		Mission: "Maintain at least 7 hours average sleep and improve deep sleep consistency.",
		Responsibilities: []string{
			"Track sleep duration and subjective fatigue.",
			"Correlate alcohol, late eating, and hydration timing.",
			"Recommend circadian alignment.",
		},
		Guardrails: []string{
			"Do not alter nutrition targets.",
			"Do not adjust training volume.",
		},
		CheckInTriggers: []string{
			"Sleep duration?",
			"Morning fatigue level?",
			"If under 6.5h or fatigue persists 3 days, escalate the recommendation.",
		},
		Keywords:        []string{"sleep", "tired", "fatigue", "bed", "insomnia", "wake", "rest", "nap", "melatonin"},
		RiskAffinity:    []string{"low_sleep"},
		RequiredMetrics: []string{"sleep_hours"},
		RelevantMetrics: []string{"sleep_hours", "energy", "stress"},
	},
	RoleMovementCoach: {
		Role:    RoleMovementCoach,
		Title:   "Movement Coach",
		Scope:   "You oversee strength training, Zone 2, HIIT, mobility, and recovery load.",
		Mission: "Preserve or increase strength, improve aerobic efficiency, avoid overtraining.",
		Responsibilities: []string{
			"Assess training intensity, duration, and heart-rate response.",
			"Track progressive overload and fatigue signals.",
			"Balance cardio versus strength load.",
		},
		Guardrails: []string{
			"Do not recommend daily HIIT.",
			"Defer to the Sleep Expert on recovery conflicts.",
			"Defer to the Safety Clinician if blood pressure is elevated.",
		},
		CheckInTriggers: []string{
			"Was training completed?",
			"Is heart rate trending up at the same workload?",
			"Is fatigue high?",
		},
		Keywords:        []string{"train", "workout", "exercise", "run", "lift", "strength", "cardio", "gym", "hiit", "mobility", "sore"},
		RelevantMetrics: []string{"training_done", "energy", "stress"},
	},
	RoleSupplementAuditor: {
		Role:    RoleSupplementAuditor,
		Title:   "Supplement Auditor",
		Scope:   "You evaluate supplement timing, necessity, dosage safety, and interaction risks.",
		Mission: "Optimize timing, prevent redundancy, avoid sleep interference, support cardiometabolic health.",
		Responsibilities: []string{
			"Track adherence and flag missed doses.",
			"Align caffeine timing.",
			"Prevent excess fat-soluble intake.",
		},
		Guardrails: []string{
			"Do not recommend new supplements without justification.",
			"Defer medication advice to the Safety Clinician.",
		},
		CheckInTriggers: []string{
			"Morning stack taken?",
			"Energy compounds taken too late?",
		},
		Keywords:        []string{"supplement", "stack", "creatine", "berberine", "ashwagandha", "omega-3", "magnesium", "vitamin", "caffeine", "dose"},
		RelevantMetrics: []string{"sleep_hours", "energy"},
	},
	RoleSafetyClinician: {
		Role:    RoleSafetyClinician,
		Title:   "Safety Clinician",
		Scope:   "You provide medical boundary oversight.",
		Mission: "Prevent unsafe fasting or blood-pressure decisions and monitor red flags.",
		Responsibilities: []string{
			"Review blood-pressure trends.",
			"Flag dizziness, fainting, or unusual heart rate.",
			"Prevent abrupt medication changes.",
		},
		Guardrails: []string{
			"Never diagnose.",
			"Never override a physician.",
			"Always prioritize safety over fat loss.",
		},
		CheckInTriggers: []string{
			"If BP exceeds 140/90, heart rate is irregular, or dizziness is reported: escalate caution.",
		},
		Keywords:        []string{"dizzy", "pain", "medication", "blood pressure", "bp", "heart", "fast", "fasting", "symptom"},
		RiskAffinity:    []string{"elevated_bp"},
		RelevantMetrics: []string{"sleep_hours", "energy", "stress", "training_done"},
	},
	RoleCardiometabolic: {
		Role:    RoleCardiometabolic,
		Title:   "Cardiometabolic Strategist",
		Scope:   "You optimize lipid markers, arterial health, insulin sensitivity, and long-term cardiovascular risk.",
		Mission: "Lower LDL safely, improve triglycerides and HDL, and support physician-led medication reduction.",
		Responsibilities: []string{
			"Monitor weekly blood-pressure averages.",
			"Evaluate lipid impact of diet.",
			"Correlate weight-loss trend with blood-pressure changes.",
		},
		Guardrails: []string{
			"Do not adjust medications directly.",
			"Flag when a physician consult is appropriate.",
		},
		CheckInTriggers: []string{
			"Weekly review: 7-day BP average, alcohol frequency, weight trend.",
		},
		Keywords:        []string{"cholesterol", "ldl", "lipid", "blood pressure", "bp", "insulin", "glucose", "heart", "cardio", "alcohol"},
		RiskAffinity:    []string{"elevated_bp", "high_waist"},
		RequiredMetrics: []string{"nutrition_on_plan"},
		RelevantMetrics: []string{"nutrition_on_plan", "training_done", "stress"},
	},
	RoleGoalStrategist: {
		Role:    RoleGoalStrategist,
		Title:   "Goal Strategist",
		Scope:   "You govern long-term targets and phase transitions.",
		Mission: "Achieve the long-term objective trajectory with sustainable tradeoffs.",
		Responsibilities: []string{
			"Define phase blocks and pivot triggers.",
			"Track weekly trends.",
			"Evaluate strategic drift.",
		},
		Guardrails: []string{
			"Do not micromanage meals.",
			"Defer daily execution to the synthesis step.",
		},
		CheckInTriggers: []string{
			"Weekly: weight delta, BP trend, training consistency, sleep average.",
			"If drifting, redefine the phase.",
		},
		Keywords:        []string{"goal", "plan", "progress", "plateau", "phase", "target", "week", "strategy", "motivation"},
		RelevantMetrics: []string{"sleep_hours", "energy", "mood", "stress", "training_done", "nutrition_on_plan"},
	},
}

// ContractFor returns the contract for a role. The bool is false for
// unknown roles and for synthesis, which has no fan-out contract.
func ContractFor(role Role) (Contract, bool) {
	c, ok := contracts[role]
	return c, ok
}

// Relevance scores how applicable a role is to the question given the
// user's digest. Keyword hits count once each; a matching risk flag is
// worth more than any single keyword so flagged domains surface first.
func (c Contract) Relevance(question string, d digest.Digest) float64 {
	lowered := strings.ToLower(question)
	var score float64
	for _, kw := range c.Keywords {
		if strings.Contains(lowered, kw) {
			score++
		}
	}
	for _, affinity := range c.RiskAffinity {
		for _, flag := range d.RiskFlags {
			if flag == affinity {
				score += 2
			}
		}
	}
	return score
}

// DataMet reports whether the role's prerequisite metrics have data in
// the trailing window. A role without prerequisites always runs.
func (c Contract) DataMet(d digest.Digest) bool {
	return d.HasMetrics(c.RequiredMetrics...)
}

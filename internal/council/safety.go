package council

import "strings"

// Safety flags surfaced on responses.
const (
	FlagUrgentSymptom     = "urgent_symptom_language"
	FlagSupplementCaution = "supplement_caution"
	FlagSafetyEscalation  = "safety_escalation"
	FlagBaselineMissing   = "baseline_missing"
	FlagLLMUnavailable    = "llm_unavailable"
)

// urgentSymptomPatterns trip the emergency short-circuit before any
// model call is made.
var urgentSymptomPatterns = []string{
	"chest pain",
	"pressure in chest",
	"shortness of breath",
	"faint",
	"fainting",
	"passed out",
	"stroke",
	"face droop",
	"slurred speech",
	"one side weak",
}

var supplementPatterns = []string{
	"supplement",
	"stack",
	"creatine",
	"berberine",
	"ashwagandha",
	"omega-3",
}

// DetectUrgentFlags scans a question for urgent symptom language.
func DetectUrgentFlags(question string) []string {
	lowered := strings.ToLower(question)
	for _, pattern := range urgentSymptomPatterns {
		if strings.Contains(lowered, pattern) {
			return []string{FlagUrgentSymptom}
		}
	}
	return nil
}

// HasSupplementTopic reports whether the question touches supplements.
func HasSupplementTopic(question string) bool {
	lowered := strings.ToLower(question)
	for _, token := range supplementPatterns {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

// Disclaimer is appended to every coaching response.
const Disclaimer = "This is coaching guidance, not medical diagnosis."

// SupplementCautionText is the extra rationale line added when the
// question touches supplements.
const SupplementCautionText = "Supplement guidance should be conservative; check with your clinician if you use medications or have conditions."

// EmergencyResponse is the fixed response for urgent symptom language.
// It is produced without any model call.
func EmergencyResponse() Response {
	return Response{
		Answer: "Your message includes symptoms that could need urgent care. " +
			"Please seek immediate medical attention or call emergency services now.",
		RationaleBullets: []string{
			"Some symptoms can signal a time-sensitive emergency.",
			"Remote coaching is not safe for urgent symptom evaluation.",
			"Fast in-person assessment is the safest next step.",
		},
		RecommendedActions: []Action{
			{
				Title: "Get urgent care now",
				Steps: []string{
					"Call local emergency services immediately.",
					"Do not drive yourself if you feel faint or unstable.",
					"Share your current symptoms clearly with clinicians.",
				},
			},
		},
		SuggestedQuestions: []string{
			"Want a short summary you can read to emergency services?",
			"Want a checklist of recent metrics to bring to clinicians?",
			"Want guidance on what baseline information to share after urgent care?",
		},
		SafetyFlags: []string{FlagUrgentSymptom},
		Disclaimer:  Disclaimer,
	}
}

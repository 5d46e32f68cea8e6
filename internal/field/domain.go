package field

// Domain field sets for the two guided flows. Ranges mirror the baseline
// and daily-log bounds the coaching product enforces.

func scale(name string, synonyms ...string) Spec {
	return Spec{Name: name, Type: TypeScale, Min: 1, Max: 10, Required: true, Synonyms: synonyms}
}

// IntakeSpecs returns the baseline intake field set.
func IntakeSpecs() SpecSet {
	specs := []Spec{
		{
			Name: "primary_goal", Type: TypeEnum, Required: true,
			Enum:     []string{"energy", "heart_health", "longevity_optimization", "weight_loss", "mental_clarity"},
			Synonyms: []string{"primary goal", "main goal", "goal"},
		},
		{Name: "weight", Type: TypeNumber, Min: 30, Max: 350, Unit: "kg", Required: true, Synonyms: []string{"weight", "weigh"}},
		{Name: "waist", Type: TypeNumber, Min: 40, Max: 250, Unit: "cm", Required: true, Synonyms: []string{"waist"}},
		{Name: "systolic_bp", Type: TypeInteger, Min: 70, Max: 240, Unit: "mmHg", Required: true, Synonyms: []string{"systolic", "top number"}},
		{Name: "diastolic_bp", Type: TypeInteger, Min: 40, Max: 150, Unit: "mmHg", Required: true, Synonyms: []string{"diastolic", "bottom number"}},
		{Name: "resting_hr", Type: TypeInteger, Min: 30, Max: 220, Unit: "bpm", Required: true, Synonyms: []string{"resting heart rate", "resting hr", "heart rate"}},
		{Name: "sleep_hours", Type: TypeNumber, Min: 0, Max: 16, Unit: "h", Required: true, Synonyms: []string{"sleep", "slept"}},
		{
			Name: "activity_level", Type: TypeEnum, Required: true,
			Enum:     []string{"sedentary", "light", "moderate", "high", "athlete"},
			Synonyms: []string{"activity level", "activity"},
		},
		scale("energy", "energy"),
		scale("mood", "mood"),
		scale("stress", "stress", "stressed"),
		scale("sleep_quality", "sleep quality"),
		scale("motivation", "motivation", "motivated"),
		{
			Name: "engagement_style", Type: TypeEnum,
			Enum:     []string{"concise", "detailed", "playful", "serious"},
			Synonyms: []string{"engagement style", "coaching style"},
		},
		{Name: "nutrition_patterns", Type: TypeText, Synonyms: []string{"nutrition", "diet", "eating"}},
		{Name: "training_history", Type: TypeText, Synonyms: []string{"training history", "exercise history"}},
		{Name: "supplement_stack", Type: TypeText, Synonyms: []string{"supplements", "supplement stack"}},
		{Name: "medication_details", Type: TypeText, Synonyms: []string{"medications", "meds"}},
	}
	set := make(SpecSet, len(specs))
	for _, s := range specs {
		set[s.Name] = s
	}
	return set
}

// CheckinSpecs returns the daily check-in field set.
func CheckinSpecs() SpecSet {
	specs := []Spec{
		{Name: "sleep_hours", Type: TypeNumber, Min: 0, Max: 16, Unit: "h", Required: true, Synonyms: []string{"sleep", "slept"}},
		scale("energy", "energy"),
		scale("mood", "mood"),
		scale("stress", "stress", "stressed"),
		{Name: "training_done", Type: TypeBoolean, Required: true, Synonyms: []string{"training", "trained", "workout", "worked out"}},
		{Name: "nutrition_on_plan", Type: TypeBoolean, Required: true, Synonyms: []string{"nutrition", "ate on plan", "diet"}},
		{Name: "notes", Type: TypeText, MaxLen: 1200, Synonyms: []string{"notes", "note"}},
	}
	set := make(SpecSet, len(specs))
	for _, s := range specs {
		set[s.Name] = s
	}
	return set
}

// CheckCrossRules applies the cross-field rules that single-field
// validation cannot express. It returns the names of fields invalidated
// by a violated rule.
func CheckCrossRules(answers map[string]Value) []string {
	sys, hasSys := answers["systolic_bp"]
	dia, hasDia := answers["diastolic_bp"]
	if hasSys && hasDia && dia.Num >= sys.Num {
		return []string{"systolic_bp", "diastolic_bp"}
	}
	return nil
}

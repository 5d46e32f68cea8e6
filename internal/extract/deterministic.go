// Package extract implements the two-phase field extraction pipeline:
// a rule-based deterministic pass over free text, then a scoped model
// call for whatever the rules could not resolve. Both phases feed every
// candidate through field.Validate before it can reach a flow.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"alchemist/internal/field"
)

// Result is the outcome of the deterministic pass.
type Result struct {
	// Resolved holds validated values keyed by field name.
	Resolved map[string]field.Value
	// Unsure lists fields the user explicitly declined to answer
	// ("not sure about waist"). They stay pending unless optional.
	Unsure []string
	// Remainder is the input with resolved spans blanked, handed to the
	// scoped model extractor.
	Remainder string
}

var (
	bpPairRe   = regexp.MustCompile(`\b(\d{2,3})\s*/\s*(\d{2,3})\b`)
	numTokenRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([a-zA-Z]*)`)
	scaleOfRe  = regexp.MustCompile(`(\d{1,2})\s*(?:/|out of)\s*10`)
)

// unsurePhrases precede a field mention when the user declines it.
var unsurePhrases = []string{
	"not sure about", "not sure on", "don't know", "dont know",
	"no idea about", "no idea", "skip", "unsure about",
}

// negationTokens mark a boolean field as false when found near its synonym.
var negationTokens = []string{"didn't", "did not", "no ", "not ", "skipped", "missed", "off plan"}

// Deterministic resolves as many pending fields as possible from free
// text without any model call. It is cheap, pure, and runs first on
// every flow turn.
func Deterministic(text string, pending []field.Spec) Result {
	res := Result{Resolved: make(map[string]field.Value)}
	lowered := strings.ToLower(text)
	var consumed []span

	// Blood pressure reads as a pair ("128/82"), which single-field
	// synonym matching cannot split.
	res.tryBloodPressure(lowered, pending, &consumed)

	ordered := append([]field.Spec(nil), pending...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	for _, spec := range ordered {
		if _, done := res.Resolved[spec.Name]; done {
			continue
		}
		loc, matched := findSynonym(lowered, spec)
		if !matched {
			continue
		}
		if declined(lowered, loc.start) {
			res.Unsure = append(res.Unsure, spec.Name)
			continue
		}

		window := windowAfter(lowered, loc.end, 40)
		raw, rawSpan, ok := candidateFor(spec, lowered, window, loc.end)
		if !ok {
			continue
		}
		value, err := field.Validate(spec, raw)
		if err != nil {
			continue
		}
		res.Resolved[spec.Name] = value
		consumed = append(consumed, loc, rawSpan)
	}

	res.Remainder = blank(text, consumed)
	return res
}

type span struct{ start, end int }

func (r *Result) tryBloodPressure(lowered string, pending []field.Spec, consumed *[]span) {
	var sysSpec, diaSpec *field.Spec
	for i := range pending {
		switch pending[i].Name {
		case "systolic_bp":
			sysSpec = &pending[i]
		case "diastolic_bp":
			diaSpec = &pending[i]
		}
	}
	if sysSpec == nil && diaSpec == nil {
		return
	}
	m := bpPairRe.FindStringSubmatchIndex(lowered)
	if m == nil {
		return
	}
	// Require a pressure mention somewhere, otherwise "7/10" style
	// ratings would read as blood pressure. The scale regex is excluded
	// explicitly as well.
	if !strings.Contains(lowered, "bp") && !strings.Contains(lowered, "pressure") {
		return
	}
	if lowered[m[4]:m[5]] == "10" {
		return
	}
	if sysSpec != nil {
		if v, err := field.Validate(*sysSpec, lowered[m[2]:m[3]]); err == nil {
			r.Resolved[sysSpec.Name] = v
		}
	}
	if diaSpec != nil {
		if v, err := field.Validate(*diaSpec, lowered[m[4]:m[5]]); err == nil {
			r.Resolved[diaSpec.Name] = v
		}
	}
	*consumed = append(*consumed, span{m[0], m[1]})
}

func findSynonym(lowered string, spec field.Spec) (span, bool) {
	keys := append([]string{strings.ReplaceAll(spec.Name, "_", " ")}, spec.Synonyms...)
	best := span{-1, -1}
	for _, key := range keys {
		idx := strings.Index(lowered, key)
		if idx == -1 {
			continue
		}
		if best.start == -1 || idx < best.start {
			best = span{idx, idx + len(key)}
		}
	}
	return best, best.start != -1
}

// declined reports whether an unsure phrase immediately precedes the
// synonym match.
func declined(lowered string, synonymStart int) bool {
	prefix := lowered[:synonymStart]
	if len(prefix) > 30 {
		prefix = prefix[len(prefix)-30:]
	}
	for _, phrase := range unsurePhrases {
		if idx := strings.LastIndex(prefix, phrase); idx != -1 {
			// Nothing but filler between the phrase and the field name.
			between := strings.TrimSpace(prefix[idx+len(phrase):])
			if len(between) <= len("my ") {
				return true
			}
		}
	}
	return false
}

func windowAfter(lowered string, from, size int) string {
	end := from + size
	if end > len(lowered) {
		end = len(lowered)
	}
	return lowered[from:end]
}

// candidateFor extracts the raw value string for a spec from the window
// following its synonym.
func candidateFor(spec field.Spec, lowered, window string, windowStart int) (string, span, bool) {
	switch spec.Type {
	case field.TypeNumber, field.TypeInteger:
		m := numTokenRe.FindStringSubmatchIndex(window)
		if m == nil {
			return "", span{}, false
		}
		return window[m[0]:m[1]], span{windowStart + m[0], windowStart + m[1]}, true

	case field.TypeScale:
		if m := scaleOfRe.FindStringSubmatchIndex(window); m != nil {
			return window[m[2]:m[3]], span{windowStart + m[0], windowStart + m[1]}, true
		}
		m := numTokenRe.FindStringSubmatchIndex(window)
		if m == nil {
			return "", span{}, false
		}
		return window[m[0]:m[1]], span{windowStart + m[0], windowStart + m[1]}, true

	case field.TypeBoolean:
		// Stay inside the current clause so a neighboring field's
		// negation cannot flip this one.
		if cut := strings.IndexAny(window, ",.;"); cut != -1 {
			window = window[:cut]
		}
		for _, neg := range negationTokens {
			if strings.Contains(window, neg) || strings.Contains(prefixBefore(lowered, windowStart, 20), neg) {
				return "no", span{}, true
			}
		}
		for _, pos := range []string{"yes", "done", "completed", "finished", "on plan", "did"} {
			if strings.Contains(window, pos) {
				return "yes", span{}, true
			}
		}
		// A bare mention of the synonym ("trained today") counts as yes.
		return "yes", span{}, true

	case field.TypeEnum:
		for _, allowed := range spec.Enum {
			phrase := strings.ReplaceAll(allowed, "_", " ")
			if idx := strings.Index(lowered, phrase); idx != -1 {
				return allowed, span{idx, idx + len(phrase)}, true
			}
		}
		return "", span{}, false
	}

	// Free text is left to the scoped extractor; pulling a clause out of
	// a sentence deterministically loses too much.
	return "", span{}, false
}

func prefixBefore(lowered string, at, size int) string {
	start := at - size
	if start < 0 {
		start = 0
	}
	if at > len(lowered) {
		at = len(lowered)
	}
	return lowered[start:at]
}

func blank(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	out := []byte(text)
	for _, s := range spans {
		for i := s.start; i < s.end && i < len(out); i++ {
			out[i] = ' '
		}
	}
	return strings.Join(strings.Fields(string(out)), " ")
}

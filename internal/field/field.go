// Package field defines the structured field specifications used by the
// intake and check-in flows, and the single validation path every value
// must pass before it reaches the ledger.
package field

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrValidation is returned when a raw value fails its spec. Values that
// fail validation are never persisted; the owning field stays pending.
var ErrValidation = errors.New("field validation failed")

// Type enumerates the value types a field can carry.
type Type string

const (
	TypeNumber  Type = "number"  // float with optional unit normalization
	TypeInteger Type = "integer" // whole number
	TypeScale   Type = "scale"   // integer rating, typically 1-10
	TypeBoolean Type = "boolean" // yes/no
	TypeEnum    Type = "enum"    // closed keyword set
	TypeText    Type = "text"    // free text, bounded length
)

// Spec describes one structured field. Specs are immutable and defined
// once per domain; both extractors validate against the same Spec.
type Spec struct {
	Name     string
	Type     Type
	Min      float64
	Max      float64
	Enum     []string
	Pattern  string // optional anchored regex for text fields
	Unit     string // canonical unit label for numbers (kg, cm, h, mmHg, bpm)
	Required bool
	// Synonyms are lowercase phrases the deterministic extractor matches
	// against free text to locate this field.
	Synonyms []string
	// MaxLen bounds text fields. Zero means the default of 2000.
	MaxLen int
}

// Value is a validated field value. Exactly one of Num, Str, Bool carries
// the payload depending on the spec type.
type Value struct {
	Field string  `json:"field"`
	Num   float64 `json:"num,omitempty"`
	Str   string  `json:"str,omitempty"`
	Bool  bool    `json:"bool,omitempty"`
	Unit  string  `json:"unit,omitempty"`
	Type  Type    `json:"type"`
}

// String renders the value for prompts and CLI output.
func (v Value) String() string {
	switch v.Type {
	case TypeNumber:
		s := strconv.FormatFloat(v.Num, 'f', -1, 64)
		if v.Unit != "" {
			return s + v.Unit
		}
		return s
	case TypeInteger, TypeScale:
		return strconv.Itoa(int(v.Num))
	case TypeBoolean:
		if v.Bool {
			return "yes"
		}
		return "no"
	default:
		return v.Str
	}
}

// Validate coerces raw into a Value satisfying spec, or returns an error
// wrapping ErrValidation. It is a pure function with no side effects so
// the deterministic and AI extractors share one correctness gate.
func Validate(spec Spec, raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Value{}, fmt.Errorf("%w: %s: empty value", ErrValidation, spec.Name)
	}

	switch spec.Type {
	case TypeNumber, TypeInteger, TypeScale:
		num, unit, err := parseNumeric(spec, raw)
		if err != nil {
			return Value{}, err
		}
		if spec.Type != TypeNumber && num != math.Trunc(num) {
			return Value{}, fmt.Errorf("%w: %s: %q is not a whole number", ErrValidation, spec.Name, raw)
		}
		if num < spec.Min || num > spec.Max {
			return Value{}, fmt.Errorf("%w: %s: %v outside [%v, %v]", ErrValidation, spec.Name, num, spec.Min, spec.Max)
		}
		return Value{Field: spec.Name, Num: num, Unit: unit, Type: spec.Type}, nil

	case TypeBoolean:
		b, ok := parseBool(raw)
		if !ok {
			return Value{}, fmt.Errorf("%w: %s: %q is not a yes/no value", ErrValidation, spec.Name, raw)
		}
		return Value{Field: spec.Name, Bool: b, Type: TypeBoolean}, nil

	case TypeEnum:
		lowered := normalizeToken(raw)
		for _, allowed := range spec.Enum {
			if lowered == allowed {
				return Value{Field: spec.Name, Str: allowed, Type: TypeEnum}, nil
			}
		}
		return Value{}, fmt.Errorf("%w: %s: %q not in %v", ErrValidation, spec.Name, raw, spec.Enum)

	case TypeText:
		maxLen := spec.MaxLen
		if maxLen == 0 {
			maxLen = 2000
		}
		if len(raw) > maxLen {
			return Value{}, fmt.Errorf("%w: %s: text exceeds %d chars", ErrValidation, spec.Name, maxLen)
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile("^(?:" + spec.Pattern + ")$")
			if err != nil {
				return Value{}, fmt.Errorf("%w: %s: bad pattern: %v", ErrValidation, spec.Name, err)
			}
			if !re.MatchString(raw) {
				return Value{}, fmt.Errorf("%w: %s: %q does not match pattern", ErrValidation, spec.Name, raw)
			}
		}
		return Value{Field: spec.Name, Str: raw, Type: TypeText}, nil
	}

	return Value{}, fmt.Errorf("%w: %s: unknown type %q", ErrValidation, spec.Name, spec.Type)
}

// Conversion factors into canonical units.
const (
	lbsToKg = 0.45359237
	inToCm  = 2.54
)

// unitFactors maps recognized unit suffixes to the canonical unit for
// that suffix family and the conversion into it. Weight canonicalizes
// to kilograms, girth to centimeters, time to hours; range checks and
// risk thresholds all assume canonical units.
var unitFactors = map[string]struct {
	canonical string
	factor    float64
}{
	"kg":      {"kg", 1},
	"kgs":     {"kg", 1},
	"lb":      {"kg", lbsToKg},
	"lbs":     {"kg", lbsToKg},
	"pounds":  {"kg", lbsToKg},
	"cm":      {"cm", 1},
	"in":      {"cm", inToCm},
	"inches":  {"cm", inToCm},
	"h":       {"h", 1},
	"hr":      {"h", 1},
	"hrs":     {"h", 1},
	"hours":   {"h", 1},
	"min":     {"h", 1.0 / 60.0},
	"mins":    {"h", 1.0 / 60.0},
	"minutes": {"h", 1.0 / 60.0},
	"mmhg":    {"mmHg", 1},
	"bpm":     {"bpm", 1},
}

var numericRe = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*([a-zA-Z]*)$`)

func parseNumeric(spec Spec, raw string) (float64, string, error) {
	m := numericRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, "", fmt.Errorf("%w: %s: %q is not numeric", ErrValidation, spec.Name, raw)
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s: %v", ErrValidation, spec.Name, err)
	}
	unit := strings.ToLower(m[2])
	if unit == "" {
		return num, spec.Unit, nil
	}
	uf, ok := unitFactors[unit]
	if !ok {
		return 0, "", fmt.Errorf("%w: %s: unknown unit %q", ErrValidation, spec.Name, m[2])
	}
	num *= uf.factor
	if uf.factor != 1 {
		num = math.Round(num*100) / 100
	}
	return num, uf.canonical, nil
}

func parseBool(raw string) (bool, bool) {
	switch normalizeToken(raw) {
	case "yes", "y", "true", "done", "1":
		return true, true
	case "no", "n", "false", "skipped", "0":
		return false, true
	}
	return false, false
}

func normalizeToken(raw string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_"))
}

// SpecSet indexes specs by name.
type SpecSet map[string]Spec

// Names returns the field names in the set, required fields first, each
// group sorted for deterministic batch issuance.
func (s SpecSet) Names() []string {
	required := make([]string, 0, len(s))
	optional := make([]string, 0)
	for name, spec := range s {
		if spec.Required {
			required = append(required, name)
		} else {
			optional = append(optional, name)
		}
	}
	sort.Strings(required)
	sort.Strings(optional)
	return append(required, optional...)
}

// RequiredNames returns only the required field names, sorted.
func (s SpecSet) RequiredNames() []string {
	names := make([]string, 0, len(s))
	for name, spec := range s {
		if spec.Required {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

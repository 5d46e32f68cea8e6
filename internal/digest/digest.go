// Package digest assembles the compact per-user context digest fed to
// the specialist council and the flow machinery. It summarizes the
// structured ledger and baseline snapshot; raw transcripts are never
// included.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"alchemist/internal/field"
	"alchemist/internal/store"
)

// trailingWindow is how many recent check-in periods feed the metric
// aggregates.
const trailingWindow = 7

// metricFields are the check-in fields summarized as numeric trends.
var metricFields = []string{
	"sleep_hours", "energy", "mood", "stress", "training_done", "nutrition_on_plan",
}

// MetricSummary aggregates one metric over the trailing window.
type MetricSummary struct {
	Count  int     `json:"count"`
	Latest float64 `json:"latest"`
	Avg    float64 `json:"avg_7d"`
}

// Digest is the compact context snapshot for one user. It is read-only
// once built; concurrent specialists share a single instance.
type Digest struct {
	UserID          string                   `json:"user_id"`
	BaselinePresent bool                     `json:"baseline_present"`
	Baseline        map[string]string        `json:"baseline,omitempty"`
	RiskFlags       []string                 `json:"risk_flags,omitempty"`
	Metrics         map[string]MetricSummary `json:"metrics_7d,omitempty"`
	MissingData     []string                 `json:"missing_data,omitempty"`
	RecentNotes     []string                 `json:"recent_notes,omitempty"`
}

// Store is the read surface the assembler needs.
type Store interface {
	GetBaseline(ctx context.Context, userID string) (map[string]field.Value, []string, bool, error)
	ListRecentLedgers(ctx context.Context, userID, flowType string, limit int) ([]store.LedgerEntry, error)
}

// Assembler builds digests.
type Assembler struct {
	store  Store
	logger *zap.Logger
}

// NewAssembler creates a digest assembler.
func NewAssembler(st Store, logger *zap.Logger) *Assembler {
	return &Assembler{store: st, logger: logger}
}

// Build assembles the digest for a user.
func (a *Assembler) Build(ctx context.Context, userID string) (Digest, error) {
	d := Digest{UserID: userID, Metrics: make(map[string]MetricSummary)}

	baseline, riskFlags, present, err := a.store.GetBaseline(ctx, userID)
	if err != nil {
		return Digest{}, fmt.Errorf("digest baseline: %w", err)
	}
	d.BaselinePresent = present
	d.RiskFlags = riskFlags
	if present {
		d.Baseline = make(map[string]string, len(baseline))
		for name, value := range baseline {
			d.Baseline[name] = value.String()
		}
	}

	entries, err := a.store.ListRecentLedgers(ctx, userID, "checkin", trailingWindow)
	if err != nil {
		return Digest{}, fmt.Errorf("digest ledgers: %w", err)
	}

	// Entries arrive newest first; aggregate oldest-to-newest so Latest
	// really is the latest.
	for name := range indexSet(metricFields) {
		var values []float64
		for i := len(entries) - 1; i >= 0; i-- {
			if v, ok := entries[i].Answers[name]; ok {
				values = append(values, numericOf(v))
			}
		}
		if len(values) == 0 {
			d.MissingData = append(d.MissingData, name)
			continue
		}
		d.Metrics[name] = MetricSummary{
			Count:  len(values),
			Latest: round2(values[len(values)-1]),
			Avg:    round2(avg(values)),
		}
	}
	sort.Strings(d.MissingData)

	for _, entry := range entries {
		if note, ok := entry.Answers["notes"]; ok && note.Str != "" {
			d.RecentNotes = append(d.RecentNotes, entry.PeriodKey+": "+note.Str)
		}
	}

	return d, nil
}

// Slice returns a copy restricted to the given metric names. Roles get
// only the slice relevant to their domain.
func (d Digest) Slice(metrics []string) Digest {
	out := d
	out.Metrics = make(map[string]MetricSummary, len(metrics))
	keep := indexSet(metrics)
	for name, summary := range d.Metrics {
		if _, ok := keep[name]; ok {
			out.Metrics[name] = summary
		}
	}
	out.MissingData = nil
	for _, name := range d.MissingData {
		if _, ok := keep[name]; ok {
			out.MissingData = append(out.MissingData, name)
		}
	}
	return out
}

// HasMetrics reports whether every named metric has data in the window.
func (d Digest) HasMetrics(names ...string) bool {
	for _, name := range names {
		if _, ok := d.Metrics[name]; !ok {
			return false
		}
	}
	return true
}

// Hash returns a stable fingerprint component for the digest content.
func (d Digest) Hash() string {
	data, err := json.Marshal(canonical(d))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Render produces the compact prompt text for a specialist.
func (d Digest) Render() string {
	var sb strings.Builder
	if d.BaselinePresent {
		sb.WriteString("Baseline: ")
		keys := make([]string, 0, len(d.Baseline))
		for k := range d.Baseline {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k + "=" + d.Baseline[k])
		}
		sb.WriteString("\n")
	}
	if len(d.RiskFlags) > 0 {
		sb.WriteString("Risk flags: " + strings.Join(d.RiskFlags, ", ") + "\n")
	}
	keys := make([]string, 0, len(d.Metrics))
	for k := range d.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m := d.Metrics[k]
		fmt.Fprintf(&sb, "%s: latest=%.2f avg7d=%.2f n=%d\n", k, m.Latest, m.Avg, m.Count)
	}
	if len(d.MissingData) > 0 {
		sb.WriteString("Missing data: " + strings.Join(d.MissingData, ", ") + "\n")
	}
	for _, note := range d.RecentNotes {
		sb.WriteString("Note " + note + "\n")
	}
	return sb.String()
}

// canonical strips map iteration nondeterminism for hashing.
func canonical(d Digest) any {
	type kv struct {
		K string `json:"k"`
		V any    `json:"v"`
	}
	var baseline, metrics []kv
	for _, k := range sortedKeys(d.Baseline) {
		baseline = append(baseline, kv{k, d.Baseline[k]})
	}
	for _, k := range sortedMetricKeys(d.Metrics) {
		metrics = append(metrics, kv{k, d.Metrics[k]})
	}
	return map[string]any{
		"user":     d.UserID,
		"present":  d.BaselinePresent,
		"baseline": baseline,
		"risk":     d.RiskFlags,
		"metrics":  metrics,
		"missing":  d.MissingData,
		"notes":    d.RecentNotes,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedMetricKeys(m map[string]MetricSummary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func indexSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func numericOf(v field.Value) float64 {
	if v.Type == field.TypeBoolean {
		if v.Bool {
			return 1
		}
		return 0
	}
	return v.Num
}

func avg(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

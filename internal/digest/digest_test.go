package digest

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"alchemist/internal/field"
	"alchemist/internal/store"
)

type fakeStore struct {
	baseline map[string]field.Value
	flags    []string
	present  bool
	entries  []store.LedgerEntry
}

func (f *fakeStore) GetBaseline(ctx context.Context, userID string) (map[string]field.Value, []string, bool, error) {
	return f.baseline, f.flags, f.present, nil
}

func (f *fakeStore) ListRecentLedgers(ctx context.Context, userID, flowType string, limit int) ([]store.LedgerEntry, error) {
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func checkinEntry(day string, answers map[string]field.Value) store.LedgerEntry {
	return store.LedgerEntry{UserID: "u1", FlowType: "checkin", PeriodKey: day, Answers: answers}
}

func scaleVal(name string, n float64) field.Value {
	return field.Value{Field: name, Num: n, Type: field.TypeScale}
}

func TestBuildAggregates(t *testing.T) {
	fs := &fakeStore{
		present:  true,
		baseline: map[string]field.Value{"weight": {Field: "weight", Num: 82, Unit: "kg", Type: field.TypeNumber}},
		flags:    []string{"elevated_bp"},
		entries: []store.LedgerEntry{
			// Newest first, as the store returns them.
			checkinEntry("2026-08-24", map[string]field.Value{
				"sleep_hours":   {Field: "sleep_hours", Num: 8, Unit: "h", Type: field.TypeNumber},
				"energy":        scaleVal("energy", 7),
				"training_done": {Field: "training_done", Bool: true, Type: field.TypeBoolean},
			}),
			checkinEntry("2026-08-23", map[string]field.Value{
				"sleep_hours":   {Field: "sleep_hours", Num: 6, Unit: "h", Type: field.TypeNumber},
				"training_done": {Field: "training_done", Bool: false, Type: field.TypeBoolean},
				"notes":         {Field: "notes", Str: "legs felt heavy", Type: field.TypeText},
			}),
		},
	}

	d, err := NewAssembler(fs, zap.NewNop()).Build(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	sleep := d.Metrics["sleep_hours"]
	if sleep.Count != 2 || sleep.Latest != 8 || sleep.Avg != 7 {
		t.Fatalf("sleep summary = %+v", sleep)
	}
	training := d.Metrics["training_done"]
	if training.Count != 2 || training.Latest != 1 || training.Avg != 0.5 {
		t.Fatalf("training summary = %+v", training)
	}
	if !d.BaselinePresent || d.Baseline["weight"] != "82kg" {
		t.Fatalf("baseline = %+v", d.Baseline)
	}
	if len(d.RiskFlags) != 1 || d.RiskFlags[0] != "elevated_bp" {
		t.Fatalf("risk flags = %v", d.RiskFlags)
	}
	if len(d.RecentNotes) != 1 || d.RecentNotes[0] != "2026-08-23: legs felt heavy" {
		t.Fatalf("notes = %v", d.RecentNotes)
	}
	// Fields with no data in the window are reported, not zero-filled.
	for _, name := range []string{"mood", "stress", "nutrition_on_plan"} {
		if _, ok := d.Metrics[name]; ok {
			t.Fatalf("%s should be missing, got %+v", name, d.Metrics[name])
		}
	}
	if len(d.MissingData) != 3 {
		t.Fatalf("missing = %v", d.MissingData)
	}
}

func TestBuildNoHistory(t *testing.T) {
	d, err := NewAssembler(&fakeStore{}, zap.NewNop()).Build(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.BaselinePresent || len(d.Metrics) != 0 {
		t.Fatalf("digest = %+v", d)
	}
	if len(d.MissingData) != len(metricFields) {
		t.Fatalf("missing = %v", d.MissingData)
	}
}

func TestHashStableAndContentSensitive(t *testing.T) {
	fs := &fakeStore{
		present:  true,
		baseline: map[string]field.Value{"weight": {Field: "weight", Num: 82, Type: field.TypeNumber}},
		entries: []store.LedgerEntry{
			checkinEntry("2026-08-24", map[string]field.Value{"energy": scaleVal("energy", 7)}),
		},
	}
	a := NewAssembler(fs, zap.NewNop())

	d1, err := a.Build(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	d2, err := a.Build(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d1.Hash() == "" || d1.Hash() != d2.Hash() {
		t.Fatalf("hash not stable: %q vs %q", d1.Hash(), d2.Hash())
	}

	fs.entries[0].Answers["energy"] = scaleVal("energy", 3)
	d3, err := a.Build(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d3.Hash() == d1.Hash() {
		t.Fatal("hash should change when metrics change")
	}
}

func TestSlice(t *testing.T) {
	d := Digest{
		Metrics: map[string]MetricSummary{
			"sleep_hours": {Count: 3, Latest: 7, Avg: 7.2},
			"energy":      {Count: 3, Latest: 6, Avg: 6.1},
			"stress":      {Count: 3, Latest: 4, Avg: 4.5},
		},
		MissingData: []string{"mood", "training_done"},
	}

	sliced := d.Slice([]string{"sleep_hours", "mood"})
	if len(sliced.Metrics) != 1 {
		t.Fatalf("metrics = %+v", sliced.Metrics)
	}
	if _, ok := sliced.Metrics["sleep_hours"]; !ok {
		t.Fatalf("sleep_hours dropped: %+v", sliced.Metrics)
	}
	if len(sliced.MissingData) != 1 || sliced.MissingData[0] != "mood" {
		t.Fatalf("missing = %v", sliced.MissingData)
	}
	// Original untouched.
	if len(d.Metrics) != 3 || len(d.MissingData) != 2 {
		t.Fatalf("source mutated: %+v", d)
	}
}

func TestHasMetrics(t *testing.T) {
	d := Digest{Metrics: map[string]MetricSummary{"sleep_hours": {Count: 1}}}
	if !d.HasMetrics("sleep_hours") {
		t.Fatal("sleep_hours should be present")
	}
	if d.HasMetrics("sleep_hours", "stress") {
		t.Fatal("stress should be absent")
	}
}

// Package usage tracks token consumption per provider, model, role,
// and mode. Counters persist to a JSON file next to the database;
// cache hits never touch them.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const saveDebounce = 5 * time.Second

// TokenCounts holds input/output sums for one dimension value.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
	Calls  int64 `json:"calls"`
}

func (tc *TokenCounts) add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Calls++
}

// Stats holds counters broken down by dimension.
type Stats struct {
	Total      TokenCounts            `json:"total"`
	ByProvider map[string]TokenCounts `json:"by_provider"`
	ByModel    map[string]TokenCounts `json:"by_model"`
	ByRole     map[string]TokenCounts `json:"by_role"`
	ByMode     map[string]TokenCounts `json:"by_mode"`
}

type fileData struct {
	Version   string `json:"version"`
	Aggregate Stats  `json:"aggregate"`
}

// Tracker records usage events and persists them with a debounced
// autosave.
type Tracker struct {
	mu       sync.Mutex
	data     fileData
	filePath string
	logger   *zap.Logger
	dirty    bool
}

// NewTracker opens (or creates) the usage file at dir/usage.json.
func NewTracker(dir string, logger *zap.Logger) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("usage dir: %w", err)
	}
	t := &Tracker{
		filePath: filepath.Join(dir, "usage.json"),
		logger:   logger,
		data: fileData{
			Version:   "1.0",
			Aggregate: emptyStats(),
		},
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func emptyStats() Stats {
	return Stats{
		ByProvider: make(map[string]TokenCounts),
		ByModel:    make(map[string]TokenCounts),
		ByRole:     make(map[string]TokenCounts),
		ByMode:     make(map[string]TokenCounts),
	}
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("usage read: %w", err)
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return fmt.Errorf("usage parse: %w", err)
	}
	// A partial file may be missing maps.
	if t.data.Aggregate.ByProvider == nil {
		t.data.Aggregate.ByProvider = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByRole == nil {
		t.data.Aggregate.ByRole = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByMode == nil {
		t.data.Aggregate.ByMode = make(map[string]TokenCounts)
	}
	return nil
}

// Track records one model call.
func (t *Tracker) Track(provider, model, role, mode string, input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Total.add(input, output)
	addToMap(t.data.Aggregate.ByProvider, provider, input, output)
	addToMap(t.data.Aggregate.ByModel, model, input, output)
	addToMap(t.data.Aggregate.ByRole, role, input, output)
	addToMap(t.data.Aggregate.ByMode, mode, input, output)

	if !t.dirty {
		t.dirty = true
		time.AfterFunc(saveDebounce, t.flush)
	}
}

// flush clears dirty before writing so a Track that lands during the
// write schedules its own save instead of being silently absorbed.
func (t *Tracker) flush() {
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()
	if err := t.Save(); err != nil {
		t.logger.Warn("usage autosave failed", zap.Error(err))
	}
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0o644)
}

// Stats returns a copy of the aggregated counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByProvider = copyMap(stats.ByProvider)
	stats.ByModel = copyMap(stats.ByModel)
	stats.ByRole = copyMap(stats.ByRole)
	stats.ByMode = copyMap(stats.ByMode)
	return stats
}

func copyMap(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	if key == "" {
		key = "unknown"
	}
	entry := m[key]
	entry.add(input, output)
	m[key] = entry
}

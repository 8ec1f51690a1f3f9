package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"momentumbot/internal/market"
)

// Snapshot is the engine state worth carrying across restarts: the price
// anchor, the per-side fill streaks, and the recent sample window so the
// filter does not restart blind.
type Snapshot struct {
	Anchor     float64         `json:"anchor"`
	BuyStreak  int             `json:"buy_streak"`
	SellStreak int             `json:"sell_streak"`
	Window     []market.Sample `json:"window"`
	SavedAt    time.Time       `json:"saved_at"`
}

// LoadSnapshot reads a snapshot from disk. A missing file is a fresh start,
// not an error.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Save writes the snapshot atomically via a temp file rename.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

package batchrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/retry"
	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

// Settings are the operator choices shared by every instance, kept so the
// next start can offer them again.
type Settings struct {
	LastTotalInstances int       `json:"last_total_instances"`
	LastPrefix         string    `json:"last_prefix"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LastSettings returns the settings recorded by the most recent Start.
// The bool is false when no run was ever started against the store.
func (e *Engine) LastSettings(ctx context.Context) (Settings, bool, error) {
	data, err := e.store.Get(ctx, checkpoint.SettingsKey)
	if errors.Is(err, store.ErrNotFound) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, fmt.Errorf("load settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, false, fmt.Errorf("decode settings: %w", err)
	}
	return s, true, nil
}

func (e *Engine) saveSettings(ctx context.Context, totalInstances int) error {
	data, err := json.Marshal(Settings{
		LastTotalInstances: totalInstances,
		LastPrefix:         e.cfg.Export.Prefix,
		UpdatedAt:          e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = retry.Do(ctx, e.ioRetry, func(ctx context.Context) error {
		return e.store.Set(ctx, checkpoint.SettingsKey, data)
	})
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

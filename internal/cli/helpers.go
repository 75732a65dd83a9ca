package cli

import (
	"fmt"
	"path/filepath"

	"github.com/flagramp/flagramp/internal/analytics"
	"github.com/flagramp/flagramp/internal/config"
	"github.com/flagramp/flagramp/internal/notify"
	"github.com/flagramp/flagramp/internal/rollout"
	"github.com/flagramp/flagramp/internal/store"
)

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// withController builds a one-shot controller (no evaluation loop) for
// operator commands. The serve process picks up changes on its next tick.
func withController(fn func(*rollout.Controller, *store.SQLiteStore) error) error {
	return withStore(func(s *store.SQLiteStore) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		an := analytics.NewService(s, analyticsThresholds(cfg))
		ctrl := rollout.NewController(s, s, notify.Log{}, an, rollout.EventFeedback(s), rollout.Options{})
		return fn(ctrl, s)
	})
}

// getTokenFilePath returns the management token file path, stored
// alongside the database.
func getTokenFilePath() string {
	return filepath.Join(filepath.Dir(dbPath), ".flagramp-token")
}

func analyticsThresholds(cfg config.Config) analytics.Thresholds {
	return analytics.Thresholds{
		SignificanceMinUsers: cfg.Analytics.SignificanceMinUsers,
		ContinueBelowUsers:   cfg.Analytics.ContinueBelowUsers,
		WinnerConfidence:     cfg.Analytics.WinnerConfidence,
	}
}

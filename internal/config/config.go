// Package config loads service tuning from an optional YAML file.
// Flags and environment variables override file values at the CLI layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Recorder struct {
	BatchSize     int `yaml:"batch_size"`
	FlushInterval int `yaml:"flush_interval_seconds"`
	MaxBuffer     int `yaml:"max_buffer"`
}

type Controller struct {
	TickInterval int `yaml:"tick_interval_minutes"`
	StatsWindow  int `yaml:"stats_window_hours"`
	Workers      int `yaml:"workers"`
}

type Analytics struct {
	SignificanceMinUsers int     `yaml:"significance_min_users"`
	ContinueBelowUsers   int     `yaml:"continue_below_users"`
	WinnerConfidence     float64 `yaml:"winner_confidence"`
}

type Config struct {
	DBPath string `yaml:"db_path"`
	Port   int    `yaml:"port"`

	Recorder   Recorder   `yaml:"recorder"`
	Controller Controller `yaml:"controller"`
	Analytics  Analytics  `yaml:"analytics"`

	NotifyWebhookURL       string `yaml:"notify_webhook_url"`
	DistributionWebhookURL string `yaml:"distribution_webhook_url"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DBPath: "./flagramp.db",
		Port:   8080,
		Recorder: Recorder{
			BatchSize:     10,
			FlushInterval: 5,
			MaxBuffer:     10000,
		},
		Controller: Controller{
			TickInterval: 60,
			StatsWindow:  24,
			Workers:      4,
		},
		Analytics: Analytics{
			SignificanceMinUsers: 100,
			ContinueBelowUsers:   50,
			WinnerConfidence:     0.95,
		},
	}
}

// Load reads settings from path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (r Recorder) FlushIntervalDuration() time.Duration {
	return time.Duration(r.FlushInterval) * time.Second
}

func (c Controller) TickIntervalDuration() time.Duration {
	return time.Duration(c.TickInterval) * time.Minute
}

func (c Controller) StatsWindowDuration() time.Duration {
	return time.Duration(c.StatsWindow) * time.Hour
}

// Package config holds the tunable constants for attribution scoring
// and drift detection, loadable from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Weights are the attribution scoring factors. They are expected to sum
// to roughly 1.0 but nothing enforces it; the drift score clamps.
type Weights struct {
	FileMatch      float64 `yaml:"file_match"`
	KeywordOverlap float64 `yaml:"keyword_overlap"`
	TypePriority   float64 `yaml:"type_priority"`
	PrimaryBonus   float64 `yaml:"primary_bonus"`
	StatusBonus    float64 `yaml:"status_bonus"`
}

// Config is the session manager and drift detector configuration.
type Config struct {
	// StallTimeout is how long a node's activity may go quiet before
	// the stalled drift indicator fires.
	StallTimeout time.Duration `yaml:"stall_timeout"`
	// HighDriftThreshold is the mean recent drift score above which the
	// high-drift indicator fires.
	HighDriftThreshold float64 `yaml:"high_drift_threshold"`
	// RecentWindow is how many trailing activities the repetition and
	// failure indicators inspect.
	RecentWindow int `yaml:"recent_window"`
	// RepeatThreshold is the single-tool repetition count that fires
	// the repetitive indicator.
	RepeatThreshold int `yaml:"repeat_threshold"`
	// FailureThreshold is the failed-activity count that fires the
	// failures indicator.
	FailureThreshold int `yaml:"failure_threshold"`
	// CacheTTL bounds the selector engine's parsed-document cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	Weights Weights `yaml:"weights"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		StallTimeout:       30 * time.Minute,
		HighDriftThreshold: 0.7,
		RecentWindow:       10,
		RepeatThreshold:    5,
		FailureThreshold:   3,
		CacheTTL:           30 * time.Second,
		Weights: Weights{
			FileMatch:      0.4,
			KeywordOverlap: 0.3,
			TypePriority:   0.2,
			PrimaryBonus:   0.1,
			StatusBonus:    0.1,
		},
	}
}

// Load reads a YAML config file, filling any zero field from Default.
// A missing file is not an error; it yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.HighDriftThreshold <= 0 {
		c.HighDriftThreshold = d.HighDriftThreshold
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = d.RepeatThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
}

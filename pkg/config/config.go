// Package config loads the merchsensed configuration file. A missing file is
// not an error: the daemon starts on defaults so a bare install works.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/merchsense/merchsense/pkg/consensus"
	"github.com/merchsense/merchsense/pkg/evictor"
	"github.com/merchsense/merchsense/pkg/mqtt"
	"github.com/merchsense/merchsense/pkg/session"
)

// Config is the full merchsensed configuration
type Config struct {
	LogLevel    string `yaml:"log_level"`
	StorePath   string `yaml:"store_path"`
	MetricsPort int    `yaml:"metrics_port"`

	Cache     CacheConfig     `yaml:"cache"`
	Predictor PredictorConfig `yaml:"predictor"`
	Eviction  EvictionConfig  `yaml:"eviction"`
	Session   SessionConfig   `yaml:"session"`
	Consensus ConsensusConfig `yaml:"consensus"`
	MQTT      mqtt.Config     `yaml:"mqtt"`
}

// CacheConfig controls spatial bucketing
type CacheConfig struct {
	PrecisionMeters float64 `yaml:"precision_meters"`
}

// PredictorConfig controls how cached evidence joins a query
type PredictorConfig struct {
	NearbyRadiusMeters  float64 `yaml:"nearby_radius_meters"`
	NearbyLimit         int     `yaml:"nearby_limit"`
	MinNearbyConfidence float64 `yaml:"min_nearby_confidence"`
}

// EvictionConfig controls the sweep cadence and retention floors
type EvictionConfig struct {
	IntervalMinutes     int `yaml:"interval_minutes"`
	MaxAgeHours         int `yaml:"max_age_hours"`
	MinTransactionCount int `yaml:"min_transaction_count"`
	MinPredictionCount  int `yaml:"min_prediction_count"`
}

// SessionConfig sets the defaults applied when a start request omits values
type SessionConfig struct {
	DurationMinutes         int     `yaml:"duration_minutes"`
	UpdateIntervalSeconds   int     `yaml:"update_interval_seconds"`
	MinDistanceFilterMeters float64 `yaml:"min_distance_filter_meters"`
}

// ConsensusConfig overrides fusion weights per source method
type ConsensusConfig struct {
	Weights        map[string]float64 `yaml:"weights"`
	TieBreakMargin float64            `yaml:"tie_break_margin"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	sess := session.DefaultConfig()
	evict := evictor.DefaultConfig()
	return &Config{
		LogLevel:    "info",
		StorePath:   "/var/lib/merchsense/merchsense.db",
		MetricsPort: 9641,
		Cache: CacheConfig{
			PrecisionMeters: 50,
		},
		Predictor: PredictorConfig{
			NearbyRadiusMeters:  500,
			NearbyLimit:         5,
			MinNearbyConfidence: -1,
		},
		Eviction: EvictionConfig{
			IntervalMinutes:     int(evict.Interval / time.Minute),
			MaxAgeHours:         int(evict.MaxAge / time.Hour),
			MinTransactionCount: evict.MinTransactionCount,
			MinPredictionCount:  evict.MinPredictionCount,
		},
		Session: SessionConfig{
			DurationMinutes:         sess.DurationMinutes,
			UpdateIntervalSeconds:   sess.UpdateIntervalSeconds,
			MinDistanceFilterMeters: sess.MinDistanceFilterMeters,
		},
		Consensus: ConsensusConfig{
			Weights:        consensus.DefaultWeights(),
			TieBreakMargin: consensus.DefaultTieBreakMargin,
		},
		MQTT: *mqtt.DefaultConfig(),
	}
}

// Load reads the YAML file at path on top of the defaults. A missing file
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port %d", c.MetricsPort)
	}
	if c.Cache.PrecisionMeters <= 0 {
		return fmt.Errorf("cache precision_meters must be positive, got %v", c.Cache.PrecisionMeters)
	}
	if c.Predictor.NearbyRadiusMeters <= 0 {
		return fmt.Errorf("predictor nearby_radius_meters must be positive, got %v", c.Predictor.NearbyRadiusMeters)
	}
	if c.Predictor.NearbyLimit <= 0 {
		return fmt.Errorf("predictor nearby_limit must be positive, got %d", c.Predictor.NearbyLimit)
	}
	if c.Eviction.IntervalMinutes <= 0 {
		return fmt.Errorf("eviction interval_minutes must be positive, got %d", c.Eviction.IntervalMinutes)
	}
	if c.Eviction.MaxAgeHours <= 0 {
		return fmt.Errorf("eviction max_age_hours must be positive, got %d", c.Eviction.MaxAgeHours)
	}
	if err := c.SessionDefaults().Validate(); err != nil {
		return fmt.Errorf("session defaults: %w", err)
	}
	for method, w := range c.Consensus.Weights {
		if w <= 0 || w > 1 {
			return fmt.Errorf("consensus weight for %s out of range: %v", method, w)
		}
	}
	return nil
}

// SessionDefaults converts the config block into a session.Config
func (c *Config) SessionDefaults() session.Config {
	return session.Config{
		DurationMinutes:         c.Session.DurationMinutes,
		UpdateIntervalSeconds:   c.Session.UpdateIntervalSeconds,
		MinDistanceFilterMeters: c.Session.MinDistanceFilterMeters,
	}
}

// EvictorConfig converts the config block into an evictor.Config
func (c *Config) EvictorConfig() evictor.Config {
	return evictor.Config{
		Interval:            time.Duration(c.Eviction.IntervalMinutes) * time.Minute,
		MaxAge:              time.Duration(c.Eviction.MaxAgeHours) * time.Hour,
		MinTransactionCount: c.Eviction.MinTransactionCount,
		MinPredictionCount:  c.Eviction.MinPredictionCount,
	}
}

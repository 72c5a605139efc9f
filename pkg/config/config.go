// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "30s" or "6h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all optimizer configuration.
type Config struct {
	Server struct {
		APIPort  int    `yaml:"api_port"`
		OpsPort  int    `yaml:"ops_port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`

	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`

	Allocator struct {
		// CTR-weight breakpoints for the blended score. Heuristically
		// tuned; kept configurable on purpose.
		FullTrustHours    float64 `yaml:"full_trust_hours"`     // CTR weight 1.0 below this age
		EarlyDecayHours   float64 `yaml:"early_decay_hours"`    // weight reaches EarlyDecayWeight here
		EarlyDecayWeight  float64 `yaml:"early_decay_weight"`   //
		MatureHours       float64 `yaml:"mature_hours"`         // weight reaches MatureWeight here
		MatureWeight      float64 `yaml:"mature_weight"`        //
		FloorWeight       float64 `yaml:"floor_weight"`         // asymptotic weight beyond MatureHours
		ReferenceCTR      float64 `yaml:"reference_ctr"`        // CTR mapping to a normalized score of 1.0
		FatigueK          float64 `yaml:"fatigue_k"`            // exp(-k * impressions) multiplier
		PatternBoostCap   float64 `yaml:"pattern_boost_cap"`    // max relative boost from the pattern index
		SoftmaxTemp       float64 `yaml:"softmax_temperature"`  //
		IgnoranceZoneDays float64 `yaml:"ignorance_zone_days"`  // pipeline mode: no kills below this age
		IgnoranceZoneMin  float64 `yaml:"ignorance_zone_spend"` // ...and below this spend
		MinKillSpend      float64 `yaml:"min_kill_spend"`       // pipeline mode kill needs this much spend
		KillROAS          float64 `yaml:"kill_roas"`            // pipeline ROAS below this kills
		ScaleROAS         float64 `yaml:"scale_roas"`           // pipeline ROAS above this scales
		DirectMaturityH   float64 `yaml:"direct_maturity_hours"`
		DirectKillRatio   float64 `yaml:"direct_kill_ratio"` // kill below this fraction of running avg score
	} `yaml:"allocator"`

	Safety struct {
		RateWindow     Duration `yaml:"rate_window"`
		RateCeiling    int      `yaml:"rate_ceiling"`
		VelocityWindow Duration `yaml:"velocity_window"`
		VelocityMaxPct float64  `yaml:"velocity_max_pct"`
		JitterMin      Duration `yaml:"jitter_min"`
		JitterMax      Duration `yaml:"jitter_max"`
		FuzzPct        float64  `yaml:"fuzz_pct"`
	} `yaml:"safety"`

	Worker struct {
		PoolSize     int      `yaml:"pool_size"`
		PollInterval Duration `yaml:"poll_interval"`
		MaxAttempts  int      `yaml:"max_attempts"`
		BaseBackoff  Duration `yaml:"base_backoff"`
		ExecTimeout  Duration `yaml:"exec_timeout"`
	} `yaml:"worker"`

	Attribution struct {
		ClickTTL      Duration `yaml:"click_ttl"`
		MinProbScore  float64  `yaml:"min_prob_score"`
		PurgeSchedule string   `yaml:"purge_schedule"` // cron expression
	} `yaml:"attribution"`

	Feedback struct {
		// Synthetic revenue weight per pipeline stage.
		StageWeights map[string]float64 `yaml:"stage_weights"`
	} `yaml:"feedback"`

	Schedule struct {
		AllocationCron string  `yaml:"allocation_cron"`
		DailyBudget    float64 `yaml:"daily_budget"` // portfolio budget split by the sweep
	} `yaml:"schedule"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("OPTIMIZER_SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("OPTIMIZER_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.APIPort = p
		}
	}
	if v := os.Getenv("OPTIMIZER_OPS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.OpsPort = p
		}
	}
	if v := os.Getenv("OPTIMIZER_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("OPTIMIZER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.PoolSize = n
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.APIPort == 0 {
		c.Server.APIPort = 8080
	}
	if c.Server.OpsPort == 0 {
		c.Server.OpsPort = 9090
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "optimizer.db"
	}

	a := &c.Allocator
	if a.FullTrustHours == 0 {
		a.FullTrustHours = 6
	}
	if a.EarlyDecayHours == 0 {
		a.EarlyDecayHours = 24
	}
	if a.EarlyDecayWeight == 0 {
		a.EarlyDecayWeight = 0.7
	}
	if a.MatureHours == 0 {
		a.MatureHours = 72
	}
	if a.MatureWeight == 0 {
		a.MatureWeight = 0.3
	}
	if a.FloorWeight == 0 {
		a.FloorWeight = 0.1
	}
	if a.ReferenceCTR == 0 {
		a.ReferenceCTR = 0.05
	}
	if a.FatigueK == 0 {
		a.FatigueK = 0.00002
	}
	if a.PatternBoostCap == 0 {
		a.PatternBoostCap = 0.2
	}
	if a.SoftmaxTemp == 0 {
		a.SoftmaxTemp = 1.0
	}
	if a.IgnoranceZoneDays == 0 {
		a.IgnoranceZoneDays = 2
	}
	if a.IgnoranceZoneMin == 0 {
		a.IgnoranceZoneMin = 100
	}
	if a.MinKillSpend == 0 {
		a.MinKillSpend = 100
	}
	if a.KillROAS == 0 {
		a.KillROAS = 1.0
	}
	if a.ScaleROAS == 0 {
		a.ScaleROAS = 3.0
	}
	if a.DirectMaturityH == 0 {
		a.DirectMaturityH = 6
	}
	if a.DirectKillRatio == 0 {
		a.DirectKillRatio = 0.5
	}

	s := &c.Safety
	if s.RateWindow == 0 {
		s.RateWindow = Duration(time.Hour)
	}
	if s.RateCeiling == 0 {
		s.RateCeiling = 15
	}
	if s.VelocityWindow == 0 {
		s.VelocityWindow = Duration(6 * time.Hour)
	}
	if s.VelocityMaxPct == 0 {
		s.VelocityMaxPct = 20
	}
	if s.JitterMin == 0 {
		s.JitterMin = Duration(3 * time.Second)
	}
	if s.JitterMax == 0 {
		s.JitterMax = Duration(18 * time.Second)
	}
	if s.FuzzPct == 0 {
		s.FuzzPct = 3
	}

	w := &c.Worker
	if w.PoolSize == 0 {
		w.PoolSize = 4
	}
	if w.PollInterval == 0 {
		w.PollInterval = Duration(2 * time.Second)
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 5
	}
	if w.BaseBackoff == 0 {
		w.BaseBackoff = Duration(time.Second)
	}
	if w.ExecTimeout == 0 {
		w.ExecTimeout = Duration(30 * time.Second)
	}

	at := &c.Attribution
	if at.ClickTTL == 0 {
		at.ClickTTL = Duration(7 * 24 * time.Hour)
	}
	if at.MinProbScore == 0 {
		at.MinProbScore = 0.5
	}
	if at.PurgeSchedule == "" {
		at.PurgeSchedule = "@every 1h"
	}

	if c.Feedback.StageWeights == nil {
		c.Feedback.StageWeights = map[string]float64{
			"lead":        0.05,
			"qualified":   0.15,
			"proposal":    0.35,
			"negotiation": 0.60,
			"won":         1.00,
		}
	}

	if c.Schedule.AllocationCron == "" {
		c.Schedule.AllocationCron = "@every 15m"
	}
	if c.Schedule.DailyBudget == 0 {
		c.Schedule.DailyBudget = 1000
	}
}

func (c *Config) validate() error {
	if c.Safety.JitterMax < c.Safety.JitterMin {
		return fmt.Errorf("config: jitter_max %v below jitter_min %v", c.Safety.JitterMax.Std(), c.Safety.JitterMin.Std())
	}
	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be positive")
	}
	if c.Allocator.FloorWeight <= 0 || c.Allocator.FloorWeight > c.Allocator.MatureWeight {
		return fmt.Errorf("config: floor_weight must be in (0, mature_weight]")
	}
	return nil
}

// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package safety

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/log"
)

// Block reasons. A blocked verdict is a first-class outcome, never an
// error.
const (
	ReasonRateLimit = "rate_limit"
	ReasonVelocity  = "velocity"
)

// Proposal is a change the gate evaluates.
type Proposal struct {
	EntityID   string
	ChangeType string
	Budget     bool // true when Value is a budget amount
	Value      decimal.Decimal
}

// ChangeRecord is one prior change for the same entity, used by the
// rolling-window checks. Callers supply records in causal order per
// entity.
type ChangeRecord struct {
	EntityID  string
	Budget    bool
	Value     decimal.Decimal
	Timestamp time.Time
}

// Verdict is the gate's decision on a proposal.
type Verdict struct {
	Allowed       bool
	Reason        string          // block reason when not allowed
	AdjustedValue decimal.Decimal // fuzzed value when allowed
	Delay         time.Duration   // jitter delay when allowed
}

// String renders the verdict in pass|blocked:<reason> form.
func (v Verdict) String() string {
	if v.Allowed {
		return "pass"
	}
	return "blocked:" + v.Reason
}

// Config holds the gate ceilings and randomization bounds.
type Config struct {
	RateWindow     time.Duration
	RateCeiling    int
	VelocityWindow time.Duration
	VelocityMaxPct float64
	JitterMin      time.Duration
	JitterMax      time.Duration
	FuzzPct        float64
}

// Gate validates proposed changes against recent history. It never
// mutates any state of its own beyond its random source.
type Gate struct {
	cfg Config
	log log.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGate creates a gate. A zero seed derives one from the clock.
func NewGate(cfg Config, logger log.Logger) *Gate {
	return NewGateWithSeed(cfg, logger, time.Now().UnixNano())
}

// NewGateWithSeed creates a gate with a deterministic random source for
// tests.
func NewGateWithSeed(cfg Config, logger log.Logger, seed int64) *Gate {
	return &Gate{
		cfg: cfg,
		log: logger,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Validate checks the proposal against the rolling-window ceilings and,
// when it passes, assigns the fuzzed value and jitter delay.
func (g *Gate) Validate(p Proposal, history []ChangeRecord, now time.Time) Verdict {
	if reason := g.checkRateLimit(history, now); reason != "" {
		g.log.Info("change blocked", "entity", p.EntityID, "reason", reason)
		return Verdict{Allowed: false, Reason: reason}
	}
	if p.Budget {
		if reason := g.checkVelocity(p, history, now); reason != "" {
			g.log.Info("change blocked", "entity", p.EntityID, "reason", reason)
			return Verdict{Allowed: false, Reason: reason}
		}
	}

	verdict := Verdict{
		Allowed:       true,
		AdjustedValue: p.Value,
		Delay:         g.jitter(),
	}
	if p.Budget {
		verdict.AdjustedValue = g.fuzz(p.Value)
	}

	g.log.Debug("change passed",
		"entity", p.EntityID,
		"value", p.Value.String(),
		"adjusted", verdict.AdjustedValue.String(),
		"delay", verdict.Delay)
	return verdict
}

// checkRateLimit counts in-window changes for the entity against the
// ceiling.
func (g *Gate) checkRateLimit(history []ChangeRecord, now time.Time) string {
	cutoff := now.Add(-g.cfg.RateWindow)
	count := 0
	for _, rec := range history {
		if rec.Timestamp.After(cutoff) {
			count++
		}
	}
	if count >= g.cfg.RateCeiling {
		return ReasonRateLimit
	}
	return ""
}

// checkVelocity sums relative budget movement chronologically across the
// in-window changes plus the proposal, and rejects when the cumulative
// percentage exceeds the ceiling.
func (g *Gate) checkVelocity(p Proposal, history []ChangeRecord, now time.Time) string {
	cutoff := now.Add(-g.cfg.VelocityWindow)
	var values []decimal.Decimal
	for _, rec := range history {
		if rec.Budget && rec.Timestamp.After(cutoff) {
			values = append(values, rec.Value)
		}
	}
	values = append(values, p.Value)
	if len(values) < 2 {
		return ""
	}

	cumulative := decimal.Zero
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev.IsZero() {
			continue
		}
		step := values[i].Sub(prev).Div(prev).Abs().Mul(decimal.NewFromInt(100))
		cumulative = cumulative.Add(step)
	}
	if cumulative.GreaterThan(decimal.NewFromFloat(g.cfg.VelocityMaxPct)) {
		return ReasonVelocity
	}
	return ""
}

// jitter picks a random execution delay inside the configured bound.
func (g *Gate) jitter() time.Duration {
	return g.JitterBetween(g.cfg.JitterMin, g.cfg.JitterMax)
}

// JitterBetween picks a random delay inside the given bounds. An unset
// max falls back to the configured bounds, so callers carrying per-job
// overrides can pass them through unconditionally.
func (g *Gate) JitterBetween(min, max time.Duration) time.Duration {
	if max <= 0 {
		min, max = g.cfg.JitterMin, g.cfg.JitterMax
	}
	span := max - min
	if span <= 0 {
		return min
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return min + time.Duration(g.rng.Int63n(int64(span)))
}

// fuzz perturbs a budget value within the configured percentage so
// submitted values never repeat exactly.
func (g *Gate) fuzz(value decimal.Decimal) decimal.Decimal {
	g.mu.Lock()
	factor := 1 + (g.rng.Float64()*2-1)*g.cfg.FuzzPct/100
	g.mu.Unlock()
	fuzzed := value.Mul(decimal.NewFromFloat(factor)).Round(2)
	if fuzzed.LessThanOrEqual(decimal.Zero) && value.GreaterThan(decimal.Zero) {
		return value
	}
	return fuzzed
}

// HistoryWindow returns how far back callers must fetch history for the
// gate's rolling checks.
func (g *Gate) HistoryWindow() time.Duration {
	if g.cfg.VelocityWindow > g.cfg.RateWindow {
		return g.cfg.VelocityWindow
	}
	return g.cfg.RateWindow
}

// Describe summarizes the gate configuration for operator logs.
func (g *Gate) Describe() string {
	return fmt.Sprintf("rate %d/%s velocity %.0f%%/%s jitter %s-%s fuzz ±%.1f%%",
		g.cfg.RateCeiling, g.cfg.RateWindow,
		g.cfg.VelocityMaxPct, g.cfg.VelocityWindow,
		g.cfg.JitterMin, g.cfg.JitterMax, g.cfg.FuzzPct)
}

// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package safety

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/optimizer/pkg/log"
)

func testConfig() Config {
	return Config{
		RateWindow:     time.Hour,
		RateCeiling:    15,
		VelocityWindow: 6 * time.Hour,
		VelocityMaxPct: 20,
		JitterMin:      3 * time.Second,
		JitterMax:      18 * time.Second,
		FuzzPct:        3,
	}
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	return NewGateWithSeed(testConfig(), log.NoOp(), 42)
}

func budgetHistory(now time.Time, values ...float64) []ChangeRecord {
	records := make([]ChangeRecord, len(values))
	for i, v := range values {
		records[i] = ChangeRecord{
			EntityID:  "entity-1",
			Budget:    true,
			Value:     decimal.NewFromFloat(v),
			Timestamp: now.Add(time.Duration(i-len(values)) * time.Minute),
		}
	}
	return records
}

func TestPassVerdict(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)
	now := time.Now()

	verdict := gate.Validate(Proposal{
		EntityID:   "entity-1",
		ChangeType: "budget-increase",
		Budget:     true,
		Value:      decimal.NewFromInt(100),
	}, nil, now)

	require.True(verdict.Allowed)
	require.Equal("pass", verdict.String())
	require.GreaterOrEqual(verdict.Delay, 3*time.Second)
	require.Less(verdict.Delay, 18*time.Second)

	// Fuzz stays within ±3%.
	low := decimal.NewFromInt(97)
	high := decimal.NewFromInt(103)
	require.True(verdict.AdjustedValue.GreaterThanOrEqual(low), "got %s", verdict.AdjustedValue)
	require.True(verdict.AdjustedValue.LessThanOrEqual(high), "got %s", verdict.AdjustedValue)
}

func TestRateLimitCeiling(t *testing.T) {
	// Fifteen changes already in the hour: the sixteenth is rejected.
	require := require.New(t)
	gate := newTestGate(t)
	now := time.Now()

	var history []ChangeRecord
	for i := 0; i < 15; i++ {
		history = append(history, ChangeRecord{
			EntityID:  "entity-1",
			Budget:    true,
			Value:     decimal.NewFromInt(100),
			Timestamp: now.Add(-time.Duration(i+1) * time.Minute),
		})
	}

	verdict := gate.Validate(Proposal{
		EntityID: "entity-1", Budget: true, Value: decimal.NewFromInt(100),
	}, history, now)
	require.False(verdict.Allowed)
	require.Equal(ReasonRateLimit, verdict.Reason)
	require.Equal("blocked:rate_limit", verdict.String())
}

func TestRateLimitIgnoresStaleHistory(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)
	now := time.Now()

	var history []ChangeRecord
	for i := 0; i < 30; i++ {
		history = append(history, ChangeRecord{
			EntityID:  "entity-1",
			Value:     decimal.NewFromInt(100),
			Timestamp: now.Add(-2 * time.Hour),
		})
	}

	verdict := gate.Validate(Proposal{
		EntityID: "entity-1", Value: decimal.NewFromInt(100),
	}, history, now)
	require.True(verdict.Allowed)
}

func TestVelocityCeiling(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)
	now := time.Now()

	// 100 -> 110 -> 121 is 20% cumulative: at the ceiling, allowed.
	verdict := gate.Validate(Proposal{
		EntityID: "entity-1", Budget: true, Value: decimal.NewFromFloat(121),
	}, budgetHistory(now, 100, 110), now)
	require.True(verdict.Allowed)

	// One more 10% step breaks the ceiling.
	verdict = gate.Validate(Proposal{
		EntityID: "entity-1", Budget: true, Value: decimal.NewFromFloat(133.1),
	}, budgetHistory(now, 100, 110, 121), now)
	require.False(verdict.Allowed)
	require.Equal(ReasonVelocity, verdict.Reason)
}

func TestVelocityCountsDecreases(t *testing.T) {
	// Movement in either direction burns the velocity budget.
	require := require.New(t)
	gate := newTestGate(t)
	now := time.Now()

	verdict := gate.Validate(Proposal{
		EntityID: "entity-1", Budget: true, Value: decimal.NewFromFloat(98),
	}, budgetHistory(now, 100, 115, 100), now)
	require.False(verdict.Allowed)
	require.Equal(ReasonVelocity, verdict.Reason)
}

func TestVelocityIgnoresNonBudgetChanges(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)
	now := time.Now()

	history := []ChangeRecord{
		{EntityID: "entity-1", Budget: false, Value: decimal.Zero, Timestamp: now.Add(-time.Minute)},
	}
	verdict := gate.Validate(Proposal{
		EntityID: "entity-1", Budget: true, Value: decimal.NewFromInt(500),
	}, history, now)
	require.True(verdict.Allowed)
}

func TestStatusChangeSkipsFuzz(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)

	verdict := gate.Validate(Proposal{
		EntityID:   "entity-1",
		ChangeType: "status-change",
		Budget:     false,
		Value:      decimal.Zero,
	}, nil, time.Now())
	require.True(verdict.Allowed)
	require.True(verdict.AdjustedValue.Equal(decimal.Zero))
}

func TestJitterVaries(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		verdict := gate.Validate(Proposal{
			EntityID: "entity-1", Value: decimal.NewFromInt(100),
		}, nil, time.Now())
		seen[verdict.Delay] = true
	}
	require.Greater(len(seen), 10, "jitter delays should not repeat on a fixed interval")
}

func TestJitterBetweenHonorsBounds(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)

	lo := 10 * time.Millisecond
	hi := 20 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := gate.JitterBetween(lo, hi)
		require.GreaterOrEqual(d, lo)
		require.Less(d, hi)
	}

	// Degenerate bounds collapse to the minimum.
	require.Equal(lo, gate.JitterBetween(lo, lo))

	// An unset max falls back to the configured bounds.
	cfg := testConfig()
	d := gate.JitterBetween(0, 0)
	require.GreaterOrEqual(d, cfg.JitterMin)
	require.LessOrEqual(d, cfg.JitterMax)
}

func TestFuzzNeverFlipsSign(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)

	for i := 0; i < 100; i++ {
		verdict := gate.Validate(Proposal{
			EntityID: "entity-1", Budget: true, Value: decimal.NewFromFloat(0.01),
		}, nil, time.Now())
		require.True(verdict.AdjustedValue.GreaterThan(decimal.Zero))
	}
}

func TestHistoryWindow(t *testing.T) {
	require := require.New(t)
	gate := newTestGate(t)
	require.Equal(6*time.Hour, gate.HistoryWindow())
}

// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package feedback

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adxyz/optimizer/pkg/allocator"
	"github.com/adxyz/optimizer/pkg/attribution"
	"github.com/adxyz/optimizer/pkg/log"
)

var testStageWeights = map[string]float64{
	"lead":        0.05,
	"qualified":   0.15,
	"proposal":    0.35,
	"negotiation": 0.60,
	"won":         1.00,
}

func newTestIngestor(t *testing.T) (*Ingestor, *allocator.Allocator) {
	t.Helper()
	alloc := allocator.NewWithSeed(allocator.DefaultParams(), nil, log.NoOp(), 1)
	alloc.Register("ad-1", "tenant-1", allocator.ModePipeline)
	return NewIngestor(alloc, testStageWeights, log.NoOp()), alloc
}

func revenue(t *testing.T, alloc *allocator.Allocator, adID string) decimal.Decimal {
	t.Helper()
	state, err := alloc.State(adID)
	require.NoError(t, err)
	return state.SyntheticRevenue
}

func TestPipelineStageProgression(t *testing.T) {
	require := require.New(t)
	ing, alloc := newTestIngestor(t)

	// New deal entering lead: 10000 × 0.05.
	require.NoError(ing.IngestPipelineEvent(PipelineEvent{
		TenantID:  "tenant-1",
		AdID:      "ad-1",
		Stage:     "lead",
		DealValue: decimal.NewFromInt(10000),
	}))
	require.True(revenue(t, alloc, "ad-1").Equal(decimal.NewFromInt(500)))

	// lead → qualified adds the weight delta: 10000 × (0.15 − 0.05).
	require.NoError(ing.IngestPipelineEvent(PipelineEvent{
		TenantID:  "tenant-1",
		AdID:      "ad-1",
		Stage:     "qualified",
		PrevStage: "lead",
		DealValue: decimal.NewFromInt(10000),
	}))
	require.True(revenue(t, alloc, "ad-1").Equal(decimal.NewFromInt(1500)))

	// qualified → won brings the deal to full value.
	require.NoError(ing.IngestPipelineEvent(PipelineEvent{
		TenantID:  "tenant-1",
		AdID:      "ad-1",
		Stage:     "won",
		PrevStage: "qualified",
		DealValue: decimal.NewFromInt(10000),
	}))
	require.True(revenue(t, alloc, "ad-1").Equal(decimal.NewFromInt(10000)))
}

func TestPipelineStageRegression(t *testing.T) {
	require := require.New(t)
	ing, alloc := newTestIngestor(t)

	require.NoError(ing.IngestPipelineEvent(PipelineEvent{
		AdID:      "ad-1",
		Stage:     "negotiation",
		DealValue: decimal.NewFromInt(10000),
	}))
	require.True(revenue(t, alloc, "ad-1").Equal(decimal.NewFromInt(6000)))

	// Deal slides back to proposal: the delta is negative and flows
	// through the correction path.
	require.NoError(ing.IngestPipelineEvent(PipelineEvent{
		AdID:      "ad-1",
		Stage:     "proposal",
		PrevStage: "negotiation",
		DealValue: decimal.NewFromInt(10000),
	}))
	require.True(revenue(t, alloc, "ad-1").Equal(decimal.NewFromInt(3500)))
}

func TestPipelineUnknownStage(t *testing.T) {
	require := require.New(t)
	ing, alloc := newTestIngestor(t)

	err := ing.IngestPipelineEvent(PipelineEvent{
		AdID:      "ad-1",
		Stage:     "handshake",
		DealValue: decimal.NewFromInt(100),
	})
	require.ErrorIs(err, allocator.ErrValidation)

	err = ing.IngestPipelineEvent(PipelineEvent{
		AdID:      "ad-1",
		Stage:     "won",
		PrevStage: "handshake",
		DealValue: decimal.NewFromInt(100),
	})
	require.ErrorIs(err, allocator.ErrValidation)

	require.True(revenue(t, alloc, "ad-1").IsZero())
}

func TestPipelineNegativeDealValue(t *testing.T) {
	require := require.New(t)
	ing, _ := newTestIngestor(t)

	err := ing.IngestPipelineEvent(PipelineEvent{
		AdID:      "ad-1",
		Stage:     "lead",
		DealValue: decimal.NewFromInt(-100),
	})
	require.ErrorIs(err, allocator.ErrValidation)
}

func TestPipelineUnknownAd(t *testing.T) {
	require := require.New(t)
	ing, _ := newTestIngestor(t)

	err := ing.IngestPipelineEvent(PipelineEvent{
		AdID:      "ad-unknown",
		Stage:     "lead",
		DealValue: decimal.NewFromInt(100),
	})
	require.ErrorIs(err, allocator.ErrNotFound)
}

func TestIngestMetrics(t *testing.T) {
	require := require.New(t)
	ing, alloc := newTestIngestor(t)

	require.NoError(ing.IngestMetrics(MetricsEvent{
		TenantID:    "tenant-1",
		AdID:        "ad-1",
		Impressions: 1000,
		Clicks:      30,
		Spend:       decimal.NewFromInt(50),
		HoursLive:   12,
	}))

	state, err := alloc.State("ad-1")
	require.NoError(err)
	require.Equal(int64(1000), state.Impressions)
	require.Equal(int64(30), state.Clicks)
	require.True(state.Spend.Equal(decimal.NewFromInt(50)))
	require.Equal(12.0, state.HoursLive)
}

func TestIngestAttribution(t *testing.T) {
	require := require.New(t)
	ing, alloc := newTestIngestor(t)

	require.NoError(ing.IngestAttribution(attribution.Result{
		ConversionID: "conv-1",
		AdID:         "ad-1",
		Method:       attribution.MethodExact,
		Confidence:   1.0,
	}, decimal.NewFromInt(250)))
	require.True(revenue(t, alloc, "ad-1").Equal(decimal.NewFromInt(250)))

	// Unmatched conversions carry no credit and no error.
	require.NoError(ing.IngestAttribution(attribution.Result{
		ConversionID: "conv-2",
		Method:       attribution.MethodNone,
	}, decimal.NewFromInt(999)))
	require.True(revenue(t, alloc, "ad-1").Equal(decimal.NewFromInt(250)))
}

func TestIngestAttributionNegativeValue(t *testing.T) {
	require := require.New(t)
	ing, _ := newTestIngestor(t)

	err := ing.IngestAttribution(attribution.Result{
		ConversionID: "conv-1",
		AdID:         "ad-1",
		Method:       attribution.MethodExact,
	}, decimal.NewFromInt(-1))
	require.ErrorIs(err, allocator.ErrValidation)
}

// Keeps the regression path honest: a correction can never push
// revenue below zero even when the weighted delta exceeds the total.
func TestPipelineRegressionFloorsAtZero(t *testing.T) {
	require := require.New(t)
	ing, alloc := newTestIngestor(t)

	require.NoError(ing.IngestPipelineEvent(PipelineEvent{
		AdID:      "ad-1",
		Stage:     "lead",
		DealValue: decimal.NewFromInt(1000),
	}))

	// A different, larger deal regresses; the floor holds.
	require.NoError(ing.IngestPipelineEvent(PipelineEvent{
		AdID:      "ad-1",
		Stage:     "lead",
		PrevStage: "won",
		DealValue: decimal.NewFromInt(1000),
	}))
	require.True(revenue(t, alloc, "ad-1").IsZero())
}

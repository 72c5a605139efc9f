// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package feedback converts staged pipeline events and attributed
// conversions into the synthetic revenue signal the allocator consumes.
package feedback

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/allocator"
	"github.com/adxyz/optimizer/pkg/attribution"
	"github.com/adxyz/optimizer/pkg/log"
)

// PipelineEvent is a CRM pipeline stage transition for a deal sourced
// from an ad.
type PipelineEvent struct {
	TenantID   string          `json:"tenant_id"`
	AdID       string          `json:"ad_id"`
	Stage      string          `json:"stage"`
	PrevStage  string          `json:"prev_stage,omitempty"`
	DealValue  decimal.Decimal `json:"deal_value"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// MetricsEvent is a raw performance feedback event from the platform
// reporting collaborator.
type MetricsEvent struct {
	TenantID         string          `json:"tenant_id"`
	AdID             string          `json:"ad_id"`
	Impressions      int64           `json:"impressions"`
	Clicks           int64           `json:"clicks"`
	Spend            decimal.Decimal `json:"spend"`
	SyntheticRevenue decimal.Decimal `json:"synthetic_revenue"`
	HoursLive        float64         `json:"hours_live"`
}

// Ingestor folds external revenue signals into allocator state. Stage
// weights discount a deal's value by how far it is from closing.
type Ingestor struct {
	alloc        *allocator.Allocator
	stageWeights map[string]float64
	log          log.Logger
}

// NewIngestor creates an ingestor with the given stage weight table.
func NewIngestor(alloc *allocator.Allocator, stageWeights map[string]float64, logger log.Logger) *Ingestor {
	return &Ingestor{
		alloc:        alloc,
		stageWeights: stageWeights,
		log:          logger,
	}
}

// IngestPipelineEvent converts a stage transition into a synthetic
// revenue delta: the deal value weighted by the stage delta. A deal
// moving backward produces an explicit correction, the only path that
// may shrink revenue.
func (i *Ingestor) IngestPipelineEvent(ev PipelineEvent) error {
	weight, ok := i.stageWeights[ev.Stage]
	if !ok {
		return fmt.Errorf("%w: unknown pipeline stage %q", allocator.ErrValidation, ev.Stage)
	}
	if ev.DealValue.IsNegative() {
		return fmt.Errorf("%w: negative deal value", allocator.ErrValidation)
	}

	prevWeight := 0.0
	if ev.PrevStage != "" {
		w, ok := i.stageWeights[ev.PrevStage]
		if !ok {
			return fmt.Errorf("%w: unknown pipeline stage %q", allocator.ErrValidation, ev.PrevStage)
		}
		prevWeight = w
	}

	delta := ev.DealValue.Mul(decimal.NewFromFloat(weight - prevWeight))
	i.log.Debug("pipeline event",
		"ad", ev.AdID,
		"stage", ev.Stage,
		"prev_stage", ev.PrevStage,
		"delta", delta.String())

	if delta.IsNegative() {
		// Stage regression: shrinking synthetic revenue requires the
		// explicit correction path.
		return i.alloc.CorrectRevenue(ev.AdID, delta)
	}
	return i.alloc.IngestFeedback(ev.AdID, allocator.Feedback{SyntheticRevenue: delta})
}

// IngestMetrics folds a raw performance event into allocator state.
func (i *Ingestor) IngestMetrics(ev MetricsEvent) error {
	return i.alloc.IngestFeedback(ev.AdID, allocator.Feedback{
		Impressions:      ev.Impressions,
		Clicks:           ev.Clicks,
		Spend:            ev.Spend,
		SyntheticRevenue: ev.SyntheticRevenue,
		HoursLive:        ev.HoursLive,
	})
}

// IngestAttribution credits an attributed conversion's value to the
// matched ad. Unmatched results are ignored here; the resolver already
// logged them.
func (i *Ingestor) IngestAttribution(res attribution.Result, value decimal.Decimal) error {
	if res.Method == attribution.MethodNone || res.AdID == "" {
		return nil
	}
	if value.IsNegative() {
		return fmt.Errorf("%w: negative conversion value", allocator.ErrValidation)
	}
	return i.alloc.IngestFeedback(res.AdID, allocator.Feedback{SyntheticRevenue: value})
}

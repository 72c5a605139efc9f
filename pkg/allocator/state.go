// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package allocator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects the decision strategy for an ad. Pipeline ads monetize
// through a delayed CRM pipeline; direct ads convert immediately.
type Mode int

const (
	ModePipeline Mode = iota
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModePipeline:
		return "pipeline"
	case ModeDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "pipeline":
		return ModePipeline, nil
	case "direct":
		return ModeDirect, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// Action is an allocator decision outcome.
type Action string

const (
	ActionHold  Action = "hold"
	ActionScale Action = "scale"
	ActionKill  Action = "kill"
)

// AdState is the allocator's view of one ad. It is owned exclusively by
// the allocator; callers receive copies, never references.
type AdState struct {
	AdID             string          `json:"ad_id"`
	TenantID         string          `json:"tenant_id"`
	Mode             Mode            `json:"-"`
	ModeName         string          `json:"mode"`
	Impressions      int64           `json:"impressions"`
	Clicks           int64           `json:"clicks"`
	Spend            decimal.Decimal `json:"spend"`
	SyntheticRevenue decimal.Decimal `json:"synthetic_revenue"`
	HoursLive        float64         `json:"hours_live"`
	LastDecision     Action          `json:"last_decision,omitempty"`
	LastScore        float64         `json:"last_score"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CTR returns the observed click-through rate.
func (s AdState) CTR() float64 {
	if s.Impressions == 0 {
		return 0
	}
	return float64(s.Clicks) / float64(s.Impressions)
}

// PipelineROAS returns synthetic revenue divided by spend, or zero when
// nothing has been spent yet.
func (s AdState) PipelineROAS() float64 {
	if s.Spend.IsZero() {
		return 0
	}
	roas, _ := s.SyntheticRevenue.Div(s.Spend).Float64()
	return roas
}

// Feedback is one feedback delta folded into an ad's state.
type Feedback struct {
	Impressions      int64
	Clicks           int64
	Spend            decimal.Decimal
	SyntheticRevenue decimal.Decimal
	HoursLive        float64
}

// Decision is the outcome of a single-ad decision pass.
type Decision struct {
	AdID       string  `json:"ad_id"`
	Action     Action  `json:"action"`
	Reason     string  `json:"reason"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Recommendation is one ad's slice of a portfolio allocation.
type Recommendation struct {
	AdID       string          `json:"ad_id"`
	Share      float64         `json:"share"`
	Budget     decimal.Decimal `json:"budget"`
	Score      float64         `json:"score"`
	Confidence float64         `json:"confidence"`
}

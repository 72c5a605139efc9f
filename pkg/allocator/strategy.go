// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package allocator

import "fmt"

// strategy is one mode's decision rule set. A decision with handled ==
// false falls through to bandit sampling.
type strategy interface {
	decide(p Params, s AdState, score, runningAvg float64) (action Action, reason string, handled bool)
}

func strategyFor(mode Mode) strategy {
	switch mode {
	case ModeDirect:
		return directStrategy{}
	default:
		return pipelineStrategy{}
	}
}

// pipelineStrategy covers delayed-revenue businesses. Kills are
// suppressed inside the ignorance zone: attribution lag makes early
// pipeline ROAS meaningless, so an ad is never penalized before it has
// either lived long enough or spent enough.
type pipelineStrategy struct{}

func (pipelineStrategy) decide(p Params, s AdState, score, runningAvg float64) (Action, string, bool) {
	daysLive := s.HoursLive / 24
	spend, _ := s.Spend.Float64()
	roas := s.PipelineROAS()

	inIgnoranceZone := daysLive < p.IgnoranceZoneDays && spend < p.IgnoranceZoneMin

	if !inIgnoranceZone && spend > p.MinKillSpend && roas < p.KillROAS {
		return ActionKill, fmt.Sprintf("pipeline ROAS %.2f below kill threshold %.2f", roas, p.KillROAS), true
	}
	if spend > 0 && roas > p.ScaleROAS {
		return ActionScale, fmt.Sprintf("pipeline ROAS %.2f above scale threshold %.2f", roas, p.ScaleROAS), true
	}
	return ActionHold, "", false
}

// directStrategy covers immediate-conversion businesses: no kill before
// the maturity window, then kill when the blended score falls below the
// configured fraction of the account's running average.
type directStrategy struct{}

func (directStrategy) decide(p Params, s AdState, score, runningAvg float64) (Action, string, bool) {
	if s.HoursLive < p.DirectMaturityH {
		return ActionHold, "", false
	}
	if runningAvg > 0 && score < p.DirectKillRatio*runningAvg {
		return ActionKill, fmt.Sprintf("score %.3f below %.0f%% of account average %.3f",
			score, p.DirectKillRatio*100, runningAvg), true
	}
	return ActionHold, "", false
}

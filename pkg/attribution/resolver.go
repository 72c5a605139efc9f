// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package attribution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/log"
)

// Method identifies which layer matched a conversion.
type Method string

const (
	MethodExact         Method = "exact"
	MethodFingerprint   Method = "fingerprint"
	MethodProbabilistic Method = "probabilistic"
	MethodNone          Method = "none"
)

// Conversion is an incoming conversion event from the tracking
// collaborator. Optional fields are empty when the tracker could not
// capture them.
type Conversion struct {
	ConversionID    string          `json:"conversion_id"`
	Value           decimal.Decimal `json:"value"`
	Timestamp       time.Time       `json:"timestamp"`
	ClickID         string          `json:"click_id,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	FingerprintHash string          `json:"fingerprint_hash,omitempty"`
}

// Result is the resolver's verdict for one conversion. An unmatched
// conversion is a result with method none, never an error.
type Result struct {
	ConversionID   string  `json:"conversion_id"`
	AdID           string  `json:"ad_id,omitempty"`
	TenantID       string  `json:"tenant_id,omitempty"`
	MatchedClickID string  `json:"matched_click_id,omitempty"`
	Method         Method  `json:"method"`
	Confidence     float64 `json:"confidence"`
}

// UnattributedSink receives conversions no layer could match, so they
// stay queryable for investigation.
type UnattributedSink interface {
	RecordUnattributed(conv Conversion, recordedAt time.Time) error
}

// Resolver matches conversions to prior clicks through three ordered
// layers: exact click id, fingerprint hash, then probabilistic scoring.
// First success wins.
type Resolver struct {
	clicks       *ClickStore
	minProbScore float64
	sink         UnattributedSink
	log          log.Logger
}

// NewResolver creates a resolver. The sink may be nil, in which case
// unmatched conversions are only logged.
func NewResolver(clicks *ClickStore, minProbScore float64, sink UnattributedSink, logger log.Logger) *Resolver {
	return &Resolver{
		clicks:       clicks,
		minProbScore: minProbScore,
		sink:         sink,
		log:          logger,
	}
}

// Resolve runs the matching layers for one conversion. Identical inputs
// always produce the same result.
func (r *Resolver) Resolve(conv Conversion, now time.Time) Result {
	if res, ok := r.exactMatch(conv, now); ok {
		r.log.Debug("attribution matched", "conversion", conv.ConversionID, "method", MethodExact, "click", res.MatchedClickID)
		return res
	}
	r.log.Debug("exact layer missed", "conversion", conv.ConversionID)

	if res, ok := r.fingerprintMatch(conv, now); ok {
		r.log.Debug("attribution matched", "conversion", conv.ConversionID, "method", MethodFingerprint, "click", res.MatchedClickID)
		return res
	}
	r.log.Debug("fingerprint layer missed", "conversion", conv.ConversionID)

	if res, ok := r.probabilisticMatch(conv, now); ok {
		r.log.Debug("attribution matched", "conversion", conv.ConversionID, "method", MethodProbabilistic, "click", res.MatchedClickID, "confidence", res.Confidence)
		return res
	}
	r.log.Debug("probabilistic layer missed", "conversion", conv.ConversionID)

	r.log.Info("conversion unattributed", "conversion", conv.ConversionID, "value", conv.Value.String())
	if r.sink != nil {
		if err := r.sink.RecordUnattributed(conv, now); err != nil {
			r.log.Error("record unattributed", "conversion", conv.ConversionID, "error", err)
		}
	}
	return Result{
		ConversionID: conv.ConversionID,
		Method:       MethodNone,
	}
}

// exactMatch: the conversion carries an explicit click id and an
// unexpired record exists for it. Confidence 1.0.
func (r *Resolver) exactMatch(conv Conversion, now time.Time) (Result, bool) {
	if conv.ClickID == "" {
		return Result{}, false
	}
	click, ok := r.clicks.Get(conv.ClickID, now)
	if !ok {
		return Result{}, false
	}
	return Result{
		ConversionID:   conv.ConversionID,
		AdID:           click.AdID,
		TenantID:       click.TenantID,
		MatchedClickID: click.ClickID,
		Method:         MethodExact,
		Confidence:     1.0,
	}, true
}

// fingerprintMatch: equal fingerprint hash against an unexpired record.
// The oldest matching click wins for determinism. Confidence 0.9.
func (r *Resolver) fingerprintMatch(conv Conversion, now time.Time) (Result, bool) {
	if conv.FingerprintHash == "" {
		return Result{}, false
	}
	matches := r.clicks.ByFingerprint(conv.FingerprintHash, now)
	if len(matches) == 0 {
		return Result{}, false
	}
	click := matches[0]
	return Result{
		ConversionID:   conv.ConversionID,
		AdID:           click.AdID,
		TenantID:       click.TenantID,
		MatchedClickID: click.ClickID,
		Method:         MethodFingerprint,
		Confidence:     0.9,
	}, true
}

// probabilisticMatch scores every unexpired candidate on IP equality,
// user-agent equality and recency, and accepts the best one above the
// threshold. Confidence is the score itself.
func (r *Resolver) probabilisticMatch(conv Conversion, now time.Time) (Result, bool) {
	if conv.IP == "" && conv.UserAgent == "" {
		return Result{}, false
	}

	var (
		best      ClickRecord
		bestScore float64
		found     bool
	)
	for _, click := range r.clicks.All(now) {
		score := probabilisticScore(conv, click)
		// Strictly-greater keeps the earliest candidate on ties.
		if score > bestScore {
			best = click
			bestScore = score
			found = true
		}
	}
	if !found || bestScore < r.minProbScore {
		return Result{}, false
	}
	return Result{
		ConversionID:   conv.ConversionID,
		AdID:           best.AdID,
		TenantID:       best.TenantID,
		MatchedClickID: best.ClickID,
		Method:         MethodProbabilistic,
		Confidence:     bestScore,
	}, true
}

// probabilisticScore = 0.5·(IP equal) + 0.3·(UA equal) + 0.2·(1 −
// hours_since_click/24), clamped to [0,1].
func probabilisticScore(conv Conversion, click ClickRecord) float64 {
	score := 0.0
	if conv.IP != "" && conv.IP == click.IP {
		score += 0.5
	}
	if conv.UserAgent != "" && conv.UserAgent == click.UserAgent {
		score += 0.3
	}
	hours := conv.Timestamp.Sub(click.CreatedAt).Hours()
	score += 0.2 * (1 - hours/24)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

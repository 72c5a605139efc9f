// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package allocator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/log"
)

var (
	ErrNotFound   = errors.New("ad not found")
	ErrValidation = errors.New("invalid feedback")
)

// PatternIndex supplies an opaque score in [0,1] per ad from an external
// pattern-matching collaborator. Zero means no boost.
type PatternIndex interface {
	Boost(adID string) float64
}

// noBoost is the index used when none is injected.
type noBoost struct{}

func (noBoost) Boost(string) float64 { return 0 }

// adEntry serializes all mutation of one ad's state. Different ads never
// contend on each other.
type adEntry struct {
	mu    sync.Mutex
	state AdState
}

// runningAvg is an exponentially weighted average of blended scores per
// tenant, used by the direct-mode kill rule.
type runningAvg struct {
	value float64
	n     int64
}

func (r *runningAvg) update(score float64) float64 {
	if r.n == 0 {
		r.value = score
	} else {
		r.value = 0.9*r.value + 0.1*score
	}
	r.n++
	return r.value
}

// Allocator is the bandit engine producing allocation, kill and scale
// decisions per ad from blended CTR/ROAS signals. All state is owned
// here and mutated only through the feedback and decision paths.
type Allocator struct {
	params  Params
	pattern PatternIndex
	log     log.Logger

	mu   sync.RWMutex
	ads  map[string]*adEntry
	avgs map[string]*runningAvg // keyed by tenant

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an allocator. A nil pattern index disables the boost.
func New(params Params, pattern PatternIndex, logger log.Logger) *Allocator {
	return NewWithSeed(params, pattern, logger, time.Now().UnixNano())
}

// NewWithSeed creates an allocator with a deterministic sampling source
// for tests.
func NewWithSeed(params Params, pattern PatternIndex, logger log.Logger, seed int64) *Allocator {
	if pattern == nil {
		pattern = noBoost{}
	}
	return &Allocator{
		params:  params,
		pattern: pattern,
		log:     logger,
		ads:     make(map[string]*adEntry),
		avgs:    make(map[string]*runningAvg),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Register creates state for an ad if absent. Registering an existing ad
// is a no-op and keeps its accumulated state.
func (a *Allocator) Register(adID, tenantID string, mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ads[adID]; ok {
		return
	}
	a.ads[adID] = &adEntry{state: AdState{
		AdID:      adID,
		TenantID:  tenantID,
		Mode:      mode,
		ModeName:  mode.String(),
		Spend:     decimal.Zero,
		UpdatedAt: time.Now().UTC(),
	}}
	a.log.Info("ad registered", "ad", adID, "tenant", tenantID, "mode", mode.String())
}

// IngestFeedback folds a feedback delta into an ad's state. Malformed
// deltas are rejected with ErrValidation and leave the state untouched;
// synthetic revenue only ever increases through this path.
func (a *Allocator) IngestFeedback(adID string, fb Feedback) error {
	if fb.Impressions < 0 || fb.Clicks < 0 {
		return fmt.Errorf("%w: negative impressions or clicks", ErrValidation)
	}
	if fb.Spend.IsNegative() {
		return fmt.Errorf("%w: negative spend", ErrValidation)
	}
	if fb.SyntheticRevenue.IsNegative() {
		return fmt.Errorf("%w: negative revenue delta, use CorrectRevenue", ErrValidation)
	}

	entry, err := a.entry(adID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	s := &entry.state
	s.Impressions += fb.Impressions
	s.Clicks += fb.Clicks
	s.Spend = s.Spend.Add(fb.Spend)
	s.SyntheticRevenue = s.SyntheticRevenue.Add(fb.SyntheticRevenue)
	if fb.HoursLive > s.HoursLive {
		s.HoursLive = fb.HoursLive
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// CorrectRevenue applies an explicit revenue correction. This is the
// only path that may decrease synthetic revenue, and it never takes it
// below zero.
func (a *Allocator) CorrectRevenue(adID string, delta decimal.Decimal) error {
	entry, err := a.entry(adID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	s := &entry.state
	corrected := s.SyntheticRevenue.Add(delta)
	if corrected.IsNegative() {
		corrected = decimal.Zero
	}
	a.log.Info("revenue corrected",
		"ad", adID,
		"delta", delta.String(),
		"revenue", corrected.String())
	s.SyntheticRevenue = corrected
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Decide computes one ad's decision: mode rules first, bandit sampling
// as the fallthrough.
func (a *Allocator) Decide(adID string) (Decision, error) {
	entry, err := a.entry(adID)
	if err != nil {
		return Decision{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	s := &entry.state

	score := a.params.blendedScore(*s, a.pattern.Boost(adID))
	avg := a.updateAvg(s.TenantID, score)

	action, reason, handled := strategyFor(s.Mode).decide(a.params, *s, score, avg)
	if !handled {
		action, reason = a.sample(*s, score, avg)
	}

	s.LastDecision = action
	s.LastScore = score

	d := Decision{
		AdID:       adID,
		Action:     action,
		Reason:     reason,
		Score:      score,
		Confidence: a.params.confidence(*s, score),
	}
	a.log.Debug("decision",
		"ad", adID,
		"action", action,
		"score", score,
		"confidence", d.Confidence,
		"reason", reason)
	return d, nil
}

// sample is the bandit fallthrough: perturb the score with noise that
// shrinks as impressions accumulate, and scale when the draw beats the
// account average. Exploration for young ads, exploitation for mature
// ones.
func (a *Allocator) sample(s AdState, score, avg float64) (Action, string) {
	sigma := 0.2 / math.Sqrt(1+float64(s.Impressions)/100)
	a.rngMu.Lock()
	draw := score + a.rng.NormFloat64()*sigma
	a.rngMu.Unlock()

	if avg > 0 && draw > avg {
		return ActionScale, fmt.Sprintf("bandit draw %.3f above account average %.3f", draw, avg)
	}
	return ActionHold, fmt.Sprintf("bandit draw %.3f at or below account average %.3f", draw, avg)
}

// Allocate distributes totalBudget across the given ads as softmax
// shares over their blended scores. A consistent snapshot of every state
// is taken before any share is computed.
func (a *Allocator) Allocate(adIDs []string, totalBudget decimal.Decimal) ([]Recommendation, error) {
	states := make([]AdState, 0, len(adIDs))
	for _, id := range adIDs {
		entry, err := a.entry(id)
		if err != nil {
			return nil, fmt.Errorf("allocate %s: %w", id, err)
		}
		entry.mu.Lock()
		states = append(states, entry.state)
		entry.mu.Unlock()
	}
	if len(states) == 0 {
		return nil, nil
	}

	scores := make([]float64, len(states))
	for i, s := range states {
		scores[i] = a.params.blendedScore(s, a.pattern.Boost(s.AdID))
	}
	shares := a.params.softmax(scores)

	recs := make([]Recommendation, len(states))
	for i, s := range states {
		recs[i] = Recommendation{
			AdID:       s.AdID,
			Share:      shares[i],
			Budget:     totalBudget.Mul(decimal.NewFromFloat(shares[i])).Round(2),
			Score:      scores[i],
			Confidence: a.params.confidence(s, scores[i]),
		}
	}
	return recs, nil
}

// State returns a copy of one ad's state.
func (a *Allocator) State(adID string) (AdState, error) {
	entry, err := a.entry(adID)
	if err != nil {
		return AdState{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, nil
}

// Snapshot returns copies of all ad states for the monitoring API.
func (a *Allocator) Snapshot() []AdState {
	a.mu.RLock()
	entries := make([]*adEntry, 0, len(a.ads))
	for _, e := range a.ads {
		entries = append(entries, e)
	}
	a.mu.RUnlock()

	states := make([]AdState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		states = append(states, e.state)
		e.mu.Unlock()
	}
	return states
}

// AdIDs returns the ids of all tracked ads.
func (a *Allocator) AdIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.ads))
	for id := range a.ads {
		ids = append(ids, id)
	}
	return ids
}

func (a *Allocator) entry(adID string) (*adEntry, error) {
	a.mu.RLock()
	entry, ok := a.ads[adID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, adID)
	}
	return entry, nil
}

func (a *Allocator) updateAvg(tenantID string, score float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	avg, ok := a.avgs[tenantID]
	if !ok {
		avg = &runningAvg{}
		a.avgs[tenantID] = avg
	}
	return avg.update(score)
}

// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pattern holds the in-process view of the external pattern
// index. The index itself is an external collaborator; only its opaque
// per-ad score is consumed here.
package pattern

import "sync"

// Index caches pattern scores per ad. Scores land in [0,1]; the
// allocator bounds the boost it derives from them.
type Index struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{scores: make(map[string]float64)}
}

// SetScore records the latest score for an ad, clamped to [0,1].
func (i *Index) SetScore(adID string, score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	i.mu.Lock()
	i.scores[adID] = score
	i.mu.Unlock()
}

// Boost returns the cached score for an ad, zero when unknown.
func (i *Index) Boost(adID string) float64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.scores[adID]
}
